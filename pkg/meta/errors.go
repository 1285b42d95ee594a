package meta

import "errors"

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrInvalidDuplicate = errors.New("invalid duplicate: existing record is not older")
	// ErrNotFound is returned by resolvers when no readable segment remains.
	ErrNotFound = errors.New("no readable segment")
)
