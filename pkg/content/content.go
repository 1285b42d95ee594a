// Package content reads byte ranges of stored object files addressed by
// an opaque file locator.
package content

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("content: file not found")
	ErrInvalidRange   = errors.New("content: invalid range")
	ErrInvalidLocator = errors.New("content: invalid locator")
)

// Reader returns up to length bytes starting at offset. A range running
// past the end of the file yields the bytes that exist; an offset at or
// beyond the end yields an empty slice.
type Reader interface {
	Read(ctx context.Context, locator string, offset, length int64) ([]byte, error)
}
