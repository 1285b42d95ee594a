// Package reader serves segmented retrieves: a RetrieveStart triggers a
// metadata lookup and returns the first chunk, RetrieveNext and
// RetrieveFinal stream the following chunks in strict sequence.
package reader

import (
	"time"
)

// Stage selects the timeout behaviour of a session.
type Stage int

const (
	AwaitingLookup Stage = iota
	Streaming
)

func (s Stage) String() string {
	switch s {
	case AwaitingLookup:
		return "awaiting_lookup"
	case Streaming:
		return "streaming"
	}
	return "unknown"
}

// RetrieveState is one in-flight retrieve. Fields are copied out of the
// lookup reply, never shared with the metadata store.
type RetrieveState struct {
	RequestID     string    `cbor:"1,keyasint"`
	TenantID      int64     `cbor:"2,keyasint"`
	Key           string    `cbor:"3,keyasint"`
	VersionNumber *int64    `cbor:"4,keyasint,omitempty"`
	SegmentNumber *int32    `cbor:"5,keyasint,omitempty"`
	ReplyTo       string    `cbor:"6,keyasint"`
	SegmentSize   int64     `cbor:"7,keyasint"`
	Sequence      int32     `cbor:"8,keyasint"`
	FileLocator   string    `cbor:"9,keyasint"`
	Deadline      time.Time `cbor:"10,keyasint"`
	Stage         Stage     `cbor:"11,keyasint"`
}

func (s *RetrieveState) expired(now time.Time) bool { return now.After(s.Deadline) }
