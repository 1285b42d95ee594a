// Package wire defines the request/reply messages exchanged over the bus
// and their CBOR encoding.
package wire

import (
	"strings"
	"time"

	"DataReader/pkg/meta"
)

// Routing tags. A routing key is "<header>.<tag>".
const (
	TagRetrieveStart      = "retrieve_key_start"
	TagRetrieveStartReply = "retrieve_key_start_reply"
	TagRetrieveNext       = "retrieve_key_next"
	TagRetrieveNextReply  = "retrieve_key_next_reply"
	TagRetrieveFinal      = "retrieve_key_final"
	TagRetrieveFinalReply = "retrieve_key_final_reply"

	TagKeyLookup       = "database_key_lookup"
	TagKeyLookupReply  = "database_key_lookup_reply"
	TagKeyInsert       = "database_key_insert"
	TagKeyInsertReply  = "database_key_insert_reply"
	TagKeyResolve      = "database_key_resolve"
	TagKeyResolveReply = "database_key_resolve_reply"

	ProcessStatusKey = "process_status"
)

func RoutingKey(header, tag string) string { return header + "." + tag }

// SplitRoutingKey returns the header and the tag of a routing key.
func SplitRoutingKey(key string) (header, tag string) {
	i := strings.LastIndexByte(key, '.')
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}

type RetrieveStart struct {
	RequestID     string `cbor:"1,keyasint"`
	TenantID      int64  `cbor:"2,keyasint"`
	Key           string `cbor:"3,keyasint"`
	VersionNumber *int64 `cbor:"4,keyasint,omitempty"`
	SegmentNumber *int32 `cbor:"5,keyasint,omitempty"`
	ReplyTo       string `cbor:"6,keyasint"`
}

// RetrieveStartReply carries the record metadata and the first chunk.
// On KeyNotFound for a tombstone the record is still attached.
type RetrieveStartReply struct {
	RequestID    string              `cbor:"1,keyasint"`
	Status       Status              `cbor:"2,keyasint"`
	ErrorMessage string              `cbor:"3,keyasint,omitempty"`
	TenantID     int64               `cbor:"4,keyasint"`
	Key          string              `cbor:"5,keyasint"`
	Record       *meta.ContentRecord `cbor:"6,keyasint,omitempty"`
	Data         []byte              `cbor:"7,keyasint,omitempty"`
}

type RetrieveNext struct {
	RequestID string `cbor:"1,keyasint"`
	Sequence  int32  `cbor:"2,keyasint"`
}

type RetrieveFinal struct {
	RequestID string `cbor:"1,keyasint"`
	Sequence  int32  `cbor:"2,keyasint"`
}

// ChunkReply answers both RetrieveNext and RetrieveFinal.
type ChunkReply struct {
	RequestID        string `cbor:"1,keyasint"`
	Sequence         int32  `cbor:"2,keyasint"`
	Status           Status `cbor:"3,keyasint"`
	ErrorMessage     string `cbor:"4,keyasint,omitempty"`
	ExpectedSequence int32  `cbor:"5,keyasint,omitempty"`
	Data             []byte `cbor:"6,keyasint,omitempty"`
}

type KeyLookup struct {
	RequestID     string `cbor:"1,keyasint"`
	TenantID      int64  `cbor:"2,keyasint"`
	Key           string `cbor:"3,keyasint"`
	VersionNumber *int64 `cbor:"4,keyasint,omitempty"`
	SegmentNumber *int32 `cbor:"5,keyasint,omitempty"`
	ReplyTo       string `cbor:"6,keyasint"`
}

type KeyLookupReply struct {
	RequestID    string              `cbor:"1,keyasint"`
	Status       Status              `cbor:"2,keyasint"`
	ErrorMessage string              `cbor:"3,keyasint,omitempty"`
	Record       *meta.ContentRecord `cbor:"4,keyasint,omitempty"`
}

type KeyInsert struct {
	RequestID string             `cbor:"1,keyasint"`
	Record    meta.ContentRecord `cbor:"2,keyasint"`
	ReplyTo   string             `cbor:"3,keyasint"`
}

type KeyInsertReply struct {
	RequestID    string `cbor:"1,keyasint"`
	Status       Status `cbor:"2,keyasint"`
	ErrorMessage string `cbor:"3,keyasint,omitempty"`
	PreviousSize int64  `cbor:"4,keyasint"`
}

type KeyResolve struct {
	RequestID     string `cbor:"1,keyasint"`
	TenantID      int64  `cbor:"2,keyasint"`
	Key           string `cbor:"3,keyasint"`
	VersionNumber *int64 `cbor:"4,keyasint,omitempty"`
	ReplyTo       string `cbor:"5,keyasint"`
}

type KeyResolveReply struct {
	RequestID    string                `cbor:"1,keyasint"`
	Status       Status                `cbor:"2,keyasint"`
	ErrorMessage string                `cbor:"3,keyasint,omitempty"`
	Conjoined    *meta.ConjoinedRecord `cbor:"4,keyasint,omitempty"`
	Segments     []meta.SegmentRecord  `cbor:"5,keyasint,omitempty"`
}

func NewKeyResolveReply(requestID string, plan meta.ReadPlan) KeyResolveReply {
	r := KeyResolveReply{RequestID: requestID, Status: Successful, Segments: plan.Segments()}
	if c, ok := plan.(meta.Conjoined); ok {
		rec := c.Record
		r.Conjoined = &rec
	}
	return r
}

// Plan rebuilds the read plan of a successful reply.
func (r KeyResolveReply) Plan() meta.ReadPlan {
	if r.Conjoined != nil {
		return meta.Conjoined{Record: *r.Conjoined, Parts: r.Segments}
	}
	if len(r.Segments) == 0 {
		return nil
	}
	return meta.Standalone{Segment: r.Segments[0]}
}

const (
	StatusStartup  = "startup"
	StatusShutdown = "shutdown"
)

type ProcessStatus struct {
	Timestamp     time.Time `cbor:"1,keyasint"`
	RoutingHeader string    `cbor:"2,keyasint"`
	Status        string    `cbor:"3,keyasint"`
}
