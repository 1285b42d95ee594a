package meta

import (
	"time"

	"DataReader/pkg/checksum"
)

// ContentRecord is one row per (tenant, key, version, segment number).
// SegmentCount and SegmentSize describe how the stored file is chunked
// for streaming.
type ContentRecord struct {
	TenantID        int64        `cbor:"1,keyasint" json:"tenant_id"`
	Key             string       `cbor:"2,keyasint" json:"key"`
	VersionNumber   int64        `cbor:"3,keyasint" json:"version_number"`
	SegmentNumber   int32        `cbor:"4,keyasint" json:"segment_number"`
	SegmentCount    int32        `cbor:"5,keyasint" json:"segment_count"`
	SegmentSize     int64        `cbor:"6,keyasint" json:"segment_size"`
	TotalSize       int64        `cbor:"7,keyasint" json:"total_size"`
	Timestamp       time.Time    `cbor:"8,keyasint" json:"timestamp"`
	IsTombstone     bool         `cbor:"9,keyasint" json:"is_tombstone"`
	FileLocator     string       `cbor:"10,keyasint" json:"file_locator"`
	FileChecksum    checksum.Sum `cbor:"11,keyasint" json:"file_checksum"`
	SegmentChecksum checksum.Sum `cbor:"12,keyasint" json:"segment_checksum"`
}

// LookupQuery selects the current record for a key, or an exact
// version (and optionally segment) when those are set.
type LookupQuery struct {
	TenantID      int64
	Key           string
	VersionNumber *int64
	SegmentNumber *int32
}

// ConjoinedRecord groups the parts of a multi-part upload under one id.
type ConjoinedRecord struct {
	UnifiedID         int64      `cbor:"1,keyasint" json:"unified_id"`
	TenantID          int64      `cbor:"2,keyasint" json:"tenant_id"`
	Key               string     `cbor:"3,keyasint" json:"key"`
	CreateTimestamp   time.Time  `cbor:"4,keyasint" json:"create_timestamp"`
	CompleteTimestamp *time.Time `cbor:"5,keyasint,omitempty" json:"complete_timestamp,omitempty"`
	DeleteTimestamp   *time.Time `cbor:"6,keyasint,omitempty" json:"delete_timestamp,omitempty"`
}

// SegmentRecord is a physical segment, standalone or part of a conjoined
// group. A non-nil HandoffNodeID marks a replication handoff copy.
type SegmentRecord struct {
	ID                 int64        `cbor:"1,keyasint" json:"id"`
	TenantID           int64        `cbor:"2,keyasint" json:"tenant_id"`
	Key                string       `cbor:"3,keyasint" json:"key"`
	UnifiedID          int64        `cbor:"4,keyasint" json:"unified_id"`
	Timestamp          time.Time    `cbor:"5,keyasint" json:"timestamp"`
	SegmentNumber      int32        `cbor:"6,keyasint" json:"segment_number"`
	FileSize           int64        `cbor:"7,keyasint" json:"file_size"`
	FileChecksum       checksum.Sum `cbor:"8,keyasint" json:"file_checksum"`
	ConjoinedUnifiedID *int64       `cbor:"9,keyasint,omitempty" json:"conjoined_unified_id,omitempty"`
	ConjoinedPart      int32        `cbor:"10,keyasint" json:"conjoined_part"`
	HandoffNodeID      *int64       `cbor:"11,keyasint,omitempty" json:"handoff_node_id,omitempty"`
}

func (s SegmentRecord) IsHandoff() bool { return s.HandoffNodeID != nil }

// ReadPlan is either Standalone or Conjoined.
type ReadPlan interface {
	Segments() []SegmentRecord
	isReadPlan()
}

type Standalone struct {
	Segment SegmentRecord
}

func (p Standalone) Segments() []SegmentRecord { return []SegmentRecord{p.Segment} }
func (Standalone) isReadPlan()                 {}

type Conjoined struct {
	Record ConjoinedRecord
	Parts  []SegmentRecord
}

func (p Conjoined) Segments() []SegmentRecord { return p.Parts }
func (Conjoined) isReadPlan()                 {}
