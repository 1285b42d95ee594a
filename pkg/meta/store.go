package meta

import (
	"context"
	"strconv"
	"sync"

	xx "github.com/cespare/xxhash/v2"
)

// Store maps (tenant, key[, version, segment]) to content records.
type Store interface {
	// Insert makes rec the current record for its key and returns the
	// total size of the record it replaced. It fails with
	// ErrInvalidDuplicate unless rec is strictly newer than the current one.
	Insert(ctx context.Context, rec ContentRecord) (int64, error)
	Lookup(ctx context.Context, q LookupQuery) (ContentRecord, error)
}

const defaultStripes = 64

type versionKey struct {
	version int64
	segment int32
}

type keyEntry struct {
	current  *ContentRecord
	versions map[versionKey]ContentRecord
}

type stripe struct {
	mu   sync.RWMutex
	keys map[string]*keyEntry
}

// MemStore is an in-memory Store. Keys hash onto lock stripes so that
// operations on different keys rarely contend while operations on one
// key are serialized.
type MemStore struct {
	stripes []stripe
}

func NewMemStore(stripes int) *MemStore {
	if stripes <= 0 {
		stripes = defaultStripes
	}
	s := &MemStore{stripes: make([]stripe, stripes)}
	for i := range s.stripes {
		s.stripes[i].keys = make(map[string]*keyEntry)
	}
	return s
}

func entryKey(tenant int64, key string) string {
	return strconv.FormatInt(tenant, 10) + "/" + key
}

func (s *MemStore) stripeFor(k string) *stripe {
	return &s.stripes[xx.Sum64String(k)%uint64(len(s.stripes))]
}

func (s *MemStore) Insert(_ context.Context, rec ContentRecord) (int64, error) {
	k := entryKey(rec.TenantID, rec.Key)
	st := s.stripeFor(k)
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.keys[k]
	if !ok {
		e = &keyEntry{versions: make(map[versionKey]ContentRecord)}
		st.keys[k] = e
	}
	var prior int64
	if e.current != nil {
		if !e.current.Timestamp.Before(rec.Timestamp) {
			return 0, ErrInvalidDuplicate
		}
		prior = e.current.TotalSize
	}
	cur := rec
	e.current = &cur
	e.versions[versionKey{rec.VersionNumber, rec.SegmentNumber}] = rec
	return prior, nil
}

func (s *MemStore) Lookup(_ context.Context, q LookupQuery) (ContentRecord, error) {
	k := entryKey(q.TenantID, q.Key)
	st := s.stripeFor(k)
	st.mu.RLock()
	defer st.mu.RUnlock()

	e, ok := st.keys[k]
	if !ok || e.current == nil {
		return ContentRecord{}, ErrKeyNotFound
	}
	rec, ok := selectRecord(e, q)
	if !ok || rec.IsTombstone {
		return ContentRecord{}, ErrKeyNotFound
	}
	return rec, nil
}

func selectRecord(e *keyEntry, q LookupQuery) (ContentRecord, bool) {
	if q.VersionNumber == nil {
		if q.SegmentNumber != nil && *q.SegmentNumber != e.current.SegmentNumber {
			return ContentRecord{}, false
		}
		return *e.current, true
	}
	if q.SegmentNumber != nil {
		rec, ok := e.versions[versionKey{*q.VersionNumber, *q.SegmentNumber}]
		return rec, ok
	}
	// version without segment: lowest segment number of that version
	var (
		best  ContentRecord
		found bool
	)
	for vk, rec := range e.versions {
		if vk.version != *q.VersionNumber {
			continue
		}
		if !found || rec.SegmentNumber < best.SegmentNumber {
			best, found = rec, true
		}
	}
	return best, found
}
