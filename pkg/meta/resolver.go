package meta

import (
	"context"
	"sort"
	"sync"
)

// Resolver decides which physical segments satisfy a read of a key.
type Resolver interface {
	Resolve(ctx context.Context, tenant int64, key string, version *int64) (ReadPlan, error)
}

// MemIndex is an in-memory Resolver over conjoined and segment rows.
type MemIndex struct {
	mu        sync.RWMutex
	conjoined []ConjoinedRecord
	segments  []SegmentRecord
}

func NewMemIndex() *MemIndex { return &MemIndex{} }

func (m *MemIndex) AddConjoined(r ConjoinedRecord) {
	m.mu.Lock()
	m.conjoined = append(m.conjoined, r)
	m.mu.Unlock()
}

func (m *MemIndex) AddSegment(r SegmentRecord) {
	m.mu.Lock()
	m.segments = append(m.segments, r)
	m.mu.Unlock()
}

func (m *MemIndex) Resolve(_ context.Context, tenant int64, key string, version *int64) (ReadPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *ConjoinedRecord
	for i := range m.conjoined {
		c := &m.conjoined[i]
		if c.TenantID != tenant || c.Key != key {
			continue
		}
		if latest == nil || c.CreateTimestamp.After(latest.CreateTimestamp) {
			latest = c
		}
	}

	if latest != nil {
		var parts []SegmentRecord
		for _, s := range m.segments {
			if s.IsHandoff() || s.ConjoinedUnifiedID == nil || *s.ConjoinedUnifiedID != latest.UnifiedID {
				continue
			}
			parts = append(parts, s)
		}
		if len(parts) == 0 {
			return nil, ErrNotFound
		}
		sort.SliceStable(parts, func(i, j int) bool { return parts[i].ConjoinedPart < parts[j].ConjoinedPart })
		return Conjoined{Record: *latest, Parts: parts}, nil
	}

	var best *SegmentRecord
	for i := range m.segments {
		s := &m.segments[i]
		if s.IsHandoff() || s.TenantID != tenant || s.Key != key {
			continue
		}
		if version != nil {
			if s.UnifiedID == *version {
				best = s
				break
			}
			continue
		}
		if best == nil || s.Timestamp.After(best.Timestamp) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return Standalone{Segment: *best}, nil
}
