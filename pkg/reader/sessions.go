package reader

import (
	"sort"
	"time"
)

// Sessions is the session table of one dispatch worker. It is not safe
// for concurrent use; the owning worker serializes every access.
type Sessions struct {
	m map[string]*RetrieveState
}

func NewSessions() *Sessions {
	return &Sessions{m: make(map[string]*RetrieveState)}
}

func (s *Sessions) Get(requestID string) (*RetrieveState, bool) {
	st, ok := s.m[requestID]
	return st, ok
}

func (s *Sessions) Put(st *RetrieveState) { s.m[st.RequestID] = st }

// Take removes and returns the session for requestID.
func (s *Sessions) Take(requestID string) (*RetrieveState, bool) {
	st, ok := s.m[requestID]
	if ok {
		delete(s.m, requestID)
	}
	return st, ok
}

func (s *Sessions) Len() int { return len(s.m) }

// Expired returns the sessions whose deadline is before now, earliest
// deadline first.
func (s *Sessions) Expired(now time.Time) []*RetrieveState {
	var out []*RetrieveState
	for _, st := range s.m {
		if st.expired(now) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].Deadline.Before(out[j].Deadline)
	})
	return out
}

// All returns copies of every live session, ordered by request id.
func (s *Sessions) All() []RetrieveState {
	out := make([]RetrieveState, 0, len(s.m))
	for _, st := range s.m {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}
