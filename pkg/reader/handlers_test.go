package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DataReader/pkg/content"
	"DataReader/pkg/meta"
	"DataReader/pkg/wire"
)

type fakeContent struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
	reads int
}

func (f *fakeContent) Read(_ context.Context, locator string, offset, length int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.files[locator]
	if !ok {
		return nil, content.ErrNotFound
	}
	if offset >= int64(len(b)) {
		return []byte{}, nil
	}
	end := min(offset+length, int64(len(b)))
	return append([]byte(nil), b[offset:end]...), nil
}

var t0 = time.Unix(1_700_000_000, 0)

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func newManager(fc *fakeContent) *Manager {
	return NewManager(Config{}, nil, fc, nil, zerolog.Nop())
}

func startMsg(id string) wire.RetrieveStart {
	return wire.RetrieveStart{RequestID: id, TenantID: 1001, Key: "k", ReplyTo: "web"}
}

func lookupOK(id string, rec meta.ContentRecord) wire.KeyLookupReply {
	return wire.KeyLookupReply{RequestID: id, Status: wire.Successful, Record: &rec}
}

func threeSegments() meta.ContentRecord {
	return meta.ContentRecord{
		TenantID:     1001,
		Key:          "k",
		SegmentCount: 3,
		SegmentSize:  1024,
		TotalSize:    3072,
		Timestamp:    t0,
		FileLocator:  "file-a",
	}
}

func onlyStartReply(t *testing.T, out []Outbound) wire.RetrieveStartReply {
	t.Helper()
	require.Len(t, out, 1)
	assert.Equal(t, "web.retrieve_key_start_reply", out[0].RoutingKey)
	r, ok := out[0].Body.(wire.RetrieveStartReply)
	require.True(t, ok, "got %T", out[0].Body)
	return r
}

func onlyChunkReply(t *testing.T, out []Outbound, routingKey string) wire.ChunkReply {
	t.Helper()
	require.Len(t, out, 1)
	assert.Equal(t, routingKey, out[0].RoutingKey)
	r, ok := out[0].Body.(wire.ChunkReply)
	require.True(t, ok, "got %T", out[0].Body)
	return r
}

func TestStart_SendsLookupAndNoReply(t *testing.T) {
	m := newManager(&fakeContent{})
	v := int64(7)
	msg := startMsg("r1")
	msg.VersionNumber = &v

	out := m.Start(msg, t0)
	require.Len(t, out, 1)
	assert.Equal(t, "database_server.database_key_lookup", out[0].RoutingKey)
	lookup := out[0].Body.(wire.KeyLookup)
	assert.Equal(t, "r1", lookup.RequestID)
	assert.Equal(t, "data_reader", lookup.ReplyTo)
	assert.Equal(t, int64(1001), lookup.TenantID)
	require.NotNil(t, lookup.VersionNumber)
	assert.Equal(t, int64(7), *lookup.VersionNumber)

	st, ok := m.Sessions().Get("r1")
	require.True(t, ok)
	assert.Equal(t, AwaitingLookup, st.Stage)
	assert.Equal(t, int32(-1), st.Sequence)
	assert.Equal(t, t0.Add(DefaultLookupTimeout), st.Deadline)
}

func TestStreamThreeSegments(t *testing.T) {
	payload := pattern(3072)
	m := newManager(&fakeContent{files: map[string][]byte{"file-a": payload}})

	m.Start(startMsg("r1"), t0)
	start := onlyStartReply(t, m.LookupReply(context.Background(), lookupOK("r1", threeSegments()), t0))
	require.Equal(t, wire.Successful, start.Status)
	assert.Equal(t, payload[0:1024], start.Data)
	require.NotNil(t, start.Record)
	assert.Equal(t, int32(3), start.Record.SegmentCount)

	st, ok := m.Sessions().Get("r1")
	require.True(t, ok)
	assert.Equal(t, Streaming, st.Stage)
	assert.Equal(t, int32(0), st.Sequence)
	assert.Equal(t, t0.Add(DefaultRetrieveTimeout), st.Deadline)

	next := onlyChunkReply(t, m.Next(context.Background(), wire.RetrieveNext{RequestID: "r1", Sequence: 1}, t0),
		"web.retrieve_key_next_reply")
	require.Equal(t, wire.Successful, next.Status)
	assert.Equal(t, int32(1), next.Sequence)
	assert.Equal(t, payload[1024:2048], next.Data)

	final := onlyChunkReply(t, m.Final(context.Background(), wire.RetrieveFinal{RequestID: "r1", Sequence: 2}, t0),
		"web.retrieve_key_final_reply")
	require.Equal(t, wire.Successful, final.Status)
	assert.Equal(t, payload[2048:3072], final.Data)

	_, ok = m.Sessions().Get("r1")
	assert.False(t, ok, "final ends the session")
	assert.Empty(t, m.Next(context.Background(), wire.RetrieveNext{RequestID: "r1", Sequence: 3}, t0))
}

func TestReplayedNextIsOutOfSequence(t *testing.T) {
	fc := &fakeContent{files: map[string][]byte{"file-a": pattern(3072)}}
	m := newManager(fc)

	m.Start(startMsg("r1"), t0)
	m.LookupReply(context.Background(), lookupOK("r1", threeSegments()), t0)
	m.Next(context.Background(), wire.RetrieveNext{RequestID: "r1", Sequence: 1}, t0)
	reads := fc.reads

	replay := onlyChunkReply(t, m.Next(context.Background(), wire.RetrieveNext{RequestID: "r1", Sequence: 1}, t0),
		"web.retrieve_key_next_reply")
	assert.Equal(t, wire.OutOfSequence, replay.Status)
	assert.Equal(t, int32(1), replay.Sequence)
	assert.Equal(t, int32(2), replay.ExpectedSequence)
	assert.Contains(t, replay.ErrorMessage, "out of sequence 1 2")
	assert.Empty(t, replay.Data)
	assert.Equal(t, reads, fc.reads, "no read on a sequence error")

	_, ok := m.Sessions().Get("r1")
	assert.False(t, ok, "sequence errors are not recoverable")
	assert.Empty(t, m.Final(context.Background(), wire.RetrieveFinal{RequestID: "r1", Sequence: 2}, t0))
}

func TestSequenceMustBeNextExpected(t *testing.T) {
	for _, seq := range []int32{-1, 0, 2, 5} {
		m := newManager(&fakeContent{files: map[string][]byte{"file-a": pattern(3072)}})
		m.Start(startMsg("r1"), t0)
		m.LookupReply(context.Background(), lookupOK("r1", threeSegments()), t0)

		r := onlyChunkReply(t, m.Final(context.Background(), wire.RetrieveFinal{RequestID: "r1", Sequence: seq}, t0),
			"web.retrieve_key_final_reply")
		assert.Equal(t, wire.OutOfSequence, r.Status, "sequence %d", seq)
		assert.Equal(t, int32(1), r.ExpectedSequence)
		assert.Zero(t, m.Sessions().Len())
	}
}

func TestDuplicateStartLeavesFirstSessionAlone(t *testing.T) {
	m := newManager(&fakeContent{})
	m.Start(startMsg("r1"), t0)
	before, _ := m.Sessions().Get("r1")
	snapshot := *before

	dup := startMsg("r1")
	dup.Key = "other"
	r := onlyStartReply(t, m.Start(dup, t0.Add(time.Second)))
	assert.Equal(t, wire.InvalidDuplicate, r.Status)
	assert.Equal(t, "r1", r.RequestID)

	after, ok := m.Sessions().Get("r1")
	require.True(t, ok)
	assert.Equal(t, snapshot, *after)
}

func TestSingleSegmentEndsAfterStart(t *testing.T) {
	m := newManager(&fakeContent{files: map[string][]byte{"small": []byte("hello")}})
	rec := meta.ContentRecord{TenantID: 1001, Key: "k", SegmentCount: 1, SegmentSize: 1024, TotalSize: 5, FileLocator: "small"}

	m.Start(startMsg("r1"), t0)
	r := onlyStartReply(t, m.LookupReply(context.Background(), lookupOK("r1", rec), t0))
	assert.Equal(t, wire.Successful, r.Status)
	assert.Equal(t, []byte("hello"), r.Data)

	assert.Zero(t, m.Sessions().Len())
	assert.Empty(t, m.Next(context.Background(), wire.RetrieveNext{RequestID: "r1", Sequence: 1}, t0))
	assert.Empty(t, m.Final(context.Background(), wire.RetrieveFinal{RequestID: "r1", Sequence: 1}, t0))
}

func TestLookupFailures(t *testing.T) {
	tombstone := threeSegments()
	tombstone.IsTombstone = true

	tests := []struct {
		name    string
		reply   wire.KeyLookupReply
		status  wire.Status
		message string
		record  bool
	}{
		{
			name:    "database error passes through",
			reply:   wire.KeyLookupReply{RequestID: "r1", Status: wire.DatabaseError, ErrorMessage: "connection refused"},
			status:  wire.DatabaseError,
			message: "connection refused",
		},
		{
			name:    "missing key",
			reply:   wire.KeyLookupReply{RequestID: "r1", Status: wire.KeyNotFound, ErrorMessage: "meta: key not found"},
			status:  wire.KeyNotFound,
			message: "meta: key not found",
		},
		{
			name:    "tombstone",
			reply:   lookupOK("r1", tombstone),
			status:  wire.KeyNotFound,
			message: "is tombstone",
			record:  true,
		},
		{
			name:    "no record",
			reply:   wire.KeyLookupReply{RequestID: "r1", Status: wire.Successful},
			status:  wire.DatabaseError,
			message: "lookup reply carries no record",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeContent{files: map[string][]byte{"file-a": pattern(3072)}}
			m := newManager(fc)
			m.Start(startMsg("r1"), t0)

			r := onlyStartReply(t, m.LookupReply(context.Background(), tt.reply, t0))
			assert.Equal(t, tt.status, r.Status)
			assert.Equal(t, tt.message, r.ErrorMessage)
			assert.Equal(t, int64(1001), r.TenantID)
			assert.Equal(t, "k", r.Key)
			assert.Equal(t, tt.record, r.Record != nil)
			assert.Empty(t, r.Data)
			assert.Zero(t, fc.reads)
			assert.Zero(t, m.Sessions().Len())
		})
	}
}

func TestReadFailureIsException(t *testing.T) {
	fc := &fakeContent{files: map[string][]byte{"file-a": pattern(3072)}}
	m := newManager(fc)

	m.Start(startMsg("r1"), t0)
	m.LookupReply(context.Background(), lookupOK("r1", threeSegments()), t0)

	fc.err = errors.New("input/output error")
	r := onlyChunkReply(t, m.Next(context.Background(), wire.RetrieveNext{RequestID: "r1", Sequence: 1}, t0),
		"web.retrieve_key_next_reply")
	assert.Equal(t, wire.Exception, r.Status)
	assert.Equal(t, "input/output error", r.ErrorMessage)
	assert.Zero(t, m.Sessions().Len())

	m.Start(startMsg("r2"), t0)
	missing := threeSegments()
	missing.FileLocator = "gone"
	fc.err = nil
	s := onlyStartReply(t, m.LookupReply(context.Background(), lookupOK("r2", missing), t0))
	assert.Equal(t, wire.Exception, s.Status)
	assert.Equal(t, content.ErrNotFound.Error(), s.ErrorMessage)
	assert.Zero(t, m.Sessions().Len())
}

func TestUnusableSegmentSizeIsException(t *testing.T) {
	for _, size := range []int64{0, -1, DefaultMaxSegmentSize + 1, 1 << 62} {
		fc := &fakeContent{files: map[string][]byte{"small": []byte("hello")}}
		m := newManager(fc)
		rec := meta.ContentRecord{TenantID: 1001, Key: "k", SegmentCount: 2, SegmentSize: size, TotalSize: 5, FileLocator: "small"}

		m.Start(startMsg("r1"), t0)
		r := onlyStartReply(t, m.LookupReply(context.Background(), lookupOK("r1", rec), t0))
		assert.Equal(t, wire.Exception, r.Status, "size %d", size)
		assert.Equal(t, fmt.Sprintf("invalid segment size %d", size), r.ErrorMessage)
		assert.Zero(t, fc.reads)
		assert.Zero(t, m.Sessions().Len())
	}
}

func TestOversizedSegmentReadIsBoundedByFile(t *testing.T) {
	files, err := content.OpenFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, files.Put("small", []byte("hello")))

	m := NewManager(Config{MaxSegmentSize: 1 << 62}, nil, files, nil, zerolog.Nop())
	rec := meta.ContentRecord{TenantID: 1001, Key: "k", SegmentCount: 2, SegmentSize: 1 << 62, TotalSize: 5, FileLocator: "small"}

	m.Start(startMsg("r1"), t0)
	r := onlyStartReply(t, m.LookupReply(context.Background(), lookupOK("r1", rec), t0))
	require.Equal(t, wire.Successful, r.Status)
	assert.Equal(t, []byte("hello"), r.Data)

	c := onlyChunkReply(t, m.Final(context.Background(), wire.RetrieveFinal{RequestID: "r1", Sequence: 1}, t0),
		"web.retrieve_key_final_reply")
	assert.Equal(t, wire.Successful, c.Status)
	assert.Empty(t, c.Data)
}

func TestLookupReplyWithoutSessionIsDropped(t *testing.T) {
	m := newManager(&fakeContent{})
	assert.Empty(t, m.LookupReply(context.Background(), lookupOK("nobody", threeSegments()), t0))
}

func TestNextWhileAwaitingLookupIsDropped(t *testing.T) {
	m := newManager(&fakeContent{})
	m.Start(startMsg("r1"), t0)
	assert.Empty(t, m.Next(context.Background(), wire.RetrieveNext{RequestID: "r1", Sequence: 0}, t0))

	st, ok := m.Sessions().Get("r1")
	require.True(t, ok)
	assert.Equal(t, AwaitingLookup, st.Stage)
}

func TestSweepLookupTimeoutReplies(t *testing.T) {
	m := newManager(&fakeContent{})
	m.Start(startMsg("r1"), t0)

	assert.Empty(t, m.Sweep(t0.Add(DefaultLookupTimeout)), "deadline itself is not expired")

	r := onlyStartReply(t, m.Sweep(t0.Add(DefaultLookupTimeout+time.Millisecond)))
	assert.Equal(t, wire.TimeoutWaitingKeyLookup, r.Status)
	assert.Equal(t, "r1", r.RequestID)
	assert.Zero(t, m.Sessions().Len())

	// a late lookup reply finds nothing
	assert.Empty(t, m.LookupReply(context.Background(), lookupOK("r1", threeSegments()), t0))
}

func TestSweepStreamTimeoutIsSilent(t *testing.T) {
	m := newManager(&fakeContent{files: map[string][]byte{"file-a": pattern(3072)}})
	m.Start(startMsg("r1"), t0)
	m.LookupReply(context.Background(), lookupOK("r1", threeSegments()), t0)
	m.Start(startMsg("r2"), t0.Add(DefaultRetrieveTimeout))

	out := m.Sweep(t0.Add(DefaultRetrieveTimeout + time.Second))
	assert.Empty(t, out)
	_, ok := m.Sessions().Get("r1")
	assert.False(t, ok)
	_, ok = m.Sessions().Get("r2")
	assert.True(t, ok, "fresh session survives the sweep")
}

func TestNextRefreshesDeadline(t *testing.T) {
	m := newManager(&fakeContent{files: map[string][]byte{"file-a": pattern(3072)}})
	m.Start(startMsg("r1"), t0)
	m.LookupReply(context.Background(), lookupOK("r1", threeSegments()), t0)

	later := t0.Add(DefaultRetrieveTimeout - time.Second)
	m.Next(context.Background(), wire.RetrieveNext{RequestID: "r1", Sequence: 1}, later)

	m.Sweep(t0.Add(DefaultRetrieveTimeout + time.Second))
	st, ok := m.Sessions().Get("r1")
	require.True(t, ok)
	assert.Equal(t, later.Add(DefaultRetrieveTimeout), st.Deadline)
}

func TestDispatchDecodesByTag(t *testing.T) {
	m := newManager(&fakeContent{})
	body, err := wire.Marshal(startMsg("r1"))
	require.NoError(t, err)

	out := m.Dispatch(context.Background(), "data_reader.retrieve_key_start", body, t0)
	require.Len(t, out, 1)
	assert.Equal(t, "database_server.database_key_lookup", out[0].RoutingKey)

	assert.Empty(t, m.Dispatch(context.Background(), "data_reader.unknown_tag", body, t0))
	assert.Empty(t, m.Dispatch(context.Background(), "data_reader.retrieve_key_next", []byte{0xff}, t0))
}
