package reader

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"DataReader/pkg/content"
	"DataReader/pkg/wire"
)

const (
	DefaultRoutingHeader   = "data_reader"
	DefaultDatabaseHeader  = "database_server"
	DefaultLookupTimeout   = 60 * time.Second
	DefaultRetrieveTimeout = 30 * time.Minute
	DefaultMaxSegmentSize  = 64 << 20
)

type Config struct {
	RoutingHeader   string
	DatabaseHeader  string
	LookupTimeout   time.Duration
	RetrieveTimeout time.Duration
	// MaxSegmentSize bounds the segment size a metadata record may ask
	// the reader to serve in one chunk.
	MaxSegmentSize  int64
}

func (c *Config) setDefaults() {
	if c.RoutingHeader == "" {
		c.RoutingHeader = DefaultRoutingHeader
	}
	if c.DatabaseHeader == "" {
		c.DatabaseHeader = DefaultDatabaseHeader
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = DefaultLookupTimeout
	}
	if c.RetrieveTimeout <= 0 {
		c.RetrieveTimeout = DefaultRetrieveTimeout
	}
	if c.MaxSegmentSize <= 0 {
		c.MaxSegmentSize = DefaultMaxSegmentSize
	}
}

// Outbound is a message to publish under RoutingKey.
type Outbound struct {
	RoutingKey string
	Body       any
}

// Manager runs the retrieve state machine over one session table. Every
// handler returns the messages to publish and mutates nothing but its
// Sessions; callers must not invoke handlers concurrently.
type Manager struct {
	cfg      Config
	sessions *Sessions
	content  content.Reader
	metrics  *Metrics
	log      zerolog.Logger
}

func NewManager(cfg Config, sessions *Sessions, cr content.Reader, m *Metrics, log zerolog.Logger) *Manager {
	cfg.setDefaults()
	if sessions == nil {
		sessions = NewSessions()
	}
	return &Manager{
		cfg:      cfg,
		sessions: sessions,
		content:  cr,
		metrics:  m,
		log:      log.With().Str("component", "reader").Logger(),
	}
}

func (m *Manager) Sessions() *Sessions { return m.sessions }

// Dispatch decodes body by the tag of routingKey and runs its handler.
func (m *Manager) Dispatch(ctx context.Context, routingKey string, body []byte, now time.Time) []Outbound {
	_, tag := wire.SplitRoutingKey(routingKey)
	var err error
	switch tag {
	case wire.TagRetrieveStart:
		var msg wire.RetrieveStart
		if err = wire.Unmarshal(body, &msg); err == nil {
			return m.Start(msg, now)
		}
	case wire.TagRetrieveNext:
		var msg wire.RetrieveNext
		if err = wire.Unmarshal(body, &msg); err == nil {
			return m.Next(ctx, msg, now)
		}
	case wire.TagRetrieveFinal:
		var msg wire.RetrieveFinal
		if err = wire.Unmarshal(body, &msg); err == nil {
			return m.Final(ctx, msg, now)
		}
	case wire.TagKeyLookupReply:
		var msg wire.KeyLookupReply
		if err = wire.Unmarshal(body, &msg); err == nil {
			return m.LookupReply(ctx, msg, now)
		}
	default:
		m.log.Warn().Str("routing_key", routingKey).Msg("no handler for message")
		return nil
	}
	m.log.Error().Err(err).Str("routing_key", routingKey).Msg("undecodable message")
	return nil
}

// Start opens a session and asks the metadata service for the record.
func (m *Manager) Start(msg wire.RetrieveStart, now time.Time) []Outbound {
	log := m.log.With().Str("request_id", msg.RequestID).
		Int64("tenant_id", msg.TenantID).Str("key", msg.Key).Logger()
	log.Info().Msg("retrieve start")

	if _, ok := m.sessions.Get(msg.RequestID); ok {
		const errorString = "invalid duplicate request_id in RetrieveStart"
		log.Error().Msg(errorString)
		return m.startReply(msg.ReplyTo, wire.RetrieveStartReply{
			RequestID:    msg.RequestID,
			Status:       wire.InvalidDuplicate,
			ErrorMessage: errorString,
			TenantID:     msg.TenantID,
			Key:          msg.Key,
		})
	}

	m.open(&RetrieveState{
		RequestID:     msg.RequestID,
		TenantID:      msg.TenantID,
		Key:           msg.Key,
		VersionNumber: msg.VersionNumber,
		SegmentNumber: msg.SegmentNumber,
		ReplyTo:       msg.ReplyTo,
		Sequence:      -1,
		Deadline:      now.Add(m.cfg.LookupTimeout),
		Stage:         AwaitingLookup,
	})

	return []Outbound{{
		RoutingKey: wire.RoutingKey(m.cfg.DatabaseHeader, wire.TagKeyLookup),
		Body: wire.KeyLookup{
			RequestID:     msg.RequestID,
			TenantID:      msg.TenantID,
			Key:           msg.Key,
			VersionNumber: msg.VersionNumber,
			SegmentNumber: msg.SegmentNumber,
			ReplyTo:       m.cfg.RoutingHeader,
		},
	}}
}

// LookupReply answers the pending Start with the first chunk, or with
// the reason it cannot be served.
func (m *Manager) LookupReply(ctx context.Context, msg wire.KeyLookupReply, now time.Time) []Outbound {
	st, ok := m.sessions.Get(msg.RequestID)
	if !ok || st.Stage != AwaitingLookup {
		m.log.Error().Str("request_id", msg.RequestID).Msg("no session awaiting lookup")
		return nil
	}
	m.close(st.RequestID)

	log := m.log.With().Str("request_id", st.RequestID).
		Int64("tenant_id", st.TenantID).Str("key", st.Key).Logger()
	reply := wire.RetrieveStartReply{RequestID: st.RequestID, TenantID: st.TenantID, Key: st.Key}

	switch {
	case msg.Status == wire.KeyNotFound:
		log.Warn().Str("error", msg.ErrorMessage).Msg("key not found")
		reply.Status = wire.KeyNotFound
		reply.ErrorMessage = msg.ErrorMessage
		return m.startReply(st.ReplyTo, reply)
	case msg.Status != wire.Successful:
		log.Error().Stringer("status", msg.Status).Str("error", msg.ErrorMessage).Msg("database error")
		reply.Status = wire.DatabaseError
		reply.ErrorMessage = msg.ErrorMessage
		return m.startReply(st.ReplyTo, reply)
	case msg.Record == nil:
		log.Error().Msg("lookup reply without record")
		reply.Status = wire.DatabaseError
		reply.ErrorMessage = "lookup reply carries no record"
		return m.startReply(st.ReplyTo, reply)
	}

	rec := *msg.Record
	reply.Record = &rec
	if rec.IsTombstone {
		log.Error().Msg("this record is a tombstone")
		reply.Status = wire.KeyNotFound
		reply.ErrorMessage = "is tombstone"
		return m.startReply(st.ReplyTo, reply)
	}

	if rec.SegmentSize <= 0 || rec.SegmentSize > m.cfg.MaxSegmentSize {
		log.Error().Int64("segment_size", rec.SegmentSize).Msg("record has unusable segment size")
		reply.Status = wire.Exception
		reply.ErrorMessage = fmt.Sprintf("invalid segment size %d", rec.SegmentSize)
		return m.startReply(st.ReplyTo, reply)
	}

	data, err := m.content.Read(ctx, rec.FileLocator, 0, rec.SegmentSize)
	if err != nil {
		log.Error().Err(err).Str("locator", rec.FileLocator).Msg("read first chunk")
		reply.Status = wire.Exception
		reply.ErrorMessage = err.Error()
		return m.startReply(st.ReplyTo, reply)
	}
	m.metrics.read(len(data))

	if rec.SegmentCount > 1 {
		st.Sequence = 0
		st.SegmentSize = rec.SegmentSize
		st.FileLocator = rec.FileLocator
		st.Deadline = now.Add(m.cfg.RetrieveTimeout)
		st.Stage = Streaming
		m.open(st)
	}

	reply.Status = wire.Successful
	reply.Data = data
	return m.startReply(st.ReplyTo, reply)
}

// Next serves the chunk after the last one sent and keeps the session.
func (m *Manager) Next(ctx context.Context, msg wire.RetrieveNext, now time.Time) []Outbound {
	return m.chunk(ctx, msg.RequestID, msg.Sequence, false, now)
}

// Final serves the chunk after the last one sent and ends the session.
func (m *Manager) Final(ctx context.Context, msg wire.RetrieveFinal, now time.Time) []Outbound {
	return m.chunk(ctx, msg.RequestID, msg.Sequence, true, now)
}

func (m *Manager) chunk(ctx context.Context, requestID string, sequence int32, final bool, now time.Time) []Outbound {
	st, ok := m.sessions.Get(requestID)
	if !ok || st.Stage != Streaming {
		m.log.Error().Str("request_id", requestID).Int32("sequence", sequence).Msg("no streaming session")
		return nil
	}
	m.close(requestID)

	log := m.log.With().Str("request_id", requestID).Int64("tenant_id", st.TenantID).
		Str("key", st.Key).Int32("sequence", sequence).Logger()
	log.Info().Bool("final", final).Msg("retrieve chunk")

	tag := wire.TagRetrieveNextReply
	if final {
		tag = wire.TagRetrieveFinalReply
	}
	reply := wire.ChunkReply{RequestID: requestID, Sequence: sequence}

	expected := st.Sequence + 1
	if sequence != expected {
		reply.Status = wire.OutOfSequence
		reply.ExpectedSequence = expected
		reply.ErrorMessage = fmt.Sprintf("%d %s out of sequence %d %d", st.TenantID, st.Key, sequence, expected)
		log.Error().Int32("expected", expected).Msg("out of sequence")
		return m.chunkReply(st.ReplyTo, tag, reply)
	}

	data, err := m.content.Read(ctx, st.FileLocator, int64(sequence)*st.SegmentSize, st.SegmentSize)
	if err != nil {
		log.Error().Err(err).Str("locator", st.FileLocator).Msg("read chunk")
		reply.Status = wire.Exception
		reply.ErrorMessage = err.Error()
		return m.chunkReply(st.ReplyTo, tag, reply)
	}
	m.metrics.read(len(data))

	if !final {
		st.Sequence = sequence
		st.Deadline = now.Add(m.cfg.RetrieveTimeout)
		m.open(st)
	}

	reply.Status = wire.Successful
	reply.Data = data
	return m.chunkReply(st.ReplyTo, tag, reply)
}

// Sweep discards every session whose deadline has passed. A caller still
// waiting on its lookup is told; a stalled stream is only logged.
func (m *Manager) Sweep(now time.Time) []Outbound {
	var out []Outbound
	for _, st := range m.sessions.Expired(now) {
		m.close(st.RequestID)
		m.metrics.timeout(st.Stage)

		if st.Stage == Streaming {
			m.log.Warn().Str("request_id", st.RequestID).Int64("tenant_id", st.TenantID).
				Str("key", st.Key).Int32("sequence", st.Sequence).Msg("timeout waiting for next chunk request")
			continue
		}
		m.log.Error().Str("request_id", st.RequestID).Int64("tenant_id", st.TenantID).
			Str("key", st.Key).Msg("timeout waiting for key lookup")
		out = append(out, m.startReply(st.ReplyTo, wire.RetrieveStartReply{
			RequestID:    st.RequestID,
			Status:       wire.TimeoutWaitingKeyLookup,
			ErrorMessage: "timeout waiting for " + m.cfg.DatabaseHeader,
			TenantID:     st.TenantID,
			Key:          st.Key,
		})...)
	}
	return out
}

// Restore puts previously saved sessions back into the table.
func (m *Manager) Restore(states []RetrieveState) {
	for i := range states {
		st := states[i]
		m.open(&st)
	}
}

func (m *Manager) open(st *RetrieveState) {
	m.sessions.Put(st)
	m.metrics.opened()
}

func (m *Manager) close(requestID string) {
	if _, ok := m.sessions.Take(requestID); ok {
		m.metrics.closed()
	}
}

func (m *Manager) startReply(replyTo string, r wire.RetrieveStartReply) []Outbound {
	m.metrics.reply(r.Status)
	return []Outbound{{RoutingKey: wire.RoutingKey(replyTo, wire.TagRetrieveStartReply), Body: r}}
}

func (m *Manager) chunkReply(replyTo, tag string, r wire.ChunkReply) []Outbound {
	m.metrics.reply(r.Status)
	return []Outbound{{RoutingKey: wire.RoutingKey(replyTo, tag), Body: r}}
}
