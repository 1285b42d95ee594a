package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"DataReader/pkg/bus"
	"DataReader/pkg/checksum"
	"DataReader/pkg/meta"
	"DataReader/pkg/wire"
)

var (
	ErrTimeout          = errors.New("gateway: timed out waiting for reply")
	ErrChecksumMismatch = errors.New("gateway: checksum mismatch")
)

// StatusError is a reply that did not come back Successful.
type StatusError struct {
	Op      string
	Status  wire.Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway: %s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("gateway: %s: %s: %s", e.Op, e.Status, e.Message)
}

// RetrieveRequest names what to read. Nil version and segment read the
// current record of the key.
type RetrieveRequest struct {
	TenantID      int64
	Key           string
	VersionNumber *int64
	SegmentNumber *int32
}

type RetrieverConfig struct {
	// ReplyHeader is the routing header replies are addressed to; it
	// must be unique per gateway process.
	ReplyHeader    string
	DatabaseHeader string
	Timeout        time.Duration
}

type delivery struct {
	tag  string
	body []byte
}

// Retriever drives retrieves against data readers over the bus. Replies
// arrive on one subscription and are handed to the waiting call by
// request id.
type Retriever struct {
	cfg RetrieverConfig
	bus bus.Bus
	sub bus.Subscription
	log zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan delivery
}

func NewRetriever(ctx context.Context, b bus.Bus, cfg RetrieverConfig, log zerolog.Logger) (*Retriever, error) {
	if cfg.ReplyHeader == "" {
		cfg.ReplyHeader = "web_server"
	}
	if cfg.DatabaseHeader == "" {
		cfg.DatabaseHeader = "database_server"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	r := &Retriever{
		cfg:     cfg,
		bus:     b,
		log:     log.With().Str("component", "gateway.retriever").Logger(),
		pending: make(map[string]chan delivery),
	}
	sub, err := b.Subscribe(ctx, cfg.ReplyHeader+".*", r.deliver)
	if err != nil {
		return nil, err
	}
	r.sub = sub
	return r, nil
}

func (r *Retriever) Close() error { return r.sub.Unsubscribe() }

func (r *Retriever) deliver(_ context.Context, routingKey string, body []byte) {
	id, err := wire.PeekRequestID(body)
	if err != nil {
		r.log.Error().Err(err).Str("routing_key", routingKey).Msg("reply without request id")
		return
	}
	r.mu.Lock()
	ch, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		r.log.Warn().Str("request_id", id).Str("routing_key", routingKey).Msg("reply for unknown request")
		return
	}
	_, tag := wire.SplitRoutingKey(routingKey)
	select {
	case ch <- delivery{tag: tag, body: body}:
	default:
		r.log.Error().Str("request_id", id).Str("routing_key", routingKey).Msg("reply queue full")
	}
}

func (r *Retriever) register() (string, chan delivery) {
	id := uuid.NewString()
	ch := make(chan delivery, 4)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	return id, ch
}

func (r *Retriever) unregister(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Retriever) send(ctx context.Context, routingKey string, msg any) error {
	b, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, routingKey, b)
}

// await decodes the next reply with the wanted tag into out.
func (r *Retriever) await(ctx context.Context, ch <-chan delivery, tag string, out any) error {
	t := time.NewTimer(r.cfg.Timeout)
	defer t.Stop()
	for {
		select {
		case d := <-ch:
			if d.tag != tag {
				r.log.Warn().Str("tag", d.tag).Str("want", tag).Msg("unexpected reply")
				continue
			}
			return wire.Unmarshal(d.body, out)
		case <-t.C:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Resolve asks the metadata service for the read plan of a key. A key
// the segment index does not know yields meta.ErrNotFound.
func (r *Retriever) Resolve(ctx context.Context, tenant int64, key string, version *int64) (meta.ReadPlan, error) {
	id, ch := r.register()
	defer r.unregister(id)

	err := r.send(ctx, wire.RoutingKey(r.cfg.DatabaseHeader, wire.TagKeyResolve), wire.KeyResolve{
		RequestID:     id,
		TenantID:      tenant,
		Key:           key,
		VersionNumber: version,
		ReplyTo:       r.cfg.ReplyHeader,
	})
	if err != nil {
		return nil, err
	}
	var reply wire.KeyResolveReply
	if err := r.await(ctx, ch, wire.TagKeyResolveReply, &reply); err != nil {
		return nil, err
	}
	switch reply.Status {
	case wire.Successful:
		plan := reply.Plan()
		if plan == nil {
			return nil, meta.ErrNotFound
		}
		return plan, nil
	case wire.KeyNotFound:
		return nil, meta.ErrNotFound
	}
	return nil, &StatusError{Op: "resolve", Status: reply.Status, Message: reply.ErrorMessage}
}

// Retrieve streams one stored file from the reader bound to
// readerHeader, handing every chunk to emit in order. The whole-file
// checksum is verified once the last chunk has arrived.
func (r *Retriever) Retrieve(ctx context.Context, readerHeader string, req RetrieveRequest,
	emit func(rec meta.ContentRecord, chunk []byte) error) (meta.ContentRecord, error) {
	id, ch := r.register()
	defer r.unregister(id)

	log := r.log.With().Str("request_id", id).Int64("tenant_id", req.TenantID).Str("key", req.Key).Logger()

	err := r.send(ctx, wire.RoutingKey(readerHeader, wire.TagRetrieveStart), wire.RetrieveStart{
		RequestID:     id,
		TenantID:      req.TenantID,
		Key:           req.Key,
		VersionNumber: req.VersionNumber,
		SegmentNumber: req.SegmentNumber,
		ReplyTo:       r.cfg.ReplyHeader,
	})
	if err != nil {
		return meta.ContentRecord{}, err
	}

	var start wire.RetrieveStartReply
	if err := r.await(ctx, ch, wire.TagRetrieveStartReply, &start); err != nil {
		return meta.ContentRecord{}, err
	}
	if start.Status != wire.Successful {
		return meta.ContentRecord{}, &StatusError{Op: "retrieve start", Status: start.Status, Message: start.ErrorMessage}
	}
	if start.Record == nil {
		return meta.ContentRecord{}, &StatusError{Op: "retrieve start", Status: wire.Exception, Message: "reply carries no record"}
	}
	rec := *start.Record

	sum := checksum.New()
	_, _ = sum.Write(start.Data)
	if err := emit(rec, start.Data); err != nil {
		return rec, err
	}

	for seq := int32(1); seq < rec.SegmentCount; seq++ {
		final := seq == rec.SegmentCount-1
		var (
			routingKey string
			msg        any
			tag        string
		)
		if final {
			routingKey, tag = wire.RoutingKey(readerHeader, wire.TagRetrieveFinal), wire.TagRetrieveFinalReply
			msg = wire.RetrieveFinal{RequestID: id, Sequence: seq}
		} else {
			routingKey, tag = wire.RoutingKey(readerHeader, wire.TagRetrieveNext), wire.TagRetrieveNextReply
			msg = wire.RetrieveNext{RequestID: id, Sequence: seq}
		}
		if err := r.send(ctx, routingKey, msg); err != nil {
			return rec, err
		}
		var chunk wire.ChunkReply
		if err := r.await(ctx, ch, tag, &chunk); err != nil {
			return rec, err
		}
		if chunk.Status != wire.Successful {
			return rec, &StatusError{Op: fmt.Sprintf("retrieve chunk %d", seq), Status: chunk.Status, Message: chunk.ErrorMessage}
		}
		_, _ = sum.Write(chunk.Data)
		if err := emit(rec, chunk.Data); err != nil {
			return rec, err
		}
	}

	if !rec.FileChecksum.IsZero() {
		if got := sum.Sum(); got != rec.FileChecksum {
			log.Error().Str("want", rec.FileChecksum.String()).Str("got", got.String()).Msg("checksum mismatch")
			return rec, fmt.Errorf("%w: %s", ErrChecksumMismatch, req.Key)
		}
	}
	return rec, nil
}
