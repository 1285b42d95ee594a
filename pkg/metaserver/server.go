// Package metaserver answers key lookup, insert and resolve requests
// from the bus against a metadata store and a segment index.
package metaserver

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"DataReader/pkg/bus"
	"DataReader/pkg/meta"
	"DataReader/pkg/wire"
)

const DefaultRoutingHeader = "database_server"

type Server struct {
	header   string
	bus      bus.Bus
	store    meta.Store
	resolver meta.Resolver
	log      zerolog.Logger
}

// New returns a metadata service. A nil resolver answers every resolve
// request with a database error.
func New(header string, b bus.Bus, store meta.Store, resolver meta.Resolver, log zerolog.Logger) *Server {
	if header == "" {
		header = DefaultRoutingHeader
	}
	return &Server{
		header:   header,
		bus:      b,
		store:    store,
		resolver: resolver,
		log:      log.With().Str("component", "metaserver").Logger(),
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, s.header+".*", s.dispatch)
	if err != nil {
		return err
	}
	s.log.Info().Str("binding", s.header+".*").Msg("metadata service serving")
	<-ctx.Done()
	return sub.Unsubscribe()
}

func (s *Server) dispatch(ctx context.Context, routingKey string, body []byte) {
	_, tag := wire.SplitRoutingKey(routingKey)
	var (
		replyTo string
		reply   any
		err     error
	)
	switch tag {
	case wire.TagKeyLookup:
		var msg wire.KeyLookup
		if err = wire.Unmarshal(body, &msg); err == nil {
			replyTo, reply = wire.RoutingKey(msg.ReplyTo, wire.TagKeyLookupReply), s.Lookup(ctx, msg)
		}
	case wire.TagKeyInsert:
		var msg wire.KeyInsert
		if err = wire.Unmarshal(body, &msg); err == nil {
			replyTo, reply = wire.RoutingKey(msg.ReplyTo, wire.TagKeyInsertReply), s.Insert(ctx, msg)
		}
	case wire.TagKeyResolve:
		var msg wire.KeyResolve
		if err = wire.Unmarshal(body, &msg); err == nil {
			replyTo, reply = wire.RoutingKey(msg.ReplyTo, wire.TagKeyResolveReply), s.Resolve(ctx, msg)
		}
	default:
		s.log.Warn().Str("routing_key", routingKey).Msg("no handler for message")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("routing_key", routingKey).Msg("undecodable message")
		return
	}

	out, err := wire.Marshal(reply)
	if err != nil {
		s.log.Error().Err(err).Str("routing_key", replyTo).Msg("encode reply")
		return
	}
	if err := s.bus.Publish(ctx, replyTo, out); err != nil {
		s.log.Error().Err(err).Str("routing_key", replyTo).Msg("publish")
	}
}

func (s *Server) Lookup(ctx context.Context, msg wire.KeyLookup) wire.KeyLookupReply {
	rec, err := s.store.Lookup(ctx, meta.LookupQuery{
		TenantID:      msg.TenantID,
		Key:           msg.Key,
		VersionNumber: msg.VersionNumber,
		SegmentNumber: msg.SegmentNumber,
	})
	reply := wire.KeyLookupReply{RequestID: msg.RequestID}
	switch {
	case errors.Is(err, meta.ErrKeyNotFound):
		reply.Status, reply.ErrorMessage = wire.KeyNotFound, err.Error()
	case err != nil:
		s.log.Error().Err(err).Str("request_id", msg.RequestID).Msg("lookup")
		reply.Status, reply.ErrorMessage = wire.DatabaseError, err.Error()
	default:
		reply.Status, reply.Record = wire.Successful, &rec
	}
	return reply
}

func (s *Server) Insert(ctx context.Context, msg wire.KeyInsert) wire.KeyInsertReply {
	prev, err := s.store.Insert(ctx, msg.Record)
	reply := wire.KeyInsertReply{RequestID: msg.RequestID}
	switch {
	case errors.Is(err, meta.ErrInvalidDuplicate):
		s.log.Warn().Str("request_id", msg.RequestID).Int64("tenant_id", msg.Record.TenantID).
			Str("key", msg.Record.Key).Msg("rejected insert older than current record")
		reply.Status, reply.ErrorMessage = wire.InvalidDuplicate, err.Error()
	case err != nil:
		s.log.Error().Err(err).Str("request_id", msg.RequestID).Msg("insert")
		reply.Status, reply.ErrorMessage = wire.DatabaseError, err.Error()
	default:
		reply.Status, reply.PreviousSize = wire.Successful, prev
	}
	return reply
}

func (s *Server) Resolve(ctx context.Context, msg wire.KeyResolve) wire.KeyResolveReply {
	if s.resolver == nil {
		return wire.KeyResolveReply{RequestID: msg.RequestID, Status: wire.DatabaseError, ErrorMessage: "no segment index configured"}
	}
	plan, err := s.resolver.Resolve(ctx, msg.TenantID, msg.Key, msg.VersionNumber)
	switch {
	case errors.Is(err, meta.ErrNotFound):
		return wire.KeyResolveReply{RequestID: msg.RequestID, Status: wire.KeyNotFound, ErrorMessage: err.Error()}
	case err != nil:
		s.log.Error().Err(err).Str("request_id", msg.RequestID).Msg("resolve")
		return wire.KeyResolveReply{RequestID: msg.RequestID, Status: wire.DatabaseError, ErrorMessage: err.Error()}
	}
	return wire.NewKeyResolveReply(msg.RequestID, plan)
}
