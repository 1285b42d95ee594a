package reader

import (
	"context"
	"sync"
	"time"

	xx "github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"DataReader/pkg/bus"
	"DataReader/pkg/content"
	"DataReader/pkg/wire"
)

type ServerConfig struct {
	Config
	Workers       int
	SweepInterval time.Duration
	InboxSize     int
	// StateFile, when set, receives the live sessions on shutdown and
	// is reloaded on the next start.
	StateFile string
}

type inbound struct {
	key  string
	body []byte
}

type worker struct {
	mgr   *Manager
	inbox chan inbound
}

// Server subscribes a reader to the bus. Messages are routed to a worker
// by request id, so every message of one retrieve is handled by the
// same goroutine, as is that worker's timeout sweep.
type Server struct {
	cfg     ServerConfig
	bus     bus.Bus
	workers []*worker
	log     zerolog.Logger
	now     func() time.Time
}

func NewServer(cfg ServerConfig, b bus.Bus, cr content.Reader, m *Metrics, log zerolog.Logger) *Server {
	cfg.Config.setDefaults()
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	s := &Server{
		cfg: cfg,
		bus: b,
		log: log.With().Str("component", "reader.server").Logger(),
		now: time.Now,
	}
	for i := 0; i < cfg.Workers; i++ {
		s.workers = append(s.workers, &worker{
			mgr:   NewManager(cfg.Config, NewSessions(), cr, m, log.With().Int("worker", i).Logger()),
			inbox: make(chan inbound, cfg.InboxSize),
		})
	}
	return s
}

func (s *Server) workerFor(requestID string) *worker {
	return s.workers[xx.Sum64String(requestID)%uint64(len(s.workers))]
}

// Run serves until ctx is cancelled, then saves the live sessions and
// announces shutdown.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.StateFile != "" {
		states, err := LoadState(s.cfg.StateFile)
		if err != nil {
			return err
		}
		for _, st := range states {
			s.workerFor(st.RequestID).mgr.Restore([]RetrieveState{st})
		}
		if len(states) > 0 {
			s.log.Info().Int("sessions", len(states)).Msg("restored sessions")
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for _, w := range s.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			s.runWorker(ctx, w, stop)
		}(w)
	}

	sub, err := s.bus.Subscribe(ctx, s.cfg.RoutingHeader+".*", s.route)
	if err != nil {
		close(stop)
		wg.Wait()
		return err
	}
	statusSub, err := s.bus.Subscribe(ctx, wire.ProcessStatusKey, s.processStatus)
	if err != nil {
		_ = sub.Unsubscribe()
		close(stop)
		wg.Wait()
		return err
	}

	s.announce(ctx, wire.StatusStartup)
	s.log.Info().Str("binding", s.cfg.RoutingHeader+".*").Int("workers", len(s.workers)).Msg("data reader serving")

	<-ctx.Done()

	_ = statusSub.Unsubscribe()
	_ = sub.Unsubscribe()
	close(stop)
	wg.Wait()

	shutdownCtx := context.WithoutCancel(ctx)
	if s.cfg.StateFile != "" {
		var states []RetrieveState
		for _, w := range s.workers {
			states = append(states, w.mgr.Sessions().All()...)
		}
		if err := SaveState(s.cfg.StateFile, states); err != nil {
			s.log.Error().Err(err).Msg("save sessions")
		} else {
			s.log.Info().Int("sessions", len(states)).Msg("saved sessions")
		}
	}
	s.announce(shutdownCtx, wire.StatusShutdown)
	return nil
}

func (s *Server) route(ctx context.Context, key string, body []byte) {
	requestID, err := wire.PeekRequestID(body)
	if err != nil {
		s.log.Error().Err(err).Str("routing_key", key).Msg("message without request id")
		return
	}
	select {
	case s.workerFor(requestID).inbox <- inbound{key: key, body: body}:
	case <-ctx.Done():
	}
}

func (s *Server) runWorker(ctx context.Context, w *worker, stop <-chan struct{}) {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			s.drain(context.WithoutCancel(ctx), w)
			return
		case in := <-w.inbox:
			s.handle(ctx, w, in)
		case <-t.C:
			s.publish(ctx, w.mgr.Sweep(s.now()))
		}
	}
}

// drain handles what was queued before the subscription closed, so those
// callers get their reply and any session they open reaches the snapshot.
func (s *Server) drain(ctx context.Context, w *worker) {
	n := 0
	for {
		select {
		case in := <-w.inbox:
			s.handle(ctx, w, in)
			n++
		default:
			if n > 0 {
				s.log.Info().Int("messages", n).Msg("drained worker inbox")
			}
			return
		}
	}
}

// handle runs one message. A panic is confined to that message; the
// worker keeps serving its other sessions.
func (s *Server) handle(ctx context.Context, w *worker, in inbound) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("routing_key", in.key).Msg("handler panicked")
		}
	}()
	s.publish(ctx, w.mgr.Dispatch(ctx, in.key, in.body, s.now()))
}

func (s *Server) publish(ctx context.Context, out []Outbound) {
	for _, o := range out {
		b, err := wire.Marshal(o.Body)
		if err != nil {
			s.log.Error().Err(err).Str("routing_key", o.RoutingKey).Msg("encode reply")
			continue
		}
		if err := s.bus.Publish(ctx, o.RoutingKey, b); err != nil {
			s.log.Error().Err(err).Str("routing_key", o.RoutingKey).Msg("publish")
		}
	}
}

func (s *Server) announce(ctx context.Context, status string) {
	s.publish(ctx, []Outbound{{
		RoutingKey: wire.ProcessStatusKey,
		Body: wire.ProcessStatus{
			Timestamp:     s.now().UTC(),
			RoutingHeader: s.cfg.RoutingHeader,
			Status:        status,
		},
	}})
}

func (s *Server) processStatus(_ context.Context, _ string, body []byte) {
	var msg wire.ProcessStatus
	if err := wire.Unmarshal(body, &msg); err != nil {
		s.log.Error().Err(err).Msg("undecodable process status")
		return
	}
	s.log.Debug().Str("routing_header", msg.RoutingHeader).Str("status", msg.Status).
		Time("timestamp", msg.Timestamp).Msg("process status")
}
