package bus

import (
	"context"
	"strings"
	"sync"
)

type delivery struct {
	key  string
	body []byte
}

// Memory is an in-process Bus. Each subscription gets its own goroutine
// and an unbounded FIFO, so a handler may publish without deadlocking
// and per-subscription ordering is preserved.
type Memory struct {
	mu     sync.RWMutex
	subs   map[*memSub]struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[*memSub]struct{})}
}

type memSub struct {
	bus     *Memory
	pattern string
	h       Handler
	ctx     context.Context

	mu    sync.Mutex
	queue []delivery
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (m *Memory) Publish(_ context.Context, routingKey string, body []byte) error {
	if routingKey == "" || strings.ContainsAny(routingKey, "*>") {
		return ErrInvalidSubject
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for s := range m.subs {
		if !Match(s.pattern, routingKey) {
			continue
		}
		cp := make([]byte, len(body))
		copy(cp, body)
		s.enqueue(delivery{key: routingKey, body: cp})
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	if pattern == "" {
		return nil, ErrInvalidSubject
	}
	s := &memSub{
		bus:     m,
		pattern: pattern,
		h:       h,
		ctx:     ctx,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	go s.run()
	return s, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[*memSub]struct{})
	m.closed = true
	m.mu.Unlock()

	for s := range subs {
		s.stop()
	}
	return nil
}

func (s *memSub) enqueue(d delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memSub) run() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			case <-s.ctx.Done():
				_ = s.Unsubscribe()
				return
			}
		}
		d := s.queue[0]
		s.queue[0] = delivery{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		default:
		}
		s.h(s.ctx, d.key, d.body)
	}
}

func (s *memSub) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}
