package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATS carries bus traffic over a NATS server; routing keys are subjects.
type NATS struct {
	conn *nats.Conn
	log  zerolog.Logger
}

func DialNATS(url, name string, log zerolog.Logger) (*NATS, error) {
	log = log.With().Str("component", "bus.nats").Logger()
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: nats connect %s: %w", url, err)
	}
	return &NATS{conn: conn, log: log}, nil
}

func (n *NATS) Publish(_ context.Context, routingKey string, body []byte) error {
	if n.conn.IsClosed() {
		return ErrClosed
	}
	return n.conn.Publish(routingKey, body)
}

func (n *NATS) Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	sub, err := n.conn.Subscribe(pattern, func(msg *nats.Msg) {
		h(ctx, msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: nats subscribe %s: %w", pattern, err)
	}
	return sub, nil
}

func (n *NATS) Close() error {
	if n.conn.IsClosed() {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}
