// Package bus is the publish/subscribe transport between the gateway,
// the data readers and the metadata service. Routing keys are dot
// separated; subscription patterns use NATS wildcards ("*" matches one
// token, ">" matches the rest).
package bus

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrClosed         = errors.New("bus: closed")
	ErrInvalidSubject = errors.New("bus: invalid subject")
)

// Handler receives one message. The context is the one passed to
// Subscribe.
type Handler func(ctx context.Context, routingKey string, body []byte)

type Subscription interface {
	Unsubscribe() error
}

type Bus interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error)
	Close() error
}

// Match reports whether subject matches pattern.
func Match(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
