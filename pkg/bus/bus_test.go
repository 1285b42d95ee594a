package bus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type recorder struct {
	mu   sync.Mutex
	keys []string
	body [][]byte
}

func (r *recorder) handle(_ context.Context, key string, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	r.body = append(r.body, body)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"data_reader.*", "data_reader.retrieve_key_start", true},
		{"data_reader.*", "data_reader", false},
		{"data_reader.*", "data_reader.a.b", false},
		{"data_reader.>", "data_reader.a.b", true},
		{"data_reader.>", "data_reader", false},
		{"web.retrieve_key_start_reply", "web.retrieve_key_start_reply", true},
		{"web.retrieve_key_start_reply", "web.retrieve_key_next_reply", false},
		{"*.process_status", "node1.process_status", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.subject), "%s ~ %s", tt.pattern, tt.subject)
	}
}

func TestMemory_DeliversInOrderToMatchingSubscribers(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	var all, starts recorder
	_, err := b.Subscribe(ctx, "reader.*", all.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "reader.start", starts.handle)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		key := "reader.next"
		if i%5 == 0 {
			key = "reader.start"
		}
		require.NoError(t, b.Publish(ctx, key, []byte(fmt.Sprint(i))))
	}
	require.NoError(t, b.Publish(ctx, "other.start", nil))

	require.Eventually(t, func() bool { return len(all.snapshot()) == 20 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(starts.snapshot()) == 4 }, time.Second, 5*time.Millisecond)

	all.mu.Lock()
	for i, body := range all.body {
		assert.Equal(t, fmt.Sprint(i), string(body))
	}
	all.mu.Unlock()
}

func TestMemory_HandlerMayPublish(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	var replies recorder
	_, err := b.Subscribe(ctx, "svc.request", func(ctx context.Context, _ string, body []byte) {
		_ = b.Publish(ctx, "client.reply", body)
	})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "client.reply", replies.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "svc.request", []byte("ping")))
	require.Eventually(t, func() bool { return len(replies.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemory_UnsubscribeAndClose(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	var r recorder
	sub, err := b.Subscribe(ctx, "a.b", r.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(ctx, "a.b", nil))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.snapshot())

	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Publish(ctx, "a.b", nil), ErrClosed)
	_, err = b.Subscribe(ctx, "a.b", r.handle)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, NewMemory().Publish(ctx, "a.*", nil), ErrInvalidSubject)
}

func TestRelay_PublishAndSubscribeThroughGRPC(t *testing.T) {
	local := NewMemory()
	defer local.Close()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewRelayServer(local, zerolog.Nop()).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	remote, err := DialRelay("passthrough:///bufnet", zerolog.Nop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer remote.Close()

	ctx := context.Background()

	// remote subscriber sees local publishes
	var fromLocal recorder
	_, err = remote.Subscribe(ctx, "gateway.*", fromLocal.handle)
	require.NoError(t, err)
	require.NoError(t, local.Publish(ctx, "gateway.retrieve_key_start_reply", []byte("hello")))
	require.Eventually(t, func() bool { return len(fromLocal.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "gateway.retrieve_key_start_reply", fromLocal.snapshot()[0])

	// local subscriber sees remote publishes
	var fromRemote recorder
	_, err = local.Subscribe(ctx, "data_reader.*", fromRemote.handle)
	require.NoError(t, err)
	require.NoError(t, remote.Publish(ctx, "data_reader.retrieve_key_start", []byte("go")))
	require.Eventually(t, func() bool { return len(fromRemote.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	fromRemote.mu.Lock()
	assert.Equal(t, []byte("go"), fromRemote.body[0])
	fromRemote.mu.Unlock()
}

func (c *RelayClient) liveSubs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func TestRelay_UnsubscribeForgetsStream(t *testing.T) {
	local := NewMemory()
	defer local.Close()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewRelayServer(local, zerolog.Nop()).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	remote, err := DialRelay("passthrough:///bufnet", zerolog.Nop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer remote.Close()

	ctx := context.Background()
	var rec recorder
	for i := 0; i < 20; i++ {
		sub, err := remote.Subscribe(ctx, "web.*", rec.handle)
		require.NoError(t, err)
		require.NoError(t, sub.Unsubscribe())
	}
	keep, err := remote.Subscribe(ctx, "web.*", rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, remote.liveSubs())

	require.NoError(t, keep.Unsubscribe())
	require.NoError(t, keep.Unsubscribe(), "second unsubscribe is a no-op")
	assert.Zero(t, remote.liveSubs())
}
