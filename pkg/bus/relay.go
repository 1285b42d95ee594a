package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The relay exposes a local Bus to remote processes over gRPC. Messages
// travel as google.protobuf.Any: type_url holds the routing key and
// value holds the body.
const (
	relayService   = "datareader.bus.Relay"
	relayPublish   = "/" + relayService + "/Publish"
	relaySubscribe = "/" + relayService + "/Subscribe"
	relayBuffer    = 256
)

type relayHandler interface {
	Publish(ctx context.Context, in *anypb.Any) (*emptypb.Empty, error)
	Subscribe(in *wrapperspb.StringValue, stream grpc.ServerStream) error
}

var relayDesc = grpc.ServiceDesc{
	ServiceName: relayService,
	HandlerType: (*relayHandler)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Publish",
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(anypb.Any)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return srv.(relayHandler).Publish(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: relayPublish}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return srv.(relayHandler).Publish(ctx, req.(*anypb.Any))
			})
		},
	}},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(wrapperspb.StringValue)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(relayHandler).Subscribe(in, stream)
		},
	}},
	Metadata: "datareader/bus/relay.proto",
}

// RelayServer serves a local Bus to RelayClients.
type RelayServer struct {
	bus Bus
	log zerolog.Logger
}

func NewRelayServer(b Bus, log zerolog.Logger) *RelayServer {
	return &RelayServer{bus: b, log: log.With().Str("component", "bus.relay").Logger()}
}

func (s *RelayServer) Register(g *grpc.Server) { g.RegisterService(&relayDesc, s) }

func (s *RelayServer) Publish(ctx context.Context, in *anypb.Any) (*emptypb.Empty, error) {
	if err := s.bus.Publish(ctx, in.GetTypeUrl(), in.GetValue()); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func (s *RelayServer) Subscribe(in *wrapperspb.StringValue, stream grpc.ServerStream) error {
	ctx := stream.Context()
	ch := make(chan *anypb.Any, relayBuffer)
	sub, err := s.bus.Subscribe(ctx, in.GetValue(), func(ctx context.Context, key string, body []byte) {
		select {
		case ch <- &anypb.Any{TypeUrl: key, Value: body}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	defer func() { _ = sub.Unsubscribe() }()
	s.log.Debug().Str("pattern", in.GetValue()).Msg("remote subscribe")

	// empty ack: the subscription is live
	if err := stream.SendMsg(&anypb.Any{}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-ch:
			if err := stream.SendMsg(m); err != nil {
				return err
			}
		}
	}
}

// RelayClient is a Bus whose traffic goes through a remote RelayServer.
type RelayClient struct {
	conn *grpc.ClientConn
	log  zerolog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]context.CancelFunc
}

func DialRelay(target string, log zerolog.Logger, opts ...grpc.DialOption) (*RelayClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: relay dial %s: %w", target, err)
	}
	return &RelayClient{
		conn: conn,
		log:  log.With().Str("component", "bus.relay_client").Logger(),
		subs: make(map[uint64]context.CancelFunc),
	}, nil
}

func (c *RelayClient) Publish(ctx context.Context, routingKey string, body []byte) error {
	return c.conn.Invoke(ctx, relayPublish, &anypb.Any{TypeUrl: routingKey, Value: body}, &emptypb.Empty{})
}

type relaySub struct {
	c  *RelayClient
	id uint64
}

func (s relaySub) Unsubscribe() error {
	s.c.drop(s.id)
	return nil
}

// drop cancels and forgets one subscription stream.
func (c *RelayClient) drop(id uint64) {
	c.mu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *RelayClient) Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	sctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(sctx, &relayDesc.Streams[0], relaySubscribe)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bus: relay subscribe %s: %w", pattern, err)
	}
	if err := stream.SendMsg(wrapperspb.String(pattern)); err != nil {
		cancel()
		return nil, fmt.Errorf("bus: relay subscribe %s: %w", pattern, err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, err
	}
	if err := stream.RecvMsg(new(anypb.Any)); err != nil {
		cancel()
		return nil, fmt.Errorf("bus: relay subscribe %s: %w", pattern, err)
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = cancel
	c.mu.Unlock()

	go func() {
		defer c.drop(id)
		for {
			m := new(anypb.Any)
			if err := stream.RecvMsg(m); err != nil {
				if sctx.Err() == nil {
					c.log.Warn().Err(err).Str("pattern", pattern).Msg("relay stream ended")
				}
				return
			}
			h(ctx, m.GetTypeUrl(), m.GetValue())
		}
	}()
	return relaySub{c: c, id: id}, nil
}

func (c *RelayClient) Close() error {
	c.mu.Lock()
	for id, cancel := range c.subs {
		cancel()
		delete(c.subs, id)
	}
	c.mu.Unlock()
	return c.conn.Close()
}
