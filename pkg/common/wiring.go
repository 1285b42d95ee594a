package common

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"DataReader/pkg/bus"
	"DataReader/pkg/content"
	"DataReader/pkg/meta"
)

// Closer releases whatever an Open* helper started.
type Closer func() error

func noop() error { return nil }

// OpenBus returns the bus selected by cfg. With kind grpc, a process
// that has RelayListen set hosts an in-memory bus and serves it to the
// others, which dial RelayAddr.
func OpenBus(cfg BusConfig, name string, log zerolog.Logger) (bus.Bus, Closer, error) {
	switch cfg.Kind {
	case "memory":
		b := bus.NewMemory()
		return b, b.Close, nil
	case "nats":
		b, err := bus.DialNATS(cfg.URL, name, log)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case "grpc":
		if cfg.RelayListen == "" {
			b, err := bus.DialRelay(cfg.RelayAddr, log)
			if err != nil {
				return nil, nil, err
			}
			return b, b.Close, nil
		}
		lis, err := net.Listen("tcp", cfg.RelayListen)
		if err != nil {
			return nil, nil, err
		}
		b := bus.NewMemory()
		g := grpc.NewServer()
		bus.NewRelayServer(b, log).Register(g)
		go func() {
			if err := g.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error().Err(err).Msg("bus relay stopped")
			}
		}()
		log.Info().Str("addr", lis.Addr().String()).Msg("bus relay listening")
		return b, func() error {
			g.GracefulStop()
			return b.Close()
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown bus kind %q", cfg.Kind)
}

func OpenContent(ctx context.Context, cfg ContentConfig) (content.Reader, error) {
	switch cfg.Kind {
	case "file":
		fs, err := content.OpenFileStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "s3":
		s3, err := content.DialS3(ctx, content.S3Config{
			Bucket:       cfg.S3.Bucket,
			Prefix:       cfg.S3.Prefix,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	}
	return nil, fmt.Errorf("unknown content kind %q", cfg.Kind)
}

func OpenStore(cfg MetaConfig) (meta.Store, Closer, error) {
	switch cfg.Store {
	case "memory":
		return meta.NewMemStore(0), noop, nil
	case "etcd":
		s, err := meta.NewEtcdStore(cfg.EtcdEndpoints, cfg.EtcdPrefix)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown meta store %q", cfg.Store)
}

func OpenIndex(ctx context.Context, cfg MetaConfig) (meta.Resolver, Closer, error) {
	switch cfg.Index {
	case "memory":
		return meta.NewMemIndex(), noop, nil
	case "postgres":
		idx, err := meta.OpenPGIndex(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Migrate {
			if err := idx.Migrate(ctx); err != nil {
				_ = idx.Close()
				return nil, nil, fmt.Errorf("migrate segment index: %w", err)
			}
		}
		return idx, idx.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown meta index %q", cfg.Index)
}
