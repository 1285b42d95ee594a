package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"DataReader/pkg/common"
	"DataReader/pkg/reader"
)

func main() {
	cfg, err := common.Load("datareader", os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logger := common.SetupLogger(cfg.Log, "datareader")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, closeBus, err := common.OpenBus(cfg.Bus, "datareader-"+cfg.Reader.RoutingHeader, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open bus")
	}
	defer closeBus()

	cr, err := common.OpenContent(ctx, cfg.Content)
	if err != nil {
		logger.Fatal().Err(err).Msg("open content store")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := reader.NewMetrics(reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("metrics")
	}
	if cfg.Reader.MetricsAddr != "" {
		ms := &http.Server{
			Addr:              cfg.Reader.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server")
			}
		}()
		defer ms.Close()
		logger.Info().Str("addr", cfg.Reader.MetricsAddr).Msg("metrics listening")
	}

	srv := reader.NewServer(reader.ServerConfig{
		Config: reader.Config{
			RoutingHeader:   cfg.Reader.RoutingHeader,
			DatabaseHeader:  cfg.Reader.DatabaseHeader,
			LookupTimeout:   cfg.Reader.LookupTimeout,
			RetrieveTimeout: cfg.Reader.RetrieveTimeout,
			MaxSegmentSize:  cfg.Reader.MaxSegmentSize,
		},
		Workers:       cfg.Reader.Workers,
		SweepInterval: cfg.Reader.SweepInterval,
		StateFile:     cfg.Reader.StateFile,
	}, b, cr, metrics, logger)

	logger.Info().Str("routing_header", cfg.Reader.RoutingHeader).Int("workers", cfg.Reader.Workers).Msg("DataReader running")
	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("reader")
	}
}
