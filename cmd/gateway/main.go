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
	"github.com/rs/zerolog/log"

	"DataReader/pkg/common"
	"DataReader/pkg/gateway"
	"DataReader/pkg/hashring"
)

func main() {
	cfg, err := common.Load("gateway", os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logger := common.SetupLogger(cfg.Log, "gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, closeBus, err := common.OpenBus(cfg.Bus, "gateway-"+cfg.Gateway.ReplyHeader, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open bus")
	}
	defer closeBus()

	ret, err := gateway.NewRetriever(ctx, b, gateway.RetrieverConfig{
		ReplyHeader:    cfg.Gateway.ReplyHeader,
		DatabaseHeader: cfg.Gateway.DatabaseHeader,
		Timeout:        cfg.Gateway.RequestTimeout,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("retriever")
	}
	defer ret.Close()

	nodes := make([]hashring.Node, 0, len(cfg.Gateway.Nodes))
	for _, n := range cfg.Gateway.Nodes {
		nodes = append(nodes, hashring.Node{ID: n.ID, RoutingHeader: n.RoutingHeader})
	}
	ring := hashring.New(nodes, cfg.Gateway.Replicas)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics, err := gateway.NewMetrics(reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("metrics")
	}
	gw := gateway.New(gateway.NewHandler(ret, ring, metrics, logger), reg)

	hs := &http.Server{Addr: cfg.Gateway.Addr, Handler: gw.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = hs.Shutdown(sctx)
	}()

	logger.Info().Str("addr", cfg.Gateway.Addr).Int("nodes", len(nodes)).Msg("Gateway listening")
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("gateway")
	}
}
