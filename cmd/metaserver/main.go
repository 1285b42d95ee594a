package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"DataReader/pkg/common"
	"DataReader/pkg/metaserver"
)

func main() {
	cfg, err := common.Load("metaserver", os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logger := common.SetupLogger(cfg.Log, "metaserver")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, closeBus, err := common.OpenBus(cfg.Bus, "metaserver", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open bus")
	}
	defer closeBus()

	store, closeStore, err := common.OpenStore(cfg.Meta)
	if err != nil {
		logger.Fatal().Err(err).Msg("meta store")
	}
	defer closeStore()

	index, closeIndex, err := common.OpenIndex(ctx, cfg.Meta)
	if err != nil {
		logger.Fatal().Err(err).Msg("segment index")
	}
	defer closeIndex()

	logger.Info().Str("store", cfg.Meta.Store).Str("index", cfg.Meta.Index).Msg("MetaServer running")
	if err := metaserver.New(cfg.Reader.DatabaseHeader, b, store, index, logger).Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("metaserver")
	}
}
