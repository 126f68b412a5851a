package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"pieceflow/pkg/config"
	"pieceflow/pkg/observability"
	"pieceflow/pkg/quic"
	"pieceflow/pkg/store"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("pieceflow-node started", zap.String("app", cfg.AppName))

	mem := store.NewMemory(store.MemoryOptions{
		KV: store.KVOptions{MaxBytes: cfg.Server.MaxStoreBytes},
	})
	if cfg.Server.SeedFile != "" {
		seed, err := store.LoadSeed(cfg.Server.SeedFile)
		if err != nil {
			zap.L().Error("failed to load seed file", zap.Error(err))
			return 1
		}
		if err := seed.Apply(mem); err != nil {
			zap.L().Error("failed to apply seed file", zap.Error(err))
			return 1
		}
		zap.L().Info("store seeded",
			zap.Int("tasks", len(seed.Tasks)),
			zap.Int("pieces", len(seed.Pieces)),
			zap.Int("persistent_cache_pieces", len(seed.PersistentCachePieces)))
	}

	srv := quic.NewServer(quic.ServerConfig{
		ListenAddr:         cfg.Server.ListenAddr,
		CertFile:           cfg.Server.CertFile,
		KeyFile:            cfg.Server.KeyFile,
		MaxIncomingStreams: cfg.Server.MaxIncomingStreams,
		MaxIdleTimeout:     cfg.Server.MaxIdleTimeout,
		DrainTimeout:       cfg.Server.DrainTimeout,
	}, mem, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		zap.L().Error("server failed", zap.Error(err))
		return 1
	}
	zap.L().Info("pieceflow-node stopped")
	return 0
}
