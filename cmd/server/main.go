package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johncui/chatmem/pkg/api"
	"github.com/johncui/chatmem/pkg/config"
	"github.com/johncui/chatmem/pkg/engine/assemble"
	"github.com/johncui/chatmem/pkg/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CHATMEM_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := store.NewMemoryEngine(ctx, store.Options{
		DBPath:                 cfg.DBPath,
		EnableVSS:              cfg.EnableVSS,
		ExtensionsPath:         cfg.ExtensionsPath,
		VectorDim:              cfg.VectorDim,
		EphemeralConversations: cfg.EphemeralConversations,
		BufferSize:             cfg.BufferSize,
		BufferTTL:              cfg.BufferTTL,
		Budget:                 cfg.Budget,
		Counter:                assemble.CounterFor(cfg.SizeUnit),
		SeedDefaultProfile:     cfg.SeedDefaultProfile,
		DefaultPersona:         cfg.DefaultPersona,
		DefaultModelID:         cfg.DefaultModelID,
		Logger:                 logger,
	})
	if err != nil {
		log.Fatalf("failed to init engine: %v", err)
	}
	defer engine.Close()

	go startConsolidationLoop(ctx, engine, cfg.ConsolidationEvery, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(engine, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting chatmem server", "addr", cfg.ListenAddr, "db", cfg.DBPath,
		"vss", cfg.EnableVSS, "ephemeral", cfg.EphemeralConversations, "unit", cfg.SizeUnit)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		return
	}

	// Flush whatever the loop has not distilled yet.
	if err := engine.Consolidate(context.Background()); err != nil {
		logger.Error("final consolidation failed", "err", err)
	}
	logger.Info("server stopped")
}

type consolidator interface {
	Consolidate(ctx context.Context) error
	Pending() int
}

func startConsolidationLoop(ctx context.Context, engine consolidator, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if engine.Pending() == 0 {
				continue
			}
			if err := engine.Consolidate(ctx); err != nil {
				logger.Error("consolidation failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
