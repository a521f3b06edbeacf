// Package main provides the arena gateway binary: the WebSocket front door
// that authenticates players, seats them in rooms and persists match results.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/auth"
	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/game/registry"
	"github.com/cory-johannsen/arena/internal/game/results"
	"github.com/cory-johannsen/arena/internal/game/room"
	"github.com/cory-johannsen/arena/internal/gateway"
	"github.com/cory-johannsen/arena/internal/observability"
	"github.com/cory-johannsen/arena/internal/server"
	"github.com/cory-johannsen/arena/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting gateway",
		zap.String("addr", cfg.Gateway.Addr()),
	)

	// Connect to PostgreSQL for player persistence.
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	players := postgres.NewPlayerRepository(pool.DB())

	// Load room presets, if configured.
	presets := map[string]room.Config{}
	if cfg.Room.PresetsDir != "" {
		if info, statErr := os.Stat(cfg.Room.PresetsDir); statErr == nil && info.IsDir() {
			presets, err = room.LoadPresets(cfg.Room.PresetsDir)
			if err != nil {
				logger.Fatal("loading room presets", zap.Error(err))
			}
			logger.Info("room presets loaded",
				zap.String("dir", cfg.Room.PresetsDir),
				zap.Int("count", len(presets)))
		} else {
			logger.Warn("presets dir not found, using defaults only",
				zap.String("dir", cfg.Room.PresetsDir))
		}
	}

	// Wire the game layer.
	writer := results.NewWriter(players, logger)
	reg := registry.NewRegistry(logger)
	rooms := room.NewManager(cfg.Room, room.ManagerDeps{
		Logger:  logger,
		Sink:    writer.Enqueue,
		Presets: presets,
	})
	verifier := auth.NewJWTVerifier(cfg.Auth)
	gw := gateway.New(cfg.Gateway, logger, verifier, players, reg, rooms)

	httpServer := &http.Server{
		Addr:    cfg.Gateway.Addr(),
		Handler: gw.Handler(),
	}

	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("http", &server.FuncService{
		StartFn: func() error {
			logger.Info("gateway listening", zap.String("addr", cfg.Gateway.Addr()))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		StopFn: func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			rooms.Shutdown()
			gw.Shutdown()
			writer.Wait()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
		},
	})

	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			for {
				time.Sleep(30 * time.Second)
				if err := pool.Health(ctx, 5*time.Second); err != nil {
					logger.Warn("database health check failed", zap.Error(err))
				}
			}
		},
		StopFn: func() {
			pool.Close()
		},
	})

	logger.Info("gateway initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("addr", cfg.Gateway.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
