package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/anteup/roomlink/internal/bookmark"
	"github.com/anteup/roomlink/internal/config"
	"github.com/anteup/roomlink/internal/httpapi"
	"github.com/anteup/roomlink/internal/orchestrator"
	"github.com/anteup/roomlink/internal/store"
	"github.com/anteup/roomlink/internal/transport"
	"github.com/anteup/roomlink/internal/transport/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := buildLogger(cfg.LogLevel)
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgresStore(cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres", zap.Error(err))
	}
	if err := pg.Migrate(ctx); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	var roomStore store.RoomStore = pg
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis", zap.Error(err))
		}
		roomStore = store.NewCompositeStore(pg, store.NewRedisPlayerStore(rdb))
	}

	var tr transport.Transport
	if cfg.RealtimeURL != "" {
		tr = ws.NewTransport(cfg.RealtimeURL, log)
	} else {
		log.Warn("REALTIME_URL unset, using in-process transport")
		tr = transport.NewMemoryTransport()
	}

	orch := orchestrator.New(orchestrator.Options{
		Transport:        tr,
		Store:            roomStore,
		Bookmark:         bookmark.New(bookmark.NewFileMedium(cfg.BookmarkPath), log),
		HeartbeatPeriod:  cfg.HeartbeatPeriod,
		ReconnectCeiling: cfg.ReconnectCeiling,
		Logger:           log,
	})
	defer orch.Close()

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: httpapi.SetupRoutes(orch)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server", zap.Error(err))
	}
}

func buildLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return log
}
