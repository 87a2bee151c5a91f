// devroom runs the development room service that publish-multitrack can join
// without a production deployment.
//
// Usage:
//
//	go run ./cmd/devroom                          # in-memory rooms on :7880
//	REDIS_URL=redis://localhost:6379/0 go run ./cmd/devroom
//
// Room state is served at GET /api/rooms/:name.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/thesyncim/streamer/internal/config"
	"github.com/thesyncim/streamer/internal/devroom"
	"github.com/thesyncim/streamer/internal/logger"
	"github.com/thesyncim/streamer/internal/metrics"
	sig "github.com/thesyncim/streamer/internal/signal"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		logger.Error("devroom failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadDevroom()
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	log := logger.With("devroom")
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store devroom.Store
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		store = devroom.NewRedisStore(client, devroom.WithPrefix(cfg.RedisPrefix), devroom.WithTTL(cfg.RoomTTL))
		log.Info("redis store enabled", "addr", opts.Addr, "prefix", cfg.RedisPrefix)
	}

	srv, err := devroom.New(devroom.Config{
		APIKey:          cfg.APIKey,
		APISecret:       cfg.APISecret,
		Store:           store,
		AllowedCodecs:   cfg.AllowedCodecs,
		AnswerMedia:     cfg.AnswerMedia,
		IncludeLoopback: cfg.IncludeLoopback,
	})
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		exporter := metrics.NewExporter(cfg.MetricsAddr)
		if err := exporter.Start(); err != nil {
			return fmt.Errorf("start metrics exporter: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = exporter.Shutdown(ctx)
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.ListenAndServe()
	}()
	log.Info("devroom listening", "addr", cfg.Addr, "answer_media", cfg.AnswerMedia)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	// Websocket connections are hijacked, so they are closed here rather
	// than by http.Server.Shutdown.
	srv.Shutdown(sig.ReasonServerShutdown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
