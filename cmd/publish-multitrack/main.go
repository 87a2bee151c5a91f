// publish-multitrack joins a room and publishes every configured camera as
// its own video track until the session ends.
//
// Usage:
//
//	LIVEKIT_URL=ws://localhost:7880 LIVEKIT_API_KEY=devkey LIVEKIT_API_SECRET=devsecret \
//	    go run ./cmd/publish-multitrack
//
// Streams default to /dev/video0 (MJPEG) and /dev/video4 (H.264); set
// STREAMS_FILE to a YAML stream list to change them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/thesyncim/streamer/auth"
	"github.com/thesyncim/streamer/capture"
	"github.com/thesyncim/streamer/internal/config"
	"github.com/thesyncim/streamer/internal/logger"
	"github.com/thesyncim/streamer/internal/metrics"
	"github.com/thesyncim/streamer/publisher"
	"github.com/thesyncim/streamer/room"
)

const (
	connectTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		logger.Error("publish-multitrack failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logger.With("publish-multitrack")

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
		log.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	issuer, err := auth.NewTokenIssuer(cfg.APIKey, cfg.APISecret)
	if err != nil {
		return err
	}
	token, err := issuer.Issue(cfg.Identity, cfg.Name, auth.VideoGrant{
		Room:         cfg.RoomName,
		RoomJoin:     true,
		CanPublish:   true,
		CanSubscribe: true,
	}, cfg.TokenTTL)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	r, err := room.Connect(connectCtx, cfg.URL, token)
	cancel()
	if err != nil {
		return err
	}
	log.Info("connected to room", "room", r.Name(), "sid", r.SID(), "identity", r.LocalParticipant().Identity)

	p := publisher.New(r)
	streams, err := publishAll(ctx, log, p, cfg.Streams)
	if err != nil {
		r.Disconnect()
		return teardown(p, streams, err)
	}

	go func() {
		<-ctx.Done()
		log.Info("leaving room")
		r.Disconnect()
	}()

	reason, err := p.Run(context.Background(), r.Events(), nil)
	if err != nil {
		log.Warn("event loop ended", "error", err)
	}
	log.Info("session ended", "reason", string(reason))

	err = teardown(p, streams, nil)
	r.Disconnect()
	return err
}

// publishAll starts and publishes each stream in order. It stops at the first
// failure and returns the streams created so far so they can be stopped.
func publishAll(ctx context.Context, log *slog.Logger, p *publisher.Participant, list []config.Stream) ([]*capture.CaptureStream, error) {
	streams := make([]*capture.CaptureStream, 0, len(list))
	for _, sc := range list {
		src, err := sc.VideoSourceConfig()
		if err != nil {
			return streams, err
		}
		s, err := capture.NewCaptureStream(src)
		if err != nil {
			return streams, err
		}
		streams = append(streams, s)

		if err := s.Start(ctx); err != nil {
			return streams, fmt.Errorf("start %s: %w", sc.Device, err)
		}
		track, err := p.Publish(ctx, s, &publisher.PublishOptions{Name: sc.Name, Source: sc.TrackSource()})
		if err != nil {
			return streams, fmt.Errorf("publish %s: %w", sc.Device, err)
		}
		log.Info("publishing", "device", sc.Device, "codec", s.Codec().String(), "track", track.SID(), "tracks", p.Len())
	}
	return streams, nil
}

func teardown(p *publisher.Participant, streams []*capture.CaptureStream, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result *multierror.Error
	if cause != nil {
		result = multierror.Append(result, cause)
	}
	if err := publisher.Shutdown(ctx, p, streams...); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
