package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
)

type counters struct {
	captured atomic.Uint64
	encoded  atomic.Uint64
	dropped  atomic.Uint64
}

// pipeline is source -> (convert to I420) -> encoder, exclusively owned by
// one CaptureStream.
type pipeline struct {
	source  VideoSource
	convert frameConverter
	encoder VideoEncoder
	stats   *counters

	closeOnce sync.Once
	closeErr  error
}

// openPipeline opens the device and builds the encoder chain for format.
// On error everything opened so far is closed.
func openPipeline(ctx context.Context, cfg VideoSourceConfig, format PixelFormat, stats *counters) (*pipeline, error) {
	provider, err := lookupProvider(cfg.DeviceID)
	if err != nil {
		return nil, err
	}

	encoder, convert, err := buildEncoder(cfg, format)
	if err != nil {
		return nil, err
	}

	src, err := provider.Open(ctx, cfg.DeviceID, OpenRequest{
		Width:  cfg.Width,
		Height: cfg.Height,
		FPS:    cfg.FrameRate,
		Format: format,
	})
	if err != nil {
		_ = encoder.Close()
		return nil, err
	}

	p := &pipeline{source: src, convert: convert, encoder: encoder, stats: stats}
	if err := ctx.Err(); err != nil {
		_ = p.close()
		return nil, err
	}
	if err := src.Start(ctx); err != nil {
		_ = p.close()
		return nil, err
	}
	return p, nil
}

func buildEncoder(cfg VideoSourceConfig, format PixelFormat) (VideoEncoder, frameConverter, error) {
	if codec := format.Codec(); codec != VideoCodecUnknown {
		if cfg.Encode.Codec != VideoCodecUnknown && cfg.Encode.Codec != codec {
			return nil, nil, fmt.Errorf("%w: cannot transcode %s capture to %s", ErrUnsupportedFormat, codec, cfg.Encode.Codec)
		}
		return newPassthroughEncoder(codec, cfg.FrameRate), nil, nil
	}

	convert, err := converterFor(format)
	if err != nil {
		return nil, nil, err
	}
	target := cfg.encodeTarget()
	enc, err := NewVideoEncoder(EncoderConfig{
		Codec:      target.Codec,
		Width:      cfg.Width,
		Height:     cfg.Height,
		FPS:        cfg.FrameRate,
		BitrateBps: target.BitrateBps,
	})
	if err != nil {
		return nil, nil, err
	}
	return enc, convert, nil
}

// next blocks until one encoded frame is available.
func (p *pipeline) next(ctx context.Context) (*EncodedFrame, error) {
	for {
		frame, err := p.source.ReadFrame(ctx)
		if err != nil {
			return nil, err
		}
		p.stats.captured.Add(1)

		if p.convert != nil {
			if frame, err = p.convert(frame); err != nil {
				return nil, fmt.Errorf("convert %s frame: %w", p.source.Config().Format, err)
			}
		}
		encoded, err := p.encoder.Encode(frame)
		if err != nil {
			return nil, fmt.Errorf("encode: %w", err)
		}
		if encoded == nil {
			continue
		}
		encoded.Sequence = p.stats.encoded.Add(1)
		return encoded, nil
	}
}

func (p *pipeline) requestKeyframe() {
	p.encoder.RequestKeyframe()
}

// close releases the source and the encoder exactly once.
func (p *pipeline) close() error {
	p.closeOnce.Do(func() {
		var result *multierror.Error
		if err := p.source.Stop(); err != nil && !errors.Is(err, ErrSourceClosed) {
			result = multierror.Append(result, fmt.Errorf("stop source: %w", err))
		}
		if err := p.source.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close source: %w", err))
		}
		if err := p.encoder.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close encoder: %w", err))
		}
		p.closeErr = result.ErrorOrNil()
	})
	return p.closeErr
}
