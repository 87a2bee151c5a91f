package capture

import (
	"errors"

	"github.com/thesyncim/streamer/errs"
)

const component = "capture"

var (
	// ErrUnsupportedFormat is returned when the device or the encoder chain
	// cannot produce the requested codec, resolution or frame rate.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrDeviceUnavailable is returned when the device is missing, busy in the
	// OS, or leased by another stream in this process.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrInvalidState is returned for lifecycle misuse: Start after Stop,
	// a second Frames consumer, iterating an ended stream.
	ErrInvalidState = errors.New("invalid stream state")

	ErrInvalidConfig = errors.New("invalid source config")
	ErrSourceClosed  = errors.New("source closed")
)

func configError(op string, err error) error {
	return errs.New(errs.KindConfiguration, component, op, err)
}

func resourceError(op string, err error) error {
	return errs.New(errs.KindResource, component, op, err)
}

func stateError(op, reason string) error {
	return errs.Newf(errs.KindPublish, component, op, "%w: %s", ErrInvalidState, reason)
}

// classify wraps err with the kind implied by its sentinel.
func classify(op string, err error) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, ErrDeviceUnavailable):
		return resourceError(op, err)
	case errors.Is(err, ErrUnsupportedFormat), errors.Is(err, ErrInvalidConfig):
		return configError(op, err)
	default:
		return errs.New(errs.KindUnknown, component, op, err)
	}
}
