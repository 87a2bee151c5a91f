package room

import (
	"time"

	"github.com/thesyncim/streamer/internal/signal"
)

// DefaultHandshakeTimeout bounds Connect when the context has no earlier deadline.
const DefaultHandshakeTimeout = 10 * time.Second

type options struct {
	handshakeTimeout time.Duration
	keepalive        signal.Keepalive
	transport        TransportFactory
	requestTimeout   time.Duration
}

// Option configures Connect.
type Option func(*options)

func defaultOptions() options {
	return options{
		handshakeTimeout: DefaultHandshakeTimeout,
		transport:        NewWebRTCTransportFactory(WebRTCOptions{}),
		requestTimeout:   15 * time.Second,
	}
}

// WithHandshakeTimeout bounds the dial and join exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithKeepalive overrides the signalling ping interval and read timeout.
func WithKeepalive(ping, readTimeout time.Duration) Option {
	return func(o *options) {
		o.keepalive = signal.Keepalive{PingInterval: ping, ReadTimeout: readTimeout}
	}
}

// WithTransport replaces the pion WebRTC transport.
func WithTransport(f TransportFactory) Option {
	return func(o *options) {
		if f != nil {
			o.transport = f
		}
	}
}

// WithRequestTimeout bounds each signalling request whose context has no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}
