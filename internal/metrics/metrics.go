// Package metrics holds the Prometheus collectors recorded by the capture,
// publisher and room packages, and an HTTP exporter for them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "streamer"

var (
	// framesCaptured counts frames read from a capture source, by device.
	framesCaptured = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Total number of frames read from capture devices",
		},
		[]string{"device"},
	)

	// framesDropped counts encoded frames evicted from a full output queue.
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of encoded frames dropped by capture backpressure",
		},
		[]string{"device"},
	)

	framesForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Total number of encoded frames written to published tracks",
		},
		[]string{"track"},
	)

	forwardingErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarding_errors_total",
			Help:      "Total number of track write failures",
		},
		[]string{"track"},
	)

	publishedTracks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "published_tracks",
			Help:      "Number of currently published tracks",
		},
	)

	roomEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_events_total",
			Help:      "Total number of room events delivered, by kind",
		},
		[]string{"kind"},
	)

	// rtpPacketsReceived is recorded by the development room service.
	rtpPacketsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtp_packets_received_total",
			Help:      "Total number of RTP packets received by the development room service",
		},
		[]string{"room"},
	)
)

var allMetrics = []prometheus.Collector{
	framesCaptured,
	framesDropped,
	framesForwarded,
	forwardingErrors,
	publishedTracks,
	roomEvents,
	rtpPacketsReceived,
}

func FrameCaptured(device string) {
	framesCaptured.WithLabelValues(device).Inc()
}

func FrameDropped(device string) {
	framesDropped.WithLabelValues(device).Inc()
}

func FrameForwarded(track string) {
	framesForwarded.WithLabelValues(track).Inc()
}

func ForwardingError(track string) {
	forwardingErrors.WithLabelValues(track).Inc()
}

// TrackPublished and TrackUnpublished move the published_tracks gauge.
func TrackPublished() {
	publishedTracks.Inc()
}

func TrackUnpublished() {
	publishedTracks.Dec()
}

func RoomEvent(kind string) {
	roomEvents.WithLabelValues(kind).Inc()
}

func RTPPacketReceived(room string) {
	rtpPacketsReceived.WithLabelValues(room).Inc()
}
