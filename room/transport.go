package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/thesyncim/streamer/internal/logger"
)

// SampleWriter receives the encoded frames of one transport track.
type SampleWriter interface {
	WriteSample(data []byte, duration time.Duration) error
}

// MediaTransport carries published tracks to the room service.
type MediaTransport interface {
	// AddTrack attaches a video track for sid and renegotiates. onKeyframe is
	// called when the remote end asks for a keyframe.
	AddTrack(ctx context.Context, sid string, info TrackInfo, onKeyframe func()) (SampleWriter, error)
	RemoveTrack(ctx context.Context, sid string) error
	Close() error
}

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string
	SDP  string
}

// Negotiator exchanges a local offer for the service's answer.
type Negotiator func(ctx context.Context, offer SessionDescription) (SessionDescription, error)

type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// TransportConfig is what a transport learns from the join handshake.
type TransportConfig struct {
	ICEServers []ICEServer
	Negotiate  Negotiator
}

// TransportFactory builds the media transport of a session once it has joined.
type TransportFactory func(cfg TransportConfig) (MediaTransport, error)

// WebRTCOptions tunes the pion transport.
type WebRTCOptions struct {
	// IncludeLoopback gathers loopback candidates, for services on the same host.
	IncludeLoopback bool

	// GatherTimeout bounds ICE gathering per negotiation. Defaults to 5s.
	GatherTimeout time.Duration
}

// NewWebRTCTransportFactory returns a factory for pion based transports.
func NewWebRTCTransportFactory(opts WebRTCOptions) TransportFactory {
	return func(cfg TransportConfig) (MediaTransport, error) {
		return newWebRTCTransport(cfg, opts)
	}
}

// webrtcTransport publishes every track on one send-only peer connection,
// renegotiating on each add and remove.
type webrtcTransport struct {
	pc        *webrtc.PeerConnection
	negotiate Negotiator
	gather    time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	senders map[string]*webrtc.RTPSender
}

func newWebRTCTransport(cfg TransportConfig, opts WebRTCOptions) (*webrtcTransport, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	s := webrtc.SettingEngine{LoggerFactory: logger.NewPionFactory()}
	if opts.IncludeLoopback {
		s.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s))

	var servers []webrtc.ICEServer
	for _, srv := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: srv.URLs, Username: srv.Username, Credential: srv.Credential})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &webrtcTransport{
		pc:        pc,
		negotiate: cfg.Negotiate,
		gather:    opts.GatherTimeout,
		log:       logger.With(component).With("transport", "webrtc"),
		senders:   make(map[string]*webrtc.RTPSender),
	}
	if t.gather <= 0 {
		t.gather = 5 * time.Second
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.log.Debug("peer connection state", "state", state.String())
	})
	return t, nil
}

func (t *webrtcTransport) AddTrack(ctx context.Context, sid string, info TrackInfo, onKeyframe func()) (SampleWriter, error) {
	label := info.StreamLabel
	if label == "" {
		label = sid
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: info.Codec.MimeType(), ClockRate: info.Codec.ClockRate()},
		sid, label,
	)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	go readRTCP(sender, onKeyframe)

	if err := t.renegotiate(ctx); err != nil {
		_ = t.pc.RemoveTrack(sender)
		return nil, err
	}
	t.senders[sid] = sender
	return sampleWriter{track}, nil
}

func (t *webrtcTransport) RemoveTrack(ctx context.Context, sid string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sender, ok := t.senders[sid]
	if !ok {
		return nil
	}
	delete(t.senders, sid)
	if err := t.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	return t.renegotiate(ctx)
}

func (t *webrtcTransport) Close() error {
	return t.pc.Close()
}

// renegotiate runs one offer/answer round. Candidates are gathered up front
// and sent inside the offer.
func (t *webrtcTransport) renegotiate(ctx context.Context) error {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(t.gather)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		t.log.Warn("ice gathering incomplete, sending partial offer")
	case <-ctx.Done():
		return ctx.Err()
	}

	answer, err := t.negotiate(ctx, SessionDescription{Type: "offer", SDP: t.pc.LocalDescription().SDP})
	if err != nil {
		return err
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func readRTCP(sender *webrtc.RTPSender, onKeyframe func()) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if onKeyframe != nil {
					onKeyframe()
				}
			}
		}
	}
}

type sampleWriter struct {
	track *webrtc.TrackLocalStaticSample
}

func (w sampleWriter) WriteSample(data []byte, duration time.Duration) error {
	return w.track.WriteSample(media.Sample{Data: data, Duration: duration})
}
