package devroom

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/thesyncim/streamer/internal/logger"
	"github.com/thesyncim/streamer/internal/metrics"
)

// TrackStats counts what arrived on one received track.
type TrackStats struct {
	Packets uint64
	Bytes   uint64
	Frames  uint64 // packets with the marker bit set
}

type rtpStats struct {
	mu     sync.Mutex
	tracks map[string]*TrackStats
}

func newRTPStats() *rtpStats {
	return &rtpStats{tracks: make(map[string]*TrackStats)}
}

func (s *rtpStats) observe(trackSID string, pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tracks[trackSID]
	if !ok {
		st = &TrackStats{}
		s.tracks[trackSID] = st
	}
	st.Packets++
	st.Bytes += uint64(len(pkt.Payload))
	if pkt.Marker {
		st.Frames++
	}
}

func (s *rtpStats) get(trackSID string) TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tracks[trackSID]; ok {
		return *st
	}
	return TrackStats{}
}

// TrackStats returns the RTP counters of a track.
func (s *Server) TrackStats(trackSID string) TrackStats {
	return s.stats.get(trackSID)
}

func (s *Server) newPeerConnection() (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{LoggerFactory: logger.NewPionFactory()}
	if s.cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))

	var servers []webrtc.ICEServer
	for _, srv := range s.cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: srv.URLs, Username: srv.Username, Credential: srv.Credential})
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// negotiate applies a publisher offer to the peer's receive-only connection
// and returns the answer SDP with all candidates gathered.
func (p *peer) negotiate(offer string) (string, error) {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()

	if pc == nil {
		var err error
		if pc, err = p.server.newPeerConnection(); err != nil {
			return "", err
		}
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			go p.receive(pc, track)
		})
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			p.log.Debug("peer connection state", "state", state.String())
		})
		p.mu.Lock()
		p.pc = pc
		p.mu.Unlock()
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(5 * time.Second):
		p.log.Warn("ice gathering incomplete, sending partial answer")
	}
	return pc.LocalDescription().SDP, nil
}

// receive counts the RTP of one track. The track id is the track SID the
// publisher was issued.
func (p *peer) receive(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	sid := track.ID()
	log := p.log.With("track", sid, "codec", track.Codec().MimeType)
	log.Info("receiving track")

	// Request a keyframe up front.
	if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
		log.Debug("send pli", "error", err)
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Info("track ended", "packets", p.server.stats.get(sid).Packets)
			return
		}
		p.server.stats.observe(sid, pkt)
		metrics.RTPPacketReceived(p.room)
	}
}
