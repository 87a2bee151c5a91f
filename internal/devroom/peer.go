package devroom

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/thesyncim/streamer/internal/signal"
)

// peer is one participant connection.
type peer struct {
	server   *Server
	room     string
	sid      string
	identity string
	name     string
	conn     *signal.Conn
	log      *slog.Logger

	mu     sync.Mutex
	tracks map[string]signal.TrackInfo
	pc     *webrtc.PeerConnection
}

func (p *peer) info() signal.ParticipantInfo {
	return signal.ParticipantInfo{SID: p.sid, Identity: p.identity, Name: p.name, Tracks: p.trackList()}
}

func (p *peer) trackList() []signal.TrackInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]signal.TrackInfo, 0, len(p.tracks))
	for _, t := range p.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

func (p *peer) send(t signal.Type, requestID string, payload any) error {
	msg, err := signal.New(t, requestID, payload)
	if err != nil {
		return err
	}
	return p.conn.Send(msg)
}

// kick tells the participant why it is being removed and drops the connection.
func (p *peer) kick(reason string) {
	_ = p.send(signal.TypeLeave, "", signal.LeavePayload{Reason: reason})
	p.conn.Close()
}

func (p *peer) close() {
	p.conn.Close()
	p.mu.Lock()
	pc := p.pc
	p.pc = nil
	p.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
}

// serve handles requests until the connection ends.
func (p *peer) serve() {
	for {
		msg, err := p.conn.Read()
		if err != nil {
			return
		}
		switch msg.Type {
		case signal.TypeAddTrack:
			p.addTrack(msg)
		case signal.TypeUnpublishTrack:
			p.unpublishTrack(msg)
		case signal.TypeOffer:
			p.answer(msg)
		case signal.TypeCandidate:
			// candidates arrive inside the offer
		case signal.TypeLeave:
			p.log.Debug("participant left voluntarily")
			return
		default:
			_ = p.conn.Send(signal.Errorf(msg.RequestID, "unsupported message type %q", msg.Type))
		}
	}
}

func (p *peer) addTrack(msg signal.Message) {
	var req signal.AddTrackRequest
	if err := msg.Decode(&req); err != nil {
		_ = p.conn.Send(signal.Errorf(msg.RequestID, "%v", err))
		return
	}
	if !p.server.codecAllowed(req.MimeType) {
		p.log.Info("rejected track", "mime", req.MimeType)
		_ = p.conn.Send(signal.Errorf(msg.RequestID, "codec %s is not allowed", req.MimeType))
		return
	}
	if req.Width <= 0 || req.Height <= 0 {
		_ = p.conn.Send(signal.Errorf(msg.RequestID, "invalid track size %dx%d", req.Width, req.Height))
		return
	}

	track := signal.TrackInfo{
		SID:            newTrackSID(),
		ParticipantSID: p.sid,
		Name:           req.Name,
		Source:         req.Source,
		MimeType:       req.MimeType,
		Width:          req.Width,
		Height:         req.Height,
		StreamLabel:    req.StreamLabel,
	}
	if err := p.server.store.AddTrack(context.Background(), p.room, track); err != nil {
		_ = p.conn.Send(signal.Errorf(msg.RequestID, "store track: %v", err))
		return
	}
	p.mu.Lock()
	p.tracks[track.SID] = track
	p.mu.Unlock()

	_ = p.send(signal.TypeTrackPublished, msg.RequestID, signal.TrackPublishedResponse{CID: req.CID, Track: track})
	p.server.broadcast(p, signal.TypeTrackSubscribed, signal.TrackSubscription{Participant: p.info(), Track: track})
	p.log.Info("track published", "track", track.SID, "mime", track.MimeType, "width", track.Width, "height", track.Height)
}

func (p *peer) unpublishTrack(msg signal.Message) {
	var req signal.UnpublishTrackRequest
	if err := msg.Decode(&req); err != nil {
		_ = p.conn.Send(signal.Errorf(msg.RequestID, "%v", err))
		return
	}
	p.mu.Lock()
	track, ok := p.tracks[req.TrackSID]
	delete(p.tracks, req.TrackSID)
	p.mu.Unlock()
	if !ok {
		_ = p.conn.Send(signal.Errorf(msg.RequestID, "unknown track %s", req.TrackSID))
		return
	}
	if err := p.server.store.RemoveTrack(context.Background(), p.room, track.SID); err != nil {
		p.log.Warn("remove track from store", "error", err)
	}

	_ = p.send(signal.TypeTrackUnpublished, msg.RequestID, signal.TrackUnpublishedResponse{TrackSID: track.SID})
	p.server.broadcast(p, signal.TypeTrackUnsubscribed, signal.TrackSubscription{Participant: p.info(), Track: track})
	p.log.Info("track unpublished", "track", track.SID)
}

func (p *peer) answer(msg signal.Message) {
	if !p.server.cfg.AnswerMedia {
		_ = p.conn.Send(signal.Errorf(msg.RequestID, "media answering is disabled"))
		return
	}
	var offer signal.SessionDescription
	if err := msg.Decode(&offer); err != nil {
		_ = p.conn.Send(signal.Errorf(msg.RequestID, "%v", err))
		return
	}
	answer, err := p.negotiate(offer.SDP)
	if err != nil {
		p.log.Warn("answer offer", "error", err)
		_ = p.conn.Send(signal.Errorf(msg.RequestID, "answer offer: %v", err))
		return
	}
	_ = p.send(signal.TypeAnswer, msg.RequestID, signal.SessionDescription{Type: "answer", SDP: answer})
}
