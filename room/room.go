// Package room connects to a real-time room service, publishes local video
// tracks into it and reports room notifications as an ordered event stream.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"

	"github.com/thesyncim/streamer/internal/logger"
	"github.com/thesyncim/streamer/internal/metrics"
	"github.com/thesyncim/streamer/internal/signal"
)

// State is the connection state of a Room.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Room is a joined session. It is safe for concurrent use.
type Room struct {
	conn      *signal.Conn
	transport MediaTransport
	opts      options
	log       *slog.Logger
	events    *eventQueue

	name  string
	sid   string
	local Participant

	mu      sync.Mutex
	state   State
	reason  DisconnectReason
	remotes map[string]Participant
	tracks  map[string]*LocalTrack
	pending map[string]chan signal.Message

	readDone chan struct{}
}

// Connect dials the signalling endpoint at serverURL, presents token and
// waits for the join response.
func Connect(ctx context.Context, serverURL, token string, opts ...Option) (*Room, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	endpoint, err := signallingURL(serverURL, token)
	if err != nil {
		return nil, sessionError("Connect", err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, o.handshakeTimeout)
	defer cancel()

	ws, resp, err := websocket.DefaultDialer.DialContext(hsCtx, endpoint, nil)
	if err != nil {
		return nil, sessionError("Connect", dialError(hsCtx, resp, err))
	}
	conn := signal.NewConn(ws, o.keepalive)

	join, err := awaitJoin(hsCtx, conn)
	if err != nil {
		conn.Close()
		return nil, sessionError("Connect", err)
	}

	r := &Room{
		conn:     conn,
		opts:     o,
		events:   newEventQueue(),
		name:     join.Room.Name,
		sid:      join.Room.SID,
		local:    participantFrom(join.Participant),
		state:    StateConnecting,
		remotes:  make(map[string]Participant),
		tracks:   make(map[string]*LocalTrack),
		pending:  make(map[string]chan signal.Message),
		readDone: make(chan struct{}),
	}
	r.log = logger.With(component).With("room", r.name, "identity", r.local.Identity)
	for _, p := range join.OtherParticipants {
		r.remotes[p.SID] = participantFrom(p)
	}

	var servers []ICEServer
	for _, s := range join.ICEServers {
		servers = append(servers, ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	r.transport, err = o.transport(TransportConfig{ICEServers: servers, Negotiate: r.negotiate})
	if err != nil {
		conn.Close()
		return nil, sessionError("Connect", fmt.Errorf("media transport: %w", err))
	}

	r.state = StateConnected
	go r.events.run()
	go r.readLoop()

	r.log.Info("connected to room", "sid", r.sid, "participant", r.local.SID, "remotes", len(r.remotes))
	return r, nil
}

// signallingURL maps http(s) to ws(s) and appends /rtc and the token.
func signallingURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("%w: parse url: %w", ErrNetworkUnreachable, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported url scheme %q", ErrNetworkUnreachable, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rtc"
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func dialError(ctx context.Context, resp *http.Response, err error) error {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("%w: %s", ErrAuthRejected, resp.Status)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
	}
	return fmt.Errorf("%w: %w", ErrNetworkUnreachable, err)
}

func awaitJoin(ctx context.Context, conn *signal.Conn) (*signal.JoinResponse, error) {
	type result struct {
		msg signal.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := conn.Read()
		ch <- result{msg, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		conn.Close()
		return nil, fmt.Errorf("%w: waiting for join: %w", ErrTimeout, ctx.Err())
	}
	if res.err != nil {
		return nil, fmt.Errorf("%w: waiting for join: %w", ErrNetworkUnreachable, res.err)
	}

	switch res.msg.Type {
	case signal.TypeJoin:
		var join signal.JoinResponse
		if err := res.msg.Decode(&join); err != nil {
			return nil, err
		}
		return &join, nil
	case signal.TypeLeave:
		var leave signal.LeavePayload
		_ = res.msg.Decode(&leave)
		if reason := parseReason(leave.Reason); reason != ReasonJoinFailure {
			return nil, fmt.Errorf("%w: service closed the session (%s)", ErrRemoteRejected, reason)
		}
		return nil, fmt.Errorf("%w: join failure", ErrAuthRejected)
	case signal.TypeError:
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, res.msg.Error)
	default:
		return nil, fmt.Errorf("%w: expected join, got %s", ErrRemoteRejected, res.msg.Type)
	}
}

func (r *Room) Name() string {
	return r.name
}

func (r *Room) SID() string {
	return r.sid
}

func (r *Room) LocalParticipant() Participant {
	return r.local
}

// RemoteParticipants returns the other participants, in no particular order.
func (r *Room) RemoteParticipants() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Participant, 0, len(r.remotes))
	for _, p := range r.remotes {
		out = append(out, p)
	}
	return out
}

func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// DisconnectReason returns why the session ended, or "" while connected.
func (r *Room) DisconnectReason() DisconnectReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Events returns the ordered notification stream. The channel closes after
// the Disconnected event. There is a single stream per Room.
func (r *Room) Events() <-chan RoomEvent {
	return r.events.out
}

// Disconnect leaves the room. The event stream ends with
// Disconnected{ReasonClientInitiated}. Calling it again does nothing.
func (r *Room) Disconnect() {
	if r.State() == StateConnected {
		if msg, err := signal.New(signal.TypeLeave, "", signal.LeavePayload{Reason: signal.ReasonClientInitiated}); err == nil {
			_ = r.conn.Send(msg)
		}
	}
	r.terminate(ReasonClientInitiated)
	<-r.readDone
}

// terminate moves the room to Disconnected once and releases everything.
func (r *Room) terminate(reason DisconnectReason) {
	r.mu.Lock()
	if r.state == StateDisconnected {
		r.mu.Unlock()
		return
	}
	r.state = StateDisconnected
	r.reason = reason
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	tracks := make([]*LocalTrack, 0, len(r.tracks))
	for _, t := range r.tracks {
		tracks = append(tracks, t)
	}
	r.tracks = make(map[string]*LocalTrack)
	r.mu.Unlock()

	for _, t := range tracks {
		t.close()
	}
	if err := r.transport.Close(); err != nil {
		r.log.Warn("close media transport", "error", err)
	}
	r.conn.Close()

	r.log.Info("disconnected from room", "reason", string(reason))
	r.emit(Disconnected{Reason: reason})
	r.events.close()
}

func (r *Room) emit(ev RoomEvent) {
	metrics.RoomEvent(EventKind(ev))
	r.events.push(ev)
}

func (r *Room) readLoop() {
	defer close(r.readDone)
	for {
		msg, err := r.conn.Read()
		if err != nil {
			if r.State() == StateConnected {
				r.log.Warn("signalling connection lost", "error", err)
			}
			r.terminate(ReasonConnectionLost)
			return
		}
		if r.dispatch(msg) {
			return
		}
	}
}

// dispatch handles one message and reports whether the session ended.
func (r *Room) dispatch(msg signal.Message) bool {
	if msg.RequestID != "" {
		r.mu.Lock()
		ch, ok := r.pending[msg.RequestID]
		if ok {
			delete(r.pending, msg.RequestID)
		}
		r.mu.Unlock()
		if ok {
			ch <- msg
			return false
		}
	}

	switch msg.Type {
	case signal.TypeParticipantJoined:
		var p signal.ParticipantInfo
		if err := msg.Decode(&p); err != nil {
			r.log.Warn("bad participant_joined", "error", err)
			return false
		}
		participant := participantFrom(p)
		r.mu.Lock()
		r.remotes[p.SID] = participant
		r.mu.Unlock()
		r.emit(ParticipantConnected{Participant: participant})

	case signal.TypeParticipantLeft:
		var p signal.ParticipantInfo
		if err := msg.Decode(&p); err != nil {
			r.log.Warn("bad participant_left", "error", err)
			return false
		}
		r.mu.Lock()
		participant, ok := r.remotes[p.SID]
		delete(r.remotes, p.SID)
		r.mu.Unlock()
		if !ok {
			participant = participantFrom(p)
		}
		r.emit(ParticipantDisconnected{Participant: participant})

	case signal.TypeTrackSubscribed, signal.TypeTrackUnsubscribed:
		var sub signal.TrackSubscription
		if err := msg.Decode(&sub); err != nil {
			r.log.Warn("bad track subscription", "type", string(msg.Type), "error", err)
			return false
		}
		p, track := participantFrom(sub.Participant), remoteTrackFrom(sub.Track)
		if msg.Type == signal.TypeTrackSubscribed {
			r.emit(TrackSubscribed{Participant: p, Track: track})
		} else {
			r.emit(TrackUnsubscribed{Participant: p, Track: track})
		}

	case signal.TypeLeave:
		var leave signal.LeavePayload
		_ = msg.Decode(&leave)
		r.terminate(parseReason(leave.Reason))
		return true

	default:
		r.emit(Other{Kind: string(msg.Type), Payload: msg.Payload})
	}
	return false
}

// request sends a message and waits for the response carrying the same
// request id.
func (r *Room) request(ctx context.Context, t signal.Type, payload any) (signal.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.requestTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	msg, err := signal.New(t, id, payload)
	if err != nil {
		return signal.Message{}, err
	}

	ch := make(chan signal.Message, 1)
	r.mu.Lock()
	if r.state != StateConnected {
		r.mu.Unlock()
		return signal.Message{}, ErrNotConnected
	}
	r.pending[id] = ch
	r.mu.Unlock()

	cleanup := func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}

	if err := r.conn.Send(msg); err != nil {
		cleanup()
		return signal.Message{}, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return signal.Message{}, ErrNotConnected
		}
		if resp.Type == signal.TypeError {
			return resp, fmt.Errorf("%w: %s", ErrRemoteRejected, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		cleanup()
		return signal.Message{}, fmt.Errorf("%w: %s request: %w", ErrTimeout, t, ctx.Err())
	}
}

func (r *Room) negotiate(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	resp, err := r.request(ctx, signal.TypeOffer, signal.SessionDescription{Type: offer.Type, SDP: offer.SDP})
	if err != nil {
		return SessionDescription{}, err
	}
	if resp.Type != signal.TypeAnswer {
		return SessionDescription{}, fmt.Errorf("%w: expected answer, got %s", ErrRemoteRejected, resp.Type)
	}
	var answer signal.SessionDescription
	if err := resp.Decode(&answer); err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: answer.Type, SDP: answer.SDP}, nil
}

// PublishTrack registers a local video track with the service and attaches
// it to the media transport.
func (r *Room) PublishTrack(ctx context.Context, info TrackInfo) (TrackWriter, error) {
	if err := info.validate(); err != nil {
		return nil, publishError("PublishTrack", err)
	}
	if info.Source == "" {
		info.Source = SourceCamera
	}
	if r.State() != StateConnected {
		return nil, publishError("PublishTrack", ErrNotConnected)
	}

	resp, err := r.request(ctx, signal.TypeAddTrack, signal.AddTrackRequest{
		CID:         uuid.NewString(),
		Name:        info.Name,
		Source:      string(info.Source),
		MimeType:    info.Codec.MimeType(),
		Width:       info.Width,
		Height:      info.Height,
		StreamLabel: info.StreamLabel,
	})
	if err != nil {
		return nil, publishError("PublishTrack", err)
	}
	var published signal.TrackPublishedResponse
	if err := resp.Decode(&published); err != nil {
		return nil, publishError("PublishTrack", fmt.Errorf("%w: %w", ErrRemoteRejected, err))
	}
	sid := published.Track.SID

	track := &LocalTrack{sid: sid, info: info, room: r}
	sink, err := r.transport.AddTrack(ctx, sid, info, track.keyframeRequested)
	if err != nil {
		r.log.Warn("media negotiation failed, withdrawing track", "track", sid, "error", err)
		_, _ = r.request(context.WithoutCancel(ctx), signal.TypeUnpublishTrack, signal.UnpublishTrackRequest{TrackSID: sid})
		return nil, publishError("PublishTrack", err)
	}
	track.sink = sink

	r.mu.Lock()
	if r.state != StateConnected {
		r.mu.Unlock()
		return nil, publishError("PublishTrack", ErrNotConnected)
	}
	r.tracks[sid] = track
	r.mu.Unlock()

	r.log.Info("track published", "track", sid, "name", info.Name, "codec", info.Codec.String())
	return track, nil
}

// UnpublishTrack removes a track published by this session.
func (r *Room) UnpublishTrack(ctx context.Context, sid string) error {
	r.mu.Lock()
	if r.state != StateConnected {
		r.mu.Unlock()
		return publishError("UnpublishTrack", ErrNotConnected)
	}
	track, ok := r.tracks[sid]
	delete(r.tracks, sid)
	r.mu.Unlock()
	if !ok {
		return publishError("UnpublishTrack", fmt.Errorf("%w: %s", ErrTrackNotFound, sid))
	}
	track.close()

	var result *multierror.Error
	if err := r.transport.RemoveTrack(ctx, sid); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := r.request(ctx, signal.TypeUnpublishTrack, signal.UnpublishTrackRequest{TrackSID: sid}); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return publishError("UnpublishTrack", err)
	}
	r.log.Info("track unpublished", "track", sid)
	return nil
}
