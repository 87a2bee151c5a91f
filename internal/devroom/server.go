// Package devroom is a small room service speaking the signalling protocol
// of package room. It tracks membership and published tracks and can answer
// media offers, but never forwards media between participants.
package devroom

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/thesyncim/streamer/auth"
	"github.com/thesyncim/streamer/internal/logger"
	"github.com/thesyncim/streamer/internal/signal"
)

// DefaultAllowedCodecs are the MIME types add_track accepts by default.
var DefaultAllowedCodecs = []string{"video/H264", "video/VP8", "video/VP9"}

// Config configures a Server.
type Config struct {
	APIKey    string
	APISecret string

	// Store defaults to a MemoryStore.
	Store Store

	// AllowedCodecs defaults to DefaultAllowedCodecs. Matching ignores case.
	AllowedCodecs []string

	// AnswerMedia makes the server answer offers with a receive-only peer
	// connection. Without it offers are rejected.
	AnswerMedia bool

	// IncludeLoopback gathers loopback ICE candidates when answering.
	IncludeLoopback bool

	ICEServers []signal.ICEServer
	Keepalive  signal.Keepalive
}

// Server is the development room service.
type Server struct {
	cfg      Config
	verifier *auth.Verifier
	store    Store
	allowed  map[string]bool
	router   *gin.Engine
	upgrader websocket.Upgrader
	log      *slog.Logger
	stats    *rtpStats

	mu     sync.Mutex
	rooms  map[string]map[string]*peer // room name -> participant SID -> peer
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if len(cfg.AllowedCodecs) == 0 {
		cfg.AllowedCodecs = DefaultAllowedCodecs
	}
	allowed := make(map[string]bool, len(cfg.AllowedCodecs))
	for _, c := range cfg.AllowedCodecs {
		allowed[strings.ToLower(c)] = true
	}

	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		store:    cfg.Store,
		allowed:  allowed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:   logger.With("devroom"),
		stats: newRTPStats(),
		rooms: make(map[string]map[string]*peer),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler serving /rtc, /health and /api.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/rtc", s.handleRTC)

	api := router.Group("/api")
	{
		api.GET("/rooms/:name", s.getRoom)
		api.DELETE("/rooms/:name", s.deleteRoom)
		api.DELETE("/rooms/:name/participants/:identity", s.removeParticipant)
	}
	return router
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Shutdown sends leave{reason} to every connection and waits for them to
// close. New connections are refused afterwards.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	s.closed = true
	var peers []*peer
	for _, room := range s.rooms {
		for _, p := range room {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.kick(reason)
	}
	s.wg.Wait()
	s.log.Info("devroom shut down", "reason", reason, "participants", len(peers))
}

// RTPPackets returns how many RTP packets were received for a track.
func (s *Server) RTPPackets(trackSID string) uint64 {
	return s.stats.get(trackSID).Packets
}

func newParticipantSID() string {
	return "PA_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func newTrackSID() string {
	return "TR_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (s *Server) handleRTC(c *gin.Context) {
	claims, err := s.verifier.Verify(c.Query("access_token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if claims.Video == nil || !claims.Video.RoomJoin || claims.Video.Room == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not grant room join"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := signal.NewConn(ws, s.cfg.Keepalive)

	p := &peer{
		server:   s,
		room:     claims.Video.Room,
		sid:      newParticipantSID(),
		identity: claims.Identity(),
		name:     claims.Name,
		conn:     conn,
		tracks:   make(map[string]signal.TrackInfo),
	}
	p.log = s.log.With("room", p.room, "identity", p.identity, "participant", p.sid)

	if err := s.join(c.Request.Context(), p); err != nil {
		p.log.Warn("join failed", "error", err)
		if msg, err := signal.New(signal.TypeLeave, "", signal.LeavePayload{Reason: signal.ReasonJoinFailure}); err == nil {
			_ = conn.Send(msg)
		}
		conn.Close()
		return
	}
	defer s.wg.Done()

	p.serve()
	s.leave(p)
}

var errShuttingDown = errors.New("server is shutting down")

// join registers p, sends it the join response and announces it.
func (s *Server) join(ctx context.Context, p *peer) error {
	roomSID, err := s.store.EnsureRoom(ctx, p.room)
	if err != nil {
		return err
	}
	record := ParticipantRecord{SID: p.sid, Identity: p.identity, Name: p.name, JoinedAt: time.Now()}
	if err := s.store.AddParticipant(ctx, p.room, record); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = s.store.RemoveParticipant(ctx, p.room, p.sid)
		return errShuttingDown
	}
	members := s.rooms[p.room]
	if members == nil {
		members = make(map[string]*peer)
		s.rooms[p.room] = members
	}
	var duplicate *peer
	others := make([]*peer, 0, len(members))
	for _, other := range members {
		if other.identity == p.identity {
			duplicate = other
			continue
		}
		others = append(others, other)
	}
	members[p.sid] = p
	s.wg.Add(1)
	s.mu.Unlock()

	if duplicate != nil {
		duplicate.kick(signal.ReasonDuplicateIdentity)
	}

	join := signal.JoinResponse{
		Room:        signal.RoomInfo{SID: roomSID, Name: p.room},
		Participant: p.info(),
		ICEServers:  s.cfg.ICEServers,
	}
	for _, other := range others {
		join.OtherParticipants = append(join.OtherParticipants, other.info())
	}
	if err := p.send(signal.TypeJoin, "", join); err != nil {
		s.leave(p)
		s.wg.Done()
		return err
	}

	for _, other := range others {
		_ = other.send(signal.TypeParticipantJoined, "", p.info())
		for _, t := range other.trackList() {
			_ = p.send(signal.TypeTrackSubscribed, "", signal.TrackSubscription{Participant: other.info(), Track: t})
		}
	}
	p.log.Info("participant joined", "others", len(others))
	return nil
}

// leave unregisters p and tells the rest of the room.
func (s *Server) leave(p *peer) {
	s.mu.Lock()
	members := s.rooms[p.room]
	if members[p.sid] != p {
		s.mu.Unlock()
		return
	}
	delete(members, p.sid)
	if len(members) == 0 {
		delete(s.rooms, p.room)
	}
	others := make([]*peer, 0, len(members))
	for _, other := range members {
		others = append(others, other)
	}
	s.mu.Unlock()

	p.close()
	ctx := context.Background()
	if err := s.store.RemoveParticipant(ctx, p.room, p.sid); err != nil {
		p.log.Warn("remove participant from store", "error", err)
	}
	tracks := p.trackList()
	for _, other := range others {
		for _, t := range tracks {
			_ = other.send(signal.TypeTrackUnsubscribed, "", signal.TrackSubscription{Participant: p.info(), Track: t})
		}
		_ = other.send(signal.TypeParticipantLeft, "", p.info())
	}
	p.log.Info("participant left")
}

// roomPeers returns the live connections of room.
func (s *Server) roomPeers(room string) []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.rooms[room]))
	for _, p := range s.rooms[room] {
		out = append(out, p)
	}
	return out
}

func (s *Server) broadcast(from *peer, t signal.Type, payload any) {
	for _, other := range s.roomPeers(from.room) {
		if other != from {
			_ = other.send(t, "", payload)
		}
	}
}

func (s *Server) codecAllowed(mime string) bool {
	return s.allowed[strings.ToLower(mime)]
}
