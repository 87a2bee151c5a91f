package devroom

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thesyncim/streamer/internal/signal"
)

var ErrRoomNotFound = errors.New("room not found")

// ParticipantRecord is the stored view of a participant.
type ParticipantRecord struct {
	SID      string    `json:"sid"`
	Identity string    `json:"identity"`
	Name     string    `json:"name,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ParticipantSnapshot is a participant with the tracks it published.
type ParticipantSnapshot struct {
	ParticipantRecord
	Tracks []signal.TrackInfo `json:"tracks"`
}

// RoomSnapshot is what GET /api/rooms/:name returns.
type RoomSnapshot struct {
	Name         string                `json:"name"`
	SID          string                `json:"sid"`
	Participants []ParticipantSnapshot `json:"participants"`
}

// Store keeps room membership and published track metadata.
type Store interface {
	// EnsureRoom returns the SID of room name, creating it if needed.
	EnsureRoom(ctx context.Context, name string) (string, error)
	AddParticipant(ctx context.Context, room string, p ParticipantRecord) error
	// RemoveParticipant also drops the participant's tracks.
	RemoveParticipant(ctx context.Context, room, participantSID string) error
	AddTrack(ctx context.Context, room string, t signal.TrackInfo) error
	RemoveTrack(ctx context.Context, room, trackSID string) error
	Room(ctx context.Context, name string) (*RoomSnapshot, error)
	DeleteRoom(ctx context.Context, name string) error
}

func newRoomSID() string {
	return "RM_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// snapshot orders participants by join time and attaches their tracks.
func snapshot(name, sid string, participants []ParticipantRecord, tracks []signal.TrackInfo) *RoomSnapshot {
	sort.Slice(participants, func(i, j int) bool {
		if participants[i].JoinedAt.Equal(participants[j].JoinedAt) {
			return participants[i].SID < participants[j].SID
		}
		return participants[i].JoinedAt.Before(participants[j].JoinedAt)
	})
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].SID < tracks[j].SID })

	snap := &RoomSnapshot{Name: name, SID: sid, Participants: make([]ParticipantSnapshot, 0, len(participants))}
	for _, p := range participants {
		ps := ParticipantSnapshot{ParticipantRecord: p, Tracks: []signal.TrackInfo{}}
		for _, t := range tracks {
			if t.ParticipantSID == p.SID {
				ps.Tracks = append(ps.Tracks, t)
			}
		}
		snap.Participants = append(snap.Participants, ps)
	}
	return snap
}

type memoryRoom struct {
	sid          string
	participants map[string]ParticipantRecord
	tracks       map[string]signal.TrackInfo
}

// MemoryStore is a Store for a single process.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*memoryRoom
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*memoryRoom)}
}

func (s *MemoryStore) EnsureRoom(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[name]
	if !ok {
		r = &memoryRoom{
			sid:          newRoomSID(),
			participants: make(map[string]ParticipantRecord),
			tracks:       make(map[string]signal.TrackInfo),
		}
		s.rooms[name] = r
	}
	return r.sid, nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, room string, p ParticipantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[room]
	if !ok {
		return ErrRoomNotFound
	}
	r.participants[p.SID] = p
	return nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, room, participantSID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[room]
	if !ok {
		return nil
	}
	delete(r.participants, participantSID)
	for sid, t := range r.tracks {
		if t.ParticipantSID == participantSID {
			delete(r.tracks, sid)
		}
	}
	return nil
}

func (s *MemoryStore) AddTrack(_ context.Context, room string, t signal.TrackInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[room]
	if !ok {
		return ErrRoomNotFound
	}
	r.tracks[t.SID] = t
	return nil
}

func (s *MemoryStore) RemoveTrack(_ context.Context, room, trackSID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[room]; ok {
		delete(r.tracks, trackSID)
	}
	return nil
}

func (s *MemoryStore) Room(_ context.Context, name string) (*RoomSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	participants := make([]ParticipantRecord, 0, len(r.participants))
	for _, p := range r.participants {
		participants = append(participants, p)
	}
	tracks := make([]signal.TrackInfo, 0, len(r.tracks))
	for _, t := range r.tracks {
		tracks = append(tracks, t)
	}
	return snapshot(name, r.sid, participants, tracks), nil
}

func (s *MemoryStore) DeleteRoom(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[name]; !ok {
		return ErrRoomNotFound
	}
	delete(s.rooms, name)
	return nil
}
