package room

import (
	"encoding/json"
	"sync"

	"github.com/thesyncim/streamer/internal/signal"
)

// DisconnectReason says why a session ended.
type DisconnectReason string

const (
	ReasonClientInitiated    DisconnectReason = signal.ReasonClientInitiated
	ReasonServerShutdown     DisconnectReason = signal.ReasonServerShutdown
	ReasonParticipantRemoved DisconnectReason = signal.ReasonParticipantRemoved
	ReasonRoomDeleted        DisconnectReason = signal.ReasonRoomDeleted
	ReasonDuplicateIdentity  DisconnectReason = signal.ReasonDuplicateIdentity
	ReasonJoinFailure        DisconnectReason = signal.ReasonJoinFailure
	ReasonConnectionLost     DisconnectReason = "connection_lost"
	ReasonUnknown            DisconnectReason = "unknown"
)

func parseReason(s string) DisconnectReason {
	switch r := DisconnectReason(s); r {
	case ReasonClientInitiated, ReasonServerShutdown, ReasonParticipantRemoved,
		ReasonRoomDeleted, ReasonDuplicateIdentity, ReasonJoinFailure, ReasonConnectionLost:
		return r
	default:
		return ReasonUnknown
	}
}

// Participant is a snapshot of a participant in the room.
type Participant struct {
	SID      string
	Identity string
	Name     string
}

func participantFrom(p signal.ParticipantInfo) Participant {
	return Participant{SID: p.SID, Identity: p.Identity, Name: p.Name}
}

// RemoteTrack describes a track published by another participant.
type RemoteTrack struct {
	SID      string
	Name     string
	Source   TrackSource
	MimeType string
	Width    int
	Height   int
}

func remoteTrackFrom(t signal.TrackInfo) RemoteTrack {
	return RemoteTrack{
		SID:      t.SID,
		Name:     t.Name,
		Source:   parseSource(t.Source),
		MimeType: t.MimeType,
		Width:    t.Width,
		Height:   t.Height,
	}
}

// RoomEvent is a room notification. The set of variants is closed; switch
// on the concrete type.
type RoomEvent interface {
	roomEvent()
}

type ParticipantConnected struct {
	Participant Participant
}

type ParticipantDisconnected struct {
	Participant Participant
}

type TrackSubscribed struct {
	Participant Participant
	Track       RemoteTrack
}

type TrackUnsubscribed struct {
	Participant Participant
	Track       RemoteTrack
}

// Disconnected is always the last event of a session.
type Disconnected struct {
	Reason DisconnectReason
}

// Other carries notifications without a dedicated variant.
type Other struct {
	Kind    string
	Payload json.RawMessage
}

func (ParticipantConnected) roomEvent()    {}
func (ParticipantDisconnected) roomEvent() {}
func (TrackSubscribed) roomEvent()         {}
func (TrackUnsubscribed) roomEvent()       {}
func (Disconnected) roomEvent()            {}
func (Other) roomEvent()                   {}

// EventKind names an event for logs and metrics.
func EventKind(ev RoomEvent) string {
	switch e := ev.(type) {
	case ParticipantConnected:
		return "participant_connected"
	case ParticipantDisconnected:
		return "participant_disconnected"
	case TrackSubscribed:
		return "track_subscribed"
	case TrackUnsubscribed:
		return "track_unsubscribed"
	case Disconnected:
		return "disconnected"
	case Other:
		return e.Kind
	default:
		return "unknown"
	}
}

// eventQueue decouples the signalling reader from the consumer. push never
// blocks; run delivers in push order and closes out after close.
type eventQueue struct {
	mu     sync.Mutex
	items  []RoomEvent
	closed bool
	notify chan struct{}
	out    chan RoomEvent
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan RoomEvent),
	}
}

func (q *eventQueue) push(ev RoomEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.notify
			continue
		}
		ev := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- ev
	}
}
