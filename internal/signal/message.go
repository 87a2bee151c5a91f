// Package signal defines the JSON signalling protocol spoken between a
// publishing client and the room service, and a websocket connection
// wrapper both ends use.
package signal

import (
	"encoding/json"
	"fmt"
)

// Type identifies a signalling message.
type Type string

const (
	TypeJoin              Type = "join"
	TypeParticipantJoined Type = "participant_joined"
	TypeParticipantLeft   Type = "participant_left"
	TypeAddTrack          Type = "add_track"
	TypeTrackPublished    Type = "track_published"
	TypeUnpublishTrack    Type = "unpublish_track"
	TypeTrackUnpublished  Type = "track_unpublished"
	TypeTrackSubscribed   Type = "track_subscribed"
	TypeTrackUnsubscribed Type = "track_unsubscribed"
	TypeOffer             Type = "offer"
	TypeAnswer            Type = "answer"
	TypeCandidate         Type = "candidate"
	TypeLeave             Type = "leave"
	TypeError             Type = "error"
)

// Leave reasons carried in LeavePayload.
const (
	ReasonClientInitiated    = "client_initiated"
	ReasonServerShutdown     = "server_shutdown"
	ReasonParticipantRemoved = "participant_removed"
	ReasonRoomDeleted        = "room_deleted"
	ReasonDuplicateIdentity  = "duplicate_identity"
	ReasonJoinFailure        = "join_failure"
)

// Message is the envelope of every signalling frame. Responses echo the
// RequestID of the request they answer.
type Message struct {
	Type      Type            `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// New builds a message with payload encoded as JSON. A nil payload is omitted.
func New(t Type, requestID string, payload any) (Message, error) {
	msg := Message{Type: t, RequestID: requestID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Errorf builds an error response to requestID.
func Errorf(requestID, format string, args ...any) Message {
	return Message{Type: TypeError, RequestID: requestID, Error: fmt.Sprintf(format, args...)}
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

type RoomInfo struct {
	SID  string `json:"sid"`
	Name string `json:"name"`
}

type ParticipantInfo struct {
	SID      string      `json:"sid"`
	Identity string      `json:"identity"`
	Name     string      `json:"name,omitempty"`
	Tracks   []TrackInfo `json:"tracks,omitempty"`
}

type TrackInfo struct {
	SID            string `json:"sid"`
	ParticipantSID string `json:"participantSid,omitempty"`
	Name           string `json:"name,omitempty"`
	Source         string `json:"source,omitempty"`
	MimeType       string `json:"mimeType"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	StreamLabel    string `json:"streamLabel,omitempty"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// JoinResponse is the payload of the first message the service sends.
type JoinResponse struct {
	Room              RoomInfo          `json:"room"`
	Participant       ParticipantInfo   `json:"participant"`
	OtherParticipants []ParticipantInfo `json:"otherParticipants,omitempty"`
	ICEServers        []ICEServer       `json:"iceServers,omitempty"`
}

// AddTrackRequest asks the service to accept a new local track. CID is a
// client-chosen id echoed in the response.
type AddTrackRequest struct {
	CID         string `json:"cid"`
	Name        string `json:"name,omitempty"`
	Source      string `json:"source,omitempty"`
	MimeType    string `json:"mimeType"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	StreamLabel string `json:"streamLabel,omitempty"`
}

type TrackPublishedResponse struct {
	CID   string    `json:"cid"`
	Track TrackInfo `json:"track"`
}

type UnpublishTrackRequest struct {
	TrackSID string `json:"trackSid"`
}

type TrackUnpublishedResponse struct {
	TrackSID string `json:"trackSid"`
}

// TrackSubscription is the payload of track_subscribed and track_unsubscribed.
type TrackSubscription struct {
	Participant ParticipantInfo `json:"participant"`
	Track       TrackInfo       `json:"track"`
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type LeavePayload struct {
	Reason string `json:"reason"`
}
