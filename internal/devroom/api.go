package devroom

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thesyncim/streamer/internal/signal"
)

type trackView struct {
	signal.TrackInfo
	RTP TrackStats `json:"rtp"`
}

type participantView struct {
	ParticipantRecord
	Tracks []trackView `json:"tracks"`
}

type roomView struct {
	Name         string            `json:"name"`
	SID          string            `json:"sid"`
	Participants []participantView `json:"participants"`
}

func (s *Server) getRoom(c *gin.Context) {
	snap, err := s.store.Room(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.storeError(c, err)
		return
	}

	view := roomView{Name: snap.Name, SID: snap.SID, Participants: make([]participantView, 0, len(snap.Participants))}
	for _, p := range snap.Participants {
		pv := participantView{ParticipantRecord: p.ParticipantRecord, Tracks: make([]trackView, 0, len(p.Tracks))}
		for _, t := range p.Tracks {
			pv.Tracks = append(pv.Tracks, trackView{TrackInfo: t, RTP: s.stats.get(t.SID)})
		}
		view.Participants = append(view.Participants, pv)
	}
	c.JSON(http.StatusOK, view)
}

// deleteRoom disconnects everyone in the room with room_deleted.
func (s *Server) deleteRoom(c *gin.Context) {
	name := c.Param("name")
	peers := s.roomPeers(name)
	for _, p := range peers {
		p.kick(signal.ReasonRoomDeleted)
	}
	if err := s.store.DeleteRoom(c.Request.Context(), name); err != nil {
		if errors.Is(err, ErrRoomNotFound) && len(peers) > 0 {
			c.Status(http.StatusNoContent)
			return
		}
		s.storeError(c, err)
		return
	}
	s.log.Info("room deleted", "room", name, "participants", len(peers))
	c.Status(http.StatusNoContent)
}

func (s *Server) removeParticipant(c *gin.Context) {
	name, identity := c.Param("name"), c.Param("identity")
	for _, p := range s.roomPeers(name) {
		if p.identity == identity {
			p.kick(signal.ReasonParticipantRemoved)
			c.Status(http.StatusNoContent)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "participant not found"})
}

func (s *Server) storeError(c *gin.Context, err error) {
	if errors.Is(err, ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	s.log.Error("store failure", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
}
