package devroom

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/streamer/auth"
	"github.com/thesyncim/streamer/internal/signal"
)

const (
	testKey    = "devkey"
	testSecret = "devsecret"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	cfg.APIKey, cfg.APISecret = testKey, testSecret
	srv, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown(signal.ReasonServerShutdown)
		ts.Close()
	})
	return srv, ts
}

func token(t *testing.T, identity string, grant auth.VideoGrant) string {
	t.Helper()
	issuer, err := auth.NewTokenIssuer(testKey, testSecret)
	require.NoError(t, err)
	tok, err := issuer.Issue(identity, strings.ToUpper(identity), grant, time.Minute)
	require.NoError(t, err)
	return tok
}

type client struct {
	t    *testing.T
	ws   *websocket.Conn
	join signal.JoinResponse
}

func dial(t *testing.T, ts *httptest.Server, tok string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rtc?access_token=" + tok
	return websocket.DefaultDialer.Dial(url, nil)
}

func join(t *testing.T, ts *httptest.Server, identity, room string) *client {
	t.Helper()
	ws, _, err := dial(t, ts, token(t, identity, auth.VideoGrant{Room: room, RoomJoin: true, CanPublish: true}))
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	c := &client{t: t, ws: ws}
	msg := c.expect(signal.TypeJoin)
	require.NoError(t, msg.Decode(&c.join))
	return c
}

func (c *client) send(typ signal.Type, requestID string, payload any) {
	c.t.Helper()
	msg, err := signal.New(typ, requestID, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(msg))
}

func (c *client) read() signal.Message {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg signal.Message
	require.NoError(c.t, c.ws.ReadJSON(&msg))
	return msg
}

func (c *client) expect(typ signal.Type) signal.Message {
	c.t.Helper()
	msg := c.read()
	require.Equal(c.t, typ, msg.Type, "message: %+v", msg)
	return msg
}

func (c *client) addTrack(requestID, mime string) signal.Message {
	c.t.Helper()
	c.send(signal.TypeAddTrack, requestID, signal.AddTrackRequest{CID: "cid-" + requestID, Name: "cam", Source: "camera", MimeType: mime, Width: 1920, Height: 1080})
	return c.read()
}

func TestRTC_RejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	_, resp, err := dial(t, ts, "garbage")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dial(t, ts, token(t, "bot", auth.VideoGrant{Room: "r1"}))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRTC_JoinAndAnnounce(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	alice := join(t, ts, "alice", "r1")
	assert.Equal(t, "r1", alice.join.Room.Name)
	assert.NotEmpty(t, alice.join.Room.SID)
	assert.Equal(t, "alice", alice.join.Participant.Identity)
	assert.Equal(t, "ALICE", alice.join.Participant.Name)
	assert.Empty(t, alice.join.OtherParticipants)

	resp := alice.addTrack("1", "video/H264")
	require.Equal(t, signal.TypeTrackPublished, resp.Type)
	assert.Equal(t, "1", resp.RequestID)

	bob := join(t, ts, "bob", "r1")
	assert.Equal(t, alice.join.Room.SID, bob.join.Room.SID)
	require.Len(t, bob.join.OtherParticipants, 1)
	assert.Equal(t, "alice", bob.join.OtherParticipants[0].Identity)
	require.Len(t, bob.join.OtherParticipants[0].Tracks, 1)

	sub := bob.expect(signal.TypeTrackSubscribed)
	var ts1 signal.TrackSubscription
	require.NoError(t, sub.Decode(&ts1))
	assert.Equal(t, "alice", ts1.Participant.Identity)
	assert.Equal(t, "video/H264", ts1.Track.MimeType)

	joined := alice.expect(signal.TypeParticipantJoined)
	var p signal.ParticipantInfo
	require.NoError(t, joined.Decode(&p))
	assert.Equal(t, "bob", p.Identity)

	bob.send(signal.TypeLeave, "", signal.LeavePayload{Reason: signal.ReasonClientInitiated})
	left := alice.expect(signal.TypeParticipantLeft)
	require.NoError(t, left.Decode(&p))
	assert.Equal(t, "bob", p.Identity)
}

func TestRTC_AddTrackRules(t *testing.T) {
	_, ts := newTestServer(t, Config{AllowedCodecs: []string{"video/H264"}})
	alice := join(t, ts, "alice", "r1")

	resp := alice.addTrack("1", "video/h264")
	assert.Equal(t, signal.TypeTrackPublished, resp.Type, "mime match ignores case")
	var published signal.TrackPublishedResponse
	require.NoError(t, resp.Decode(&published))
	assert.Equal(t, "cid-1", published.CID)
	assert.True(t, strings.HasPrefix(published.Track.SID, "TR_"))

	resp = alice.addTrack("2", "video/VP8")
	assert.Equal(t, signal.TypeError, resp.Type)
	assert.Equal(t, "2", resp.RequestID)
	assert.Contains(t, resp.Error, "not allowed")

	alice.send(signal.TypeUnpublishTrack, "3", signal.UnpublishTrackRequest{TrackSID: published.Track.SID})
	resp = alice.expect(signal.TypeTrackUnpublished)
	assert.Equal(t, "3", resp.RequestID)

	alice.send(signal.TypeUnpublishTrack, "4", signal.UnpublishTrackRequest{TrackSID: published.Track.SID})
	resp = alice.expect(signal.TypeError)
	assert.Contains(t, resp.Error, "unknown track")

	alice.send(signal.TypeOffer, "5", signal.SessionDescription{Type: "offer", SDP: "v=0"})
	resp = alice.expect(signal.TypeError)
	assert.Contains(t, resp.Error, "disabled")
}

func TestRTC_DuplicateIdentity(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	first := join(t, ts, "bot", "r1")
	join(t, ts, "bot", "r1")

	msg := first.expect(signal.TypeLeave)
	var leave signal.LeavePayload
	require.NoError(t, msg.Decode(&leave))
	assert.Equal(t, signal.ReasonDuplicateIdentity, leave.Reason)
}

func TestAPI_Rooms(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	res, err := http.Get(ts.URL + "/api/rooms/r1")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	alice := join(t, ts, "alice", "r1")
	require.Equal(t, signal.TypeTrackPublished, alice.addTrack("1", "video/VP8").Type)

	res, err = http.Get(ts.URL + "/api/rooms/r1")
	require.NoError(t, err)
	var view roomView
	require.NoError(t, json.NewDecoder(res.Body).Decode(&view))
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, view.Participants, 1)
	assert.Equal(t, "alice", view.Participants[0].Identity)
	require.Len(t, view.Participants[0].Tracks, 1)
	assert.Equal(t, "video/VP8", view.Participants[0].Tracks[0].MimeType)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/rooms/r1", nil)
	require.NoError(t, err)
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	msg := alice.expect(signal.TypeLeave)
	var leave signal.LeavePayload
	require.NoError(t, msg.Decode(&leave))
	assert.Equal(t, signal.ReasonRoomDeleted, leave.Reason)
}

func TestAPI_RemoveParticipant(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	alice := join(t, ts, "alice", "r1")

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/rooms/r1/participants/alice", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	msg := alice.expect(signal.TypeLeave)
	var leave signal.LeavePayload
	require.NoError(t, msg.Decode(&leave))
	assert.Equal(t, signal.ReasonParticipantRemoved, leave.Reason)

	req, err = http.NewRequest(http.MethodDelete, ts.URL+"/api/rooms/r1/participants/nobody", nil)
	require.NoError(t, err)
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestShutdown(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	alice := join(t, ts, "alice", "r1")

	srv.Shutdown(signal.ReasonServerShutdown)
	msg := alice.expect(signal.TypeLeave)
	var leave signal.LeavePayload
	require.NoError(t, msg.Decode(&leave))
	assert.Equal(t, signal.ReasonServerShutdown, leave.Reason)

	ws, _, err := dial(t, ts, token(t, "late", auth.VideoGrant{Room: "r1", RoomJoin: true}))
	require.NoError(t, err)
	defer ws.Close()
	var late signal.Message
	require.NoError(t, ws.ReadJSON(&late))
	assert.Equal(t, signal.TypeLeave, late.Type)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	res, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
