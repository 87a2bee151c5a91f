package publisher_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/streamer/auth"
	"github.com/thesyncim/streamer/capture"
	"github.com/thesyncim/streamer/capture/capturetest"
	"github.com/thesyncim/streamer/internal/devroom"
	"github.com/thesyncim/streamer/internal/signal"
	"github.com/thesyncim/streamer/publisher"
	"github.com/thesyncim/streamer/room"
	"github.com/thesyncim/streamer/room/roomtest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func joinDemoRoom(t *testing.T) (*devroom.Server, *room.Room, *roomtest.Factory) {
	t.Helper()
	srv, err := devroom.New(devroom.Config{APIKey: "devkey", APISecret: "devsecret"})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown(signal.ReasonServerShutdown)
		ts.Close()
	})

	issuer, err := auth.NewTokenIssuer("devkey", "devsecret")
	require.NoError(t, err)
	token, err := issuer.Issue("multivideo-bot", "Multi Video Bot",
		auth.VideoGrant{Room: "DemoRoom", RoomJoin: true, CanPublish: true}, time.Minute)
	require.NoError(t, err)

	factory := roomtest.NewFactory()
	r, err := room.Connect(t.Context(), ts.URL, token, room.WithTransport(factory.New))
	require.NoError(t, err)
	t.Cleanup(r.Disconnect)
	return srv, r, factory
}

func TestDemoRoom_ServerShutdownStopsEverything(t *testing.T) {
	cameras := capturetest.Register(t, "v4l2")
	cameras.Set("/dev/video0", capturetest.Device{Interval: 10 * time.Millisecond})
	cameras.Set("/dev/video4", capturetest.Device{Interval: 10 * time.Millisecond})
	capturetest.RegisterEncoder(t, capture.VideoCodecH264)

	srv, r, factory := joinDemoRoom(t)
	p := publisher.New(r)

	a, err := capture.NewCaptureStream(capture.VideoSourceConfig{
		Codec: "image/jpeg", Width: 1920, Height: 1080, FrameRate: 30, DeviceID: "/dev/video0",
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(t.Context()))
	ta, err := p.Publish(t.Context(), a, &publisher.PublishOptions{Name: "camera-a", Source: room.SourceCamera})
	require.NoError(t, err)
	assert.NotEmpty(t, ta.SID())
	assert.Equal(t, 1, p.Len())

	b, err := capture.NewCaptureStream(capture.VideoSourceConfig{
		Codec: "video/x-h264", Width: 1920, Height: 1080, FrameRate: 30, DeviceID: "/dev/video4",
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(t.Context()))
	tb, err := p.Publish(t.Context(), b, &publisher.PublishOptions{Name: "camera-b", Source: room.SourceCamera})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())

	require.Eventually(t, func() bool {
		return factory.Track(ta.SID()).Samples() > 0 && factory.Track(tb.SID()).Samples() > 0
	}, 10*time.Second, 10*time.Millisecond)

	go srv.Shutdown(signal.ReasonServerShutdown)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	var seen []string
	reason, err := p.Run(ctx, r.Events(), func(ev room.RoomEvent) {
		seen = append(seen, room.EventKind(ev))
	})
	require.NoError(t, err)
	assert.Equal(t, room.ReasonServerShutdown, reason)
	require.NotEmpty(t, seen)
	assert.Equal(t, "disconnected", seen[len(seen)-1])

	require.NoError(t, publisher.Shutdown(ctx, p, a, b))
	assert.Equal(t, capture.StateStopped, a.State())
	assert.Equal(t, capture.StateStopped, b.State())
	assert.Equal(t, 0, p.Len())
}

func TestDemoRoom_ClientShutdown(t *testing.T) {
	cameras := capturetest.Register(t, "fake")
	_, r, factory := joinDemoRoom(t)
	p := publisher.New(r)

	s, err := capture.NewCaptureStream(capture.VideoSourceConfig{
		Codec: "video/x-h264", Width: 1280, Height: 720, FrameRate: 30, DeviceID: cameras.DeviceID("cam0"),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(t.Context()))
	track, err := p.Publish(t.Context(), s, nil)
	require.NoError(t, err)

	// While connected the track is withdrawn from the transport too.
	require.NoError(t, publisher.Shutdown(t.Context(), p, s))
	assert.True(t, factory.Track(track.SID()).Removed())
	assert.Equal(t, capture.StateStopped, s.State())
	assert.Equal(t, room.StateConnected, r.State())

	r.Disconnect()
	reason, err := p.Run(t.Context(), r.Events(), nil)
	require.NoError(t, err)
	assert.Equal(t, room.ReasonClientInitiated, reason)
}

func TestRun_EndsWhenEventsClose(t *testing.T) {
	p := publisher.New(newSession())
	events := make(chan room.RoomEvent, 2)
	events <- room.ParticipantConnected{Participant: room.Participant{Identity: "alice"}}
	close(events)

	var got []room.RoomEvent
	reason, err := p.Run(t.Context(), events, func(ev room.RoomEvent) { got = append(got, ev) })
	require.NoError(t, err)
	assert.Equal(t, room.ReasonUnknown, reason)
	require.Len(t, got, 1)
}

func TestRun_ContextCancelled(t *testing.T) {
	p := publisher.New(newSession())
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Run(ctx, make(chan room.RoomEvent), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
