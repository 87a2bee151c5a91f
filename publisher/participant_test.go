package publisher_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/streamer/capture"
	"github.com/thesyncim/streamer/capture/capturetest"
	"github.com/thesyncim/streamer/errs"
	"github.com/thesyncim/streamer/publisher"
	"github.com/thesyncim/streamer/room"
)

var errLinkDown = errors.New("link down")

type fakeSession struct {
	mu           sync.Mutex
	state        room.State
	publishErr   error
	unpublishErr error
	next         int
	writers      map[string]*fakeWriter
	infos        []room.TrackInfo
	unpublished  []string
}

func newSession() *fakeSession {
	return &fakeSession{state: room.StateConnected, writers: make(map[string]*fakeWriter)}
}

func (s *fakeSession) State() room.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) setState(state room.State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *fakeSession) PublishTrack(_ context.Context, info room.TrackInfo) (room.TrackWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return nil, s.publishErr
	}
	s.next++
	w := &fakeWriter{sid: fmt.Sprintf("TR_%d", s.next)}
	s.writers[w.sid] = w
	s.infos = append(s.infos, info)
	return w, nil
}

func (s *fakeSession) UnpublishTrack(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unpublished = append(s.unpublished, sid)
	return s.unpublishErr
}

func (s *fakeSession) writer(sid string) *fakeWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writers[sid]
}

func (s *fakeSession) unpublishedSIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.unpublished...)
}

type fakeWriter struct {
	sid string

	mu     sync.Mutex
	frames int
	fail   error
	onKey  func()
}

func (w *fakeWriter) SID() string { return w.sid }

func (w *fakeWriter) WriteFrame(*capture.EncodedFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.frames++
	return nil
}

func (w *fakeWriter) OnKeyframeRequest(fn func()) {
	w.mu.Lock()
	w.onKey = fn
	w.mu.Unlock()
}

func (w *fakeWriter) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

func (w *fakeWriter) Fail(err error) {
	w.mu.Lock()
	w.fail = err
	w.mu.Unlock()
}

func (w *fakeWriter) requestKeyframe() {
	w.mu.Lock()
	fn := w.onKey
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func startStream(t *testing.T, deviceID string) *capture.CaptureStream {
	t.Helper()
	s, err := capture.NewCaptureStream(capture.VideoSourceConfig{
		Codec:     "video/x-h264",
		Width:     1280,
		Height:    720,
		FrameRate: 30,
		DeviceID:  deviceID,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(t.Context()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestPublish_ForwardsFrames(t *testing.T) {
	devices := capturetest.Register(t, "fake")
	stream := startStream(t, devices.DeviceID("cam0"))
	session := newSession()
	p := publisher.New(session)

	track, err := p.Publish(t.Context(), stream, &publisher.PublishOptions{Name: "front", Source: room.SourceCamera})
	require.NoError(t, err)
	assert.Equal(t, "TR_1", track.SID())
	assert.Equal(t, stream.ID(), track.StreamID())
	assert.Equal(t, capture.VideoCodecH264, track.Codec())
	assert.Equal(t, 1, p.Len())
	assert.Same(t, track, p.Track(stream.ID()))

	info := session.infos[0]
	assert.Equal(t, "front", info.Name)
	assert.Equal(t, capture.VideoCodecH264, info.Codec)
	assert.Equal(t, 1280, info.Width)
	assert.Equal(t, 720, info.Height)

	w := session.writer(track.SID())
	require.Eventually(t, func() bool { return w.Frames() >= 5 }, 5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, track.Stats().FramesForwarded, uint64(5))

	require.NoError(t, p.Unpublish(t.Context(), track))
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, []string{"TR_1"}, session.unpublishedSIDs())
	select {
	case <-track.Done():
	default:
		t.Fatal("forwarding still running after unpublish")
	}
	assert.NoError(t, track.Err())
	assert.Equal(t, capture.StateRunning, stream.State(), "unpublish leaves the stream alone")

	require.NoError(t, p.Unpublish(t.Context(), track), "second unpublish succeeds")
	assert.Len(t, session.unpublishedSIDs(), 1)
}

func TestPublish_DefaultOptions(t *testing.T) {
	devices := capturetest.Register(t, "fake")
	stream := startStream(t, devices.DeviceID("cam0"))
	session := newSession()
	p := publisher.New(session)

	track, err := p.Publish(t.Context(), stream, nil)
	require.NoError(t, err)
	assert.Equal(t, devices.DeviceID("cam0"), track.Options().Name)
	assert.Equal(t, devices.DeviceID("cam0"), session.infos[0].Name)
}

func TestPublish_Duplicate(t *testing.T) {
	devices := capturetest.Register(t, "fake")
	stream := startStream(t, devices.DeviceID("cam0"))
	session := newSession()
	p := publisher.New(session)

	first, err := p.Publish(t.Context(), stream, nil)
	require.NoError(t, err)

	_, err = p.Publish(t.Context(), stream, nil)
	assert.ErrorIs(t, err, publisher.ErrDuplicatePublish)
	assert.Equal(t, errs.KindPublish, errs.KindOf(err))
	assert.Equal(t, 1, p.Len())

	w := session.writer(first.SID())
	before := w.Frames()
	require.Eventually(t, func() bool { return w.Frames() > before }, 5*time.Second, 5*time.Millisecond,
		"the first track keeps forwarding")
}

func TestPublish_StreamNotRunning(t *testing.T) {
	devices := capturetest.Register(t, "fake")
	session := newSession()
	p := publisher.New(session)

	idle, err := capture.NewCaptureStream(capture.VideoSourceConfig{
		Codec: "video/x-h264", Width: 640, Height: 480, FrameRate: 30, DeviceID: devices.DeviceID("idle"),
	})
	require.NoError(t, err)
	_, err = p.Publish(t.Context(), idle, nil)
	assert.ErrorIs(t, err, publisher.ErrInvalidStreamState)

	stopped := startStream(t, devices.DeviceID("cam0"))
	require.NoError(t, stopped.Stop())
	_, err = p.Publish(t.Context(), stopped, nil)
	assert.ErrorIs(t, err, publisher.ErrInvalidStreamState)
	assert.Equal(t, errs.KindPublish, errs.KindOf(err))

	assert.Equal(t, 0, p.Len())
	assert.Empty(t, session.infos)
}

func TestPublish_SessionNotConnected(t *testing.T) {
	devices := capturetest.Register(t, "fake")
	stream := startStream(t, devices.DeviceID("cam0"))

	session := newSession()
	session.setState(room.StateDisconnected)
	_, err := publisher.New(session).Publish(t.Context(), stream, nil)
	assert.ErrorIs(t, err, publisher.ErrSessionNotConnected)

	// The session can drop between the state check and the request.
	session = newSession()
	session.publishErr = fmt.Errorf("add track: %w", room.ErrNotConnected)
	_, err = publisher.New(session).Publish(t.Context(), stream, nil)
	assert.ErrorIs(t, err, publisher.ErrSessionNotConnected)
	assert.ErrorIs(t, err, room.ErrNotConnected)
}

func TestPublish_RemoteRejected(t *testing.T) {
	devices := capturetest.Register(t, "fake")
	stream := startStream(t, devices.DeviceID("cam0"))
	session := newSession()
	session.publishErr = fmt.Errorf("%w: codec not allowed", room.ErrRemoteRejected)
	p := publisher.New(session)

	_, err := p.Publish(t.Context(), stream, nil)
	assert.ErrorIs(t, err, publisher.ErrRemoteRejected)
	assert.Equal(t, errs.KindPublish, errs.KindOf(err))
	assert.Equal(t, 0, p.Len())

	// Nothing consumed the stream, so it can still be published.
	session.mu.Lock()
	session.publishErr = nil
	session.mu.Unlock()
	_, err = p.Publish(t.Context(), stream, nil)
	require.NoError(t, err)
}

func TestForwarding_FaultIsolation(t *testing.T) {
	devices := capturetest.Register(t, "fake")
	a := startStream(t, devices.DeviceID("a"))
	b := startStream(t, devices.DeviceID("b"))
	session := newSession()
	p := publisher.New(session)

	ta, err := p.Publish(t.Context(), a, nil)
	require.NoError(t, err)
	tb, err := p.Publish(t.Context(), b, nil)
	require.NoError(t, err)

	wa, wb := session.writer(ta.SID()), session.writer(tb.SID())
	require.Eventually(t, func() bool { return wa.Frames() > 0 && wb.Frames() > 0 }, 5*time.Second, 5*time.Millisecond)

	wa.Fail(errLinkDown)

	var fe *publisher.ForwardingError
	select {
	case fe = <-p.ForwardingErrors():
	case <-time.After(5 * time.Second):
		t.Fatal("no forwarding error reported")
	}
	assert.Equal(t, a.ID(), fe.StreamID)
	assert.Equal(t, ta.SID(), fe.TrackSID)
	assert.ErrorIs(t, fe, errLinkDown)
	assert.Equal(t, errs.KindForwarding, errs.KindOf(fe))

	<-ta.Done()
	assert.Equal(t, uint64(1), ta.Stats().WriteErrors)
	assert.ErrorIs(t, ta.Err(), errLinkDown)

	before := wb.Frames()
	require.Eventually(t, func() bool { return wb.Frames() > before+3 }, 5*time.Second, 5*time.Millisecond,
		"the healthy track keeps forwarding")
	assert.Equal(t, 2, p.Len(), "a failed track stays registered until unpublished")
	assert.Equal(t, capture.StateRunning, a.State())
}

func TestForwarding_StreamFailure(t *testing.T) {
	devices := capturetest.Register(t, "fake")
	dev := devices.DeviceID("flaky")
	devices.Set(dev, capturetest.Device{FailAfter: 5})
	stream := startStream(t, dev)
	p := publisher.New(newSession())

	track, err := p.Publish(t.Context(), stream, nil)
	require.NoError(t, err)

	select {
	case <-track.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("forwarding did not stop")
	}
	assert.ErrorIs(t, track.Err(), capturetest.ErrUnplugged)
	assert.Equal(t, capture.StateFailed, stream.State())
}

func TestForwarding_StreamStopped(t *testing.T) {
	devices := capturetest.Register(t, "fake")
	stream := startStream(t, devices.DeviceID("cam0"))
	p := publisher.New(newSession())

	track, err := p.Publish(t.Context(), stream, nil)
	require.NoError(t, err)
	require.NoError(t, stream.Stop())

	select {
	case <-track.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("forwarding did not stop")
	}
	assert.NoError(t, track.Err())
}

func TestForwarding_ErrorsDroppedWhenUnread(t *testing.T) {
	devices := capturetest.Register(t, "fake")
	session := newSession()
	p := publisher.New(session, publisher.WithErrorBuffer(1))

	var tracks []*publisher.PublishedTrack
	for _, name := range []string{"a", "b"} {
		tr, err := p.Publish(t.Context(), startStream(t, devices.DeviceID(name)), nil)
		require.NoError(t, err)
		tracks = append(tracks, tr)
	}
	for _, tr := range tracks {
		session.writer(tr.SID()).Fail(errLinkDown)
	}
	for _, tr := range tracks {
		<-tr.Done()
	}
	assert.Len(t, p.ForwardingErrors(), 1)
}

func TestPublish_KeyframeRequestReachesEncoder(t *testing.T) {
	devices := capturetest.Register(t, "fake")
	encoders := capturetest.RegisterEncoder(t, capture.VideoCodecVP8)

	stream, err := capture.NewCaptureStream(capture.VideoSourceConfig{
		Codec:     "image/jpeg",
		Width:     64,
		Height:    48,
		FrameRate: 30,
		DeviceID:  devices.DeviceID("webcam"),
		Encode:    capture.EncodeOptions{Codec: capture.VideoCodecVP8},
	})
	require.NoError(t, err)
	require.NoError(t, stream.Start(t.Context()))
	t.Cleanup(func() { _ = stream.Stop() })

	session := newSession()
	track, err := publisher.New(session).Publish(t.Context(), stream, nil)
	require.NoError(t, err)
	assert.Equal(t, capture.VideoCodecVP8, session.infos[0].Codec)

	require.Len(t, encoders(), 1)
	enc := encoders()[0]
	assert.GreaterOrEqual(t, enc.KeyframeRequests(), int64(1), "publish asks for a keyframe")

	before := enc.KeyframeRequests()
	session.writer(track.SID()).requestKeyframe()
	assert.Greater(t, enc.KeyframeRequests(), before)
}

func TestUnpublish_SessionEnded(t *testing.T) {
	devices := capturetest.Register(t, "fake")
	stream := startStream(t, devices.DeviceID("cam0"))
	session := newSession()
	p := publisher.New(session)

	track, err := p.Publish(t.Context(), stream, nil)
	require.NoError(t, err)

	session.setState(room.StateDisconnected)
	require.NoError(t, p.Unpublish(t.Context(), track))
	assert.Empty(t, session.unpublishedSIDs())
	assert.Equal(t, 0, p.Len())
}

func TestUnpublish_RemoteErrors(t *testing.T) {
	devices := capturetest.Register(t, "fake")
	session := newSession()
	p := publisher.New(session)

	track, err := p.Publish(t.Context(), startStream(t, devices.DeviceID("a")), nil)
	require.NoError(t, err)
	session.unpublishErr = fmt.Errorf("%w: %s", room.ErrTrackNotFound, track.SID())
	assert.NoError(t, p.Unpublish(t.Context(), track), "already gone counts as success")

	track, err = p.Publish(t.Context(), startStream(t, devices.DeviceID("b")), nil)
	require.NoError(t, err)
	session.mu.Lock()
	session.unpublishErr = room.ErrTimeout
	session.mu.Unlock()
	err = p.Unpublish(t.Context(), track)
	assert.ErrorIs(t, err, room.ErrTimeout)
	assert.Equal(t, errs.KindPublish, errs.KindOf(err))
	assert.Equal(t, 0, p.Len(), "the registry is cleared even when the service fails")
}

func TestShutdown_CollectsEveryFailure(t *testing.T) {
	devices := capturetest.Register(t, "fake")
	a := startStream(t, devices.DeviceID("a"))
	b := startStream(t, devices.DeviceID("b"))
	session := newSession()
	p := publisher.New(session)

	for _, s := range []*capture.CaptureStream{a, b} {
		_, err := p.Publish(t.Context(), s, nil)
		require.NoError(t, err)
	}
	session.mu.Lock()
	session.unpublishErr = room.ErrTimeout
	session.mu.Unlock()

	err := publisher.Shutdown(t.Context(), p, a, b)
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
	assert.ErrorIs(t, err, room.ErrTimeout)

	assert.Equal(t, 0, p.Len())
	assert.Equal(t, capture.StateStopped, a.State())
	assert.Equal(t, capture.StateStopped, b.State())
}

func TestShutdown_NothingPublished(t *testing.T) {
	devices := capturetest.Register(t, "fake")
	a := startStream(t, devices.DeviceID("a"))

	assert.NoError(t, publisher.Shutdown(t.Context(), nil, a, nil))
	assert.Equal(t, capture.StateStopped, a.State())
}
