package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCounters(t *testing.T) {
	before := testutil.ToFloat64(framesCaptured.WithLabelValues("testpattern://bars"))
	FrameCaptured("testpattern://bars")
	FrameCaptured("testpattern://bars")
	assert.Equal(t, before+2, testutil.ToFloat64(framesCaptured.WithLabelValues("testpattern://bars")))

	before = testutil.ToFloat64(framesDropped.WithLabelValues("/dev/video9"))
	FrameDropped("/dev/video9")
	assert.Equal(t, before+1, testutil.ToFloat64(framesDropped.WithLabelValues("/dev/video9")))
}

func TestForwardingCounters(t *testing.T) {
	FrameForwarded("TR_metrics")
	ForwardingError("TR_metrics")
	assert.Equal(t, 1.0, testutil.ToFloat64(framesForwarded.WithLabelValues("TR_metrics")))
	assert.Equal(t, 1.0, testutil.ToFloat64(forwardingErrors.WithLabelValues("TR_metrics")))
}

func TestPublishedTracksGauge(t *testing.T) {
	start := testutil.ToFloat64(publishedTracks)
	TrackPublished()
	TrackPublished()
	assert.Equal(t, start+2, testutil.ToFloat64(publishedTracks))
	TrackUnpublished()
	assert.Equal(t, start+1, testutil.ToFloat64(publishedTracks))
	TrackUnpublished()
	assert.Equal(t, start, testutil.ToFloat64(publishedTracks))
}

func TestExporterHandler(t *testing.T) {
	RoomEvent("participant_connected")

	srv := httptest.NewServer(NewExporter("").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "streamer_room_events_total")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExporterStartShutdown(t *testing.T) {
	e := NewExporter("127.0.0.1:0")
	require.NoError(t, e.Start())
	require.NoError(t, e.Start())
	require.NoError(t, e.Shutdown(t.Context()))
	require.NoError(t, e.Shutdown(t.Context()))
}
