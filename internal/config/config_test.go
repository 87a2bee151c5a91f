package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/streamer/capture"
	"github.com/thesyncim/streamer/errs"
	"github.com/thesyncim/streamer/room"
)

var publisherEnv = []string{
	"LIVEKIT_URL", "LIVEKIT_API_KEY", "LIVEKIT_API_SECRET", "ROOM_NAME",
	"PARTICIPANT_IDENTITY", "PARTICIPANT_NAME", "STREAMS_FILE", "METRICS_ADDR",
	"LOG_LEVEL", "TOKEN_TTL",
}

// unset removes keys for the duration of the test. godotenv treats a key
// that is set, even to "", as already configured.
func unset(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

// isolate runs the test in an empty directory with the publisher variables
// cleared.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	unset(t, publisherEnv...)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:7880", cfg.URL)
	assert.Equal(t, "DemoRoom", cfg.RoomName)
	assert.Equal(t, "multivideo-publisher", cfg.Identity)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.Equal(t, DefaultStreams(), cfg.Streams)

	err = cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalid, "credentials are required")
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	env := "LIVEKIT_URL=wss://rooms.example.com\nLIVEKIT_API_KEY=key\nLIVEKIT_API_SECRET=secret\nROOM_NAME=Lobby\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600))
	t.Setenv("ROOM_NAME", "FromEnv")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://rooms.example.com", cfg.URL)
	assert.Equal(t, "key", cfg.APIKey)
	assert.Equal(t, "FromEnv", cfg.RoomName, "the environment wins over .env")
	require.NoError(t, cfg.Validate())
}

func TestLoad_StreamsFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "streams.yaml")
	doc := `
streams:
  - name: desk
    codec: video/x-raw
    width: 640
    height: 480
    frame_rate: 15
    device: testpattern://bars
    encode_codec: vp8
    bitrate_bps: 500000
  - name: slides
    source: screen_share
    codec: video/x-h264
    width: 1280
    height: 720
    frame_rate: 30
    device: rtmp://127.0.0.1:1935/live/slides
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("STREAMS_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Streams, 2)

	src, err := cfg.Streams[0].VideoSourceConfig()
	require.NoError(t, err)
	assert.Equal(t, capture.VideoCodecVP8, src.Encode.Codec)
	assert.Equal(t, 500000, src.Encode.BitrateBps)
	assert.Equal(t, room.SourceCamera, cfg.Streams[0].TrackSource())
	assert.Equal(t, room.SourceScreenShare, cfg.Streams[1].TrackSource())
}

func TestLoad_BadInput(t *testing.T) {
	dir := isolate(t)

	t.Setenv("TOKEN_TTL", "soon")
	_, err := Load()
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))

	t.Setenv("TOKEN_TTL", "")
	t.Setenv("STREAMS_FILE", filepath.Join(dir, "missing.yaml"))
	_, err = Load()
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("streams: ["), 0o600))
	t.Setenv("STREAMS_FILE", path)
	_, err = Load()
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		URL:       "ws://localhost:7880",
		APIKey:    "key",
		APISecret: "secret",
		RoomName:  "DemoRoom",
		Identity:  "bot",
		Streams: []Stream{
			{Codec: "image/jpeg", Width: 0, Height: 1080, FrameRate: 30, Device: "/dev/video0"},
			{Codec: "video/x-h264", Width: 640, Height: 480, FrameRate: 30, Device: "v4l2:///dev/video0"},
			{Codec: "video/x-raw", Width: 640, Height: 480, FrameRate: 30, Device: "testpattern://bars", EncodeCodec: "theora"},
			{Codec: "video/x-h264", Width: 640, Height: 480, FrameRate: 30, Device: "/dev/video2", Source: "microphone"},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "stream 0")
	assert.Contains(t, msg, "streams 0 and 1 both use v4l2:///dev/video0")
	assert.Contains(t, msg, "stream 2")
	assert.Contains(t, msg, `unknown source "microphone"`)
	assert.ErrorIs(t, err, capture.ErrUnsupportedFormat)
}

func TestLoadDevroom(t *testing.T) {
	t.Chdir(t.TempDir())
	unset(t, "DEVROOM_ADDR", "LIVEKIT_API_KEY", "LIVEKIT_API_SECRET", "REDIS_URL",
		"DEVROOM_ROOM_TTL", "DEVROOM_ANSWER_MEDIA", "DEVROOM_INCLUDE_LOOPBACK")
	t.Setenv("DEVROOM_CODECS", "video/H264, video/VP8,")

	cfg, err := LoadDevroom()
	require.NoError(t, err)
	assert.Equal(t, ":7880", cfg.Addr)
	assert.Equal(t, "devkey", cfg.APIKey)
	assert.Equal(t, 24*time.Hour, cfg.RoomTTL)
	assert.True(t, cfg.AnswerMedia)
	assert.False(t, cfg.IncludeLoopback)
	assert.Equal(t, []string{"video/H264", "video/VP8"}, cfg.AllowedCodecs)

	t.Setenv("DEVROOM_ANSWER_MEDIA", "maybe")
	_, err = LoadDevroom()
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
}
