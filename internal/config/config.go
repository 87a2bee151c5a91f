// Package config loads process configuration from the environment, an
// optional .env file and an optional YAML stream list.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/thesyncim/streamer/capture"
	"github.com/thesyncim/streamer/errs"
	"github.com/thesyncim/streamer/room"
)

const component = "config"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Stream is one capture stream to publish.
type Stream struct {
	Name      string `yaml:"name"`
	Source    string `yaml:"source"` // camera or screen_share
	Codec     string `yaml:"codec"`  // capture format tag
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	FrameRate int    `yaml:"frame_rate"`
	Device    string `yaml:"device"`

	// EncodeCodec and BitrateBps only apply to raw and MJPEG captures.
	EncodeCodec string `yaml:"encode_codec,omitempty"`
	BitrateBps  int    `yaml:"bitrate_bps,omitempty"`
}

// VideoSourceConfig converts s to the capture configuration.
func (s Stream) VideoSourceConfig() (capture.VideoSourceConfig, error) {
	cfg := capture.VideoSourceConfig{
		Codec:     s.Codec,
		Width:     s.Width,
		Height:    s.Height,
		FrameRate: s.FrameRate,
		DeviceID:  s.Device,
		Encode:    capture.EncodeOptions{BitrateBps: s.BitrateBps},
	}
	if s.EncodeCodec != "" {
		codec, err := capture.ParseVideoCodec(s.EncodeCodec)
		if err != nil {
			return cfg, err
		}
		cfg.Encode.Codec = codec
	}
	return cfg, cfg.Validate()
}

// TrackSource maps Source to a room track source. Empty means camera.
func (s Stream) TrackSource() room.TrackSource {
	switch room.TrackSource(s.Source) {
	case "", room.SourceCamera:
		return room.SourceCamera
	case room.SourceScreenShare:
		return room.SourceScreenShare
	default:
		return room.SourceUnknown
	}
}

// DefaultStreams are published when no stream file is configured: a MJPEG
// webcam and a camera with an on-board H.264 encoder.
func DefaultStreams() []Stream {
	return []Stream{
		{Name: "camera-0", Codec: "image/jpeg", Width: 1920, Height: 1080, FrameRate: 30, Device: "/dev/video0"},
		{Name: "camera-4", Codec: "video/x-h264", Width: 1920, Height: 1080, FrameRate: 30, Device: "/dev/video4"},
	}
}

// Config is the configuration of the publishing process.
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	RoomName  string
	Identity  string
	Name      string
	TokenTTL  time.Duration

	Streams     []Stream
	StreamsFile string

	MetricsAddr string
	LogLevel    string
}

type streamsFile struct {
	Streams []Stream `yaml:"streams"`
}

// Load reads .env (when present) and the environment. Variables already set
// in the environment win over .env.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, errs.New(errs.KindConfiguration, component, "Load", err)
	}

	ttl, err := getDuration("TOKEN_TTL", time.Hour)
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, component, "Load", err)
	}
	cfg := &Config{
		URL:         getEnv("LIVEKIT_URL", "ws://localhost:7880"),
		APIKey:      os.Getenv("LIVEKIT_API_KEY"),
		APISecret:   os.Getenv("LIVEKIT_API_SECRET"),
		RoomName:    getEnv("ROOM_NAME", "DemoRoom"),
		Identity:    getEnv("PARTICIPANT_IDENTITY", "multivideo-publisher"),
		Name:        getEnv("PARTICIPANT_NAME", "Multi Video Publisher"),
		TokenTTL:    ttl,
		StreamsFile: os.Getenv("STREAMS_FILE"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Streams:     DefaultStreams(),
	}
	if cfg.StreamsFile != "" {
		if cfg.Streams, err = LoadStreams(cfg.StreamsFile); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadStreams reads a YAML document with a top-level "streams" list.
func LoadStreams(path string) ([]Stream, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, component, "LoadStreams", err)
	}
	var doc streamsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Newf(errs.KindConfiguration, component, "LoadStreams", "parse %s: %w", path, err)
	}
	return doc.Streams, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.URL == "" {
		result = multierror.Append(result, fmt.Errorf("%w: LIVEKIT_URL is empty", ErrInvalid))
	}
	if c.APIKey == "" || c.APISecret == "" {
		result = multierror.Append(result, fmt.Errorf("%w: LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required", ErrInvalid))
	}
	if c.RoomName == "" {
		result = multierror.Append(result, fmt.Errorf("%w: ROOM_NAME is empty", ErrInvalid))
	}
	if c.Identity == "" {
		result = multierror.Append(result, fmt.Errorf("%w: PARTICIPANT_IDENTITY is empty", ErrInvalid))
	}
	if len(c.Streams) == 0 {
		result = multierror.Append(result, fmt.Errorf("%w: no streams configured", ErrInvalid))
	}

	devices := make(map[string]int, len(c.Streams))
	for i, s := range c.Streams {
		if _, err := s.VideoSourceConfig(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%w: stream %d: %w", ErrInvalid, i, err))
		}
		if s.TrackSource() == room.SourceUnknown {
			result = multierror.Append(result, fmt.Errorf("%w: stream %d: unknown source %q", ErrInvalid, i, s.Source))
		}
		key := capture.DeviceKey(s.Device)
		if j, dup := devices[key]; dup && s.Device != "" {
			result = multierror.Append(result, fmt.Errorf("%w: streams %d and %d both use %s", ErrInvalid, j, i, s.Device))
		}
		devices[key] = i
	}

	if err := result.ErrorOrNil(); err != nil {
		return errs.New(errs.KindConfiguration, component, "Validate", err)
	}
	return nil
}

// loadDotEnv loads ./.env without overriding the environment. A missing
// file is not an error.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
