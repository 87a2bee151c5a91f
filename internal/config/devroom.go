package config

import (
	"os"
	"time"

	"github.com/thesyncim/streamer/errs"
)

// Devroom is the configuration of the development room service.
type Devroom struct {
	Addr      string
	APIKey    string
	APISecret string

	// RedisURL selects the Redis store, e.g. redis://localhost:6379/0.
	// Empty keeps rooms in memory.
	RedisURL    string
	RedisPrefix string
	RoomTTL     time.Duration

	AllowedCodecs   []string
	AnswerMedia     bool
	IncludeLoopback bool

	MetricsAddr string
	LogLevel    string
}

// LoadDevroom reads .env (when present) and the DEVROOM_* environment.
// The API key pair is shared with the publisher so both sides agree.
func LoadDevroom() (*Devroom, error) {
	if err := loadDotEnv(); err != nil {
		return nil, errs.New(errs.KindConfiguration, component, "LoadDevroom", err)
	}

	ttl, err := getDuration("DEVROOM_ROOM_TTL", 24*time.Hour)
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, component, "LoadDevroom", err)
	}
	answer, err := getBool("DEVROOM_ANSWER_MEDIA", true)
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, component, "LoadDevroom", err)
	}
	loopback, err := getBool("DEVROOM_INCLUDE_LOOPBACK", false)
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, component, "LoadDevroom", err)
	}

	return &Devroom{
		Addr:            getEnv("DEVROOM_ADDR", ":7880"),
		APIKey:          getEnv("LIVEKIT_API_KEY", "devkey"),
		APISecret:       getEnv("LIVEKIT_API_SECRET", "devsecret"),
		RedisURL:        os.Getenv("REDIS_URL"),
		RedisPrefix:     getEnv("DEVROOM_REDIS_PREFIX", "devroom"),
		RoomTTL:         ttl,
		AllowedCodecs:   getList("DEVROOM_CODECS", nil),
		AnswerMedia:     answer,
		IncludeLoopback: loopback,
		MetricsAddr:     os.Getenv("METRICS_ADDR"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}, nil
}
