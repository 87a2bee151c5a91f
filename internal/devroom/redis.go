package devroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thesyncim/streamer/internal/signal"
)

const defaultRoomTTL = 24 * time.Hour

// RedisStore keeps rooms in Redis so several service instances can share
// membership. Per room it uses three keys:
//
//	<prefix>:room:<name>               room SID
//	<prefix>:room:<name>:participants  hash participant SID -> JSON
//	<prefix>:room:<name>:tracks        hash track SID -> JSON
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets how long an idle room survives. Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix. Default is "devroom".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, ttl: defaultRoomTTL, prefix: "devroom"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) roomKey(name string) string {
	return fmt.Sprintf("%s:room:%s", s.prefix, name)
}

func (s *RedisStore) participantsKey(name string) string {
	return s.roomKey(name) + ":participants"
}

func (s *RedisStore) tracksKey(name string) string {
	return s.roomKey(name) + ":tracks"
}

// touch refreshes the TTL of every key of room.
func (s *RedisStore) touch(ctx context.Context, pipe redis.Pipeliner, room string) {
	if s.ttl <= 0 {
		return
	}
	pipe.Expire(ctx, s.roomKey(room), s.ttl)
	pipe.Expire(ctx, s.participantsKey(room), s.ttl)
	pipe.Expire(ctx, s.tracksKey(room), s.ttl)
}

func (s *RedisStore) EnsureRoom(ctx context.Context, name string) (string, error) {
	key := s.roomKey(name)
	if err := s.client.SetNX(ctx, key, newRoomSID(), s.ttl).Err(); err != nil {
		return "", fmt.Errorf("redis setnx failed: %w", err)
	}
	sid, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return sid, nil
}

func (s *RedisStore) exists(ctx context.Context, room string) error {
	n, err := s.client.Exists(ctx, s.roomKey(room)).Result()
	if err != nil {
		return fmt.Errorf("redis exists failed: %w", err)
	}
	if n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *RedisStore) AddParticipant(ctx context.Context, room string, p ParticipantRecord) error {
	if err := s.exists(ctx, room); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.participantsKey(room), p.SID, data)
	s.touch(ctx, pipe, room)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (s *RedisStore) RemoveParticipant(ctx context.Context, room, participantSID string) error {
	tracks, err := s.tracks(ctx, room)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.participantsKey(room), participantSID)
	for _, t := range tracks {
		if t.ParticipantSID == participantSID {
			pipe.HDel(ctx, s.tracksKey(room), t.SID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (s *RedisStore) AddTrack(ctx context.Context, room string, t signal.TrackInfo) error {
	if err := s.exists(ctx, room); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal track: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.tracksKey(room), t.SID, data)
	s.touch(ctx, pipe, room)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (s *RedisStore) RemoveTrack(ctx context.Context, room, trackSID string) error {
	if err := s.client.HDel(ctx, s.tracksKey(room), trackSID).Err(); err != nil {
		return fmt.Errorf("redis hdel failed: %w", err)
	}
	return nil
}

func (s *RedisStore) tracks(ctx context.Context, room string) ([]signal.TrackInfo, error) {
	raw, err := s.client.HGetAll(ctx, s.tracksKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	out := make([]signal.TrackInfo, 0, len(raw))
	for _, v := range raw {
		var t signal.TrackInfo
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal track: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisStore) Room(ctx context.Context, name string) (*RoomSnapshot, error) {
	sid, err := s.client.Get(ctx, s.roomKey(name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	raw, err := s.client.HGetAll(ctx, s.participantsKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	participants := make([]ParticipantRecord, 0, len(raw))
	for _, v := range raw {
		var p ParticipantRecord
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal participant: %w", err)
		}
		participants = append(participants, p)
	}
	tracks, err := s.tracks(ctx, name)
	if err != nil {
		return nil, err
	}
	return snapshot(name, sid, participants, tracks), nil
}

func (s *RedisStore) DeleteRoom(ctx context.Context, name string) error {
	n, err := s.client.Del(ctx, s.roomKey(name), s.participantsKey(name), s.tracksKey(name)).Result()
	if err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	if n == 0 {
		return ErrRoomNotFound
	}
	return nil
}
