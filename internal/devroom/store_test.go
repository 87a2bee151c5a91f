package devroom

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/streamer/internal/signal"
)

func setupRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, opts...), mr
}

func stores(t *testing.T) map[string]Store {
	rs, _ := setupRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  rs,
	}
}

func TestStore_Lifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Room(ctx, "DemoRoom")
			assert.ErrorIs(t, err, ErrRoomNotFound)
			assert.ErrorIs(t, store.AddParticipant(ctx, "DemoRoom", ParticipantRecord{SID: "PA_1"}), ErrRoomNotFound)

			sid, err := store.EnsureRoom(ctx, "DemoRoom")
			require.NoError(t, err)
			again, err := store.EnsureRoom(ctx, "DemoRoom")
			require.NoError(t, err)
			assert.Equal(t, sid, again)

			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.AddParticipant(ctx, "DemoRoom", ParticipantRecord{SID: "PA_2", Identity: "bob", JoinedAt: now.Add(time.Second)}))
			require.NoError(t, store.AddParticipant(ctx, "DemoRoom", ParticipantRecord{SID: "PA_1", Identity: "alice", JoinedAt: now}))
			require.NoError(t, store.AddTrack(ctx, "DemoRoom", signal.TrackInfo{SID: "TR_b", ParticipantSID: "PA_1", MimeType: "video/H264"}))
			require.NoError(t, store.AddTrack(ctx, "DemoRoom", signal.TrackInfo{SID: "TR_a", ParticipantSID: "PA_1", MimeType: "video/VP8"}))
			require.NoError(t, store.AddTrack(ctx, "DemoRoom", signal.TrackInfo{SID: "TR_c", ParticipantSID: "PA_2", MimeType: "video/VP9"}))

			snap, err := store.Room(ctx, "DemoRoom")
			require.NoError(t, err)
			assert.Equal(t, sid, snap.SID)
			require.Len(t, snap.Participants, 2)
			assert.Equal(t, "alice", snap.Participants[0].Identity)
			require.Len(t, snap.Participants[0].Tracks, 2)
			assert.Equal(t, "TR_a", snap.Participants[0].Tracks[0].SID)
			assert.Equal(t, "TR_c", snap.Participants[1].Tracks[0].SID)

			require.NoError(t, store.RemoveTrack(ctx, "DemoRoom", "TR_a"))
			require.NoError(t, store.RemoveParticipant(ctx, "DemoRoom", "PA_2"))
			snap, err = store.Room(ctx, "DemoRoom")
			require.NoError(t, err)
			require.Len(t, snap.Participants, 1)
			require.Len(t, snap.Participants[0].Tracks, 1)
			assert.Equal(t, "TR_b", snap.Participants[0].Tracks[0].SID)

			require.NoError(t, store.DeleteRoom(ctx, "DemoRoom"))
			assert.ErrorIs(t, store.DeleteRoom(ctx, "DemoRoom"), ErrRoomNotFound)
			_, err = store.Room(ctx, "DemoRoom")
			assert.ErrorIs(t, err, ErrRoomNotFound)
		})
	}
}

func TestRedisStore_KeysAndTTL(t *testing.T) {
	store, mr := setupRedisStore(t, WithPrefix("test"), WithTTL(time.Hour))
	ctx := context.Background()

	_, err := store.EnsureRoom(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, store.AddParticipant(ctx, "r1", ParticipantRecord{SID: "PA_1", Identity: "alice"}))

	assert.True(t, mr.Exists("test:room:r1"))
	assert.True(t, mr.Exists("test:room:r1:participants"))
	assert.Equal(t, time.Hour, mr.TTL("test:room:r1"))
	assert.Equal(t, time.Hour, mr.TTL("test:room:r1:participants"))

	mr.FastForward(2 * time.Hour)
	_, err = store.Room(ctx, "r1")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRedisStore_NoTTL(t *testing.T) {
	store, mr := setupRedisStore(t, WithTTL(0))
	ctx := context.Background()

	_, err := store.EnsureRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), mr.TTL("devroom:room:r1"))
}

func TestRedisStore_ServerDown(t *testing.T) {
	store, mr := setupRedisStore(t)
	mr.Close()

	_, err := store.EnsureRoom(context.Background(), "r1")
	assert.Error(t, err)
}
