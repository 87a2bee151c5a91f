package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignallingURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"ws://localhost:7880", "ws://localhost:7880/rtc?access_token=tok"},
		{"http://localhost:7880/", "ws://localhost:7880/rtc?access_token=tok"},
		{"https://example.com/lk", "wss://example.com/lk/rtc?access_token=tok"},
		{"wss://example.com", "wss://example.com/rtc?access_token=tok"},
	}
	for _, tc := range cases {
		got, err := signallingURL(tc.in, "tok")
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}

	_, err := signallingURL("ftp://example.com", "tok")
	assert.ErrorIs(t, err, ErrNetworkUnreachable)
}

func TestParseReason(t *testing.T) {
	assert.Equal(t, ReasonServerShutdown, parseReason("server_shutdown"))
	assert.Equal(t, ReasonRoomDeleted, parseReason("room_deleted"))
	assert.Equal(t, ReasonUnknown, parseReason("gremlins"))
	assert.Equal(t, ReasonUnknown, parseReason(""))
}

func TestEventQueue_OrderAndClose(t *testing.T) {
	q := newEventQueue()
	for i := 0; i < 100; i++ {
		q.push(Other{Kind: string(rune('a' + i%26))})
	}
	q.push(Disconnected{Reason: ReasonClientInitiated})
	q.close()
	q.push(Other{Kind: "late"})
	go q.run()

	var got []RoomEvent
	for ev := range q.out {
		got = append(got, ev)
	}
	require.Len(t, got, 101)
	assert.Equal(t, Other{Kind: "a"}, got[0])
	assert.Equal(t, Other{Kind: "b"}, got[1])
	assert.Equal(t, Disconnected{Reason: ReasonClientInitiated}, got[100])
}

func TestEventKind(t *testing.T) {
	assert.Equal(t, "participant_connected", EventKind(ParticipantConnected{}))
	assert.Equal(t, "disconnected", EventKind(Disconnected{}))
	assert.Equal(t, "offer", EventKind(Other{Kind: "offer"}))
}
