// Package roomtest provides an in-memory media transport for exercising
// rooms and publishers without ICE.
package roomtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thesyncim/streamer/room"
)

// ErrClosed is returned by writes after the transport is closed or the track removed.
var ErrClosed = errors.New("fake transport closed")

// Factory builds Transports and remembers every track they carry.
// Pass Factory.New to room.WithTransport.
type Factory struct {
	// AddErr, when set, is returned by every AddTrack.
	AddErr error

	mu         sync.Mutex
	transports []*Transport
	tracks     map[string]*Track
}

func NewFactory() *Factory {
	return &Factory{tracks: make(map[string]*Track)}
}

// New satisfies room.TransportFactory.
func (f *Factory) New(cfg room.TransportConfig) (room.MediaTransport, error) {
	t := &Transport{factory: f, cfg: cfg}
	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.mu.Unlock()
	return t, nil
}

// Track returns the track published under sid, or nil.
func (f *Factory) Track(sid string) *Track {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracks[sid]
}

// Tracks returns every track ever added.
func (f *Factory) Tracks() []*Track {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Track, 0, len(f.tracks))
	for _, t := range f.tracks {
		out = append(out, t)
	}
	return out
}

// Transports returns every transport built so far.
func (f *Factory) Transports() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.transports...)
}

// Transport is a room.MediaTransport that records samples.
type Transport struct {
	factory *Factory
	cfg     room.TransportConfig

	mu     sync.Mutex
	closed bool
	tracks []*Track
}

func (t *Transport) AddTrack(_ context.Context, sid string, info room.TrackInfo, onKeyframe func()) (room.SampleWriter, error) {
	if t.factory.AddErr != nil {
		return nil, t.factory.AddErr
	}
	track := &Track{SID: sid, Info: info, onKeyframe: onKeyframe}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.tracks = append(t.tracks, track)
	t.mu.Unlock()

	t.factory.mu.Lock()
	t.factory.tracks[sid] = track
	t.factory.mu.Unlock()
	return track, nil
}

func (t *Transport) RemoveTrack(_ context.Context, sid string) error {
	if track := t.factory.Track(sid); track != nil {
		track.remove()
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	tracks := t.tracks
	t.mu.Unlock()
	for _, track := range tracks {
		track.remove()
	}
	return nil
}

// Closed reports whether the owning room released the transport.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ICEServers returns the servers the room passed from its join response.
func (t *Transport) ICEServers() []room.ICEServer {
	return t.cfg.ICEServers
}

// Track records what was written to one transport track.
type Track struct {
	SID  string
	Info room.TrackInfo

	onKeyframe func()

	mu       sync.Mutex
	samples  int
	bytes    int
	duration time.Duration
	removed  bool
	failWith error
}

func (t *Track) WriteSample(data []byte, duration time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return t.failWith
	}
	if t.removed {
		return fmt.Errorf("%w: track %s", ErrClosed, t.SID)
	}
	t.samples++
	t.bytes += len(data)
	t.duration += duration
	return nil
}

// Fail makes every later write return err.
func (t *Track) Fail(err error) {
	t.mu.Lock()
	t.failWith = err
	t.mu.Unlock()
}

// Samples returns the number of samples written.
func (t *Track) Samples() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samples
}

// Duration is the sum of sample durations written.
func (t *Track) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Removed reports whether the track was removed or its transport closed.
func (t *Track) Removed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removed
}

// RequestKeyframe simulates a receiver asking for a keyframe.
func (t *Track) RequestKeyframe() {
	if t.onKeyframe != nil {
		t.onKeyframe()
	}
}

func (t *Track) remove() {
	t.mu.Lock()
	t.removed = true
	t.mu.Unlock()
}
