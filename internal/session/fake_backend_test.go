package session

import (
	"context"
	"sync"
	"time"

	"github.com/mwynn/groovebox/internal/playback"
	"github.com/mwynn/groovebox/internal/track"
)

// fakeBackend is an in-memory playback backend for session tests.
// Resolve returns a single synthetic track per query unless overridden.
type fakeBackend struct {
	mu         sync.Mutex
	events     chan playback.Event
	connects   int
	connectErr error
	resolveErr error
	resolved   map[string][]track.Track
	links      []*fakeLink
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		events:   make(chan playback.Event, 32),
		resolved: make(map[string][]track.Track),
	}
}

func (b *fakeBackend) Connect(ctx context.Context, roomID, channelID string) (playback.Link, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return nil, b.connectErr
	}
	b.connects++
	l := &fakeLink{b: b, roomID: roomID, channelID: channelID}
	b.links = append(b.links, l)
	return l, nil
}

func (b *fakeBackend) Resolve(ctx context.Context, query string) ([]track.Track, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resolveErr != nil {
		return nil, b.resolveErr
	}
	if tracks, ok := b.resolved[query]; ok {
		return tracks, nil
	}
	return []track.Track{{
		Title:    query,
		Duration: 3 * time.Minute,
		Locator:  "loc:" + query,
	}}, nil
}

func (b *fakeBackend) Events() <-chan playback.Event {
	return b.events
}

func (b *fakeBackend) emit(ev playback.Event) {
	b.events <- ev
}

func (b *fakeBackend) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// fakeLink records play/pause/stop calls. Stop emits a track end event
// for the active track, like a real backend does for forced stops.
type fakeLink struct {
	b         *fakeBackend
	roomID    string
	channelID string

	mu           sync.Mutex
	invalid      bool
	disconnected bool
	playing      *track.Track
	paused       bool
	played       []track.Track
	position     time.Duration
	playErr      error
}

func (l *fakeLink) RoomID() string { return l.roomID }

func (l *fakeLink) ChannelID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channelID
}

func (l *fakeLink) MoveTo(ctx context.Context, channelID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.invalid {
		return playback.ErrLinkInvalid
	}
	l.channelID = channelID
	return nil
}

func (l *fakeLink) Play(ctx context.Context, t track.Track) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.invalid {
		return playback.ErrLinkInvalid
	}
	if l.playErr != nil {
		return l.playErr
	}
	cp := t
	l.playing = &cp
	l.paused = false
	l.played = append(l.played, t)
	return nil
}

func (l *fakeLink) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.invalid {
		return playback.ErrLinkInvalid
	}
	if l.playing != nil {
		ev := playback.Event{RoomID: l.roomID, Track: *l.playing, Reason: "stopped"}
		l.playing = nil
		l.b.emit(ev)
	}
	return nil
}

func (l *fakeLink) SetPaused(ctx context.Context, paused bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.invalid {
		return playback.ErrLinkInvalid
	}
	l.paused = paused
	return nil
}

func (l *fakeLink) Position(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.invalid {
		return 0, playback.ErrLinkInvalid
	}
	return l.position, nil
}

func (l *fakeLink) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.invalid {
		return playback.ErrLinkInvalid
	}
	l.disconnected = true
	l.invalid = true
	return nil
}

func (l *fakeLink) invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.invalid = true
}

func (l *fakeLink) playCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.played)
}

func (l *fakeLink) playedTitles() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	titles := make([]string, len(l.played))
	for i, t := range l.played {
		titles[i] = t.Title
	}
	return titles
}

func (l *fakeLink) isPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

func (l *fakeLink) isDisconnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnected
}
