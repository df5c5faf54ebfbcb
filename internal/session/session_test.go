package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mwynn/groovebox/internal/playback"
	"github.com/mwynn/groovebox/internal/track"
)

const testRoom = "room-1"
const testChannel = "voice-1"

// snap is a point-in-time copy of session state taken inside the lane.
type snap struct {
	state    PlaybackState
	current  *track.Track
	queueLen int
	loop     bool
	hasLink  bool
}

func newTestSession(t *testing.T) (*Session, *fakeBackend, *Registry) {
	t.Helper()

	backend := newFakeBackend()
	reg := NewRegistry(backend, nil, zerolog.Nop())
	s := reg.GetOrCreate(testRoom)

	ctx, cancel := context.WithCancel(context.Background())
	go reg.Dispatch(ctx)
	t.Cleanup(cancel)

	return s, backend, reg
}

func snapshot(t *testing.T, s *Session) snap {
	t.Helper()

	var sn snap
	err := s.do(func() {
		sn = snap{
			state:    s.state,
			queueLen: s.queue.Len(),
			loop:     s.loop,
			hasLink:  s.link != nil,
		}
		if s.current != nil {
			cur := *s.current
			sn.current = &cur
		}
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return sn
}

// waitFor polls session state until cond holds or the deadline passes.
// Events travel backend -> dispatcher -> session lane asynchronously,
// so assertions after an event need to wait for the lane to drain.
func waitFor(t *testing.T, s *Session, cond func(snap) bool) snap {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		sn := snapshot(t, s)
		if cond(sn) {
			return sn
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for session state, last: state=%v queueLen=%d current=%+v",
				sn.state, sn.queueLen, sn.current)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// checkInvariant verifies current != nil <=> state is playing or paused.
func checkInvariant(t *testing.T, sn snap) {
	t.Helper()

	active := sn.state == StatePlaying || sn.state == StatePaused
	if active && sn.current == nil {
		t.Errorf("state %v with no current track", sn.state)
	}
	if !active && sn.current != nil {
		t.Errorf("state %v with current track %q", sn.state, sn.current.Title)
	}
}

func mustPlay(t *testing.T, s *Session, query string) PlayResult {
	t.Helper()

	res, err := s.Play(context.Background(), testChannel, query)
	if err != nil {
		t.Fatalf("play %q: %v", query, err)
	}
	return res
}

func TestPlayStartsWhenIdle(t *testing.T) {
	s, backend, _ := newTestSession(t)

	res := mustPlay(t, s, "song A")

	if res.Queued {
		t.Error("expected immediate playback, got queued")
	}
	if res.Track.Title != "song A" {
		t.Errorf("expected track %q, got %q", "song A", res.Track.Title)
	}

	sn := snapshot(t, s)
	checkInvariant(t, sn)
	if sn.state != StatePlaying {
		t.Errorf("expected playing, got %v", sn.state)
	}
	if sn.current == nil || sn.current.Title != "song A" {
		t.Errorf("expected current %q, got %+v", "song A", sn.current)
	}
	if backend.connectCount() != 1 {
		t.Errorf("expected 1 connect, got %d", backend.connectCount())
	}
}

func TestPlayEnqueuesWhilePlaying(t *testing.T) {
	s, _, _ := newTestSession(t)

	mustPlay(t, s, "song A")
	res := mustPlay(t, s, "song B")

	if !res.Queued {
		t.Error("expected second play to be queued")
	}

	sn := snapshot(t, s)
	checkInvariant(t, sn)
	if sn.queueLen != 1 {
		t.Errorf("expected queue length 1, got %d", sn.queueLen)
	}
	if sn.current == nil || sn.current.Title != "song A" {
		t.Errorf("current changed, got %+v", sn.current)
	}
	if sn.state != StatePlaying {
		t.Errorf("expected playing, got %v", sn.state)
	}
}

func TestTrackEndAdvancesQueue(t *testing.T) {
	s, backend, _ := newTestSession(t)

	resA := mustPlay(t, s, "song A")
	mustPlay(t, s, "song B")

	backend.emit(playback.Event{RoomID: testRoom, Track: resA.Track, Reason: "finished"})

	sn := waitFor(t, s, func(sn snap) bool {
		return sn.current != nil && sn.current.Title == "song B"
	})
	checkInvariant(t, sn)
	if sn.queueLen != 0 {
		t.Errorf("expected empty queue, got %d", sn.queueLen)
	}
	if sn.state != StatePlaying {
		t.Errorf("expected playing, got %v", sn.state)
	}
}

func TestTrackEndIdlesOnEmptyQueue(t *testing.T) {
	s, backend, _ := newTestSession(t)

	resA := mustPlay(t, s, "song A")
	backend.emit(playback.Event{RoomID: testRoom, Track: resA.Track, Reason: "finished"})

	sn := waitFor(t, s, func(sn snap) bool { return sn.state == StateIdle })
	checkInvariant(t, sn)
	if sn.current != nil {
		t.Errorf("expected no current track, got %+v", sn.current)
	}
	if !sn.hasLink {
		t.Error("idle session should keep its link until leave")
	}
}

func TestTrackEndLoopRestartsTrack(t *testing.T) {
	s, backend, _ := newTestSession(t)

	resA := mustPlay(t, s, "song A")
	if _, err := s.ToggleLoop(context.Background()); err != nil {
		t.Fatalf("toggle loop: %v", err)
	}

	link := backend.links[0]
	before := link.playCount()

	backend.emit(playback.Event{RoomID: testRoom, Track: resA.Track, Reason: "finished"})

	waitForLinkPlays(t, link, before+1)
	sn := snapshot(t, s)
	checkInvariant(t, sn)
	if sn.state != StatePlaying {
		t.Errorf("expected playing, got %v", sn.state)
	}
	if sn.current == nil || sn.current.Title != "song A" {
		t.Errorf("expected current unchanged, got %+v", sn.current)
	}
}

func waitForLinkPlays(t *testing.T, link *fakeLink, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for link.playCount() < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d plays, got %d", want, link.playCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSkipOverridesLoopOnEmptyQueue(t *testing.T) {
	s, _, _ := newTestSession(t)

	mustPlay(t, s, "song A")
	if _, err := s.ToggleLoop(context.Background()); err != nil {
		t.Fatalf("toggle loop: %v", err)
	}

	res, err := s.Skip(context.Background())
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if res.Skipped.Title != "song A" {
		t.Errorf("expected skipped %q, got %q", "song A", res.Skipped.Title)
	}

	sn := waitFor(t, s, func(sn snap) bool { return sn.state == StateIdle })
	checkInvariant(t, sn)
	if !sn.loop {
		t.Error("skip must not clear the loop flag itself")
	}
}

func TestSkipAdvancesIgnoringLoop(t *testing.T) {
	s, _, _ := newTestSession(t)

	mustPlay(t, s, "song A")
	mustPlay(t, s, "song B")
	if _, err := s.ToggleLoop(context.Background()); err != nil {
		t.Fatalf("toggle loop: %v", err)
	}

	if _, err := s.Skip(context.Background()); err != nil {
		t.Fatalf("skip: %v", err)
	}

	sn := waitFor(t, s, func(sn snap) bool {
		return sn.current != nil && sn.current.Title == "song B"
	})
	checkInvariant(t, sn)
	if sn.queueLen != 0 {
		t.Errorf("expected empty queue, got %d", sn.queueLen)
	}
}

// A natural completion already in flight when skip stops the same track
// must not cause a second dequeue.
func TestSkipRaceProducesSingleAdvance(t *testing.T) {
	s, backend, _ := newTestSession(t)

	resA := mustPlay(t, s, "song A")
	mustPlay(t, s, "song B")
	mustPlay(t, s, "song C")

	if _, err := s.Skip(context.Background()); err != nil {
		t.Fatalf("skip: %v", err)
	}
	// The "natural" completion for song A arrives after the skip's
	// stop-induced event. It must be dropped as stale.
	backend.emit(playback.Event{RoomID: testRoom, Track: resA.Track, Reason: "finished"})

	sn := waitFor(t, s, func(sn snap) bool {
		return sn.current != nil && sn.current.Title == "song B"
	})

	// Give the stale event time to be (wrongly) applied before checking.
	time.Sleep(50 * time.Millisecond)
	sn = snapshot(t, s)
	checkInvariant(t, sn)
	if sn.current == nil || sn.current.Title != "song B" {
		t.Fatalf("expected current %q, got %+v", "song B", sn.current)
	}
	if sn.queueLen != 1 {
		t.Errorf("expected 1 queued track (song C), got %d", sn.queueLen)
	}
}

// When the completion event is processed before the skip, the skip
// applies to the freshly started head track.
func TestTrackEndThenSkipAdvancesToNextHead(t *testing.T) {
	s, backend, _ := newTestSession(t)

	resA := mustPlay(t, s, "song A")
	mustPlay(t, s, "song B")
	mustPlay(t, s, "song C")

	backend.emit(playback.Event{RoomID: testRoom, Track: resA.Track, Reason: "finished"})
	waitFor(t, s, func(sn snap) bool {
		return sn.current != nil && sn.current.Title == "song B"
	})

	if _, err := s.Skip(context.Background()); err != nil {
		t.Fatalf("skip: %v", err)
	}

	sn := waitFor(t, s, func(sn snap) bool {
		return sn.current != nil && sn.current.Title == "song C"
	})
	checkInvariant(t, sn)
	if sn.queueLen != 0 {
		t.Errorf("expected empty queue, got %d", sn.queueLen)
	}
}

func TestToggleLoopTwiceRestoresState(t *testing.T) {
	s, _, _ := newTestSession(t)

	mustPlay(t, s, "song A")
	before := snapshot(t, s)

	on, err := s.ToggleLoop(context.Background())
	if err != nil {
		t.Fatalf("toggle loop: %v", err)
	}
	if !on {
		t.Error("expected loop enabled after first toggle")
	}

	off, err := s.ToggleLoop(context.Background())
	if err != nil {
		t.Fatalf("toggle loop: %v", err)
	}
	if off {
		t.Error("expected loop disabled after second toggle")
	}

	after := snapshot(t, s)
	if after.state != before.state || after.queueLen != before.queueLen {
		t.Error("toggle loop changed unrelated state")
	}
}

func TestPauseResume(t *testing.T) {
	s, backend, _ := newTestSession(t)

	mustPlay(t, s, "song A")
	ctx := context.Background()

	if err := s.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	sn := snapshot(t, s)
	checkInvariant(t, sn)
	if sn.state != StatePaused {
		t.Errorf("expected paused, got %v", sn.state)
	}
	if !backend.links[0].isPaused() {
		t.Error("backend link not paused")
	}

	if err := s.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	sn = snapshot(t, s)
	if sn.state != StatePlaying {
		t.Errorf("expected playing, got %v", sn.state)
	}
	if backend.links[0].isPaused() {
		t.Error("backend link still paused")
	}
}

func TestPauseResumeInvalidStates(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	t.Run("pause without link", func(t *testing.T) {
		if err := s.Pause(ctx); !errors.Is(err, playback.ErrNoActiveSession) {
			t.Errorf("expected ErrNoActiveSession, got %v", err)
		}
	})

	mustPlay(t, s, "song A")

	t.Run("resume while playing", func(t *testing.T) {
		if err := s.Resume(ctx); !errors.Is(err, playback.ErrInvalidState) {
			t.Errorf("expected ErrInvalidState, got %v", err)
		}
	})

	t.Run("pause while paused", func(t *testing.T) {
		if err := s.Pause(ctx); err != nil {
			t.Fatalf("pause: %v", err)
		}
		if err := s.Pause(ctx); !errors.Is(err, playback.ErrInvalidState) {
			t.Errorf("expected ErrInvalidState, got %v", err)
		}
	})
}

func TestSkipWithoutTrack(t *testing.T) {
	s, backend, _ := newTestSession(t)
	ctx := context.Background()

	if _, err := s.Skip(ctx); !errors.Is(err, playback.ErrNoActiveSession) {
		t.Errorf("expected ErrNoActiveSession, got %v", err)
	}

	resA := mustPlay(t, s, "song A")
	backend.emit(playback.Event{RoomID: testRoom, Track: resA.Track, Reason: "finished"})
	waitFor(t, s, func(sn snap) bool { return sn.state == StateIdle })

	if _, err := s.Skip(ctx); !errors.Is(err, playback.ErrNothingPlaying) {
		t.Errorf("expected ErrNothingPlaying, got %v", err)
	}
}

func TestLeaveClearsEverything(t *testing.T) {
	s, backend, reg := newTestSession(t)
	ctx := context.Background()

	mustPlay(t, s, "song A")
	mustPlay(t, s, "song B")

	if err := s.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	reg.Remove(s)

	if !backend.links[0].isDisconnected() {
		t.Error("link not disconnected")
	}
	if _, ok := reg.Get(testRoom); ok {
		t.Error("session still present in registry after leave")
	}

	// Session lane is shut down; further commands are rejected.
	if err := s.Pause(ctx); !errors.Is(err, playback.ErrNoActiveSession) {
		t.Errorf("expected ErrNoActiveSession after leave, got %v", err)
	}
}

func TestLeaveWithoutLinkShutsSessionDown(t *testing.T) {
	// Leave is rejected without a link, but the session is discarded
	// by its caller either way: the run loop must still shut down or
	// the goroutine leaks once the registry entry is removed.
	t.Run("fresh session", func(t *testing.T) {
		s, _, reg := newTestSession(t)
		ctx := context.Background()

		if err := s.Leave(ctx); !errors.Is(err, playback.ErrNoActiveSession) {
			t.Fatalf("expected ErrNoActiveSession, got %v", err)
		}
		reg.Remove(s)

		select {
		case <-s.closed:
		case <-time.After(2 * time.Second):
			t.Fatal("session run loop still alive after leave")
		}
	})

	t.Run("after stale link reset", func(t *testing.T) {
		s, backend, reg := newTestSession(t)
		ctx := context.Background()

		mustPlay(t, s, "song A")
		backend.links[0].invalidate()
		if err := s.Pause(ctx); !errors.Is(err, playback.ErrNoActiveSession) {
			t.Fatalf("expected ErrNoActiveSession from stale link, got %v", err)
		}

		if err := s.Leave(ctx); !errors.Is(err, playback.ErrNoActiveSession) {
			t.Fatalf("expected ErrNoActiveSession, got %v", err)
		}
		reg.Remove(s)

		select {
		case <-s.closed:
		case <-time.After(2 * time.Second):
			t.Fatal("session run loop still alive after leave")
		}
		if err := s.Pause(ctx); !errors.Is(err, playback.ErrNoActiveSession) {
			t.Errorf("expected ErrNoActiveSession after shutdown, got %v", err)
		}
	})
}

func TestTrackEndDeliveryNeverBlocks(t *testing.T) {
	s, _, _ := newTestSession(t)

	// Stall the lane, then fill the op buffer behind the stalled op.
	gate := make(chan struct{})
	s.ops <- func() { <-gate }
	for i := 0; i < cap(s.ops); i++ {
		s.ops <- func() {}
	}

	done := make(chan struct{})
	go func() {
		s.HandleTrackEnd(playback.Event{RoomID: testRoom, Track: track.Track{Title: "song X", Locator: "loc:song X"}})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("track end delivery blocked on a full session lane")
	}
	close(gate)
}

func TestQueueView(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	mustPlay(t, s, "song A")
	for _, q := range []string{"b", "c", "d"} {
		mustPlay(t, s, q)
	}

	snapQ, err := s.QueueView(ctx, 2)
	if err != nil {
		t.Fatalf("queue view: %v", err)
	}
	if snapQ.Current == nil || snapQ.Current.Title != "song A" {
		t.Errorf("expected current %q, got %+v", "song A", snapQ.Current)
	}
	if len(snapQ.Upcoming) != 2 {
		t.Fatalf("expected 2 upcoming, got %d", len(snapQ.Upcoming))
	}
	if snapQ.Upcoming[0].Title != "b" || snapQ.Upcoming[1].Title != "c" {
		t.Errorf("unexpected upcoming order: %q, %q", snapQ.Upcoming[0].Title, snapQ.Upcoming[1].Title)
	}
	if snapQ.Remaining != 1 {
		t.Errorf("expected 1 remaining, got %d", snapQ.Remaining)
	}
}

func TestNowPlayingReportsPosition(t *testing.T) {
	s, backend, _ := newTestSession(t)
	ctx := context.Background()

	mustPlay(t, s, "song A")
	backend.links[0].mu.Lock()
	backend.links[0].position = 90 * time.Second
	backend.links[0].mu.Unlock()

	res, err := s.NowPlaying(ctx)
	if err != nil {
		t.Fatalf("now playing: %v", err)
	}
	if res.Track.Title != "song A" {
		t.Errorf("expected track %q, got %q", "song A", res.Track.Title)
	}
	if res.Position != 90*time.Second {
		t.Errorf("expected position 90s, got %v", res.Position)
	}
}

func TestPlayNoResults(t *testing.T) {
	s, backend, _ := newTestSession(t)

	backend.mu.Lock()
	backend.resolveErr = playback.ErrNoResults
	backend.mu.Unlock()

	_, err := s.Play(context.Background(), testChannel, "nothing")
	if !errors.Is(err, playback.ErrNoResults) {
		t.Fatalf("expected ErrNoResults, got %v", err)
	}

	sn := snapshot(t, s)
	checkInvariant(t, sn)
	if sn.state != StateIdle {
		t.Errorf("failed resolve must leave session idle, got %v", sn.state)
	}
}

func TestPlayConnectTimeout(t *testing.T) {
	s, backend, _ := newTestSession(t)

	backend.mu.Lock()
	backend.connectErr = playback.ErrConnectionTimeout
	backend.mu.Unlock()

	_, err := s.Play(context.Background(), testChannel, "song A")
	if !errors.Is(err, playback.ErrConnectionTimeout) {
		t.Fatalf("expected ErrConnectionTimeout, got %v", err)
	}

	sn := snapshot(t, s)
	if sn.hasLink {
		t.Error("failed connect must not leave a link behind")
	}
}

func TestStaleLinkResetOnCommand(t *testing.T) {
	s, backend, _ := newTestSession(t)
	ctx := context.Background()

	mustPlay(t, s, "song A")
	backend.links[0].invalidate()

	if err := s.Pause(ctx); !errors.Is(err, playback.ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession from stale link, got %v", err)
	}

	sn := snapshot(t, s)
	checkInvariant(t, sn)
	if sn.state != StateIdle || sn.hasLink {
		t.Errorf("expected idle session without link, got state=%v hasLink=%v", sn.state, sn.hasLink)
	}
}

func TestPlayReconnectsAfterStaleLink(t *testing.T) {
	s, backend, _ := newTestSession(t)

	resA := mustPlay(t, s, "song A")
	backend.emit(playback.Event{RoomID: testRoom, Track: resA.Track, Reason: "finished"})
	waitFor(t, s, func(sn snap) bool { return sn.state == StateIdle })

	// Backend dropped the connection without an explicit leave.
	backend.links[0].invalidate()

	res := mustPlay(t, s, "song B")
	if res.Queued {
		t.Error("expected immediate playback after reconnect")
	}
	if backend.connectCount() != 2 {
		t.Errorf("expected a fresh connect, got %d connects", backend.connectCount())
	}

	sn := snapshot(t, s)
	checkInvariant(t, sn)
	if sn.current == nil || sn.current.Title != "song B" {
		t.Errorf("expected current %q, got %+v", "song B", sn.current)
	}
}

func TestMoveToCallersChannel(t *testing.T) {
	s, backend, _ := newTestSession(t)

	mustPlay(t, s, "song A")
	mustPlay(t, s, "song B") // queued

	res, err := s.Play(context.Background(), "voice-2", "song C")
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if !res.Queued {
		t.Error("expected song C to be queued")
	}
	if got := backend.links[0].ChannelID(); got != "voice-2" {
		t.Errorf("expected link moved to voice-2, got %q", got)
	}
	if backend.connectCount() != 1 {
		t.Errorf("move must reuse the link, got %d connects", backend.connectCount())
	}
}
