// Package session implements the per-room playback controller.
//
// Each Session owns a track queue and a backend link and processes at
// most one operation at a time: commands and backend track end events
// are funneled through a single op channel consumed by the session's
// run loop. Operations on different rooms never block each other.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mwynn/groovebox/internal/history"
	"github.com/mwynn/groovebox/internal/playback"
	"github.com/mwynn/groovebox/internal/queue"
	"github.com/mwynn/groovebox/internal/track"
)

// PlaybackState is the externally observable state of a session.
type PlaybackState int

const (
	StateIdle PlaybackState = iota
	StatePlaying
	StatePaused
)

// String returns a human-readable representation of the PlaybackState
func (s PlaybackState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Session is the playback controller for one room.
type Session struct {
	roomID  string
	backend playback.Backend
	history *history.Store
	logger  zerolog.Logger

	// Owned by the run loop; only op closures touch these.
	queue        *queue.Queue
	link         playback.Link
	current      *track.Track
	state        PlaybackState
	loop         bool
	loopOverride bool

	ops       chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

// PlayResult describes the outcome of a play command.
type PlayResult struct {
	Track  track.Track
	Queued bool
}

// SkipResult carries the track that was skipped.
type SkipResult struct {
	Skipped track.Track
}

// QueueSnapshot is a read-only view of the session's queue.
type QueueSnapshot struct {
	Current   *track.Track
	Upcoming  []track.Track
	Remaining int // queued tracks beyond Upcoming
}

// NowPlayingResult is the current track plus its playback position.
type NowPlayingResult struct {
	Track    track.Track
	Position time.Duration
}

func newSession(roomID string, backend playback.Backend, hist *history.Store, logger zerolog.Logger) *Session {
	return &Session{
		roomID:  roomID,
		backend: backend,
		history: hist,
		logger:  logger.With().Str("component", "session").Str("room", roomID).Logger(),
		queue:   queue.New(),
		state:   StateIdle,
		ops:     make(chan func(), 16),
		closed:  make(chan struct{}),
	}
}

// run processes operations one at a time until the session closes.
func (s *Session) run() {
	for {
		select {
		case <-s.closed:
			return
		default:
		}
		select {
		case op := <-s.ops:
			op()
		case <-s.closed:
			return
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// do submits an operation to the session lane and waits for it.
// Returns ErrNoActiveSession if the session has already shut down.
func (s *Session) do(fn func()) error {
	done := make(chan struct{})
	select {
	case s.ops <- func() { fn(); close(done) }:
	case <-s.closed:
		return playback.ErrNoActiveSession
	}
	select {
	case <-done:
		return nil
	case <-s.closed:
		// The loop may have executed the op right before closing.
		select {
		case <-done:
			return nil
		default:
			return playback.ErrNoActiveSession
		}
	}
}

// RoomID returns the room this session belongs to.
func (s *Session) RoomID() string {
	return s.roomID
}

// HandleTrackEnd delivers a backend track end event into the session
// lane. It never blocks the caller: a room whose lane is backed up
// must not stall event delivery to other rooms, so the event is
// dropped (and logged) when the lane is full.
func (s *Session) HandleTrackEnd(ev playback.Event) {
	select {
	case s.ops <- func() { s.handleTrackEnd(ev) }:
	case <-s.closed:
	default:
		s.logger.Warn().Str("track", ev.Track.Title).Msg("Session lane full, track end event dropped")
	}
}

// Play resolves the query and either starts playback or appends the
// best match to the queue. channelID is the caller's voice channel.
func (s *Session) Play(ctx context.Context, channelID, query string) (PlayResult, error) {
	var res PlayResult
	var opErr error
	if err := s.do(func() { res, opErr = s.play(ctx, channelID, query) }); err != nil {
		return PlayResult{}, err
	}
	return res, opErr
}

// Skip force-stops the current track. The advance happens when the
// backend's track end event arrives; skip always bypasses the loop flag.
func (s *Session) Skip(ctx context.Context) (SkipResult, error) {
	var res SkipResult
	var opErr error
	if err := s.do(func() { res, opErr = s.skip(ctx) }); err != nil {
		return SkipResult{}, err
	}
	return res, opErr
}

// Pause pauses the current track.
func (s *Session) Pause(ctx context.Context) error {
	var opErr error
	if err := s.do(func() { opErr = s.pause(ctx) }); err != nil {
		return err
	}
	return opErr
}

// Resume resumes a paused track.
func (s *Session) Resume(ctx context.Context) error {
	var opErr error
	if err := s.do(func() { opErr = s.resume(ctx) }); err != nil {
		return err
	}
	return opErr
}

// ToggleLoop flips the loop flag and returns the new value.
func (s *Session) ToggleLoop(ctx context.Context) (bool, error) {
	var enabled bool
	var opErr error
	if err := s.do(func() { enabled, opErr = s.toggleLoop() }); err != nil {
		return false, err
	}
	return enabled, opErr
}

// Leave disconnects from the voice channel, clears all playback state
// and shuts the session down. The caller must remove it from the
// registry afterwards.
func (s *Session) Leave(ctx context.Context) error {
	var opErr error
	if err := s.do(func() { opErr = s.leave(ctx) }); err != nil {
		return err
	}
	return opErr
}

// QueueView returns the current track plus up to n upcoming tracks.
func (s *Session) QueueView(ctx context.Context, n int) (QueueSnapshot, error) {
	var snap QueueSnapshot
	var opErr error
	if err := s.do(func() { snap, opErr = s.queueView(n) }); err != nil {
		return QueueSnapshot{}, err
	}
	return snap, opErr
}

// NowPlaying returns the current track and its live position.
func (s *Session) NowPlaying(ctx context.Context) (NowPlayingResult, error) {
	var res NowPlayingResult
	var opErr error
	if err := s.do(func() { res, opErr = s.nowPlaying(ctx) }); err != nil {
		return NowPlayingResult{}, err
	}
	return res, opErr
}

// ---- op bodies, run loop only ----

func (s *Session) play(ctx context.Context, channelID, query string) (PlayResult, error) {
	if err := s.ensureLink(ctx, channelID); err != nil {
		return PlayResult{}, err
	}

	tracks, err := s.backend.Resolve(ctx, query)
	if err != nil {
		return PlayResult{}, err
	}
	if len(tracks) == 0 {
		return PlayResult{}, playback.ErrNoResults
	}
	best := tracks[0]

	// Already rendering a track: append to the queue.
	if s.current != nil {
		s.queue.Enqueue(best)
		s.logger.Debug().Str("track", best.Title).Int("queue_len", s.queue.Len()).Msg("Track queued")
		return PlayResult{Track: best, Queued: true}, nil
	}

	if err := s.start(ctx, channelID, best); err != nil {
		return PlayResult{}, err
	}
	return PlayResult{Track: best}, nil
}

// ensureLink connects to the caller's voice channel, or moves the
// existing link there when the caller is in a different channel.
func (s *Session) ensureLink(ctx context.Context, channelID string) error {
	if s.link == nil {
		return s.connect(ctx, channelID)
	}
	if s.link.ChannelID() == channelID {
		return nil
	}
	if err := s.link.MoveTo(ctx, channelID); err != nil {
		if errors.Is(err, playback.ErrLinkInvalid) {
			s.resetLink()
			return s.connect(ctx, channelID)
		}
		return err
	}
	return nil
}

func (s *Session) connect(ctx context.Context, channelID string) error {
	link, err := s.backend.Connect(ctx, s.roomID, channelID)
	if err != nil {
		return err
	}
	s.link = link
	s.logger.Info().Str("channel", channelID).Msg("Connected to voice channel")
	return nil
}

// start begins playback of t, reconnecting once if the link went stale.
func (s *Session) start(ctx context.Context, channelID string, t track.Track) error {
	if err := s.link.Play(ctx, t); err != nil {
		if !errors.Is(err, playback.ErrLinkInvalid) {
			return err
		}
		s.resetLink()
		if cerr := s.connect(ctx, channelID); cerr != nil {
			return cerr
		}
		if perr := s.link.Play(ctx, t); perr != nil {
			return perr
		}
	}
	s.setCurrent(t)
	return nil
}

func (s *Session) skip(ctx context.Context) (SkipResult, error) {
	if s.link == nil {
		return SkipResult{}, playback.ErrNoActiveSession
	}
	if s.current == nil {
		return SkipResult{}, playback.ErrNothingPlaying
	}

	skipped := *s.current
	// Arm a one-shot loop override so the resulting end event advances
	// even when looping is enabled.
	s.loopOverride = true
	if err := s.link.Stop(ctx); err != nil {
		s.loopOverride = false
		return SkipResult{}, s.staleReset(err)
	}
	s.logger.Info().Str("track", skipped.Title).Msg("Track skipped")
	return SkipResult{Skipped: skipped}, nil
}

func (s *Session) pause(ctx context.Context) error {
	if s.link == nil {
		return playback.ErrNoActiveSession
	}
	if s.state != StatePlaying {
		return playback.ErrInvalidState
	}
	if err := s.link.SetPaused(ctx, true); err != nil {
		return s.staleReset(err)
	}
	s.state = StatePaused
	return nil
}

func (s *Session) resume(ctx context.Context) error {
	if s.link == nil {
		return playback.ErrNoActiveSession
	}
	if s.state != StatePaused {
		return playback.ErrInvalidState
	}
	if err := s.link.SetPaused(ctx, false); err != nil {
		return s.staleReset(err)
	}
	s.state = StatePlaying
	return nil
}

func (s *Session) toggleLoop() (bool, error) {
	if s.link == nil {
		return false, playback.ErrNoActiveSession
	}
	s.loop = !s.loop
	return s.loop, nil
}

func (s *Session) leave(ctx context.Context) error {
	if s.link == nil {
		// The session is being discarded either way; shut the run
		// loop down so a registry removal can't leak it.
		s.close()
		return playback.ErrNoActiveSession
	}
	err := s.link.Disconnect(ctx)
	s.link = nil
	s.current = nil
	s.state = StateIdle
	s.queue.Clear()
	s.close()
	s.logger.Info().Msg("Left voice channel")
	if err != nil && !errors.Is(err, playback.ErrLinkInvalid) {
		return err
	}
	return nil
}

func (s *Session) queueView(n int) (QueueSnapshot, error) {
	snap := QueueSnapshot{
		Upcoming: s.queue.PeekFirst(n),
	}
	snap.Remaining = s.queue.Len() - len(snap.Upcoming)
	if s.current != nil {
		cur := *s.current
		snap.Current = &cur
	}
	return snap, nil
}

func (s *Session) nowPlaying(ctx context.Context) (NowPlayingResult, error) {
	if s.link == nil {
		return NowPlayingResult{}, playback.ErrNoActiveSession
	}
	if s.current == nil {
		return NowPlayingResult{}, playback.ErrNothingPlaying
	}
	pos, err := s.link.Position(ctx)
	if err != nil {
		return NowPlayingResult{}, s.staleReset(err)
	}
	return NowPlayingResult{Track: *s.current, Position: pos}, nil
}

// handleTrackEnd reacts to a backend completion event. Events for a
// track other than the current one are stale (a skip already advanced
// past them) and are dropped, so a skip racing a natural completion
// produces exactly one advance.
func (s *Session) handleTrackEnd(ev playback.Event) {
	if s.current == nil || !track.Same(*s.current, ev.Track) {
		s.logger.Debug().Str("track", ev.Track.Title).Msg("Stale track end event dropped")
		return
	}

	ctx := context.Background()

	if s.loop && !s.loopOverride {
		if err := s.link.Play(ctx, *s.current); err != nil {
			s.logger.Error().Err(err).Str("track", s.current.Title).Msg("Failed to restart looped track")
			if errors.Is(err, playback.ErrLinkInvalid) {
				s.resetLink()
				return
			}
			s.advance(ctx)
		}
		return
	}

	s.loopOverride = false
	s.advance(ctx)
}

// advance starts the next queued track, or idles when none is left.
func (s *Session) advance(ctx context.Context) {
	for {
		next, ok := s.queue.DequeueNext()
		if !ok {
			s.current = nil
			s.state = StateIdle
			s.logger.Info().Msg("Queue drained, session idle")
			return
		}
		if s.link == nil {
			s.current = nil
			s.state = StateIdle
			return
		}
		err := s.link.Play(ctx, next)
		if err == nil {
			s.setCurrent(next)
			return
		}
		s.logger.Error().Err(err).Str("track", next.Title).Msg("Failed to start next track")
		if errors.Is(err, playback.ErrLinkInvalid) {
			s.resetLink()
			return
		}
		// Playback error on this track: fall through to the next one.
	}
}

func (s *Session) setCurrent(t track.Track) {
	s.current = &t
	s.state = StatePlaying
	s.loopOverride = false
	s.logger.Info().Str("track", t.Title).Dur("duration", t.Duration).Msg("Track started")
	if s.history != nil {
		if _, err := s.history.Add(context.Background(), s.roomID, t); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to record play history")
		}
	}
}

// resetLink clears a stale link and returns the session to idle.
// The queue is kept; a later play reconnects and resumes draining it.
func (s *Session) resetLink() {
	s.link = nil
	s.current = nil
	s.state = StateIdle
	s.loopOverride = false
	s.logger.Warn().Msg("Backend link went stale, session reset to idle")
}

// staleReset maps a stale link error to ErrNoActiveSession after
// resetting the session; other errors pass through.
func (s *Session) staleReset(err error) error {
	if errors.Is(err, playback.ErrLinkInvalid) {
		s.resetLink()
		return playback.ErrNoActiveSession
	}
	return err
}
