package playback

import "errors"

// Backend-side errors.
var (
	// ErrConnectionTimeout is returned when joining a voice channel
	// exceeds the configured timeout.
	ErrConnectionTimeout = errors.New("playback: voice connection timed out")

	// ErrConnection is returned when the backend is unreachable or the
	// join failed for a reason other than a timeout.
	ErrConnection = errors.New("playback: voice connection failed")

	// ErrNoResults is returned when a search query resolves nothing.
	ErrNoResults = errors.New("playback: no results for query")

	// ErrLinkInvalid is returned by link operations after the link has
	// been released or the backend dropped it. Sessions treat it as a
	// stale link and reset to idle.
	ErrLinkInvalid = errors.New("playback: link is no longer valid")
)

// User-level rejections surfaced by session guard clauses. They never
// change session state; the router renders them as short-lived replies.
var (
	// ErrNotInRoom rejects a caller with no voice presence.
	ErrNotInRoom = errors.New("you're not in a voice channel")

	// ErrNoActiveSession rejects a command that requires an existing
	// voice link when none exists.
	ErrNoActiveSession = errors.New("bot is not in a voice channel")

	// ErrNothingPlaying rejects a command that requires an active track.
	ErrNothingPlaying = errors.New("nothing is playing")

	// ErrInvalidState rejects pause/resume in the wrong state.
	ErrInvalidState = errors.New("invalid playback state for command")
)
