// Package playback defines the capability the session controller needs
// from the external audio backend. The concrete implementation lives in
// internal/lavalink; tests use in-package fakes.
package playback

import (
	"context"
	"time"

	"github.com/mwynn/groovebox/internal/track"
)

// Backend is the audio node as seen by the core: it can join rooms,
// resolve search queries, and emits track end events asynchronously.
type Backend interface {
	// Connect joins the given voice channel and returns a live link for
	// the room. The implementation must bound the join with a timeout
	// and surface ErrConnectionTimeout when it elapses.
	Connect(ctx context.Context, roomID, channelID string) (Link, error)

	// Resolve searches for playable tracks. The first result is the
	// best match. Returns ErrNoResults when nothing was found.
	Resolve(ctx context.Context, query string) ([]track.Track, error)

	// Events is the stream of track end events for all rooms. One event
	// is delivered per completed or forcefully stopped track.
	Events() <-chan Event
}

// Link is a live connection between one room and the backend.
// All methods return ErrLinkInvalid once the link has been released
// or dropped on the backend side.
type Link interface {
	// RoomID identifies the room this link belongs to.
	RoomID() string

	// ChannelID is the voice channel the link is currently joined to.
	ChannelID() string

	// MoveTo rejoins a different voice channel within the same room.
	MoveTo(ctx context.Context, channelID string) error

	// Play starts streaming the given track, replacing any active one.
	Play(ctx context.Context, t track.Track) error

	// Stop force-stops the active track. The backend still emits a
	// track end event for it.
	Stop(ctx context.Context) error

	// SetPaused pauses or resumes the active track.
	SetPaused(ctx context.Context, paused bool) error

	// Position reports the playback position of the active track.
	Position(ctx context.Context) (time.Duration, error)

	// Disconnect releases the link. Subsequent calls on it are invalid.
	Disconnect(ctx context.Context) error
}

// Event is a track end notification, link-scoped by room.
type Event struct {
	RoomID string
	Track  track.Track
	Reason string
}
