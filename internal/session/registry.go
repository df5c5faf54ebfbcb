package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mwynn/groovebox/internal/history"
	"github.com/mwynn/groovebox/internal/playback"
)

// Registry maps room IDs to sessions. Lookups on different rooms are
// independent; insert-if-absent is atomic per key.
type Registry struct {
	backend playback.Backend
	history *history.Store
	logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. hist may be nil to disable
// play history recording.
func NewRegistry(backend playback.Backend, hist *history.Store, logger zerolog.Logger) *Registry {
	return &Registry{
		backend:  backend,
		history:  hist,
		logger:   logger.With().Str("component", "registry").Logger(),
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for roomID, creating and starting an
// idle one if none exists.
func (r *Registry) GetOrCreate(roomID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[roomID]; ok {
		return s
	}

	s := newSession(roomID, r.backend, r.history, r.logger)
	r.sessions[roomID] = s
	go s.run()

	r.logger.Debug().Str("room", roomID).Msg("Session created")
	return s
}

// Get returns the session for roomID without creating one.
func (r *Registry) Get(roomID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[roomID]
	return s, ok
}

// Remove deletes the given session from the registry. A different
// session instance registered under the same room is left alone.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[s.roomID]; ok && existing == s {
		delete(r.sessions, s.roomID)
		r.logger.Debug().Str("room", s.roomID).Msg("Session removed")
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Dispatch consumes backend track end events and delivers each into
// its room's session lane. Events for rooms without a session are
// dropped. Blocks until ctx is cancelled.
func (r *Registry) Dispatch(ctx context.Context) {
	events := r.backend.Events()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Event dispatch stopped")
			return
		case ev, ok := <-events:
			if !ok {
				r.logger.Info().Msg("Backend event stream closed")
				return
			}
			s, found := r.Get(ev.RoomID)
			if !found {
				r.logger.Debug().Str("room", ev.RoomID).Msg("Track end event for unknown room dropped")
				continue
			}
			s.HandleTrackEnd(ev)
		}
	}
}
