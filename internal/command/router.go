// Package command maps inbound chat commands onto session operations
// and formats the results as reply payloads. The router is thin by
// design: guard clauses and dispatch here, state machine in session.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mwynn/groovebox/internal/history"
	"github.com/mwynn/groovebox/internal/notify"
	"github.com/mwynn/groovebox/internal/playback"
	"github.com/mwynn/groovebox/internal/session"
)

// maxQueueDisplay is how many upcoming tracks a queue listing shows;
// the rest is summarized as a count. Presentation limit only.
const maxQueueDisplay = 25

// historyDisplay is how many recent plays the history command shows.
const historyDisplay = 10

// Message is one inbound chat command with its caller context.
type Message struct {
	RoomID         string // guild the message was sent in
	ChannelID      string // text channel for the reply
	VoiceChannelID string // caller's voice channel, empty if not connected
	Author         string // mention string for attribution
	Content        string // raw message text including prefix
}

// Router dispatches chat commands to sessions and sends replies.
type Router struct {
	prefix   string
	registry *session.Registry
	history  *history.Store
	notifier notify.Notifier
	latency  func() time.Duration
	logger   zerolog.Logger
}

// NewRouter creates a Router. hist may be nil to disable the history
// command; latency feeds the ping reply.
func NewRouter(prefix string, reg *session.Registry, hist *history.Store, n notify.Notifier, latency func() time.Duration, logger zerolog.Logger) *Router {
	return &Router{
		prefix:   prefix,
		registry: reg,
		history:  hist,
		notifier: n,
		latency:  latency,
		logger:   logger.With().Str("component", "router").Logger(),
	}
}

// Handle parses and executes one message. Non-command messages are
// ignored. Every recognized command produces exactly one reply.
func (r *Router) Handle(ctx context.Context, msg Message) {
	if !strings.HasPrefix(msg.Content, r.prefix) {
		return
	}

	rest := strings.TrimPrefix(msg.Content, r.prefix)
	parts := strings.SplitN(strings.TrimSpace(rest), " ", 2)
	name := strings.ToLower(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}

	var reply notify.Reply
	switch name {
	case "ping":
		reply = r.ping()
	case "play", "p":
		reply = r.play(ctx, msg, arg)
	case "queue", "q":
		reply = r.queueView(ctx, msg)
	case "skip", "s":
		reply = r.skip(ctx, msg)
	case "pause", "pa":
		reply = r.pause(ctx, msg)
	case "resume", "unpause", "re", "un":
		reply = r.resume(ctx, msg)
	case "loop", "l":
		reply = r.toggleLoop(ctx, msg)
	case "leave", "disconnect":
		reply = r.leave(ctx, msg)
	case "nowplaying", "np":
		reply = r.nowPlaying(ctx, msg)
	case "history", "h":
		reply = r.recentHistory(ctx, msg)
	case "help":
		reply = r.help()
	default:
		return
	}

	if err := r.notifier.Reply(ctx, msg.ChannelID, reply); err != nil {
		r.logger.Error().Err(err).Str("room", msg.RoomID).Msg("Failed to send reply")
	}
}

// requireSession applies the shared guard clauses for commands that
// need an existing session: caller in voice, session registered.
func (r *Router) requireSession(msg Message) (*session.Session, notify.Reply, bool) {
	if msg.VoiceChannelID == "" {
		return nil, errorReply(playback.ErrNotInRoom), false
	}
	s, ok := r.registry.Get(msg.RoomID)
	if !ok {
		return nil, errorReply(playback.ErrNoActiveSession), false
	}
	return s, notify.Reply{}, true
}

func (r *Router) ping() notify.Reply {
	return notify.Reply{
		Title:  "Pong!   🏓",
		Body:   fmt.Sprintf("%d ms", r.latency().Milliseconds()),
		Expiry: notify.ExpiryPing,
	}
}

func (r *Router) play(ctx context.Context, msg Message, query string) notify.Reply {
	if msg.VoiceChannelID == "" {
		return errorReply(playback.ErrNotInRoom)
	}
	if query == "" {
		return notify.Reply{
			Body:   "Tell me what to play, like: " + r.prefix + "play dark necessities",
			Expiry: notify.ExpiryError,
			Err:    true,
		}
	}

	s := r.registry.GetOrCreate(msg.RoomID)
	res, err := s.Play(ctx, msg.VoiceChannelID, query)
	if err != nil {
		return errorReply(err)
	}

	title := "Now Playing"
	if res.Queued {
		title = "Queued"
	}
	return notify.Reply{
		Title: title,
		Fields: []notify.Field{
			{Name: "Song", Value: truncateTitle(res.Track.Title)},
			{Name: "Duration", Value: fmtDuration(res.Track.Duration)},
			{Name: "By", Value: msg.Author},
		},
		Expiry: notify.ExpiryShort,
	}
}

func (r *Router) queueView(ctx context.Context, msg Message) notify.Reply {
	if msg.VoiceChannelID == "" {
		return errorReply(playback.ErrNotInRoom)
	}

	// Read-only: never create a session as a side effect of a listing.
	s, ok := r.registry.Get(msg.RoomID)
	if !ok {
		return notify.Reply{
			Title:  "Queue",
			Body:   "Nothing is playing",
			Expiry: notify.ExpiryLong,
		}
	}

	snap, err := s.QueueView(ctx, maxQueueDisplay)
	if err != nil {
		return errorReply(err)
	}

	reply := notify.Reply{Title: "Queue", Expiry: notify.ExpiryLong}
	if snap.Current != nil {
		reply.Fields = append(reply.Fields, notify.Field{
			Name:  "***Now Playing*** - " + truncateTitle(snap.Current.Title),
			Value: "Duration: " + fmtDuration(snap.Current.Duration),
		})
	}
	for i, t := range snap.Upcoming {
		reply.Fields = append(reply.Fields, notify.Field{
			Name:  fmt.Sprintf("%d. %s", i+1, truncateTitle(t.Title)),
			Value: fmtDuration(t.Duration),
		})
	}
	if snap.Remaining > 0 {
		reply.Body = fmt.Sprintf("And %d more...", snap.Remaining)
	}
	if snap.Current == nil && len(snap.Upcoming) == 0 {
		reply.Body = "Queue is empty"
	}
	return reply
}

func (r *Router) skip(ctx context.Context, msg Message) notify.Reply {
	s, rejection, ok := r.requireSession(msg)
	if !ok {
		return rejection
	}

	res, err := s.Skip(ctx)
	if err != nil {
		return errorReply(err)
	}
	return notify.Reply{
		Title:  "Song skipped",
		Body:   truncateTitle(res.Skipped.Title),
		Expiry: notify.ExpiryShort,
	}
}

func (r *Router) pause(ctx context.Context, msg Message) notify.Reply {
	s, rejection, ok := r.requireSession(msg)
	if !ok {
		return rejection
	}

	if err := s.Pause(ctx); err != nil {
		if errors.Is(err, playback.ErrInvalidState) {
			return shortError("Nothing is playing to pause")
		}
		return errorReply(err)
	}
	return notify.Reply{Body: "Paused"}
}

func (r *Router) resume(ctx context.Context, msg Message) notify.Reply {
	s, rejection, ok := r.requireSession(msg)
	if !ok {
		return rejection
	}

	if err := s.Resume(ctx); err != nil {
		if errors.Is(err, playback.ErrInvalidState) {
			return shortError("The song is not paused")
		}
		return errorReply(err)
	}
	return notify.Reply{Body: "Resumed"}
}

func (r *Router) toggleLoop(ctx context.Context, msg Message) notify.Reply {
	s, rejection, ok := r.requireSession(msg)
	if !ok {
		return rejection
	}

	enabled, err := s.ToggleLoop(ctx)
	if err != nil {
		return errorReply(err)
	}
	if enabled {
		return notify.Reply{Body: "Loop **enabled**"}
	}
	return notify.Reply{Body: "Loop **disabled**"}
}

func (r *Router) leave(ctx context.Context, msg Message) notify.Reply {
	s, rejection, ok := r.requireSession(msg)
	if !ok {
		return rejection
	}

	err := s.Leave(ctx)
	r.registry.Remove(s)
	if err != nil {
		return errorReply(err)
	}
	return notify.Reply{Body: "Disconnected", Expiry: notify.ExpiryError}
}

func (r *Router) nowPlaying(ctx context.Context, msg Message) notify.Reply {
	s, rejection, ok := r.requireSession(msg)
	if !ok {
		return rejection
	}

	res, err := s.NowPlaying(ctx)
	if err != nil {
		return errorReply(err)
	}
	return notify.Reply{
		Title: "Now Playing",
		Body:  truncateTitle(res.Track.Title),
		Fields: []notify.Field{{
			Name: "Progress",
			Value: fmt.Sprintf("%s %s %s",
				fmtDuration(res.Position),
				progressBar(res.Position, res.Track.Duration),
				fmtDuration(res.Track.Duration)),
		}},
		Expiry: notify.ExpiryShort,
	}
}

func (r *Router) recentHistory(ctx context.Context, msg Message) notify.Reply {
	if r.history == nil {
		return shortError("Play history is not enabled")
	}

	entries, err := r.history.Recent(ctx, msg.RoomID, historyDisplay)
	if err != nil {
		r.logger.Error().Err(err).Str("room", msg.RoomID).Msg("Failed to read play history")
		return shortError("Could not read play history")
	}
	if len(entries) == 0 {
		return notify.Reply{
			Title:  "Recently Played",
			Body:   "Nothing has been played yet",
			Expiry: notify.ExpiryShort,
		}
	}

	reply := notify.Reply{Title: "Recently Played", Expiry: notify.ExpiryLong}
	for i, e := range entries {
		reply.Fields = append(reply.Fields, notify.Field{
			Name:  fmt.Sprintf("%d. %s", i+1, truncateTitle(e.Title)),
			Value: fmtDuration(e.Duration),
		})
	}
	return reply
}

func (r *Router) help() notify.Reply {
	p := r.prefix
	return notify.Reply{
		Title: "Commands",
		Body: strings.Join([]string{
			p + "play <query> - add a song to the queue",
			p + "queue - show the queue",
			p + "skip - skip the current song",
			p + "pause / " + p + "resume - pause or resume",
			p + "loop - loop the current song",
			p + "nowplaying - show the current song",
			p + "history - recently played songs",
			p + "leave - leave the voice channel",
			p + "ping - check latency",
		}, "\n"),
		Expiry: notify.ExpiryLong,
	}
}

// errorReply converts a session/backend error into a short-lived reply.
func errorReply(err error) notify.Reply {
	var body string
	switch {
	case errors.Is(err, playback.ErrNotInRoom):
		body = "You're not in a voice channel"
	case errors.Is(err, playback.ErrNoActiveSession):
		body = "Bot is not in a voice channel"
	case errors.Is(err, playback.ErrNothingPlaying):
		body = "Nothing is playing"
	case errors.Is(err, playback.ErrNoResults):
		body = "Could not find that song"
	case errors.Is(err, playback.ErrConnectionTimeout):
		body = "❌ Could not connect to voice channel (timeout). Please try again."
	case errors.Is(err, playback.ErrConnection):
		body = "❌ Failed to connect to the voice channel"
	case errors.Is(err, playback.ErrInvalidState):
		body = "Can't do that right now"
	default:
		body = "Something went wrong: " + err.Error()
	}
	return shortError(body)
}

func shortError(body string) notify.Reply {
	return notify.Reply{
		Body:   body,
		Expiry: notify.ExpiryError,
		Err:    true,
	}
}
