// Package discord connects the bot to the Discord gateway: it turns
// chat messages into commands, brokers voice credentials for the
// playback node, and keeps the bot's presence fresh.
package discord

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/mwynn/groovebox/internal/command"
	"github.com/mwynn/groovebox/internal/lavalink"
)

const presenceInterval = 60 * time.Second

// Gateway wraps a discordgo session. It implements lavalink.VoiceGateway
// and feeds inbound messages to a command handler.
type Gateway struct {
	session *discordgo.Session
	logger  zerolog.Logger

	// joinVoice is swappable so tests can drive the credential
	// handshake without a live session.
	joinVoice func(guildID, channelID string) error

	handler func(ctx context.Context, msg command.Message)

	mu    sync.Mutex
	joins map[string]*voiceJoin
}

// voiceJoin collects the two gateway events Lavalink needs before a
// player can stream: the voice server token/endpoint and our own
// voice session id. done closes once all three pieces are present.
type voiceJoin struct {
	token     string
	endpoint  string
	sessionID string
	done      chan struct{}
}

func (j *voiceJoin) complete() bool {
	return j.token != "" && j.endpoint != "" && j.sessionID != ""
}

// New creates a gateway for the given bot token. Open must be called
// before use, and SetHandler before Open for commands to be routed.
func New(token string, logger zerolog.Logger) (*Gateway, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsMessageContent

	g := &Gateway{
		session: s,
		logger:  logger.With().Str("component", "discord").Logger(),
		joins:   make(map[string]*voiceJoin),
	}
	g.joinVoice = func(guildID, channelID string) error {
		return s.ChannelVoiceJoinManual(guildID, channelID, false, true)
	}

	s.AddHandler(g.onReady)
	s.AddHandler(g.onMessage)
	s.AddHandler(g.onVoiceServerUpdate)
	s.AddHandler(g.onVoiceStateUpdate)
	return g, nil
}

// SetHandler installs the command handler for inbound messages.
func (g *Gateway) SetHandler(fn func(ctx context.Context, msg command.Message)) {
	g.handler = fn
}

// Open connects to the gateway.
func (g *Gateway) Open() error {
	if err := g.session.Open(); err != nil {
		return fmt.Errorf("failed to open gateway: %w", err)
	}
	return nil
}

// Close disconnects from the gateway.
func (g *Gateway) Close() error {
	return g.session.Close()
}

// UserID returns the bot's own user id once the session is open.
func (g *Gateway) UserID() string {
	if g.session.State == nil || g.session.State.User == nil {
		return ""
	}
	return g.session.State.User.ID
}

// Latency reports the heartbeat round trip to the gateway.
func (g *Gateway) Latency() time.Duration {
	return g.session.HeartbeatLatency()
}

// Session exposes the underlying session for the notifier.
func (g *Gateway) Session() *discordgo.Session {
	return g.session
}

func (g *Gateway) onReady(s *discordgo.Session, r *discordgo.Ready) {
	g.logger.Info().
		Str("user", r.User.Username).
		Int("guilds", len(r.Guilds)).
		Msg("Connected to Discord")
}

func (g *Gateway) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	if g.handler == nil {
		return
	}

	msg := command.Message{
		RoomID:         m.GuildID,
		ChannelID:      m.ChannelID,
		VoiceChannelID: voiceChannelOf(s.State, m.GuildID, m.Author.ID),
		Author:         m.Author.Mention(),
		Content:        strings.TrimSpace(m.Content),
	}

	// Commands block on their room's session lane; keep the gateway
	// read loop out of that.
	go g.handler(context.Background(), msg)
}

// voiceChannelOf finds the voice channel a member is connected to,
// or "" if they are not in voice.
func voiceChannelOf(state *discordgo.State, guildID, userID string) string {
	guild, err := state.Guild(guildID)
	if err != nil {
		return ""
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}

// JoinVoice implements lavalink.VoiceGateway. It asks Discord to move
// the bot into the channel and waits for the voice server credentials
// to arrive over the gateway.
func (g *Gateway) JoinVoice(ctx context.Context, roomID, channelID string) (lavalink.VoiceUpdate, error) {
	j := &voiceJoin{done: make(chan struct{})}
	g.mu.Lock()
	g.joins[roomID] = j
	g.mu.Unlock()

	if err := g.joinVoice(roomID, channelID); err != nil {
		g.clearJoin(roomID, j)
		return lavalink.VoiceUpdate{}, fmt.Errorf("failed to join voice: %w", err)
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		g.clearJoin(roomID, j)
		return lavalink.VoiceUpdate{}, ctx.Err()
	}

	g.mu.Lock()
	vu := lavalink.VoiceUpdate{Token: j.token, Endpoint: j.endpoint, SessionID: j.sessionID}
	g.mu.Unlock()
	return vu, nil
}

// LeaveVoice implements lavalink.VoiceGateway. Joining the empty
// channel disconnects the bot.
func (g *Gateway) LeaveVoice(ctx context.Context, roomID string) error {
	return g.joinVoice(roomID, "")
}

func (g *Gateway) clearJoin(roomID string, j *voiceJoin) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.joins[roomID] == j {
		delete(g.joins, roomID)
	}
}

func (g *Gateway) onVoiceServerUpdate(s *discordgo.Session, e *discordgo.VoiceServerUpdate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	j := g.joins[e.GuildID]
	if j == nil {
		return
	}
	j.token = e.Token
	j.endpoint = e.Endpoint
	g.finishJoin(e.GuildID, j)
}

func (g *Gateway) onVoiceStateUpdate(s *discordgo.Session, e *discordgo.VoiceStateUpdate) {
	if g.UserID() != "" && e.UserID != g.UserID() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	j := g.joins[e.GuildID]
	if j == nil {
		return
	}
	j.sessionID = e.SessionID
	g.finishJoin(e.GuildID, j)
}

// finishJoin closes the waiter once credentials are complete.
// Callers hold g.mu.
func (g *Gateway) finishJoin(roomID string, j *voiceJoin) {
	if !j.complete() {
		return
	}
	select {
	case <-j.done:
	default:
		close(j.done)
		delete(g.joins, roomID)
	}
}

// RunPresence keeps the bot's activity set while the process runs.
func (g *Gateway) RunPresence(ctx context.Context) {
	g.setPresence()
	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.setPresence()
		}
	}
}

func (g *Gateway) setPresence() {
	if err := g.session.UpdateListeningStatus("Music"); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to update presence")
	}
}
