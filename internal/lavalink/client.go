// Package lavalink implements the playback backend against a Lavalink
// v4 node: a websocket for server-pushed events and a REST API for
// player control.
package lavalink

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mwynn/groovebox/internal/playback"
	"github.com/mwynn/groovebox/internal/track"
)

// Config holds node connection settings.
type Config struct {
	Address        string        // node host:port
	Password       string        // node password
	Secure         bool          // use wss/https
	UserID         string        // bot user id for the handshake
	ConnectTimeout time.Duration // voice join timeout
	HTTPClient     *http.Client  // optional, defaults to http.DefaultClient
}

// VoiceGateway is the piece of the chat gateway the node client needs:
// joining and leaving voice channels, and handing back the voice
// credentials Lavalink requires to stream into a room.
type VoiceGateway interface {
	JoinVoice(ctx context.Context, roomID, channelID string) (VoiceUpdate, error)
	LeaveVoice(ctx context.Context, roomID string) error
}

// VoiceUpdate carries the voice server credentials for one room.
type VoiceUpdate struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

// Client is a Lavalink v4 node client implementing playback.Backend.
type Client struct {
	cfg        Config
	voice      VoiceGateway
	logger     zerolog.Logger
	httpClient *http.Client
	restBase   string // overridable for tests

	events chan playback.Event

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	links     map[string]*link
}

// New creates a node client. Open must be called before use.
func New(cfg Config, voice VoiceGateway, logger zerolog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	scheme := "http"
	if cfg.Secure {
		scheme = "https"
	}

	return &Client{
		cfg:        cfg,
		voice:      voice,
		logger:     logger.With().Str("component", "lavalink").Logger(),
		httpClient: httpClient,
		restBase:   fmt.Sprintf("%s://%s", scheme, cfg.Address),
		events:     make(chan playback.Event, 64),
		links:      make(map[string]*link),
	}
}

// Open establishes the node websocket and waits for the ready payload.
func (c *Client) Open(ctx context.Context) error {
	scheme := "ws"
	if c.cfg.Secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: c.cfg.Address, Path: "/v4/websocket"}

	header := http.Header{}
	header.Set("Authorization", c.cfg.Password)
	header.Set("User-Id", c.cfg.UserID)
	header.Set("Client-Name", "groovebox/"+clientVersion)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("failed to dial node: %w", err)
	}

	// The node sends a ready op first, carrying the REST session id.
	var ready message
	if err := conn.ReadJSON(&ready); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read ready payload: %w", err)
	}
	if ready.Op != "ready" {
		conn.Close()
		return fmt.Errorf("unexpected first op %q from node", ready.Op)
	}

	c.mu.Lock()
	c.conn = conn
	c.sessionID = ready.SessionID
	c.mu.Unlock()

	c.logger.Info().Str("session", ready.SessionID).Str("node", c.cfg.Address).Msg("Connected to Lavalink node")

	go c.readLoop(conn)
	return nil
}

// Close tears down the websocket. Links become invalid.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Events implements playback.Backend.
func (c *Client) Events() <-chan playback.Event {
	return c.events
}

// readLoop consumes node pushes until the socket dies.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			c.logger.Error().Err(err).Msg("Node websocket closed")
			c.dropSocket(conn)
			return
		}
		c.handleMessage(msg)
	}
}

// dropSocket invalidates all links after a socket loss; sessions
// detect this lazily on their next backend call.
func (c *Client) dropSocket(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	conn.Close()
	for _, l := range c.links {
		l.invalidate()
	}
}

func (c *Client) handleMessage(msg message) {
	switch msg.Op {
	case "playerUpdate":
		c.mu.Lock()
		l := c.links[msg.GuildID]
		c.mu.Unlock()
		if l != nil && msg.State != nil {
			l.updateState(*msg.State)
		}
	case "event":
		c.handleEvent(msg)
	case "stats":
		// Periodic node stats, nothing to do with them yet.
	default:
		c.logger.Debug().Str("op", msg.Op).Msg("Unhandled node op")
	}
}

func (c *Client) handleEvent(msg message) {
	switch msg.Type {
	case "TrackEndEvent":
		if msg.Track == nil {
			return
		}
		ev := playback.Event{
			RoomID: msg.GuildID,
			Track:  msg.Track.toTrack(),
			Reason: msg.Reason,
		}
		// "replaced" ends are caused by our own Play on top of an
		// active track; the session already moved on.
		if msg.Reason == "replaced" {
			return
		}
		select {
		case c.events <- ev:
		default:
			c.logger.Warn().Str("room", msg.GuildID).Msg("Event buffer full, dropping track end")
		}
	case "WebSocketClosedEvent":
		c.logger.Warn().
			Str("room", msg.GuildID).
			Int("code", msg.Code).
			Msg("Voice websocket closed by Discord")
	case "TrackExceptionEvent", "TrackStuckEvent":
		c.logger.Warn().
			Str("room", msg.GuildID).
			Str("type", msg.Type).
			Msg("Track playback problem reported by node")
	}
}

// Connect implements playback.Backend. It asks the chat gateway to
// join the voice channel, bounded by the configured timeout, then
// binds the resulting voice credentials to a node player.
func (c *Client) Connect(ctx context.Context, roomID, channelID string) (playback.Link, error) {
	c.mu.Lock()
	ready := c.conn != nil
	c.mu.Unlock()
	if !ready {
		// Socket was lost; try to re-establish before joining voice.
		if err := c.Open(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s", playback.ErrConnection, err)
		}
	}

	joinCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	vu, err := c.voice.JoinVoice(joinCtx, roomID, channelID)
	if err != nil {
		if joinCtx.Err() != nil {
			return nil, playback.ErrConnectionTimeout
		}
		return nil, fmt.Errorf("%w: %s", playback.ErrConnection, err)
	}

	l := &link{client: c, roomID: roomID, channelID: channelID}
	if err := l.sendVoiceUpdate(ctx, vu); err != nil {
		return nil, fmt.Errorf("%w: %s", playback.ErrConnection, err)
	}

	c.mu.Lock()
	if old, ok := c.links[roomID]; ok {
		old.invalidate()
	}
	c.links[roomID] = l
	c.mu.Unlock()

	return l, nil
}

// Resolve implements playback.Backend. Bare queries go through
// YouTube search; URLs are loaded directly.
func (c *Client) Resolve(ctx context.Context, query string) ([]track.Track, error) {
	identifier := query
	if !strings.HasPrefix(query, "http://") && !strings.HasPrefix(query, "https://") {
		identifier = "ytsearch:" + query
	}

	var result loadResult
	path := "/v4/loadtracks?identifier=" + url.QueryEscape(identifier)
	if err := c.rest(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	return result.tracks()
}

const clientVersion = "1.0.0"
