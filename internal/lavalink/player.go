package lavalink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mwynn/groovebox/internal/playback"
	"github.com/mwynn/groovebox/internal/track"
)

// link is one room's player on the node, implementing playback.Link.
type link struct {
	client    *Client
	roomID    string
	channelID string

	mu         sync.Mutex
	invalid    bool
	playing    bool
	paused     bool
	lastPos    time.Duration
	lastUpdate time.Time
}

func (l *link) RoomID() string { return l.roomID }

func (l *link) ChannelID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channelID
}

func (l *link) MoveTo(ctx context.Context, channelID string) error {
	if err := l.valid(); err != nil {
		return err
	}

	joinCtx, cancel := context.WithTimeout(ctx, l.client.cfg.ConnectTimeout)
	defer cancel()

	vu, err := l.client.voice.JoinVoice(joinCtx, l.roomID, channelID)
	if err != nil {
		if joinCtx.Err() != nil {
			return playback.ErrConnectionTimeout
		}
		return fmt.Errorf("%w: %s", playback.ErrConnection, err)
	}
	if err := l.sendVoiceUpdate(ctx, vu); err != nil {
		return err
	}

	l.mu.Lock()
	l.channelID = channelID
	l.mu.Unlock()
	return nil
}

func (l *link) Play(ctx context.Context, t track.Track) error {
	if err := l.valid(); err != nil {
		return err
	}

	encoded := t.Locator
	body := playerUpdateRequest{Track: &playerTrack{Encoded: &encoded}}
	if err := l.update(ctx, body); err != nil {
		return err
	}

	l.mu.Lock()
	l.playing = true
	l.paused = false
	l.lastPos = 0
	l.lastUpdate = time.Now()
	l.mu.Unlock()
	return nil
}

func (l *link) Stop(ctx context.Context) error {
	if err := l.valid(); err != nil {
		return err
	}

	body := playerUpdateRequest{Track: &playerTrack{Encoded: nil}}
	if err := l.update(ctx, body); err != nil {
		return err
	}

	l.mu.Lock()
	l.playing = false
	l.mu.Unlock()
	return nil
}

func (l *link) SetPaused(ctx context.Context, paused bool) error {
	if err := l.valid(); err != nil {
		return err
	}

	body := playerUpdateRequest{Paused: &paused}
	if err := l.update(ctx, body); err != nil {
		return err
	}

	l.mu.Lock()
	l.paused = paused
	l.lastUpdate = time.Now()
	l.mu.Unlock()
	return nil
}

// Position extrapolates from the node's last playerUpdate so callers
// get a live value between the ~5s report intervals.
func (l *link) Position(ctx context.Context) (time.Duration, error) {
	if err := l.valid(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	pos := l.lastPos
	if l.playing && !l.paused && !l.lastUpdate.IsZero() {
		pos += time.Since(l.lastUpdate)
	}
	return pos, nil
}

func (l *link) Disconnect(ctx context.Context) error {
	if err := l.valid(); err != nil {
		return err
	}

	path := fmt.Sprintf("/v4/sessions/%s/players/%s", l.client.session(), l.roomID)
	err := l.client.rest(ctx, http.MethodDelete, path, nil, nil)

	l.invalidate()
	l.client.forget(l)

	if lerr := l.client.voice.LeaveVoice(ctx, l.roomID); lerr != nil {
		l.client.logger.Warn().Err(lerr).Str("room", l.roomID).Msg("Failed to leave voice channel")
	}
	return err
}

func (l *link) sendVoiceUpdate(ctx context.Context, vu VoiceUpdate) error {
	return l.update(ctx, playerUpdateRequest{Voice: &vu})
}

func (l *link) update(ctx context.Context, body playerUpdateRequest) error {
	path := fmt.Sprintf("/v4/sessions/%s/players/%s?noReplace=false", l.client.session(), l.roomID)
	return l.client.rest(ctx, http.MethodPatch, path, body, nil)
}

func (l *link) updateState(st playerState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastPos = time.Duration(st.Position) * time.Millisecond
	l.lastUpdate = time.Now()
	if !st.Connected {
		l.invalid = true
	}
}

func (l *link) valid() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.invalid {
		return playback.ErrLinkInvalid
	}
	return nil
}

func (l *link) invalidate() {
	l.mu.Lock()
	l.invalid = true
	l.mu.Unlock()
}

func (c *Client) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// forget removes a link from the room map if it is still the one
// registered there.
func (c *Client) forget(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.links[l.roomID] == l {
		delete(c.links, l.roomID)
	}
}

// rest performs one REST call against the node. A 404 on a player
// path means the session or player is gone, which surfaces as an
// invalid link to the caller.
func (c *Client) rest(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.restBase+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", c.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("node request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return playback.ErrLinkInvalid
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("node returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
