package lavalink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mwynn/groovebox/internal/playback"
	"github.com/mwynn/groovebox/internal/track"
)

// message is the envelope for everything the node pushes on the socket.
type message struct {
	Op        string       `json:"op"`
	SessionID string       `json:"sessionId,omitempty"` // ready
	Resumed   bool         `json:"resumed,omitempty"`
	GuildID   string       `json:"guildId,omitempty"`
	State     *playerState `json:"state,omitempty"` // playerUpdate
	Type      string       `json:"type,omitempty"`  // event
	Track     *apiTrack    `json:"track,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Code      int          `json:"code,omitempty"` // WebSocketClosedEvent
}

// playerState is the periodic position report inside a playerUpdate.
type playerState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int64 `json:"ping"`
}

// apiTrack is Lavalink's track representation.
type apiTrack struct {
	Encoded string       `json:"encoded"`
	Info    apiTrackInfo `json:"info"`
}

type apiTrackInfo struct {
	Title    string `json:"title"`
	Author   string `json:"author"`
	Length   int64  `json:"length"` // millis
	URI      string `json:"uri"`
	IsStream bool   `json:"isStream"`
}

func (t apiTrack) toTrack() track.Track {
	return track.Track{
		Title:    t.Info.Title,
		Duration: time.Duration(t.Info.Length) * time.Millisecond,
		Locator:  t.Encoded,
	}
}

// loadResult is the /v4/loadtracks response envelope; the shape of
// data depends on loadType.
type loadResult struct {
	LoadType string          `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

type playlistData struct {
	Tracks []apiTrack `json:"tracks"`
}

type loadError struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// tracks flattens the load result into resolved tracks, best match
// first, or ErrNoResults.
func (r loadResult) tracks() ([]track.Track, error) {
	switch r.LoadType {
	case "track":
		var t apiTrack
		if err := json.Unmarshal(r.Data, &t); err != nil {
			return nil, fmt.Errorf("failed to decode track result: %w", err)
		}
		return []track.Track{t.toTrack()}, nil
	case "search":
		var ts []apiTrack
		if err := json.Unmarshal(r.Data, &ts); err != nil {
			return nil, fmt.Errorf("failed to decode search result: %w", err)
		}
		if len(ts) == 0 {
			return nil, playback.ErrNoResults
		}
		out := make([]track.Track, len(ts))
		for i, t := range ts {
			out[i] = t.toTrack()
		}
		return out, nil
	case "playlist":
		var pd playlistData
		if err := json.Unmarshal(r.Data, &pd); err != nil {
			return nil, fmt.Errorf("failed to decode playlist result: %w", err)
		}
		if len(pd.Tracks) == 0 {
			return nil, playback.ErrNoResults
		}
		out := make([]track.Track, len(pd.Tracks))
		for i, t := range pd.Tracks {
			out[i] = t.toTrack()
		}
		return out, nil
	case "empty":
		return nil, playback.ErrNoResults
	case "error":
		var le loadError
		if err := json.Unmarshal(r.Data, &le); err != nil {
			return nil, fmt.Errorf("track load failed")
		}
		return nil, fmt.Errorf("track load failed: %s", le.Message)
	default:
		return nil, fmt.Errorf("unknown load type %q", r.LoadType)
	}
}

// playerUpdateRequest is the PATCH body for player mutations. Only
// set fields are sent; an explicit null track stops the player.
type playerUpdateRequest struct {
	Track  *playerTrack `json:"track,omitempty"`
	Paused *bool        `json:"paused,omitempty"`
	Voice  *VoiceUpdate `json:"voice,omitempty"`
}

type playerTrack struct {
	Encoded *string `json:"encoded"`
}
