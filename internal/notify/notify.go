// Package notify defines the reply payload the core hands to the chat
// gateway. The gateway owns rendering and expiry enforcement; the core
// only supplies content plus an expiry hint.
package notify

import (
	"context"
	"time"
)

// Expiry hints. Zero means the reply should not be auto-removed.
const (
	// ExpiryError is for rejections and ephemeral confirmations.
	ExpiryError = 15 * time.Second

	// ExpiryShort is for transient confirmations like "Queued" or "Skipped".
	ExpiryShort = 2 * time.Minute

	// ExpiryLong is for queue listings that stay useful for a while.
	ExpiryLong = time.Hour

	// ExpiryPing is for the latency reply.
	ExpiryPing = time.Minute
)

// Field is one itemized name/value pair in a reply.
type Field struct {
	Name  string
	Value string
}

// Reply is a structured payload for one chat response.
type Reply struct {
	Title  string
	Body   string
	Fields []Field
	Expiry time.Duration
	Err    bool
}

// Notifier delivers replies into a chat channel.
type Notifier interface {
	Reply(ctx context.Context, channelID string, r Reply) error
}
