package track

import "time"

// Track is an immutable reference to a playable item resolved from a
// search query. Locator is the backend's opaque handle for the item
// (for Lavalink, the encoded track string).
type Track struct {
	Title    string        `json:"title"`
	Duration time.Duration `json:"duration"`
	Locator  string        `json:"locator"`
}

// Same reports whether two tracks refer to the same playable item.
// Tracks have no identity beyond value equality.
func Same(a, b Track) bool {
	return a.Locator == b.Locator && a.Title == b.Title
}
