package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

const (
	// maxTitleWidth bounds track titles in listings so embeds stay tidy.
	maxTitleWidth = 60

	// progressSegments is the number of segments in the position bar.
	progressSegments = 20
)

// fmtDuration renders a duration as M:SS.
func fmtDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%d:%02d", int(d/time.Minute), int(d/time.Second)%60)
}

// progressBar renders a 20-segment position indicator with a knob at
// the current position.
func progressBar(pos, dur time.Duration) string {
	progress := 0
	if dur > 0 {
		progress = int(int64(pos) * progressSegments / int64(dur))
	}
	if progress < 0 {
		progress = 0
	}
	if progress > progressSegments {
		progress = progressSegments
	}
	return strings.Repeat("▬", progress) + "🔘" + strings.Repeat("▬", progressSegments-progress)
}

// truncateTitle shortens a title to the display width, ellipsized.
// Width-aware so CJK and emoji titles don't blow past the budget.
func truncateTitle(title string) string {
	return runewidth.Truncate(title, maxTitleWidth, "…")
}
