// package format renders task progress as human-readable text: byte sizes,
// speeds, durations, and progress bars shared by CLI output and chat captions.
package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/desertthunder/mirrorbot/internal/models"
)

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// Size formats a byte count as a compact human-readable string.
func Size(bytes int64) string {
	if bytes <= 0 {
		return "0B"
	}

	value := float64(bytes)
	index := 0
	for value >= 1024 && index < len(sizeUnits)-1 {
		value /= 1024
		index++
	}

	return fmt.Sprintf("%.2f%s", value, sizeUnits[index])
}

// Speed formats a bytes-per-second rate.
func Speed(bytesPerSec int64) string {
	if bytesPerSec <= 0 {
		return "0B/s"
	}
	return Size(bytesPerSec) + "/s"
}

// Duration formats a duration as compact "1d2h3m4s" with zero components
// omitted. Sub-second durations render as "0s".
func Duration(d time.Duration) string {
	seconds := int64(d.Seconds())
	if seconds <= 0 {
		return "0s"
	}

	periods := []struct {
		name string
		secs int64
	}{
		{"d", 86400},
		{"h", 3600},
		{"m", 60},
		{"s", 1},
	}

	var b strings.Builder
	for _, p := range periods {
		if seconds >= p.secs {
			b.WriteString(fmt.Sprintf("%d%s", seconds/p.secs, p.name))
			seconds %= p.secs
		}
	}
	return b.String()
}

// Bar renders a 20-cell progress bar for a 0-100 percentage. Unknown
// progress (negative pct) renders as an indeterminate bar.
func Bar(pct float64) string {
	const width = 20

	if pct < 0 {
		return strings.Repeat("░", width)
	}
	if pct > 100 {
		pct = 100
	}

	filled := int(pct / 100 * width)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// ETA formats an estimated completion duration, or a dash when unknown.
func ETA(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return Duration(d)
}

// TaskLine renders a one-line summary of a task for list output.
func TaskLine(t *models.Task) string {
	switch {
	case t.State.IsActive():
		return fmt.Sprintf("%s  %-11s %s  %s/%s @ %s eta %s",
			t.ID[:8], t.State, t.DisplayName(),
			Size(t.Progress.Transferred), totalOrUnknown(t.Progress.Total),
			Speed(t.Progress.Rate), ETA(t.Progress.ETA))
	case t.State == models.StateFailed && t.Err != nil:
		return fmt.Sprintf("%s  %-11s %s  (%s)", t.ID[:8], t.State, t.DisplayName(), t.Err.Message)
	default:
		return fmt.Sprintf("%s  %-11s %s", t.ID[:8], t.State, t.DisplayName())
	}
}

// TaskSummary renders a multi-line task report used for terminal-state chat
// captions and the status command.
func TaskSummary(t *models.Task) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Name: %s\n", t.DisplayName())
	fmt.Fprintf(&b, "State: %s\n", t.State)
	fmt.Fprintf(&b, "Source: %s (%s)\n", t.Source.Ref, t.Source.Kind)
	fmt.Fprintf(&b, "Destination: %s (%s)\n", t.Destination.Target, t.Destination.Kind)

	if t.State.IsActive() {
		fmt.Fprintf(&b, "%s %.1f%%\n", Bar(t.Progress.Percent()), max(t.Progress.Percent(), 0))
		fmt.Fprintf(&b, "Processed: %s of %s\n", Size(t.Progress.Transferred), totalOrUnknown(t.Progress.Total))
		fmt.Fprintf(&b, "Speed: %s | ETA: %s\n", Speed(t.Progress.Rate), ETA(t.Progress.ETA))
	}
	if t.Attempt > 0 {
		fmt.Fprintf(&b, "Attempts: %d\n", t.Attempt)
	}
	if t.Err != nil {
		fmt.Fprintf(&b, "Error: %s\n", t.Err.Message)
	}
	if !t.CompletedAt.IsZero() {
		fmt.Fprintf(&b, "Elapsed: %s\n", Duration(t.CompletedAt.Sub(t.CreatedAt)))
	}

	return b.String()
}

func totalOrUnknown(total int64) string {
	if total <= 0 {
		return "?"
	}
	return Size(total)
}
