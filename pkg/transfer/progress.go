// Package transfer holds the progress accounting shared by the datagram and
// relay transports.
package transfer

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Progress represents transfer progress.
type Progress struct {
	FileName       string
	FileSize       int64 // -1 when unknown
	BytesDone      int64
	Packets        int
	StartTime      time.Time
	LastUpdateTime time.Time
	BytesPerSecond float64
}

// Percent returns the completion percentage.
func (p *Progress) Percent() float64 {
	if p.FileSize <= 0 {
		return 0
	}
	return float64(p.BytesDone) / float64(p.FileSize) * 100
}

// ETA returns estimated time remaining.
func (p *Progress) ETA() time.Duration {
	if p.BytesPerSecond <= 0 || p.FileSize <= 0 {
		return 0
	}
	remaining := p.FileSize - p.BytesDone
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / p.BytesPerSecond * float64(time.Second))
}

// ProgressCallback is called with transfer progress updates.
type ProgressCallback func(Progress)

// Tracker accumulates progress and reports each update. Safe for
// concurrent use.
type Tracker struct {
	mu         sync.Mutex
	progress   Progress
	onProgress ProgressCallback
}

// NewTracker starts tracking a transfer of size bytes. onProgress may be nil.
func NewTracker(name string, size int64, onProgress ProgressCallback) *Tracker {
	now := time.Now()
	return &Tracker{
		progress: Progress{
			FileName:       name,
			FileSize:       size,
			StartTime:      now,
			LastUpdateTime: now,
		},
		onProgress: onProgress,
	}
}

// Add records n more bytes in one packet or frame and reports the
// cumulative total.
func (t *Tracker) Add(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.progress.BytesDone += int64(n)
	t.progress.Packets++
	t.progress.LastUpdateTime = time.Now()
	elapsed := t.progress.LastUpdateTime.Sub(t.progress.StartTime).Seconds()
	if elapsed > 0 {
		t.progress.BytesPerSecond = float64(t.progress.BytesDone) / elapsed
	}

	if t.onProgress != nil {
		t.onProgress(t.progress)
	}
}

// SetFile updates the name and size once they are known.
func (t *Tracker) SetFile(name string, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.FileName = name
	t.progress.FileSize = size
}

// Snapshot returns the current progress.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// FormatBytes returns a human-readable byte size.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration returns a human-readable duration.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// --- Progress Bar ---

// ProgressBar renders a plain-text progress line for logs and
// non-interactive terminals.
type ProgressBar struct {
	width int
}

// NewProgressBar creates a new progress bar with the given width.
func NewProgressBar(width int) *ProgressBar {
	if width <= 0 {
		width = 40
	}
	return &ProgressBar{width: width}
}

// Render returns the progress bar string.
func (pb *ProgressBar) Render(p Progress) string {
	percent := p.Percent()
	filled := int(percent / 100 * float64(pb.width))
	if filled > pb.width {
		filled = pb.width
	}

	var bar strings.Builder
	bar.WriteString(strings.Repeat("█", filled))
	bar.WriteString(strings.Repeat("░", pb.width-filled))

	size := "?"
	if p.FileSize >= 0 {
		size = FormatBytes(p.FileSize)
	}

	eta := ""
	if p.BytesPerSecond > 0 && p.FileSize > 0 && p.BytesDone < p.FileSize {
		eta = fmt.Sprintf(" ETA: %s", FormatDuration(p.ETA()))
	}

	speed := ""
	if p.BytesPerSecond > 0 {
		speed = fmt.Sprintf(" %s/s", FormatBytes(int64(p.BytesPerSecond)))
	}

	return fmt.Sprintf("[%s] %.1f%% %s/%s%s%s",
		bar.String(),
		percent,
		FormatBytes(p.BytesDone),
		size,
		speed,
		eta,
	)
}
