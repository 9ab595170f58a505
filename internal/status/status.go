// Package status renders a live one-line recording status to a terminal.
package status

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dobachi/omni-meeting-recorder/internal/session"
)

// RefreshInterval is how often the status line is redrawn.
const RefreshInterval = 500 * time.Millisecond

// Snapshotter is the part of a session the reporter reads.
type Snapshotter interface {
	State() session.State
}

// Reporter implements session.StatusUpdater and redraws the status line
// while a session records.
type Reporter struct {
	out      io.Writer
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	status string
	source Snapshotter
	err    error
}

func New(out io.Writer, log zerolog.Logger) *Reporter {
	return &Reporter{
		out:      out,
		interval: RefreshInterval,
		log:      log,
		now:      time.Now,
		status:   "idle",
	}
}

// Status update methods for the session to call
func (r *Reporter) SetIdle() {
	r.update("idle", nil)
}

func (r *Reporter) SetRecording(s *session.Session) {
	if s != nil {
		r.Watch(s)
	}
	r.update("recording", nil)
}

func (r *Reporter) SetStopping() {
	r.update("stopping", nil)
}

func (r *Reporter) SetError(err error) {
	r.update("error", err)
}

func (r *Reporter) update(status string, err error) {
	r.mu.Lock()
	r.status = status
	r.err = err
	r.mu.Unlock()
	r.log.Debug().Str("status", status).Msg("Status changed")
}

// Watch sets the snapshot source without changing the status.
func (r *Reporter) Watch(src Snapshotter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source = src
}

// Run redraws the status line until ctx is cancelled, then prints the
// final line followed by a newline.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.draw()
		select {
		case <-ctx.Done():
			r.draw()
			fmt.Fprintln(r.out)
			return
		case <-ticker.C:
		}
	}
}

func (r *Reporter) draw() {
	fmt.Fprintf(r.out, "\r\033[K%s", r.Line())
}

// Line renders the current status.
func (r *Reporter) Line() string {
	r.mu.Lock()
	status, src, err := r.status, r.source, r.err
	r.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", emojiForStatus(status), strings.ToUpper(status))
	if src == nil {
		return b.String()
	}

	st := src.State()
	elapsed := time.Duration(0)
	if !st.StartedAt.IsZero() {
		elapsed = r.now().Sub(st.StartedAt)
	}
	fmt.Fprintf(&b, "  %s  %s  %s", FormatDuration(elapsed), FormatSize(st.BytesRecorded), modeText(st.Mode))
	if st.OutputPath != "" {
		fmt.Fprintf(&b, "  -> %s", st.OutputPath)
	}
	if st.Mode == session.ModeBoth {
		fmt.Fprintf(&b, "  gain mic x%.1f sys x%.1f", st.MicGain, st.LoopbackGain)
	}
	if err != nil {
		fmt.Fprintf(&b, "  %v", err)
	}
	return b.String()
}

// Summary is printed once a session has finished.
func Summary(st session.State, end time.Time) string {
	return fmt.Sprintf("Duration: %s\nSize:     %s\nSaved to: %s",
		FormatDuration(end.Sub(st.StartedAt)), FormatSize(st.BytesRecorded), st.OutputPath)
}

// FormatDuration renders d as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}

// FormatSize renders a byte count with one decimal in B, KB, MB, GB or TB.
func FormatSize(n int64) string {
	size := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if size < 1024 {
			return fmt.Sprintf("%.1f %s", size, unit)
		}
		size /= 1024
	}
	return fmt.Sprintf("%.1f TB", size)
}

func modeText(m session.Mode) string {
	switch m {
	case session.ModeMic:
		return "Microphone"
	case session.ModeBoth:
		return "Mic + System Audio"
	default:
		return "System Audio (Loopback)"
	}
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(status string) string {
	switch status {
	case "recording":
		return "🔴"
	case "stopping":
		return "🟡"
	case "error":
		return "⚪️"
	default:
		return "🟢"
	}
}
