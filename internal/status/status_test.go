package status

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dobachi/omni-meeting-recorder/internal/session"
)

type fixedState struct {
	st session.State
}

func (f fixedState) State() session.State { return f.st }

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{59 * time.Second, "00:00:59"},
		{61*time.Second + 900*time.Millisecond, "00:01:01"},
		{3*time.Hour + 25*time.Minute + 7*time.Second, "03:25:07"},
		{-time.Second, "00:00:00"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v): expected %q, got %q", tt.d, tt.want, got)
		}
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0.0 B"},
		{1023, "1023.0 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 << 30, "3.0 GB"},
		{2 << 40, "2.0 TB"},
	}
	for _, tt := range tests {
		if got := FormatSize(tt.n); got != tt.want {
			t.Errorf("FormatSize(%d): expected %q, got %q", tt.n, tt.want, got)
		}
	}
}

func TestLineTransitions(t *testing.T) {
	r := New(&bytes.Buffer{}, zerolog.Nop())
	if got := r.Line(); got != "🟢 IDLE" {
		t.Fatalf("unexpected idle line %q", got)
	}

	start := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return start.Add(83 * time.Second) }
	r.Watch(fixedState{session.State{
		Mode:          session.ModeBoth,
		StartedAt:     start,
		BytesRecorded: 2048,
		MicGain:       2,
		LoopbackGain:  1,
	}})
	r.update("recording", nil)

	line := r.Line()
	for _, want := range []string{"🔴 RECORDING", "00:01:23", "2.0 KB", "Mic + System Audio", "mic x2.0"} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %q in %q", want, line)
		}
	}

	r.SetError(errors.New("device lost"))
	if line := r.Line(); !strings.Contains(line, "ERROR") || !strings.Contains(line, "device lost") {
		t.Fatalf("unexpected error line %q", line)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunRedrawsUntilCancelled(t *testing.T) {
	out := &syncBuffer{}
	r := New(out, zerolog.Nop())
	r.interval = time.Millisecond
	r.SetStopping()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	s := out.String()
	if strings.Count(s, "STOPPING") < 2 {
		t.Fatalf("expected repeated redraws, got %q", s)
	}
	if !strings.HasSuffix(s, "\n") {
		t.Fatal("expected final newline")
	}
}

func TestSummary(t *testing.T) {
	start := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	got := Summary(session.State{StartedAt: start, BytesRecorded: 1024, OutputPath: "a.wav"}, start.Add(time.Hour))
	if !strings.Contains(got, "01:00:00") || !strings.Contains(got, "1.0 KB") || !strings.Contains(got, "a.wav") {
		t.Fatalf("unexpected summary %q", got)
	}
}
