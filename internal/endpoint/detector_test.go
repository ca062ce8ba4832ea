package endpoint

import (
	"errors"
	"testing"
	"time"

	"github.com/auricleai/auricle/internal/vad"
)

// loudModel scores a window 1.0 when any sample exceeds 0.1 in magnitude.
type loudModel struct{}

func (loudModel) Probability(window []float32) float32 {
	for _, s := range window {
		if s > 0.1 || s < -0.1 {
			return 1
		}
	}
	return 0
}

func (loudModel) Reset() {}

// synthesize builds durationMs of silence with the given spans (in ms) set
// to a constant 0.5 amplitude.
func synthesize(durationMs int, speechSpansMs [][2]int) []float32 {
	samples := make([]float32, durationMs*vad.DefaultSampleRate/1000)
	for _, span := range speechSpansMs {
		start := span[0] * vad.DefaultSampleRate / 1000
		end := span[1] * vad.DefaultSampleRate / 1000
		for i := start; i < end && i < len(samples); i++ {
			samples[i] = 0.5
		}
	}
	return samples
}

func newTestDetector(t *testing.T, timeoutSeconds int, startTime time.Time) *Detector {
	t.Helper()
	v, err := vad.NewDetector(vad.DefaultConfig(), loudModel{}, nil)
	if err != nil {
		t.Fatalf("vad.NewDetector() error = %v", err)
	}
	cfg := DefaultConfig()
	cfg.TimeoutSeconds = timeoutSeconds
	d, err := NewDetector(cfg, startTime, v)
	if err != nil {
		t.Fatalf("NewDetector() error = %v", err)
	}
	return d
}

func within(got, want time.Time, tolerance time.Duration) bool {
	diff := got.Sub(want)
	return diff >= -tolerance && diff <= tolerance
}

func TestDetectorSilenceBelowTimeout(t *testing.T) {
	// Two utterances separated by four minutes with a five minute timeout
	// belong to one conversation.
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	samples := synthesize(247000, [][2]int{{1000, 3000}, {243000, 245000}})

	d := newTestDetector(t, 300, start)
	conversations, err := d.Consume(samples, true)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	if len(conversations) != 1 {
		t.Fatalf("got %d conversations, want 1: %+v", len(conversations), conversations)
	}
	c := conversations[0]
	if len(c.UUID) != 32 {
		t.Errorf("uuid = %q, want 32 hex characters", c.UUID)
	}
	tolerance := 100 * time.Millisecond
	if !within(c.Endpoints.Start, start.Add(1*time.Second), tolerance) {
		t.Errorf("start = %v, want about %v", c.Endpoints.Start, start.Add(1*time.Second))
	}
	if !within(c.Endpoints.End, start.Add(245*time.Second), tolerance) {
		t.Errorf("end = %v, want about %v", c.Endpoints.End, start.Add(245*time.Second))
	}
}

func TestDetectorSilenceExceedsTimeout(t *testing.T) {
	// Six minutes of silence with a five minute timeout splits the stream
	// into two conversations, each hugging its own utterance.
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	samples := synthesize(370000, [][2]int{{1000, 3000}, {363000, 365000}})

	d := newTestDetector(t, 300, start)
	conversations, err := d.Consume(samples, true)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	if len(conversations) != 2 {
		t.Fatalf("got %d conversations, want 2: %+v", len(conversations), conversations)
	}

	tolerance := 100 * time.Millisecond
	first, second := conversations[0], conversations[1]
	if !within(first.Endpoints.End, start.Add(3*time.Second), tolerance) {
		t.Errorf("first end = %v, want about %v", first.Endpoints.End, start.Add(3*time.Second))
	}
	if !within(second.Endpoints.Start, start.Add(363*time.Second), tolerance) {
		t.Errorf("second start = %v, want about %v", second.Endpoints.Start, start.Add(363*time.Second))
	}
	if first.UUID == second.UUID {
		t.Error("conversations share a uuid")
	}

	gap := second.Endpoints.Start.Sub(first.Endpoints.End)
	if gap < 300*time.Second {
		t.Errorf("gap between conversations = %v, want at least 300s", gap)
	}
}

// Feeding the stream in chunks must produce the same conversations as a
// single call.
func TestDetectorIncrementalEquivalence(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	samples := synthesize(247000, [][2]int{{1000, 3000}, {243000, 245000}})

	whole := newTestDetector(t, 300, start)
	want, err := whole.Consume(samples, true)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	chunked := newTestDetector(t, 300, start)
	var got []DetectedConversation
	chunkSize := len(samples)/10 + 1
	for offset := 0; offset < len(samples); offset += chunkSize {
		end := min(offset+chunkSize, len(samples))
		conversations, err := chunked.Consume(samples[offset:end], end == len(samples))
		if err != nil {
			t.Fatalf("Consume() error = %v", err)
		}
		got = append(got, conversations...)
	}

	if len(got) != len(want) {
		t.Fatalf("got %d conversations, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Endpoints != want[i].Endpoints {
			t.Errorf("conversation[%d] endpoints = %+v, want %+v", i, got[i].Endpoints, want[i].Endpoints)
		}
	}
}

func TestDetectorIdleTimeout(t *testing.T) {
	// A conversation left open is closed mid-stream once enough silence has
	// been processed, without waiting for end of stream.
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	d := newTestDetector(t, 10, start)
	conversations, err := d.Consume(synthesize(2000, [][2]int{{0, 1000}}), false)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if len(conversations) != 0 {
		t.Fatalf("conversation closed too early: %+v", conversations)
	}
	if d.InProgress() == nil {
		t.Fatal("InProgress() = nil, want open conversation")
	}

	conversations, err = d.Consume(synthesize(15000, nil), false)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if len(conversations) != 1 {
		t.Fatalf("got %d conversations after idle silence, want 1", len(conversations))
	}
	if d.InProgress() != nil {
		t.Errorf("InProgress() = %+v after close, want nil", d.InProgress())
	}

	tolerance := 100 * time.Millisecond
	if !within(conversations[0].Endpoints.End, start.Add(1*time.Second), tolerance) {
		t.Errorf("end = %v, want about %v", conversations[0].Endpoints.End, start.Add(1*time.Second))
	}
}

func TestDetectorInProgressGrows(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	d := newTestDetector(t, 300, start)
	if _, err := d.Consume(synthesize(3000, [][2]int{{0, 2500}}), false); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	first := d.InProgress()
	if first == nil {
		t.Fatal("InProgress() = nil, want open conversation")
	}

	if _, err := d.Consume(synthesize(3000, [][2]int{{0, 2500}}), false); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	second := d.InProgress()
	if second == nil {
		t.Fatal("InProgress() = nil after more speech")
	}
	if second.UUID != first.UUID {
		t.Errorf("uuid changed from %q to %q within one conversation", first.UUID, second.UUID)
	}
	if !second.Endpoints.End.After(first.Endpoints.End) {
		t.Errorf("end did not grow: %v then %v", first.Endpoints.End, second.Endpoints.End)
	}
}

func TestDetectorSingleUse(t *testing.T) {
	d := newTestDetector(t, 300, time.Now())
	if _, err := d.Consume(synthesize(1000, nil), true); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if _, err := d.Consume(nil, false); !errors.Is(err, ErrStreamEnded) {
		t.Errorf("Consume() after end error = %v, want ErrStreamEnded", err)
	}
}
