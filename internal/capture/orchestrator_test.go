package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/auricleai/auricle/internal/audio"
	"github.com/auricleai/auricle/internal/catalog"
	"github.com/auricleai/auricle/internal/endpoint"
	"github.com/auricleai/auricle/internal/tasks"
	"github.com/auricleai/auricle/internal/vad"
)

// loudModel scores a window 1.0 when any sample exceeds a small magnitude.
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

type recordedEvent struct {
	name    string
	payload any
}

// fakeNotifier records emitted events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *fakeNotifier) Emit(event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{name: event, payload: payload})
}

func (n *fakeNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.name
	}
	return out
}

// fakeProcessor records conversation uuids handed to it.
type fakeProcessor struct {
	mu    sync.Mutex
	uuids []string
	err   error
}

func (p *fakeProcessor) ProcessConversation(ctx context.Context, conversationUUID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uuids = append(p.uuids, conversationUUID)
	return p.err
}

func (p *fakeProcessor) processed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.uuids...)
}

type orchestratorFixture struct {
	orch      *Orchestrator
	store     *catalog.Store
	queue     *tasks.Queue
	notifier  *fakeNotifier
	processor *fakeProcessor
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	root := t.TempDir()
	store, err := catalog.NewStore(filepath.Join(root, "catalog.db"), nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	queue := tasks.NewQueue()
	notifier := &fakeNotifier{}
	processor := &fakeProcessor{}

	epCfg := endpoint.DefaultConfig()
	epCfg.TimeoutSeconds = 5
	orch := NewOrchestrator(NewDirectory(filepath.Join(root, "captures")), store, queue,
		vad.DefaultConfig(), epCfg, func() vad.Model { return loudModel{} }, nil, notifier, nil)
	orch.SetProcessor(processor)
	t.Cleanup(orch.Shutdown)

	return &orchestratorFixture{orch: orch, store: store, queue: queue, notifier: notifier, processor: processor}
}

// drain runs queued tasks synchronously until the queue is empty.
func (f *orchestratorFixture) drain(t *testing.T) {
	t.Helper()
	for {
		task, ok := f.queue.Pop()
		if !ok {
			return
		}
		if err := task.Run(context.Background()); err != nil {
			t.Fatalf("task %s error = %v", task.Name(), err)
		}
	}
}

// pcmChunk builds durationMs of raw 16-bit PCM with the given spans (ms)
// set to a loud constant value.
func pcmChunk(durationMs int, speechSpansMs [][2]int) []byte {
	samples := make([]int16, durationMs*vad.DefaultSampleRate/1000)
	for _, span := range speechSpansMs {
		start := span[0] * vad.DefaultSampleRate / 1000
		end := span[1] * vad.DefaultSampleRate / 1000
		for i := start; i < end && i < len(samples); i++ {
			samples[i] = 16000
		}
	}
	return audio.SamplesToBytes(samples)
}

// wavDuration reads a wav file and returns its duration in seconds.
func wavDuration(t *testing.T, path string) float64 {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	duration, err := audio.GetWAVDuration(data)
	if err != nil {
		t.Fatalf("GetWAVDuration() error = %v", err)
	}
	return duration
}

const testCaptureUUID = "0123456789abcdef0123456789abcdef"

func TestBeginIsIdempotent(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	first, err := f.orch.Begin(ctx, testCaptureUUID, "wav", start, "apple_watch")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	second, err := f.orch.Begin(ctx, testCaptureUUID, "wav", start, "apple_watch")
	if err != nil {
		t.Fatalf("Begin() second call error = %v", err)
	}
	if first.ID != second.ID || first.Filepath != second.Filepath {
		t.Errorf("Begin() returned different captures: %+v vs %+v", first, second)
	}
	if _, err := f.store.GetCaptureByUUID(ctx, testCaptureUUID); err != nil {
		t.Errorf("capture row missing after Begin: %v", err)
	}
}

func TestAppendDetectsAndFinalizeCompletes(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	capture, err := f.orch.Begin(ctx, testCaptureUUID, "wav", start, "apple_watch")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	// Speech at 1-3s opens a conversation but does not complete it.
	if err := f.orch.Append(ctx, testCaptureUUID, pcmChunk(4000, [][2]int{{1000, 3000}})); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	f.drain(t)

	conv, err := f.store.LatestCapturingConversation(ctx, testCaptureUUID)
	if err != nil {
		t.Fatalf("no capturing conversation after speech chunk: %v", err)
	}
	if conv.State != catalog.StateCapturing {
		t.Errorf("conversation state = %s, want CAPTURING", conv.State)
	}
	found := false
	for _, name := range f.notifier.names() {
		if name == "new_conversation" {
			found = true
		}
	}
	if !found {
		t.Error("no new_conversation event emitted")
	}
	if got := f.processor.processed(); len(got) != 0 {
		t.Errorf("processor invoked before capture finished: %v", got)
	}

	// Capture file covers the appended audio.
	duration := wavDuration(t, capture.Filepath)
	if duration < 3.9 || duration > 4.1 {
		t.Errorf("capture duration = %.2fs, want ~4s", duration)
	}

	// Finalizing flushes the open conversation through extraction and
	// processing.
	if err := f.orch.Finalize(ctx, testCaptureUUID); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	f.drain(t)

	full, err := f.store.GetConversation(ctx, conv.ConversationUUID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if full.EndTime == nil {
		t.Error("conversation end time not recorded")
	}
	if full.Segment == nil {
		t.Fatal("conversation segment not loaded")
	}
	segDuration := wavDuration(t, full.Segment.Filepath)
	if segDuration < 1.5 || segDuration > 3.0 {
		t.Errorf("segment duration = %.2fs, want roughly the speech span", segDuration)
	}
	if got := f.processor.processed(); len(got) != 1 || got[0] != conv.ConversationUUID {
		t.Errorf("processor received %v, want [%s]", got, conv.ConversationUUID)
	}
}

func TestAppendWithoutSessionFails(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	err := f.orch.Append(ctx, "deadbeefdeadbeefdeadbeefdeadbeef", []byte{0, 0})
	if !errors.Is(err, ErrNoSession) {
		t.Errorf("Append() on unknown capture error = %v, want ErrNoSession", err)
	}
}

func TestSessionNotRecreatedAfterRestart(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	capture, err := f.orch.Begin(ctx, testCaptureUUID, "wav", start, "apple_watch")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	// A new orchestrator over the same catalog models a restart: the row
	// survives but the in-memory detection session does not.
	restarted := NewOrchestrator(NewDirectory(filepath.Dir(capture.Filepath)), f.store, f.queue,
		vad.DefaultConfig(), endpoint.DefaultConfig(), func() vad.Model { return loudModel{} }, nil, nil, nil)
	t.Cleanup(restarted.Shutdown)

	err = restarted.Append(ctx, testCaptureUUID, pcmChunk(100, nil))
	if !errors.Is(err, ErrNoSession) {
		t.Errorf("Append() after restart error = %v, want ErrNoSession", err)
	}
	if err := restarted.Finalize(ctx, testCaptureUUID); !errors.Is(err, ErrNoSession) {
		t.Errorf("Finalize() after restart error = %v, want ErrNoSession", err)
	}
}

func TestFinalizeTearsDownWorker(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	if _, err := f.orch.Begin(ctx, testCaptureUUID, "wav", start, "apple_watch"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := f.orch.Finalize(ctx, testCaptureUUID); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	f.drain(t)

	if err := f.orch.Append(ctx, testCaptureUUID, []byte{0, 0}); !errors.Is(err, ErrNoSession) {
		t.Errorf("Append() after Finalize error = %v, want ErrNoSession", err)
	}
}

func TestAACCaptureAppendsRaw(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	capture, err := f.orch.Begin(ctx, testCaptureUUID, "aac", start, "iphone")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	data := []byte{0x01, 0x02, 0x03}
	if err := f.orch.Append(ctx, testCaptureUUID, data); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	// Drop the detection task; only the file write is under test here.
	f.queue.Pop()

	got, err := os.ReadFile(capture.Filepath)
	if err != nil {
		t.Fatalf("capture file not written: %v", err)
	}
	if len(got) != len(data) {
		t.Errorf("aac capture file has %d bytes, want %d raw bytes", len(got), len(data))
	}
}
