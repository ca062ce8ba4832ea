package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/auricleai/auricle/internal/audio"
	"github.com/auricleai/auricle/internal/catalog"
	"github.com/auricleai/auricle/internal/detect"
	"github.com/auricleai/auricle/internal/endpoint"
	"github.com/auricleai/auricle/internal/tasks"
	"github.com/auricleai/auricle/internal/vad"
)

// ErrNoSession is returned when an operation references a capture with no
// active detection session, e.g. after a server restart.
var ErrNoSession = errors.New("capture: no active capture session")

// Notifier pushes catalog events to connected clients.
type Notifier interface {
	Emit(event string, payload any)
}

// Processor runs the offline pipeline for a completed conversation. The
// concrete implementation lives in the process package and is wired in at
// startup.
type Processor interface {
	ProcessConversation(ctx context.Context, conversationUUID string) error
}

// ModelFactory builds a fresh VAD model for each detection worker, since
// models carry recurrent state.
type ModelFactory func() vad.Model

// DetectObserver receives detection pass timings for export.
type DetectObserver interface {
	RecordDetect(durationSeconds float64)
}

// Orchestrator owns capture lifecycles across ingress, detection, and the
// catalog. One detection worker runs per active capture.
type Orchestrator struct {
	dir        *Directory
	store      *catalog.Store
	queue      *tasks.Queue
	vadCfg     vad.Config
	epCfg      endpoint.Config
	models     ModelFactory
	aacDecoder detect.AACDecoder
	notifier   Notifier
	logger     *slog.Logger

	processor Processor
	observer  DetectObserver

	mu      sync.Mutex
	workers map[string]*detect.Worker
}

// NewOrchestrator creates the capture orchestrator. Call SetProcessor before
// serving traffic.
func NewOrchestrator(dir *Directory, store *catalog.Store, queue *tasks.Queue, vadCfg vad.Config, epCfg endpoint.Config, models ModelFactory, aacDecoder detect.AACDecoder, notifier Notifier, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		dir:        dir,
		store:      store,
		queue:      queue,
		vadCfg:     vadCfg,
		epCfg:      epCfg,
		models:     models,
		aacDecoder: aacDecoder,
		notifier:   notifier,
		logger:     logger.With(slog.String("component", "capture")),
		workers:    make(map[string]*detect.Worker),
	}
}

// SetProcessor wires the conversation processor. Separate from construction
// because the processor needs the orchestrator's directory helpers.
func (o *Orchestrator) SetProcessor(p Processor) {
	o.processor = p
}

// SetObserver attaches an observer for detection pass timings. Must be
// called before serving traffic.
func (o *Orchestrator) SetObserver(obs DetectObserver) {
	o.observer = obs
}

// Begin returns the capture for captureUUID, creating the catalog row, the
// on-disk location, and the detection worker on first sight. Idempotent.
func (o *Orchestrator) Begin(ctx context.Context, captureUUID, format string, timestamp time.Time, deviceType string) (*catalog.Capture, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	capture, err := o.store.GetCaptureByUUID(ctx, captureUUID)
	if errors.Is(err, catalog.ErrNotFound) {
		path, pathErr := o.dir.CaptureFilepath(captureUUID, format, timestamp, deviceType)
		if pathErr != nil {
			return nil, pathErr
		}
		capture = &catalog.Capture{
			CaptureUUID: captureUUID,
			Filepath:    path,
			StartTime:   timestamp,
			DeviceType:  deviceType,
		}
		if err := o.store.CreateCapture(ctx, capture); err != nil {
			return nil, err
		}
		o.logger.Info("Started capture session",
			slog.String("capture_uuid", captureUUID),
			slog.String("filepath", path),
			slog.String("device_type", deviceType))
	} else if err != nil {
		return nil, err
	}

	if _, ok := o.workers[captureUUID]; !ok {
		worker, err := detect.NewWorker(o.vadCfg, o.epCfg, capture.Filepath, capture.StartTime, o.models(), o.aacDecoder, o.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start detection worker: %w", err)
		}
		o.workers[captureUUID] = worker
	}
	return capture, nil
}

// Append writes an audio chunk to the capture file and schedules detection
// on it. WAV captures get their header rewritten to cover the accumulated
// samples; AAC captures are appended raw.
func (o *Orchestrator) Append(ctx context.Context, captureUUID string, data []byte) error {
	capture, worker, err := o.session(ctx, captureUUID)
	if err != nil {
		return err
	}

	if err := appendToFile(capture.Filepath, data); err != nil {
		return err
	}
	o.logger.Debug("Appended audio chunk",
		slog.String("capture_uuid", captureUUID),
		slog.Int("bytes", len(data)))

	o.enqueueChunk(capture, worker, data, false)
	return nil
}

// Finalize schedules the final detection pass for the capture and tears the
// worker down once it completes.
func (o *Orchestrator) Finalize(ctx context.Context, captureUUID string) error {
	capture, worker, err := o.session(ctx, captureUUID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	delete(o.workers, captureUUID)
	o.mu.Unlock()

	o.enqueueChunk(capture, worker, nil, true)
	return nil
}

// Active reports whether a detection worker is running for the capture.
func (o *Orchestrator) Active(captureUUID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.workers[captureUUID]
	return ok
}

// Capture returns the catalog row for a capture uuid.
func (o *Orchestrator) Capture(ctx context.Context, captureUUID string) (*catalog.Capture, error) {
	return o.store.GetCaptureByUUID(ctx, captureUUID)
}

// Shutdown terminates all detection workers.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	workers := o.workers
	o.workers = make(map[string]*detect.Worker)
	o.mu.Unlock()

	for uuid, worker := range workers {
		worker.Terminate()
		o.logger.Info("Terminated detection worker", slog.String("capture_uuid", uuid))
	}
}

func (o *Orchestrator) session(ctx context.Context, captureUUID string) (*catalog.Capture, *detect.Worker, error) {
	capture, err := o.store.GetCaptureByUUID(ctx, captureUUID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil, ErrNoSession
	}
	if err != nil {
		return nil, nil, err
	}

	o.mu.Lock()
	worker, ok := o.workers[captureUUID]
	o.mu.Unlock()
	if !ok {
		// Detection state is in-memory only; a restart loses it and the
		// capture must be re-uploaded.
		return nil, nil, ErrNoSession
	}
	return capture, worker, nil
}

func (o *Orchestrator) enqueueChunk(capture *catalog.Capture, worker *detect.Worker, data []byte, finished bool) {
	o.queue.Push(tasks.Func{
		TaskName: "process_chunk",
		Fn: func(ctx context.Context) error {
			return o.processChunk(ctx, capture, worker, data, finished)
		},
	})
}

// processChunk runs on the task dispatcher: detect conversation boundaries
// in the chunk, catalog anything new, extract completed conversations to
// their segment files, and hand them to the processor.
func (o *Orchestrator) processChunk(ctx context.Context, capture *catalog.Capture, worker *detect.Worker, data []byte, finished bool) error {
	format := captureFormat(capture)
	start := time.Now()
	result, err := worker.Detect(ctx, data, format, finished)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	if o.observer != nil {
		o.observer.RecordDetect(time.Since(start).Seconds())
	}

	if result.InProgress != nil {
		if _, err := o.ensureConversation(ctx, capture, *result.InProgress); err != nil {
			return err
		}
	}

	// Chunks can be long enough that a conversation completes without ever
	// having been seen in progress, so rows may need creating here too.
	var filepaths []string
	for _, convo := range result.Completed {
		row, err := o.ensureConversation(ctx, capture, convo)
		if err != nil {
			return err
		}
		if row.Segment == nil {
			return fmt.Errorf("conversation %s has no segment", convo.UUID)
		}
		filepaths = append(filepaths, row.Segment.Filepath)
	}

	if len(result.Completed) > 0 {
		if err := worker.Extract(ctx, result.Completed, filepaths); err != nil {
			return fmt.Errorf("extract: %w", err)
		}
		for _, convo := range result.Completed {
			if err := o.store.SetConversationEndTime(ctx, convo.UUID, convo.Endpoints.End); err != nil {
				o.logger.Error("Failed to record conversation end",
					slog.String("conversation_uuid", convo.UUID),
					slog.String("error", err.Error()))
			}
			o.EnqueueProcessing(convo.UUID)
		}
	}

	if finished {
		worker.Terminate()
	}
	return nil
}

// EnqueueProcessing schedules the offline pipeline for a conversation.
func (o *Orchestrator) EnqueueProcessing(conversationUUID string) {
	o.queue.Push(tasks.Func{
		TaskName: "process_conversation",
		Fn: func(ctx context.Context) error {
			if o.processor == nil {
				return errors.New("no conversation processor configured")
			}
			return o.processor.ProcessConversation(ctx, conversationUUID)
		},
	})
}

// ensureConversation returns the catalog row for a detected conversation,
// creating the conversation, its segment row, and its empty realtime
// transcription on first sight, and emitting a new_conversation event.
func (o *Orchestrator) ensureConversation(ctx context.Context, capture *catalog.Capture, convo endpoint.DetectedConversation) (*catalog.Conversation, error) {
	existing, err := o.store.GetConversation(ctx, convo.UUID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}

	segmentPath, err := o.dir.SegmentFilepath(capture, convo.UUID, convo.Endpoints.Start)
	if err != nil {
		return nil, err
	}

	conversation := &catalog.Conversation{
		ConversationUUID: convo.UUID,
		StartTime:        convo.Endpoints.Start,
		DeviceType:       capture.DeviceType,
	}
	segment := &catalog.Segment{
		Filepath:         segmentPath,
		StartTime:        convo.Endpoints.Start,
		ConversationUUID: convo.UUID,
		SourceCaptureID:  capture.ID,
	}
	if err := o.store.CreateCapturingConversation(ctx, conversation, segment); err != nil {
		return nil, err
	}
	o.logger.Info("New conversation detected",
		slog.String("capture_uuid", capture.CaptureUUID),
		slog.String("conversation_uuid", convo.UUID))

	if o.notifier != nil {
		full, err := o.store.GetConversation(ctx, convo.UUID)
		if err == nil {
			o.notifier.Emit("new_conversation", full)
		}
	}
	conversation.Segment = segment
	return conversation, nil
}

func captureFormat(capture *catalog.Capture) string {
	return strings.TrimPrefix(filepath.Ext(capture.Filepath), ".")
}

// appendToFile appends audio bytes to a capture or segment file, keeping the
// WAV header consistent for wav files.
func appendToFile(path string, data []byte) error {
	if strings.TrimPrefix(filepath.Ext(path), ".") == detect.FormatWAV {
		if _, err := audio.AppendWAV(path, data, vad.DefaultSampleRate); err != nil {
			return fmt.Errorf("failed to append wav: %w", err)
		}
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append capture file: %w", err)
	}
	return nil
}
