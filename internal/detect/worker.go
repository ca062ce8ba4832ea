package detect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/auricleai/auricle/internal/audio"
	"github.com/auricleai/auricle/internal/endpoint"
	"github.com/auricleai/auricle/internal/vad"
)

// Supported capture formats.
const (
	FormatWAV = "wav"
	FormatAAC = "aac"
)

// ErrTerminated is returned for commands sent after Terminate.
var ErrTerminated = errors.New("detect: worker terminated")

// AACDecoder decodes a complete ADTS stream to 16 kHz mono PCM samples.
// Injected so the worker does not depend on any particular codec binding.
type AACDecoder func(adts []byte) ([]int16, error)

// DetectResult carries the outcome of one Detect command: conversations
// completed by the consumed chunk, and the current in-progress conversation
// if one is forming.
type DetectResult struct {
	Completed  []endpoint.DetectedConversation
	InProgress *endpoint.DetectedConversation
}

type detectRequest struct {
	audioData       []byte
	format          string
	captureFinished bool
}

type extractRequest struct {
	conversations []endpoint.DetectedConversation
	filepaths     []string
}

type terminateRequest struct{}

type extractDone struct{}

// Worker owns conversation detection state for a single capture. Commands
// are serialized: each produces exactly one response before the next one is
// consumed. The capture file referenced by capturePath is expected to be
// kept current by the orchestrator before Extract is called.
type Worker struct {
	capturePath string
	captureTime time.Time
	aacDecoder  AACDecoder
	logger      *slog.Logger

	requests  chan any
	responses chan any
	done      chan struct{}

	// cmdMu enforces the one-outstanding-command discipline on callers.
	cmdMu sync.Mutex

	stateMu    sync.Mutex
	inProgress *endpoint.DetectedConversation

	termOnce sync.Once
}

// NewWorker starts a detection worker for one capture. The model scores VAD
// windows; aacDecoder may be nil when the capture format is WAV.
func NewWorker(vadCfg vad.Config, epCfg endpoint.Config, capturePath string, captureTime time.Time, model vad.Model, aacDecoder AACDecoder, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "detect"), slog.String("capture_path", capturePath))

	detector, err := vad.NewDetector(vadCfg, model, logger)
	if err != nil {
		return nil, err
	}
	endpointer, err := endpoint.NewDetector(epCfg, captureTime, detector)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		capturePath: capturePath,
		captureTime: captureTime,
		aacDecoder:  aacDecoder,
		logger:      logger,
		requests:    make(chan any),
		responses:   make(chan any),
		done:        make(chan struct{}),
	}
	go w.run(endpointer)
	return w, nil
}

// Detect consumes one audio chunk and reports conversation boundaries.
// audioData may be empty when captureFinished is set, which flushes the
// endpointer. The context applies to command submission; once submitted, the
// command always runs to completion so the response discipline holds.
func (w *Worker) Detect(ctx context.Context, audioData []byte, format string, captureFinished bool) (DetectResult, error) {
	if format != FormatWAV && format != FormatAAC {
		return DetectResult{}, fmt.Errorf("detect: unsupported format %q", format)
	}

	w.cmdMu.Lock()
	defer w.cmdMu.Unlock()

	select {
	case w.requests <- detectRequest{audioData: audioData, format: format, captureFinished: captureFinished}:
	case <-w.done:
		return DetectResult{}, ErrTerminated
	case <-ctx.Done():
		return DetectResult{}, ctx.Err()
	}

	select {
	case resp := <-w.responses:
		result := resp.(DetectResult)
		w.stateMu.Lock()
		if captureFinished {
			w.inProgress = nil
		} else {
			w.inProgress = result.InProgress
		}
		w.stateMu.Unlock()
		return result, nil
	case <-w.done:
		return DetectResult{}, ErrTerminated
	}
}

// Extract slices the capture file by each conversation's endpoints and
// writes the pieces to the corresponding filepaths in the capture's format.
// Export failures are logged and do not fail the command.
func (w *Worker) Extract(ctx context.Context, conversations []endpoint.DetectedConversation, filepaths []string) error {
	if len(conversations) != len(filepaths) {
		return fmt.Errorf("detect: %d conversations but %d filepaths", len(conversations), len(filepaths))
	}

	w.cmdMu.Lock()
	defer w.cmdMu.Unlock()

	select {
	case w.requests <- extractRequest{conversations: conversations, filepaths: filepaths}:
	case <-w.done:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-w.responses:
		return nil
	case <-w.done:
		return ErrTerminated
	}
}

// InProgress returns the conversation currently forming, as of the last
// Detect call.
func (w *Worker) InProgress() *endpoint.DetectedConversation {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.inProgress
}

// Terminate stops the worker goroutine. Safe to call more than once;
// commands submitted afterwards fail with ErrTerminated.
func (w *Worker) Terminate() {
	w.termOnce.Do(func() {
		w.cmdMu.Lock()
		defer w.cmdMu.Unlock()
		select {
		case w.requests <- terminateRequest{}:
			<-w.done
		case <-w.done:
		}
	})
}

func (w *Worker) run(endpointer *endpoint.Detector) {
	defer close(w.done)

	for req := range w.requests {
		switch r := req.(type) {
		case detectRequest:
			w.responses <- w.handleDetect(endpointer, r)
		case extractRequest:
			w.handleExtract(r)
			w.responses <- extractDone{}
		case terminateRequest:
			return
		}
	}
}

func (w *Worker) handleDetect(endpointer *endpoint.Detector, r detectRequest) DetectResult {
	var samples []float32
	if len(r.audioData) > 0 {
		decoded, err := w.decode(r.audioData, r.format)
		if err != nil {
			w.logger.Error("Failed to decode audio chunk",
				slog.String("format", r.format),
				slog.Int("bytes", len(r.audioData)),
				slog.String("error", err.Error()))
			return DetectResult{}
		}
		samples = decoded
	}

	completed, err := endpointer.Consume(samples, r.captureFinished)
	if err != nil {
		w.logger.Error("Endpoint detection failed", slog.String("error", err.Error()))
		return DetectResult{}
	}
	return DetectResult{
		Completed:  completed,
		InProgress: endpointer.InProgress(),
	}
}

func (w *Worker) decode(data []byte, format string) ([]float32, error) {
	switch format {
	case FormatWAV:
		// Chunks normally arrive as raw PCM; tolerate a full WAV file too.
		if bytes.HasPrefix(data, []byte("RIFF")) {
			samples, _, err := audio.DecodeWAV(data)
			if err != nil {
				return nil, err
			}
			return audio.SamplesToFloat32(samples), nil
		}
		samples, err := audio.BytesToSamples(data)
		if err != nil {
			return nil, err
		}
		return audio.SamplesToFloat32(samples), nil
	case FormatAAC:
		if w.aacDecoder == nil {
			return nil, errors.New("no aac decoder configured")
		}
		samples, err := w.aacDecoder(data)
		if err != nil {
			return nil, err
		}
		return audio.SamplesToFloat32(samples), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

func (w *Worker) handleExtract(r extractRequest) {
	if len(r.conversations) == 0 {
		return
	}

	captureData, err := os.ReadFile(w.capturePath)
	if err != nil {
		w.logger.Error("Failed to read capture file", slog.String("error", err.Error()))
		return
	}
	extension := strings.TrimPrefix(filepath.Ext(w.capturePath), ".")

	for i, conversation := range r.conversations {
		startMillis := millisSince(conversation.Endpoints.Start, w.captureTime)
		endMillis := millisSince(conversation.Endpoints.End, w.captureTime)

		if err := w.exportSlice(captureData, extension, startMillis, endMillis, r.filepaths[i]); err != nil {
			w.logger.Error("Failed to export conversation segment",
				slog.String("conversation_uuid", conversation.UUID),
				slog.String("filepath", r.filepaths[i]),
				slog.String("error", err.Error()))
			continue
		}
		w.logger.Info("Extracted conversation segment",
			slog.String("conversation_uuid", conversation.UUID),
			slog.String("filepath", r.filepaths[i]),
			slog.Int64("start_millis", startMillis),
			slog.Int64("end_millis", endMillis))
	}
}

func (w *Worker) exportSlice(captureData []byte, extension string, startMillis, endMillis int64, outPath string) error {
	switch extension {
	case FormatWAV:
		samples, sampleRate, err := audio.DecodeWAV(captureData)
		if err != nil {
			return fmt.Errorf("decode capture: %w", err)
		}
		start := int(startMillis) * sampleRate / 1000
		end := int(endMillis) * sampleRate / 1000
		start = max(0, min(start, len(samples)))
		end = max(start, min(end, len(samples)))
		data, err := audio.EncodeWAV(samples[start:end], sampleRate)
		if err != nil {
			return fmt.Errorf("encode segment: %w", err)
		}
		return os.WriteFile(outPath, data, 0o644)
	case FormatAAC:
		data := audio.SliceADTS(captureData, startMillis, endMillis, vad.DefaultSampleRate)
		return os.WriteFile(outPath, data, 0o644)
	default:
		return fmt.Errorf("unsupported capture extension %q", extension)
	}
}

func millisSince(t, anchor time.Time) int64 {
	return int64(math.Floor(t.Sub(anchor).Seconds()*1000 + 0.5))
}
