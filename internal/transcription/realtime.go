package transcription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/auricleai/auricle/internal/catalog"
)

// defaultFlushInterval is how often buffered streaming audio is sent for
// transcription.
const defaultFlushInterval = 5 * time.Second

// RealtimeSession accumulates streaming audio and periodically submits it
// for transcription, delivering resulting utterances through a callback.
// Offsets in delivered utterances are relative to the start of the session.
type RealtimeSession struct {
	client   *Client
	format   string
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	buffer   []byte
	sentSecs float64
	callback func(*catalog.Utterance)
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRealtimeSession starts a realtime transcription session. format is the
// audio container of the stream, "wav" or "aac". A non-positive interval
// selects the default flush cadence.
func NewRealtimeSession(client *Client, format string, interval time.Duration, logger *slog.Logger) *RealtimeSession {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return newRealtimeSession(client, format, interval, logger)
}

func newRealtimeSession(client *Client, format string, interval time.Duration, logger *slog.Logger) *RealtimeSession {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RealtimeSession{
		client:   client,
		format:   format,
		interval: interval,
		logger:   logger.With(slog.String("component", "realtime_transcription")),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s
}

// SendAudio buffers streaming audio for the next flush.
func (s *RealtimeSession) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, data...)
	return nil
}

// SetUtteranceCallback registers the receiver for transcribed utterances.
func (s *RealtimeSession) SetUtteranceCallback(fn func(*catalog.Utterance)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = fn
}

// Close flushes any remaining audio and stops the session.
func (s *RealtimeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	s.flush()
	return nil
}

func (s *RealtimeSession) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.done:
			return
		}
	}
}

// flush sends buffered audio for transcription and delivers utterances with
// session-relative offsets.
func (s *RealtimeSession) flush() {
	s.mu.Lock()
	data := s.buffer
	s.buffer = nil
	offset := s.sentSecs
	callback := s.callback
	s.mu.Unlock()

	if len(data) == 0 || callback == nil {
		return
	}

	tr, err := s.client.transcribeBytes(context.Background(), data, "chunk."+s.format)
	if err != nil {
		s.logger.Error("Realtime transcription failed",
			slog.String("error", err.Error()))
		return
	}

	var chunkSecs float64
	for i := range tr.Utterances {
		u := tr.Utterances[i]
		if u.End != nil && *u.End > chunkSecs {
			chunkSecs = *u.End
		}
		shiftUtterance(&u, offset)
		callback(&u)
	}

	s.mu.Lock()
	s.sentSecs = offset + chunkSecs
	s.mu.Unlock()
}

func shiftUtterance(u *catalog.Utterance, offset float64) {
	if u.Start != nil {
		v := *u.Start + offset
		u.Start = &v
	}
	if u.End != nil {
		v := *u.End + offset
		u.End = &v
	}
	for i := range u.Words {
		w := &u.Words[i]
		if w.Start != nil {
			v := *w.Start + offset
			w.Start = &v
		}
		if w.End != nil {
			v := *w.End + offset
			w.End = &v
		}
	}
}
