package endpoint

import (
	"sync"
	"time"
)

// StreamingEndpointer detects conversation boundaries in a live transcript
// stream. Each detected utterance resets an idle timer; once the stream has
// been idle for the timeout and enough utterances have accumulated, the
// callback fires and the counters reset for the next conversation.
type StreamingEndpointer struct {
	timeout       time.Duration
	minUtterances int
	callback      func()
	checkInterval time.Duration
	now           func() time.Time

	mu             sync.Mutex
	utteranceCount int
	lastUtterance  time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// NewStreamingEndpointer creates an endpointer and starts its timeout
// watcher. The callback runs on the watcher goroutine; it must not block for
// long. Call Stop when the stream closes.
func NewStreamingEndpointer(timeout time.Duration, minUtterances int, callback func()) *StreamingEndpointer {
	return newStreamingEndpointer(timeout, minUtterances, callback, time.Second)
}

func newStreamingEndpointer(timeout time.Duration, minUtterances int, callback func(), checkInterval time.Duration) *StreamingEndpointer {
	e := &StreamingEndpointer{
		timeout:       timeout,
		minUtterances: minUtterances,
		callback:      callback,
		checkInterval: checkInterval,
		now:           time.Now,
		done:          make(chan struct{}),
	}
	go e.watch()
	return e
}

// UtteranceDetected records one utterance from the live transcript and
// resets the idle timer.
func (e *StreamingEndpointer) UtteranceDetected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.utteranceCount++
	e.lastUtterance = e.now()
}

// Stop terminates the timeout watcher. Safe to call more than once.
func (e *StreamingEndpointer) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

func (e *StreamingEndpointer) watch() {
	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		fire := e.utteranceCount >= e.minUtterances &&
			!e.lastUtterance.IsZero() &&
			e.now().Sub(e.lastUtterance) >= e.timeout
		if fire {
			e.utteranceCount = 0
			e.lastUtterance = time.Time{}
		}
		e.mu.Unlock()

		if fire && e.callback != nil {
			e.callback()
		}
	}
}
