package endpoint

import (
	"testing"
	"time"
)

func TestStreamingEndpointerFiresAfterIdle(t *testing.T) {
	fired := make(chan struct{}, 4)
	e := newStreamingEndpointer(30*time.Millisecond, 2, func() {
		fired <- struct{}{}
	}, 5*time.Millisecond)
	defer e.Stop()

	e.UtteranceDetected()
	e.UtteranceDetected()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint callback did not fire")
	}

	// Counters reset after firing; the next conversation needs fresh
	// utterances before the callback fires again.
	select {
	case <-fired:
		t.Fatal("callback fired again without new utterances")
	case <-time.After(100 * time.Millisecond):
	}

	e.UtteranceDetected()
	e.UtteranceDetected()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint callback did not fire for second conversation")
	}
}

func TestStreamingEndpointerNeedsMinUtterances(t *testing.T) {
	fired := make(chan struct{}, 1)
	e := newStreamingEndpointer(10*time.Millisecond, 3, func() {
		fired <- struct{}{}
	}, 5*time.Millisecond)
	defer e.Stop()

	e.UtteranceDetected()
	e.UtteranceDetected()

	select {
	case <-fired:
		t.Fatal("callback fired below the utterance minimum")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamingEndpointerUtteranceResetsIdle(t *testing.T) {
	fired := make(chan struct{}, 1)
	e := newStreamingEndpointer(60*time.Millisecond, 1, func() {
		fired <- struct{}{}
	}, 5*time.Millisecond)
	defer e.Stop()

	// Keep talking faster than the timeout; the endpoint must not fire.
	for i := 0; i < 5; i++ {
		e.UtteranceDetected()
		select {
		case <-fired:
			t.Fatal("callback fired while utterances kept arriving")
		case <-time.After(20 * time.Millisecond):
		}
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint callback did not fire after the stream went idle")
	}
}

func TestStreamingEndpointerStopIdempotent(t *testing.T) {
	e := NewStreamingEndpointer(time.Minute, 1, nil)
	e.Stop()
	e.Stop()
}
