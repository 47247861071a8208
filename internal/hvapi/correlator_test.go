package hvapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCorrelatorResolvesOutOfOrder(t *testing.T) {
	c := NewCorrelator(discardLogger())

	idA, doneA := c.Track("sync.apply")
	idB, doneB := c.Track("schedules.get")
	if idA == idB {
		t.Fatalf("Track() issued duplicate id %q", idA)
	}

	// Responses arrive in reverse order.
	method, matched := c.Match(Frame{ID: idB, Payload: []byte(`{"b":true}`)})
	if !matched || method != "schedules.get" {
		t.Fatalf("Match(B) = (%q, %v), want (schedules.get, true)", method, matched)
	}
	method, matched = c.Match(Frame{ID: idA, Payload: []byte(`{"a":true}`)})
	if !matched || method != "sync.apply" {
		t.Fatalf("Match(A) = (%q, %v), want (sync.apply, true)", method, matched)
	}

	outcomeB := <-doneB
	if string(outcomeB.Payload) != `{"b":true}` {
		t.Fatalf("B payload = %s, want the schedules.get response", outcomeB.Payload)
	}
	outcomeA := <-doneA
	if string(outcomeA.Payload) != `{"a":true}` {
		t.Fatalf("A payload = %s, want the sync.apply response", outcomeA.Payload)
	}
}

func TestCorrelatorDeliversWireError(t *testing.T) {
	c := NewCorrelator(discardLogger())
	id, done := c.Track("sync.apply")

	c.Match(Frame{ID: id, Err: &WireError{Code: 409, Message: "conflict"}})
	outcome := <-done
	if outcome.Err == nil {
		t.Fatal("outcome.Err = nil, want wire error")
	}
}

func TestCorrelatorEvictsBeyondRetentionWindow(t *testing.T) {
	c := NewCorrelator(discardLogger())

	firstID, _ := c.Track("m0")
	for i := 1; i <= maxPendingRequests; i++ {
		c.Track(fmt.Sprintf("m%d", i))
	}
	if got := c.PendingCount(); got != maxPendingRequests {
		t.Fatalf("PendingCount = %d, want %d", got, maxPendingRequests)
	}

	// The oldest request was evicted; its late response is dropped.
	if method, matched := c.Match(Frame{ID: firstID}); matched {
		t.Fatalf("Match(evicted) = (%q, true), want no match", method)
	}
}

func TestCorrelatorTrackAfterCloseResolvesClosed(t *testing.T) {
	c := NewCorrelator(discardLogger())
	c.Close()

	_, done := c.Track("sync.apply")
	select {
	case outcome := <-done:
		if !errors.Is(outcome.Err, ErrClosed) {
			t.Fatalf("outcome.Err = %v, want ErrClosed", outcome.Err)
		}
	default:
		t.Fatal("Track after Close did not resolve immediately")
	}
	if got := c.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d after Close, want 0", got)
	}
}

func TestCorrelatorCloseDropsPendingUnresolved(t *testing.T) {
	c := NewCorrelator(discardLogger())
	id, done := c.Track("sync.apply")

	c.Close()
	c.Match(Frame{ID: id, Payload: []byte(`{}`)})

	select {
	case outcome := <-done:
		t.Fatalf("pending request resolved after Close: %+v", outcome)
	default:
	}
}
