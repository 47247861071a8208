package hvapi

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// maxPendingRequests bounds the retention window for outstanding
// requests. A response for an evicted id is dropped with a warning.
const maxPendingRequests = 20

// Outcome resolves one pending request: the response payload, or the
// error object the charger sent back.
type Outcome struct {
	Payload json.RawMessage
	Err     error
}

type pendingRequest struct {
	id     string
	method string
	issued time.Time
	done   chan Outcome
}

// Correlator assigns unique ids to outgoing requests and matches
// inbound responses back to their waiters. The charger never echoes
// the method name, so the method is recovered from the pending set.
type Correlator struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending []*pendingRequest
	closed  bool
}

func NewCorrelator(logger *slog.Logger) *Correlator {
	return &Correlator{logger: logger}
}

// Track reserves an id for a request about to be sent and returns the
// channel its response will be delivered on. The oldest pending request
// is evicted once the retention window is full. After Close the request
// is not enqueued; its channel resolves immediately with ErrClosed.
func (c *Correlator) Track(method string) (string, <-chan Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := formatID(c.nextID)
	c.nextID++

	req := &pendingRequest{
		id:     id,
		method: method,
		issued: time.Now().UTC(),
		done:   make(chan Outcome, 1),
	}
	if c.closed {
		req.done <- Outcome{Err: ErrClosed}
		return id, req.done
	}
	c.pending = append(c.pending, req)
	for len(c.pending) > maxPendingRequests {
		evicted := c.pending[0]
		c.pending = c.pending[1:]
		c.logger.Warn("evicting pending request", "id", evicted.id, "method", evicted.method, "age", time.Since(evicted.issued))
	}
	return id, req.done
}

// Match resolves a response frame against the pending set. It returns
// the method of the originating request, or false when the id is
// unknown (late arrival past the retention window).
func (c *Correlator) Match(frame Frame) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, req := range c.pending {
		if req.id != frame.ID {
			continue
		}
		c.pending = append(c.pending[:i], c.pending[i+1:]...)

		outcome := Outcome{Payload: frame.Payload}
		if frame.Err != nil {
			outcome.Err = frame.Err
		}
		if !c.closed {
			req.done <- outcome
		}
		return req.method, true
	}

	c.logger.Warn("response for unknown request id, dropping", "id", frame.ID)
	return "", false
}

// Close drops every pending request without resolving it. Subsequent
// matches are logged and discarded.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pending = nil
}

// PendingCount reports the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
