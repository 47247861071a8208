package chargersync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// wsURL rewrites an httptest server URL to the websocket scheme.
func wsURL(t *testing.T, server *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSupervisorDeliversFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"n":2}`))
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	frames := make(chan []byte, 4)
	login := func(context.Context) (string, error) { return "tok-1", nil }
	onFrame := func(raw []byte) error {
		frames <- raw
		return nil
	}
	sup := NewSupervisor(ChannelSync, wsURL(t, server), login, nil, onFrame, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	for i := 1; i <= 2; i++ {
		select {
		case raw := <-frames:
			if len(raw) == 0 {
				t.Fatalf("frame %d empty", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}

	// No channel handshake was supplied, so the bearer dial alone makes
	// the channel active.
	deadline := time.Now().Add(time.Second)
	for sup.State() != StateActive {
		if time.Now().After(deadline) {
			t.Fatalf("state = %q, want active", sup.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	sup.TriggerReconnect() // wake the blocked read
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if sup.State() != StateClosed {
		t.Fatalf("state after shutdown = %q, want closed", sup.State())
	}
}

func TestSupervisorReconnectsAfterDisconnect(t *testing.T) {
	var dials atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := dials.Add(1)
		if n == 1 {
			// First session is dropped immediately.
			conn.Close()
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"ok":true}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	frames := make(chan []byte, 1)
	login := func(context.Context) (string, error) { return "tok", nil }
	sup := NewSupervisor(ChannelSync, wsURL(t, server), login, nil, func(raw []byte) error {
		frames <- raw
		return nil
	}, discardLogger())
	sup.backoff = &backoff{draw: func() time.Duration { return time.Millisecond }}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	select {
	case <-frames:
	case <-time.After(3 * time.Second):
		t.Fatal("no frame after reconnect")
	}
	if dials.Load() < 2 {
		t.Fatalf("dials = %d, want at least 2", dials.Load())
	}

	cancel()
	sup.TriggerReconnect()
	<-done
}

func TestSupervisorOnConnectedFailureRetries(t *testing.T) {
	var dials atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		dials.Add(1)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	login := func(context.Context) (string, error) { return "tok", nil }
	onConnected := func(send func(any) error, token string) error {
		return context.DeadlineExceeded
	}
	sup := NewSupervisor(ChannelSync, wsURL(t, server), login, onConnected, func([]byte) error { return nil }, discardLogger())
	sup.backoff = &backoff{draw: func() time.Duration { return time.Millisecond }}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for dials.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("dials = %d, want retries after handshake failure", dials.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The handshake never succeeded, so the channel never became active.
	if sup.State() == StateActive {
		t.Fatal("channel active despite failed handshake")
	}

	cancel()
	sup.TriggerReconnect()
	<-done
}

func TestSupervisorSendWhileDisconnected(t *testing.T) {
	login := func(context.Context) (string, error) { return "", context.Canceled }
	sup := NewSupervisor(ChannelSync, "ws://unused.invalid", login, nil, func([]byte) error { return nil }, discardLogger())

	if err := sup.Send(map[string]string{"method": "ping"}); err == nil {
		t.Fatal("Send succeeded without a connection")
	}
}
