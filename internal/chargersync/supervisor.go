package chargersync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is the lifecycle state of one channel supervisor.
type ConnState string

const (
	StateConnecting     ConnState = "connecting"
	StateAuthenticating ConnState = "authenticating"
	StateActive         ConnState = "active"
	StateDisconnected   ConnState = "disconnected"
	StateBackoff        ConnState = "backoff"
	StateClosed         ConnState = "closed"
)

// LoginFunc performs a full credential re-authentication and returns a
// fresh access token. It is called on every transition out of the
// disconnected state, never just on the first connect.
type LoginFunc func(ctx context.Context) (string, error)

// ConnectedFunc runs once per established connection, before the read
// loop starts. The sync channel uses it to send its login frame.
type ConnectedFunc func(send func(any) error, accessToken string) error

// FrameFunc consumes one raw inbound frame. Errors are logged and the
// frame dropped; the connection stays open.
type FrameFunc func(raw []byte) error

// Supervisor runs the connect / authenticate / operate / backoff state
// machine for one push channel. Each required channel gets its own
// independent instance and goroutine.
type Supervisor struct {
	kind        ChannelKind
	url         string
	dialer      *websocket.Dialer
	login       LoginFunc
	onConnected ConnectedFunc
	onFrame     FrameFunc
	logger      *slog.Logger

	backoff *backoff

	mu           sync.Mutex
	conn         *websocket.Conn
	state        ConnState
	goodFrames   int
	skipBackoff  bool
	shuttingDown bool
}

func NewSupervisor(kind ChannelKind, url string, login LoginFunc, onConnected ConnectedFunc, onFrame FrameFunc, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		kind:        kind,
		url:         url,
		dialer:      websocket.DefaultDialer,
		login:       login,
		onConnected: onConnected,
		onFrame:     onFrame,
		logger:      logger.With("channel", string(kind)),
		backoff:     newBackoff(),
		state:       StateDisconnected,
	}
}

// Run blocks until ctx is cancelled, reconnecting with backoff after
// every failure. It never returns an error: steady-state failures are
// retried indefinitely and only surface as snapshot staleness.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.close()
			return
		}

		err := s.runSession(ctx)
		if ctx.Err() != nil {
			s.close()
			return
		}
		if err != nil {
			s.logger.Warn("channel session ended", "err", err)
		}
		s.setState(StateDisconnected)

		if s.takeSkipBackoff() {
			continue
		}

		delay := s.nextDelay()
		s.setState(StateBackoff)
		s.logger.Debug("backing off before reconnect", "delay", delay)
		select {
		case <-ctx.Done():
			s.close()
			return
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) runSession(ctx context.Context) error {
	token, err := s.login(ctx)
	if err != nil {
		return err
	}

	s.setState(StateConnecting)
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}
	s.setConn(conn)
	defer func() {
		s.setConn(nil)
		conn.Close()
	}()

	s.setState(StateAuthenticating)
	if s.onConnected != nil {
		if err := s.onConnected(s.Send, token); err != nil {
			return err
		}
	} else {
		// No channel-level handshake; the bearer header was enough.
		s.ConfirmActive()
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if handleErr := s.onFrame(raw); handleErr != nil {
			s.logger.Warn("dropping unprocessable frame", "err", handleErr)
			s.resetGoodFrames()
			continue
		}
		s.countGoodFrame()
	}
}

// Send marshals v and writes it as one text frame. It fails when the
// channel is not currently connected.
func (s *Supervisor) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("channel not connected")
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// ConfirmActive marks the channel operational and resets the backoff
// schedule. The sync channel reaches this once its login frame is
// acknowledged; header-authenticated channels reach it on connect.
func (s *Supervisor) ConfirmActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthenticating || s.state == StateActive {
		s.state = StateActive
		s.backoff.Reset()
	}
}

// TriggerReconnect closes the current connection so the next session
// dials with fresh credentials, without waiting out a backoff delay.
func (s *Supervisor) TriggerReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return
	}
	s.skipBackoff = true
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Drop closes the current connection. Unlike TriggerReconnect the run
// loop treats it as a failure, so the normal backoff delay applies.
// Used when the charger rejects a channel login.
func (s *Supervisor) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// State reports the supervisor's current lifecycle state.
func (s *Supervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuttingDown = true
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.state = StateClosed
}

func (s *Supervisor) setState(state ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = state
}

func (s *Supervisor) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.goodFrames = 0
}

func (s *Supervisor) countGoodFrame() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goodFrames++
	if s.goodFrames == framesToResetBackoff {
		s.backoff.Reset()
	}
}

func (s *Supervisor) resetGoodFrames() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goodFrames = 0
}

func (s *Supervisor) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff.Delay()
}

func (s *Supervisor) takeSkipBackoff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	skip := s.skipBackoff
	s.skipBackoff = false
	return skip
}
