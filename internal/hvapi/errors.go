package hvapi

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned when an operation races coordinator shutdown.
var ErrClosed = errors.New("hypervolt client closed")

// AuthError means the backend rejected our credentials or tokens. It is
// never retried automatically; the caller must re-supply credentials.
type AuthError struct {
	Op     string
	Status int
}

func (e *AuthError) Error() string {
	if e == nil {
		return "authentication failed"
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: authentication rejected with status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: authentication rejected", e.Op)
}

// ConnectError wraps transport and backend availability failures. These
// are retried with backoff during steady-state operation.
type ConnectError struct {
	Op  string
	Err error
}

func (e *ConnectError) Error() string {
	if e == nil {
		return "connect failed"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CommandTimeoutError means no correlated response arrived within the
// bound. The snapshot is unaffected; only the issuing caller sees it.
type CommandTimeoutError struct {
	Method  string
	ID      string
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	if e == nil {
		return "command timed out"
	}
	return fmt.Sprintf("command %s (id %s) timed out after %s", e.Method, e.ID, e.Timeout)
}

// WireError is an error object carried inside a response frame.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *WireError) Error() string {
	if e == nil {
		return "wire error"
	}
	return fmt.Sprintf("charger error %d: %s", e.Code, e.Message)
}
