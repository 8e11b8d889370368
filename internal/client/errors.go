package client

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by client and session operations.
var (
	// ErrNotConnected is returned when an operation needs a live agent
	// connection and there is none.
	ErrNotConnected = errors.New("not connected to agent")
	// ErrStopped is returned when the client is shutting down or stopped.
	ErrStopped = errors.New("client is stopped")
	// ErrSessionDestroyed is returned for operations on a destroyed session.
	ErrSessionDestroyed = errors.New("session is destroyed")
	// ErrNoAssistantMessage is returned when a turn completes without the
	// agent producing an assistant message.
	ErrNoAssistantMessage = errors.New("turn completed without an assistant message")
)

// SpawnError wraps a failure to start or reach the agent process.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn agent: %v", e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// TimeoutError reports an operation that ran out of time. It unwraps to
// context.DeadlineExceeded so callers can keep testing with errors.Is.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// SessionError reports a turn the agent aborted with a session.error event.
type SessionError struct {
	Code    string
	Message string
}

func (e *SessionError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("session error: %s", e.Message)
	}
	return fmt.Sprintf("session error %s: %s", e.Code, e.Message)
}

// timeoutErr types a deadline expiry as a TimeoutError with the operation's
// total budget. Other errors pass through unchanged.
func timeoutErr(err error, op string, after time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, After: after}
	}
	return err
}

// opBudget applies the fallback deadline when the caller's context has none
// and reports the total time budget for timeout errors.
func opBudget(ctx context.Context, fallback time.Duration) (context.Context, context.CancelFunc, time.Duration) {
	if deadline, ok := ctx.Deadline(); ok {
		return ctx, func() {}, time.Until(deadline)
	}
	ctx, cancel := context.WithTimeout(ctx, fallback)
	return ctx, cancel, fallback
}
