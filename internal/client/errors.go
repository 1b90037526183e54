package client

import "errors"

var (
	// ErrUnreachable is returned once the scheduler has died or its pipe broke.
	ErrUnreachable = errors.New("scheduler unreachable")
	// ErrTimeout is returned when a wait deadline elapses while the scheduler
	// is still alive.
	ErrTimeout = errors.New("timed out waiting for scheduler")
	// ErrStreamCorrupt is returned by Future.Stream for a malformed event line.
	ErrStreamCorrupt = errors.New("stream corrupt")
	// ErrNotReady is returned by Future.Get before the future is ready.
	ErrNotReady = errors.New("future not ready")
	// ErrUnknownAction is returned when calling an action that is not registered.
	ErrUnknownAction = errors.New("unknown action")
	// ErrInvalidArgs is returned when an action rejects its call arguments.
	ErrInvalidArgs = errors.New("invalid action arguments")
)
