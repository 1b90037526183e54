package action

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/seantiz/flowcache/internal/model"
)

// Action is the interface every cacheable unit of work implements.
//
// FormatRequest, Response and StreamResponse run in the calling process and
// must be pure. Execute runs inside a scheduler worker.
type Action interface {
	// Name is the registration name used on the wire.
	Name() string

	// Priority selects the scheduler queue.
	Priority() model.Priority

	// FormatRequest translates caller arguments into the wire-level request
	// shape. Keys must be the complete, deterministic set of outputs.
	FormatRequest(args json.RawMessage) (Formatted, error)

	// Execute produces serialized values for (a subset of) the keys. It may
	// skip keys listed in ExistingKeys unless InvalidateCache is set.
	Execute(ctx context.Context, exec Execution) (map[string][]byte, error)

	// Response turns stored bytes back into a caller-facing value.
	Response(values map[string][]byte) (any, error)

	// StreamResponse maps raw stream events to caller-facing events.
	StreamResponse(events iter.Seq[json.RawMessage]) iter.Seq[any]
}

// Formatted is the result of FormatRequest.
type Formatted struct {
	Message         json.RawMessage
	Keys            []string
	StreamKey       string
	DisposableKeys  []string
	InvalidateCache bool
}

// Execution carries everything a worker hands to Execute.
type Execution struct {
	Message         json.RawMessage
	Keys            []string
	ExistingKeys    []string
	InvalidateCache bool

	// Stream appends one progress event to the request's stream. Events are
	// never cached as results. It is a no-op when the request has no stream key.
	Stream func(event any) error
}

// Existing reports whether key was already published before this execution.
func (e Execution) Existing(key string) bool {
	for _, k := range e.ExistingKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Emit sends event on the execution's stream, ignoring a missing stream.
func (e Execution) Emit(event any) error {
	if e.Stream == nil {
		return nil
	}
	return e.Stream(event)
}

// PassthroughStream is a StreamResponse that decodes each raw event into a
// generic JSON value.
func PassthroughStream(events iter.Seq[json.RawMessage]) iter.Seq[any] {
	return func(yield func(any) bool) {
		for raw := range events {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				v = string(raw)
			}
			if !yield(v) {
				return
			}
		}
	}
}
