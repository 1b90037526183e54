package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/flowcache/internal/action"
	"github.com/seantiz/flowcache/internal/model"
	"github.com/seantiz/flowcache/internal/store"
)

// Future is the handle of one call, whether it was a cache hit, a fresh
// execution or a request already in flight for another caller.
type Future struct {
	client *Client
	action action.Action
	req    model.Request
	sent   bool

	ready atomic.Bool
	// keysReady is set when readiness came from every output key being
	// readable, so a key missing at read time was evicted.
	keysReady atomic.Bool

	mu       sync.Mutex
	resolved bool
	value    any
	err      error
}

func newFuture(c *Client, a action.Action, req model.Request) *Future {
	return &Future{client: c, action: a, req: req}
}

// markHit records a cache hit: every output key was readable.
func (f *Future) markHit() {
	f.keysReady.Store(true)
	f.ready.Store(true)
}

// Keys returns the output keys of the call.
func (f *Future) Keys() []string {
	return f.req.Keys
}

// StreamKey returns the stream key of the call, or "".
func (f *Future) StreamKey() string {
	return f.req.Stream()
}

// Token returns the idempotency token of the call.
func (f *Future) Token() string {
	return f.req.IdempotencyToken
}

// CacheHit reports whether the call was answered from the store without a
// scheduler request.
func (f *Future) CacheHit() bool {
	return !f.sent
}

// IsReady reports whether the call's outputs can be read. A call that
// invalidates the cache is ready once its worker terminated. Otherwise the
// future is ready when every output key is durably readable or, for a
// streaming call, when its stream key is no longer in flight.
func (f *Future) IsReady() bool {
	if f.ready.Load() {
		return true
	}

	var ready bool
	switch {
	case f.sent && f.req.InvalidateCache:
		ready = !f.client.tokenPending(f.req.IdempotencyToken)
	case len(f.req.Keys) > 0 && f.client.layout.AllReadable(f.req.Keys):
		ready = true
		f.keysReady.Store(true)
	case f.req.Stream() != "":
		ready = !f.client.IsPending(f.req.Stream())
	case len(f.req.Keys) == 0:
		ready = !f.client.tokenPending(f.req.IdempotencyToken)
	}
	if ready {
		f.ready.Store(true)
	}
	return ready
}

// Wait blocks until the future is ready. See Client.Wait for the errors.
func (f *Future) Wait(ctx context.Context, timeout time.Duration) error {
	return f.client.Wait(ctx, f.IsReady, timeout)
}

// Get reads the stored outputs and converts them with the action's Response.
// The result is memoized. Keys that were never produced are omitted from
// what Response sees. Get returns ErrNotReady before the future is ready, and
// a store.ErrNotReadable error when a key seen as readable has since been
// evicted; the future is then no longer ready.
func (f *Future) Get() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return f.value, f.err
	}
	if !f.IsReady() {
		return nil, ErrNotReady
	}

	values := make(map[string][]byte, len(f.req.Keys))
	for _, key := range f.req.Keys {
		data, err := f.client.layout.ReadObject(key)
		if errors.Is(err, store.ErrNotReadable) {
			if f.keysReady.Load() {
				f.keysReady.Store(false)
				f.ready.Store(false)
				return nil, fmt.Errorf("%w: %s: evicted before read", store.ErrNotReadable, key)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		values[key] = data
	}

	f.value, f.err = f.action.Response(values)
	f.resolved = true
	return f.value, f.err
}

// Stream returns the call's stream events, converted by the action's
// StreamResponse. Every call replays the stream from its start. The sequence
// ends at the blank end-of-stream line, or once the worker owning the stream
// key has terminated and the file is drained. timeout bounds the wait for
// each next event; zero waits until ctx is done.
//
// Errors are yielded as the final element: ErrTimeout, ErrUnreachable,
// ErrStreamCorrupt or the context error.
func (f *Future) Stream(ctx context.Context, timeout time.Duration) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		if f.req.Stream() == "" {
			yield(nil, errors.New("call has no stream key"))
			return
		}

		var streamErr error
		raw := func(yieldRaw func(json.RawMessage) bool) {
			streamErr = f.readStream(ctx, timeout, yieldRaw)
		}
		for ev := range f.action.StreamResponse(raw) {
			if !yield(ev, nil) {
				return
			}
		}
		if streamErr != nil {
			yield(nil, streamErr)
		}
	}
}

// streamWaiter sleeps between stream polls, waking early on lifecycle events
// for the stream key.
type streamWaiter struct {
	client   *Client
	timeout  time.Duration
	deadline time.Time
	events   <-chan model.Event
}

func (w *streamWaiter) reset() {
	if w.timeout > 0 {
		w.deadline = time.Now().Add(w.timeout)
	}
}

// wait returns nil after a poll interval or an event, or the reason to stop.
func (w *streamWaiter) wait(ctx context.Context) error {
	if !w.client.Alive() {
		return ErrUnreachable
	}
	if !w.deadline.IsZero() && time.Now().After(w.deadline) {
		return ErrTimeout
	}

	timer := time.NewTimer(w.client.opts.WaitInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-w.events:
		if !ok {
			w.events = nil
		}
	case <-timer.C:
	}
	return nil
}

func (f *Future) readStream(ctx context.Context, timeout time.Duration, yield func(json.RawMessage) bool) error {
	key := f.req.Stream()
	path := f.client.layout.StreamPath(key)

	events, unsubscribe := f.client.Subscribe(key)
	defer unsubscribe()
	waiter := &streamWaiter{client: f.client, timeout: timeout, events: events}
	waiter.reset()

	// A file left by an earlier run is stale until this call's worker has
	// been created.
	for f.sent && f.req.InvalidateCache && !f.client.tokenStarted(f.req.IdempotencyToken) {
		if err := waiter.wait(ctx); err != nil {
			return err
		}
	}

	var file *os.File
	for file == nil {
		if store.IsSafelyReadable(path) {
			opened, err := os.Open(path)
			if err == nil {
				file = opened
				break
			}
		}
		// A terminated worker that never created a stream has nothing to say.
		if !f.client.IsPending(key) {
			return nil
		}
		if err := waiter.wait(ctx); err != nil {
			return err
		}
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var partial []byte
	finished := false
	for {
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)
		if err == nil {
			line := bytes.TrimSpace(partial)
			partial = partial[:0]
			if len(line) == 0 {
				return nil
			}
			if !json.Valid(line) {
				return fmt.Errorf("%w: %s: invalid event %q", ErrStreamCorrupt, key, truncate(line, 64))
			}
			if !yield(bytes.Clone(line)) {
				return nil
			}
			waiter.reset()
			continue
		}
		if !errors.Is(err, io.EOF) {
			return fmt.Errorf("read stream %s: %w", key, err)
		}

		// At the current end of file. Once the owning worker has terminated,
		// everything it wrote is on disk: drain one more time, then stop.
		if finished {
			if len(bytes.TrimSpace(partial)) > 0 {
				return fmt.Errorf("%w: %s: truncated event", ErrStreamCorrupt, key)
			}
			return nil
		}
		if !f.client.IsPending(key) {
			finished = true
			continue
		}
		if err := waiter.wait(ctx); err != nil {
			return err
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
