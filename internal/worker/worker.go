// Package worker runs a single cache request: it prepares the request's
// workspace, invokes the action, and commits whatever the action produced.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/flowcache/internal/action"
	"github.com/seantiz/flowcache/internal/model"
	"github.com/seantiz/flowcache/internal/store"
)

// requestDescriptor is the name of the bookkeeping file describing the request.
const requestDescriptor = "request.json"

// ErrTimeout is returned when an action exceeds the worker timeout.
var ErrTimeout = errors.New("action timed out")

// descriptor is the content of the request descriptor file.
type descriptor struct {
	WorkerID     string        `json:"worker_id"`
	Request      model.Request `json:"request"`
	ExistingKeys []string      `json:"existing_keys"`
}

// Result summarizes a terminated worker.
type Result struct {
	Record   model.WorkerRecord
	Status   string // committed or failed
	Missing  []string
	Err      error
	Duration time.Duration
	Event    model.Event // the worker-terminate event
}

// Worker is the execution context of one request.
type Worker struct {
	record  model.WorkerRecord
	action  action.Action
	store   *store.Store
	td      *store.Tempdir
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	status   string
	existing []string
	stream   *store.StreamWriter

	// exited is closed when the action goroutine returns. It stays nil for
	// workers that never ran.
	exited chan struct{}
}

// New creates a worker in the created state for req, owning the workspace td.
// A zero timeout disables the execution deadline.
func New(req model.Request, td *store.Tempdir, a action.Action, s *store.Store, timeout time.Duration, logger *slog.Logger) *Worker {
	id := model.NewID()
	return &Worker{
		record: model.WorkerRecord{
			ID:        id,
			Request:   req,
			Tempdir:   td.Path,
			StartedAt: time.Now().UTC(),
		},
		action:  a,
		store:   s,
		td:      td,
		timeout: timeout,
		logger:  logger.With("worker_id", id, "action", req.Action, "token", req.IdempotencyToken),
		status:  model.StatusCreated,
	}
}

// Record returns the worker's record.
func (w *Worker) Record() model.WorkerRecord {
	return w.record
}

// Status returns the current state.
func (w *Worker) Status() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Start computes which promised keys already exist, writes the request
// descriptor into the workspace and opens the stream file. It returns the
// worker-create event to emit.
func (w *Worker) Start() (model.Event, error) {
	req := w.record.Request
	w.existing = w.store.Existing(req.Keys)

	desc, err := json.Marshal(descriptor{
		WorkerID:     w.record.ID,
		Request:      req,
		ExistingKeys: w.existing,
	})
	if err != nil {
		return model.Event{}, fmt.Errorf("marshal request descriptor: %w", err)
	}
	if err := w.td.WriteFile(requestDescriptor, desc); err != nil {
		return model.Event{}, fmt.Errorf("write request descriptor: %w", err)
	}

	if req.Stream() != "" {
		stream, err := w.td.CreateStream()
		if err != nil {
			return model.Event{}, fmt.Errorf("open stream: %w", err)
		}
		w.stream = stream
	}

	return w.event(model.OpWorkerCreate), nil
}

// Run executes the action and always terminates the worker, committing any
// keys the action produced even when it failed.
func (w *Worker) Run(ctx context.Context) Result {
	w.transition(model.StatusRunning)
	start := time.Now()

	values, err := w.execute(ctx)

	var writeErrs []error
	for key, value := range values {
		if err := w.td.WriteKey(key, value); err != nil {
			writeErrs = append(writeErrs, fmt.Errorf("write key %q: %w", key, err))
		}
	}
	if err == nil {
		err = errors.Join(writeErrs...)
	} else if len(writeErrs) > 0 {
		w.logger.Error("failed to write partial results", "error", errors.Join(writeErrs...))
	}

	status := model.StatusCommitted
	if err != nil {
		status = model.StatusFailed
		w.logger.Error("action failed", "error", err)
	}
	w.transition(status)

	res := w.terminate()
	res.Status = status
	res.Err = err
	res.Duration = time.Since(start)
	return res
}

// Wait blocks until the action started by Run has returned. An action that
// outlived its timeout keeps running after Run returns; callers that bound
// concurrency hold their slot until Wait returns.
func (w *Worker) Wait() {
	if w.exited != nil {
		<-w.exited
	}
}

// Abort terminates a worker that never ran.
func (w *Worker) Abort(cause error) Result {
	w.transition(model.StatusFailed)
	res := w.terminate()
	res.Status = model.StatusFailed
	res.Err = cause
	return res
}

// execute invokes the action under the worker timeout. A panicking action is
// treated like one that returned an error.
func (w *Worker) execute(ctx context.Context) (map[string][]byte, error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	req := w.record.Request
	exec := action.Execution{
		Message:         req.Message,
		Keys:            req.Keys,
		ExistingKeys:    w.existing,
		InvalidateCache: req.InvalidateCache,
	}
	if w.stream != nil {
		exec.Stream = w.stream.Write
	}

	type outcome struct {
		values map[string][]byte
		err    error
	}
	done := make(chan outcome, 1)
	w.exited = make(chan struct{})
	go func() {
		defer close(w.exited)
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("action panicked: %v", r)}
			}
		}()
		values, err := w.action.Execute(ctx, exec)
		done <- outcome{values: values, err: err}
	}()

	select {
	case out := <-done:
		return out.values, out.err
	case <-ctx.Done():
		w.logger.Warn("action still running after cancellation", "error", ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, w.timeout)
		}
		return nil, ctx.Err()
	}
}

// terminate commits produced keys, closes the workspace and builds the
// worker-terminate event.
func (w *Worker) terminate() Result {
	req := w.record.Request

	missing, err := w.store.Commit(w.td, req.Keys, req.Stream(), req.DisposableKeys)
	if err != nil {
		w.logger.Error("commit failed", "error", err)
	}
	if len(missing) > 0 {
		w.logger.Warn("promised keys were not produced", "missing", missing)
	}
	w.store.CloseTempdir(w.td)
	w.transition(model.StatusTerminated)

	return Result{
		Record:  w.record,
		Missing: missing,
		Event:   w.event(model.OpWorkerTerminate),
	}
}

func (w *Worker) event(op string) model.Event {
	req := w.record.Request
	return model.Event{
		Op:               op,
		Keys:             len(req.Keys),
		StreamKey:        req.StreamKey,
		IdempotencyToken: req.IdempotencyToken,
	}
}

func (w *Worker) transition(to string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !model.ValidTransition(w.status, to) {
		w.logger.Warn("invalid worker transition", "from", w.status, "to", to)
	}
	w.status = to
}
