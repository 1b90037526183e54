package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/flowcache/internal/action"
	"github.com/seantiz/flowcache/internal/model"
	"github.com/seantiz/flowcache/internal/store"
)

// fakeAction runs fn as its Execute.
type fakeAction struct {
	fn func(ctx context.Context, exec action.Execution) (map[string][]byte, error)
}

func (fakeAction) Name() string             { return "fake" }
func (fakeAction) Priority() model.Priority { return model.PriorityLo }
func (fakeAction) FormatRequest(json.RawMessage) (action.Formatted, error) {
	return action.Formatted{}, nil
}
func (f fakeAction) Execute(ctx context.Context, exec action.Execution) (map[string][]byte, error) {
	return f.fn(ctx, exec)
}
func (fakeAction) Response(map[string][]byte) (any, error) { return nil, nil }
func (fakeAction) StreamResponse(events iter.Seq[json.RawMessage]) iter.Seq[any] {
	return action.PassthroughStream(events)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(store.Config{Root: t.TempDir()}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func newWorker(t *testing.T, s *store.Store, req model.Request, fn func(context.Context, action.Execution) (map[string][]byte, error), timeout time.Duration) *Worker {
	t.Helper()
	req.EnsureToken()
	td, err := s.OpenTempdir(req.IdempotencyToken, req.Action, req.Stream())
	require.NoError(t, err)
	return New(req, td, fakeAction{fn: fn}, s, timeout, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestWorkerCommitsResults(t *testing.T) {
	s := newTestStore(t)
	req := model.Request{Op: model.OpAction, Action: "fake", Keys: []string{"a", "b"}}
	w := newWorker(t, s, req, func(context.Context, action.Execution) (map[string][]byte, error) {
		return map[string][]byte{"a": []byte("1"), "b": []byte("2")}, nil
	}, 0)

	assert.Equal(t, model.StatusCreated, w.Status())

	ev, err := w.Start()
	require.NoError(t, err)
	assert.Equal(t, model.OpWorkerCreate, ev.Op)
	assert.Equal(t, 2, ev.Keys)
	assert.FileExists(t, filepath.Join(w.Record().Tempdir, requestDescriptor))

	res := w.Run(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, model.StatusCommitted, res.Status)
	assert.Empty(t, res.Missing)
	assert.Equal(t, model.OpWorkerTerminate, res.Event.Op)
	assert.Equal(t, model.StatusTerminated, w.Status())

	assert.True(t, s.AllReadable([]string{"a", "b"}))
	_, err = os.Stat(w.Record().Tempdir)
	assert.True(t, os.IsNotExist(err), "workspace should be closed")
}

func TestWorkerFailureStillCommitsPartialResults(t *testing.T) {
	s := newTestStore(t)
	req := model.Request{Op: model.OpAction, Action: "fake", Keys: []string{"a", "b"}}
	w := newWorker(t, s, req, func(context.Context, action.Execution) (map[string][]byte, error) {
		return map[string][]byte{"a": []byte("1")}, errors.New("boom")
	}, 0)

	_, err := w.Start()
	require.NoError(t, err)
	res := w.Run(context.Background())

	assert.EqualError(t, res.Err, "boom")
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, []string{"b"}, res.Missing)
	assert.True(t, s.IsReadable("a"))
	_, err = os.Stat(w.Record().Tempdir)
	assert.True(t, os.IsNotExist(err), "workspace should be closed after failure")
}

func TestWorkerRecoversPanics(t *testing.T) {
	s := newTestStore(t)
	req := model.Request{Op: model.OpAction, Action: "fake", Keys: []string{"a"}}
	w := newWorker(t, s, req, func(context.Context, action.Execution) (map[string][]byte, error) {
		panic("kaboom")
	}, 0)

	_, err := w.Start()
	require.NoError(t, err)
	res := w.Run(context.Background())

	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "kaboom")
	assert.Equal(t, model.StatusTerminated, w.Status())
}

func TestWorkerTimeout(t *testing.T) {
	s := newTestStore(t)
	req := model.Request{Op: model.OpAction, Action: "fake", Keys: []string{"a"}}
	w := newWorker(t, s, req, func(ctx context.Context, _ action.Execution) (map[string][]byte, error) {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}, 50*time.Millisecond)

	_, err := w.Start()
	require.NoError(t, err)

	start := time.Now()
	res := w.Run(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.Equal(t, model.StatusFailed, res.Status)
}

func TestWaitBlocksUntilTimedOutActionReturns(t *testing.T) {
	s := newTestStore(t)
	req := model.Request{Op: model.OpAction, Action: "fake", Keys: []string{"a"}}
	var running atomic.Bool
	w := newWorker(t, s, req, func(context.Context, action.Execution) (map[string][]byte, error) {
		running.Store(true)
		defer running.Store(false)
		time.Sleep(300 * time.Millisecond)
		return map[string][]byte{"a": []byte("late")}, nil
	}, 20*time.Millisecond)

	_, err := w.Start()
	require.NoError(t, err)

	res := w.Run(context.Background())
	require.ErrorIs(t, res.Err, ErrTimeout)
	assert.True(t, running.Load(), "Run should return on timeout while the action is still running")

	w.Wait()
	assert.False(t, running.Load(), "Wait should return only after the action has returned")
	assert.False(t, s.IsReadable("a"), "results of a timed-out action are discarded")
}

func TestWaitWithoutRunReturnsImmediately(t *testing.T) {
	s := newTestStore(t)
	w := newWorker(t, s, model.Request{Op: model.OpAction, Action: "fake"}, nil, 0)
	w.Abort(errors.New("never started"))
	w.Wait()
}

func TestWorkerPassesExistingKeys(t *testing.T) {
	s := newTestStore(t)

	seed := newWorker(t, s, model.Request{Op: model.OpAction, Action: "fake", Keys: []string{"a"}},
		func(context.Context, action.Execution) (map[string][]byte, error) {
			return map[string][]byte{"a": []byte("old")}, nil
		}, 0)
	_, err := seed.Start()
	require.NoError(t, err)
	seed.Run(context.Background())

	var existing []string
	w := newWorker(t, s, model.Request{Op: model.OpAction, Action: "fake", Keys: []string{"a", "b"}},
		func(_ context.Context, exec action.Execution) (map[string][]byte, error) {
			existing = exec.ExistingKeys
			return map[string][]byte{"b": []byte("new")}, nil
		}, 0)
	_, err = w.Start()
	require.NoError(t, err)
	res := w.Run(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, []string{"a"}, existing)
	// a was not re-produced; it is reported missing but stays published.
	assert.Equal(t, []string{"a"}, res.Missing)
	assert.True(t, s.IsReadable("a"))
}

func TestWorkerStreamsEvents(t *testing.T) {
	s := newTestStore(t)
	req := model.Request{
		Op:        model.OpAction,
		Action:    "fake",
		Keys:      []string{"a"},
		StreamKey: model.StreamKeyPtr("stream:x"),
	}
	w := newWorker(t, s, req, func(_ context.Context, exec action.Execution) (map[string][]byte, error) {
		assert.NoError(t, exec.Emit(map[string]int{"page": 1}))
		assert.NoError(t, exec.Emit(map[string]int{"page": 2}))
		return map[string][]byte{"a": []byte("1")}, nil
	}, 0)

	ev, err := w.Start()
	require.NoError(t, err)
	require.NotNil(t, ev.StreamKey)
	assert.Equal(t, "stream:x", *ev.StreamKey)

	w.Run(context.Background())

	data, err := os.ReadFile(s.StreamPath("stream:x"))
	require.NoError(t, err)
	assert.Equal(t, "{\"page\":1}\n{\"page\":2}\n\n", string(data))
}

func TestWorkerAbort(t *testing.T) {
	s := newTestStore(t)
	req := model.Request{Op: model.OpAction, Action: "fake", Keys: []string{"a"}}
	w := newWorker(t, s, req, func(context.Context, action.Execution) (map[string][]byte, error) {
		t.Error("aborted worker must not execute")
		return nil, nil
	}, 0)

	res := w.Abort(errors.New("no slot"))
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, model.OpWorkerTerminate, res.Event.Op)
	assert.Equal(t, model.StatusTerminated, w.Status())
	assert.True(t, strings.HasPrefix(res.Err.Error(), "no slot"))
}
