package store

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxDiskMB int) *Store {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s, err := New(Config{Root: t.TempDir(), MaxDiskMB: maxDiskMB}, logger)
	require.NoError(t, err)
	return s
}

func TestCommitPublishesProducedKeys(t *testing.T) {
	s := newTestStore(t, 0)
	td, err := s.OpenTempdir("token-abcdef0123456789", "echo", "")
	require.NoError(t, err)

	require.NoError(t, td.WriteKey("k1", []byte("v1")))
	require.NoError(t, td.WriteFile("request.json", []byte("{}")))

	assert.False(t, s.IsReadable("k1"), "key must not be visible before commit")

	missing, err := s.Commit(td, []string{"k1", "k2"}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"k2"}, missing)

	data, err := s.ReadObject("k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	assert.False(t, s.IsReadable("k2"))

	s.CloseTempdir(td)
	_, err = os.Stat(td.Path)
	assert.True(t, os.IsNotExist(err), "workspace should be removed")
}

func TestCommitDiscardsDisposableKeys(t *testing.T) {
	s := newTestStore(t, 0)
	td, err := s.OpenTempdir("tok", "echo", "")
	require.NoError(t, err)
	defer s.CloseTempdir(td)

	require.NoError(t, td.WriteKey("keep", []byte("a")))
	require.NoError(t, td.WriteKey("scratch", []byte("b")))

	missing, err := s.Commit(td, []string{"keep", "scratch"}, "", []string{"scratch"})
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.True(t, s.IsReadable("keep"))
	assert.False(t, s.IsReadable("scratch"))
}

func TestCommitOverwritesExistingObject(t *testing.T) {
	s := newTestStore(t, 0)
	for _, v := range []string{"first", "second"} {
		td, err := s.OpenTempdir("tok", "echo", "")
		require.NoError(t, err)
		require.NoError(t, td.WriteKey("k", []byte(v)))
		_, err = s.Commit(td, []string{"k"}, "", nil)
		require.NoError(t, err)
		s.CloseTempdir(td)
	}

	data, err := s.ReadObject("k")
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
	assert.Equal(t, int64(len("second")), s.Usage())
}

func TestReadObjectNotReadable(t *testing.T) {
	s := newTestStore(t, 0)
	_, err := s.ReadObject("nope")
	assert.ErrorIs(t, err, ErrNotReadable)
}

func TestAllReadable(t *testing.T) {
	s := newTestStore(t, 0)
	assert.False(t, s.AllReadable(nil), "empty key set is never a hit")

	td, err := s.OpenTempdir("tok", "echo", "")
	require.NoError(t, err)
	require.NoError(t, td.WriteKey("a", []byte("1")))
	_, err = s.Commit(td, []string{"a"}, "", nil)
	require.NoError(t, err)

	assert.True(t, s.AllReadable([]string{"a"}))
	assert.False(t, s.AllReadable([]string{"a", "b"}))
	assert.Equal(t, []string{"a"}, s.Existing([]string{"b", "a"}))
}

func TestStreamFileLifecycle(t *testing.T) {
	s := newTestStore(t, 0)
	td, err := s.OpenTempdir("tok", "log", "stream:1")
	require.NoError(t, err)

	w, err := td.CreateStream()
	require.NoError(t, err)
	assert.True(t, IsSafelyReadable(s.StreamPath("stream:1")), "stream file is public as soon as it is created")

	require.NoError(t, w.Write(map[string]string{"type": "progress"}))
	require.NoError(t, w.Write(map[string]string{"type": "done"}))

	_, err = s.Commit(td, nil, "stream:1", nil)
	require.NoError(t, err)
	s.CloseTempdir(td)

	data, err := os.ReadFile(s.StreamPath("stream:1"))
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	// two events, the blank sentinel, and the trailing split remainder
	require.Len(t, lines, 4)
	assert.Equal(t, `{"type":"progress"}`, lines[0])
	assert.Equal(t, "", lines[2])

	assert.Error(t, w.Write("late"), "writes after close must fail")
}

func TestCreateStreamWithoutStreamKey(t *testing.T) {
	s := newTestStore(t, 0)
	td, err := s.OpenTempdir("tok", "echo", "")
	require.NoError(t, err)
	defer s.CloseTempdir(td)

	_, err = td.CreateStream()
	assert.Error(t, err)
}

func TestOpenTempdirFailure(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, os.RemoveAll(s.TempRoot()))
	// A regular file where the workspace root should be makes MkdirTemp fail.
	require.NoError(t, os.WriteFile(s.TempRoot(), []byte("x"), 0o644))

	_, err := s.OpenTempdir("tok", "echo", "")
	assert.Error(t, err)
}

func TestBudgetEvictsOldestObjects(t *testing.T) {
	s := newTestStore(t, 1)
	half := bytes.Repeat([]byte("x"), 600*1024)

	for _, key := range []string{"old", "new"} {
		td, err := s.OpenTempdir("tok-"+key, "echo", "")
		require.NoError(t, err)
		require.NoError(t, td.WriteKey(key, half))
		_, err = s.Commit(td, []string{key}, "", nil)
		require.NoError(t, err)
		s.CloseTempdir(td)
	}

	assert.False(t, s.IsReadable("old"), "oldest object should be evicted")
	assert.True(t, s.IsReadable("new"))
	assert.LessOrEqual(t, s.Usage(), int64(1<<20))
}

func TestBudgetNeverEvictsCurrentCommit(t *testing.T) {
	s := newTestStore(t, 1)
	half := bytes.Repeat([]byte("x"), 600*1024)

	td, err := s.OpenTempdir("tok-old", "echo", "")
	require.NoError(t, err)
	require.NoError(t, td.WriteKey("old", []byte("small")))
	_, err = s.Commit(td, []string{"old"}, "", nil)
	require.NoError(t, err)
	s.CloseTempdir(td)

	td, err = s.OpenTempdir("tok-pair", "echo", "")
	require.NoError(t, err)
	require.NoError(t, td.WriteKey("a", half))
	require.NoError(t, td.WriteKey("b", half))
	missing, err := s.Commit(td, []string{"a", "b"}, "", nil)
	require.NoError(t, err)
	assert.Empty(t, missing)
	s.CloseTempdir(td)

	assert.True(t, s.IsReadable("a"))
	assert.True(t, s.IsReadable("b"))
	assert.True(t, s.AllReadable([]string{"a", "b"}), "a commit larger than the budget must stay readable")
	assert.False(t, s.IsReadable("old"), "earlier objects are still evicted")
	assert.Equal(t, int64(2*len(half)), s.Usage())

	// Later commits evict the oversized pair oldest first.
	td, err = s.OpenTempdir("tok-next", "echo", "")
	require.NoError(t, err)
	require.NoError(t, td.WriteKey("next", []byte("n")))
	_, err = s.Commit(td, []string{"next"}, "", nil)
	require.NoError(t, err)
	s.CloseTempdir(td)
	assert.True(t, s.IsReadable("next"))
	assert.False(t, s.IsReadable("a"))
	assert.True(t, s.IsReadable("b"))
	assert.LessOrEqual(t, s.Usage(), int64(1<<20))
}

func TestReopenRebuildsIndexAndClearsWorkspaces(t *testing.T) {
	root := t.TempDir()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	s, err := New(Config{Root: root}, logger)
	require.NoError(t, err)
	td, err := s.OpenTempdir("tok", "echo", "")
	require.NoError(t, err)
	require.NoError(t, td.WriteKey("k", []byte("hello")))
	_, err = s.Commit(td, []string{"k"}, "", nil)
	require.NoError(t, err)
	leftover, err := s.OpenTempdir("crashed", "echo", "")
	require.NoError(t, err)

	reopened, err := New(Config{Root: root}, logger)
	require.NoError(t, err)
	assert.Equal(t, int64(5), reopened.Usage())
	assert.True(t, reopened.IsReadable("k"))
	_, err = os.Stat(leftover.Path)
	assert.True(t, os.IsNotExist(err), "stale workspace should be removed on open")
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New(Config{}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	assert.Error(t, err)
}

// Readers racing a committing writer must only ever observe complete values.
func TestConcurrentReadersNeverSeePartialObjects(t *testing.T) {
	s := newTestStore(t, 0)
	reader := NewLayout(s.Root())

	const rounds = 50
	payload := func(i int) []byte {
		return bytes.Repeat([]byte{byte('a' + i%26)}, 256*1024)
	}

	var (
		wg      sync.WaitGroup
		done    atomic.Bool
		partial atomic.Int32
	)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !done.Load() {
				if !reader.IsReadable("hot") {
					continue
				}
				data, err := reader.ReadObject("hot")
				if err != nil {
					continue
				}
				if len(data) != 256*1024 || !bytes.Equal(data, bytes.Repeat(data[:1], len(data))) {
					partial.Add(1)
				}
			}
		}()
	}

	for i := 0; i < rounds; i++ {
		td, err := s.OpenTempdir("tok", "echo", "")
		require.NoError(t, err)
		require.NoError(t, td.WriteKey("hot", payload(i)))
		_, err = s.Commit(td, []string{"hot"}, "", nil)
		require.NoError(t, err)
		s.CloseTempdir(td)
	}
	done.Store(true)
	wg.Wait()

	assert.Zero(t, partial.Load(), "readers observed partially written objects")
}

func TestObjectPathIsDeterministic(t *testing.T) {
	l := NewLayout("/cache")
	assert.Equal(t, l.ObjectPath("a"), l.ObjectPath("a"))
	assert.NotEqual(t, l.ObjectPath("a"), l.ObjectPath("b"))
	assert.Equal(t, filepath.Join("/cache", "objects"), filepath.Dir(filepath.Dir(l.ObjectPath("a"))))
	assert.NotEqual(t, filepath.Dir(l.ObjectPath("a")), filepath.Dir(l.StreamPath("a")))
}
