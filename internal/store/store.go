package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxIndexEntries bounds the number of objects tracked for eviction. It is
// far above any realistic object count; the byte budget is the real limit.
const maxIndexEntries = 1 << 22

// Config configures a Store.
type Config struct {
	Root string
	// MaxDiskMB is the budget for published objects. Zero disables eviction.
	MaxDiskMB int
}

// Store is the write side of the durable store. Exactly one Store (owned by
// the scheduler) should exist per root.
type Store struct {
	Layout

	logger   *slog.Logger
	maxBytes int64

	mu    sync.Mutex
	usage int64
	index *lru.Cache[string, int64] // object path → size
}

// New opens (creating if needed) the store rooted at cfg.Root, discards
// workspaces left behind by a previous scheduler and rebuilds the disk usage
// index from the published objects.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("store root is required")
	}

	s := &Store{
		Layout:   NewLayout(cfg.Root),
		logger:   logger,
		maxBytes: int64(cfg.MaxDiskMB) << 20,
	}

	index, err := lru.NewWithEvict(maxIndexEntries, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	s.index = index

	for _, dir := range []string{objectsDir, streamsDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	if err := os.RemoveAll(s.TempRoot()); err != nil {
		logger.Warn("failed to clear stale workspaces", "error", err)
	}
	if err := os.MkdirAll(s.TempRoot(), 0o755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}

	if err := s.rebuildIndex(); err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	return s, nil
}

// Usage returns the bytes currently accounted to published objects.
func (s *Store) Usage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// OpenTempdir allocates an isolated workspace for one request.
func (s *Store) OpenTempdir(token, action, streamKey string) (*Tempdir, error) {
	prefix := token
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	path, err := os.MkdirTemp(s.TempRoot(), prefix+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	if err := os.Mkdir(filepath.Join(path, keysDir), 0o755); err != nil {
		os.RemoveAll(path)
		return nil, fmt.Errorf("create workspace keys dir: %w", err)
	}
	return &Tempdir{
		Path:      path,
		Token:     token,
		Action:    action,
		StreamKey: streamKey,
		layout:    s.Layout,
	}, nil
}

// Commit publishes every promised key the worker produced in td by renaming
// it into its final path. It returns the promised keys that were not
// produced. Disposable keys and bookkeeping files stay in the workspace and
// disappear with it. An open stream is finished with its end sentinel.
func (s *Store) Commit(td *Tempdir, keys []string, streamKey string, disposableKeys []string) ([]string, error) {
	if streamKey != "" {
		if err := td.closeStream(); err != nil {
			s.logger.Warn("failed to finish stream", "stream_key", streamKey, "error", err)
		}
	}

	disposable := make(map[string]bool, len(disposableKeys))
	for _, k := range disposableKeys {
		disposable[k] = true
	}

	var (
		missing   []string
		errs      []error
		published = make(map[string]bool, len(keys))
	)
	for _, key := range keys {
		if disposable[key] {
			continue
		}
		src := td.KeyPath(key)
		info, err := os.Stat(src)
		if errors.Is(err, os.ErrNotExist) {
			missing = append(missing, key)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("stat %q: %w", key, err))
			continue
		}

		dst := s.ObjectPath(key)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			errs = append(errs, fmt.Errorf("create object dir for %q: %w", key, err))
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			errs = append(errs, fmt.Errorf("publish %q: %w", key, err))
			continue
		}
		s.track(dst, info.Size())
		published[dst] = true
		storeCommitsTotal.Inc()
	}

	s.enforceBudget(published)
	return missing, errors.Join(errs...)
}

// CloseTempdir removes the workspace. Failures are logged only: published
// objects already live outside it.
func (s *Store) CloseTempdir(td *Tempdir) {
	if err := td.closeStream(); err != nil {
		s.logger.Warn("failed to close stream", "workspace", td.Path, "error", err)
	}
	if err := os.RemoveAll(td.Path); err != nil {
		s.logger.Warn("failed to remove workspace", "workspace", td.Path, "error", err)
	}
}

func (s *Store) track(path string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.index.Peek(path); ok {
		s.usage -= old
	}
	s.index.Add(path, size)
	s.usage += size
	storeBytes.Set(float64(s.usage))
}

// enforceBudget removes the oldest published objects until usage fits the
// budget. Objects in keep were published by the commit being enforced and
// are never evicted by it.
func (s *Store) enforceBudget(keep map[string]bool) {
	if s.maxBytes <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage > s.maxBytes {
		for _, path := range s.index.Keys() {
			if s.usage <= s.maxBytes {
				break
			}
			if keep[path] {
				continue
			}
			s.index.Remove(path)
		}
	}
	if s.usage > s.maxBytes {
		s.logger.Warn("disk budget exceeded by a single commit", "usage", s.usage, "budget", s.maxBytes)
	}
	storeBytes.Set(float64(s.usage))
}

// onEvict runs under s.mu (from Add or RemoveOldest).
func (s *Store) onEvict(path string, size int64) {
	s.usage -= size
	if s.usage < 0 {
		s.usage = 0
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to evict object", "path", path, "error", err)
		return
	}
	storeEvictionsTotal.Inc()
}

type indexedObject struct {
	path string
	size int64
	mod  int64
}

func (s *Store) rebuildIndex() error {
	var objects []indexedObject
	root := filepath.Join(s.Root(), objectsDir)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, indexedObject{path: path, size: info.Size(), mod: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(objects, func(i, j int) bool {
		if objects[i].mod == objects[j].mod {
			return objects[i].path < objects[j].path
		}
		return objects[i].mod < objects[j].mod
	})
	for _, o := range objects {
		s.track(o.path, o.size)
	}
	s.enforceBudget(nil)
	return nil
}
