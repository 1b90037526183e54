// Package store implements the durable, disk-backed result store shared by the
// scheduler (writer) and the cache client (reader).
//
// Objects are only ever made visible by renaming a fully written file into
// its final path, so readers need no locks: a path either exists complete or
// does not exist at all.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Directory names under the store root.
const (
	objectsDir = "objects"
	streamsDir = "streams"
	tmpDir     = "tmp"
)

// ErrNotReadable is returned when an object has not been published.
var ErrNotReadable = errors.New("object not readable")

// Layout maps cache keys and stream keys to paths under a root directory.
// It is the read-only half of the store and is safe to use from any process.
type Layout struct {
	root string
}

// NewLayout returns a Layout rooted at root.
func NewLayout(root string) Layout {
	return Layout{root: root}
}

// Root returns the store root directory.
func (l Layout) Root() string {
	return l.root
}

// ObjectPath returns the published path of a cache key.
func (l Layout) ObjectPath(key string) string {
	h := hashKey(key)
	return filepath.Join(l.root, objectsDir, h[:2], h)
}

// StreamPath returns the public path of a stream key's event file.
func (l Layout) StreamPath(streamKey string) string {
	return filepath.Join(l.root, streamsDir, hashKey(streamKey))
}

// TempRoot returns the directory holding per-request workspaces.
func (l Layout) TempRoot() string {
	return filepath.Join(l.root, tmpDir)
}

// IsReadable reports whether key has been published.
func (l Layout) IsReadable(key string) bool {
	return IsSafelyReadable(l.ObjectPath(key))
}

// Existing returns the subset of keys that have been published, in input order.
func (l Layout) Existing(keys []string) []string {
	var out []string
	for _, k := range keys {
		if l.IsReadable(k) {
			out = append(out, k)
		}
	}
	return out
}

// AllReadable reports whether every key has been published. An empty key set
// is never considered readable.
func (l Layout) AllReadable(keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		if !l.IsReadable(k) {
			return false
		}
	}
	return true
}

// ReadObject returns the published bytes of key.
func (l Layout) ReadObject(key string) ([]byte, error) {
	data, err := os.ReadFile(l.ObjectPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotReadable, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}
	return data, nil
}

// IsSafelyReadable reports whether path exists as a regular file. Because
// final paths are only created by rename, existence implies completeness.
func IsSafelyReadable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
