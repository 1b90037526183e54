package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	keysDir    = "keys"
	streamFile = "stream"
)

// Tempdir is the provisional workspace of one in-flight request.
type Tempdir struct {
	Path      string
	Token     string
	Action    string
	StreamKey string

	layout Layout

	mu     sync.Mutex
	stream *StreamWriter
}

// KeyPath returns the provisional path of key inside the workspace.
func (td *Tempdir) KeyPath(key string) string {
	return filepath.Join(td.Path, keysDir, hashKey(key))
}

// WriteKey fully writes and syncs value as the provisional content of key.
func (td *Tempdir) WriteKey(key string, value []byte) error {
	return writeSynced(td.KeyPath(key), value)
}

// WriteFile writes a bookkeeping file (never published) into the workspace.
func (td *Tempdir) WriteFile(name string, data []byte) error {
	return writeSynced(filepath.Join(td.Path, name), data)
}

// CreateStream creates the event file for the workspace's stream key inside
// the workspace, then renames it into its public stream path. Events are
// appended through the open descriptor.
func (td *Tempdir) CreateStream() (*StreamWriter, error) {
	if td.StreamKey == "" {
		return nil, errors.New("workspace has no stream key")
	}

	td.mu.Lock()
	defer td.mu.Unlock()
	if td.stream != nil {
		return td.stream, nil
	}

	local := filepath.Join(td.Path, streamFile)
	f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create stream file: %w", err)
	}

	public := td.layout.StreamPath(td.StreamKey)
	if err := os.MkdirAll(filepath.Dir(public), 0o755); err != nil {
		f.Close()
		return nil, fmt.Errorf("create streams dir: %w", err)
	}
	if err := os.Rename(local, public); err != nil {
		f.Close()
		return nil, fmt.Errorf("publish stream file: %w", err)
	}

	td.stream = &StreamWriter{f: f}
	return td.stream, nil
}

func (td *Tempdir) closeStream() error {
	td.mu.Lock()
	s := td.stream
	td.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// StreamWriter appends progress events to a stream file, one JSON object per line.
type StreamWriter struct {
	mu     sync.Mutex
	f      *os.File
	closed bool
}

// Write appends one event. Each event is written with a single write call.
func (w *StreamWriter) Write(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("stream closed")
	}
	if _, err := w.f.Write(data); err != nil {
		return fmt.Errorf("write stream event: %w", err)
	}
	return nil
}

// Close writes the blank-line end sentinel and closes the file. It is idempotent.
func (w *StreamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	_, werr := w.f.Write([]byte("\n"))
	cerr := w.f.Close()
	return errors.Join(werr, cerr)
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
