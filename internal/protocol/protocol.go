// Package protocol implements the newline-delimited JSON framing used between
// the cache client and the scheduler process.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed line length (16 MiB).
const MaxMessageSize = 16 << 20

// ErrMessageTooLarge is returned when a line exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// Marshal encodes v as a single newline-terminated JSON line.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return append(data, '\n'), nil
}

// WriteMessage writes v to w as one JSON line.
func WriteMessage(w io.Writer, v any) error {
	line, err := Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Reader reads JSON lines from an underlying stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxMessageSize+1)
	return &Reader{scanner: s}
}

// ReadLine returns the next non-empty line without decoding it. It returns
// io.EOF when the stream ends.
func (r *Reader) ReadLine() ([]byte, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := r.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrMessageTooLarge
		}
		return nil, fmt.Errorf("read line: %w", err)
	}
	return nil, io.EOF
}

// ReadMessage reads the next line and decodes it into v.
func (r *Reader) ReadMessage(v any) error {
	line, err := r.ReadLine()
	if err != nil {
		return err
	}
	return Unmarshal(line, v)
}

// Unmarshal decodes one line into v.
func Unmarshal(line []byte, v any) error {
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
