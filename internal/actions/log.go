package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"

	"github.com/seantiz/flowcache/internal/action"
	"github.com/seantiz/flowcache/internal/model"
)

// LogName is the wire name of the log page action.
const LogName = "log"

// DefaultLogLimit is the page size used when a request does not set one.
const DefaultLogLimit = 100

type logArgs struct {
	Location string `json:"location"`
	Page     int    `json:"page"`
	Limit    int    `json:"limit"`
}

// LogPage is one page of a task log.
type LogPage struct {
	Location   string   `json:"location"`
	Page       int      `json:"page"`
	Limit      int      `json:"limit"`
	Lines      []string `json:"lines"`
	TotalLines int      `json:"total_lines"`
	HasMore    bool     `json:"has_more"`
	Error      string   `json:"error,omitempty"`
}

// LogEvent is a progress event of the log action.
type LogEvent struct {
	Type  string `json:"type"`
	Page  int    `json:"page"`
	Lines int    `json:"lines,omitempty"`
	Error string `json:"error,omitempty"`
}

// Log reads one page of a task log object.
type Log struct {
	Source ObjectSource
}

func (Log) Name() string             { return LogName }
func (Log) Priority() model.Priority { return model.PriorityLo }

func logKey(a logArgs) string {
	return "log:" + a.Location + ":" + strconv.Itoa(a.Page) + ":" + strconv.Itoa(a.Limit)
}

func (Log) FormatRequest(args json.RawMessage) (action.Formatted, error) {
	var a logArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return action.Formatted{}, fmt.Errorf("decode log args: %w", err)
	}
	a.Location = strings.TrimSpace(a.Location)
	if a.Location == "" {
		return action.Formatted{}, fmt.Errorf("log: location is required")
	}
	if a.Page < 0 {
		return action.Formatted{}, fmt.Errorf("log: page must not be negative")
	}
	if a.Limit <= 0 {
		a.Limit = DefaultLogLimit
	}
	if a.Page > math.MaxInt/a.Limit {
		return action.Formatted{}, fmt.Errorf("log: page %d is out of range for limit %d", a.Page, a.Limit)
	}

	msg, err := json.Marshal(a)
	if err != nil {
		return action.Formatted{}, err
	}
	key := logKey(a)
	return action.Formatted{Message: msg, Keys: []string{key}, StreamKey: key}, nil
}

func (l Log) Execute(ctx context.Context, exec action.Execution) (map[string][]byte, error) {
	var a logArgs
	if err := json.Unmarshal(exec.Message, &a); err != nil {
		return nil, fmt.Errorf("decode log message: %w", err)
	}
	key := logKey(a)
	page := LogPage{Location: a.Location, Page: a.Page, Limit: a.Limit, Lines: []string{}}

	if err := exec.Emit(LogEvent{Type: "started", Page: a.Page}); err != nil {
		return nil, err
	}

	data, err := l.Source.Get(ctx, a.Location)
	if err != nil {
		page.Error = err.Error()
		if emitErr := exec.Emit(LogEvent{Type: "error", Page: a.Page, Error: page.Error}); emitErr != nil {
			return nil, emitErr
		}
		value, mErr := json.Marshal(page)
		if mErr != nil {
			return nil, mErr
		}
		return map[string][]byte{key: value}, nil
	}

	lines := splitLines(data)
	page.TotalLines = len(lines)
	start, end := pageBounds(a.Page, a.Limit, len(lines))
	page.Lines = append(page.Lines, lines[start:end]...)
	page.HasMore = end < len(lines)

	if err := exec.Emit(LogEvent{Type: "page", Page: a.Page, Lines: len(page.Lines)}); err != nil {
		return nil, err
	}

	value, err := json.Marshal(page)
	if err != nil {
		return nil, err
	}
	return map[string][]byte{key: value}, nil
}

func splitLines(data []byte) []string {
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return nil
	}
	parts := strings.Split(string(data), "\n")
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, "\r")
	}
	return parts
}

func (Log) Response(values map[string][]byte) (any, error) {
	for _, raw := range values {
		var page LogPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode log page: %w", err)
		}
		return page, nil
	}
	return nil, nil
}

// StreamResponse decodes progress events, skipping ones it cannot decode.
func (Log) StreamResponse(events iter.Seq[json.RawMessage]) iter.Seq[any] {
	return func(yield func(any) bool) {
		for raw := range events {
			var ev LogEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// pageBounds returns the slice bounds of page in n lines without overflowing.
func pageBounds(page, limit, n int) (int, int) {
	if limit <= 0 || page < 0 || page > n/limit {
		return n, n
	}
	start := min(page*limit, n)
	return start, start + min(limit, n-start)
}
