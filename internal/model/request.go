package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
)

// Inbound ops (host → scheduler).
const (
	OpPing   = "ping"
	OpInit   = "init"
	OpAction = "action"
)

// Outbound ops (scheduler → host).
const (
	OpWorkerCreate    = "worker-create"
	OpWorkerTerminate = "worker-terminate"
	OpPong            = "pong"
)

// Priority selects the scheduler queue a request is placed on.
type Priority string

// Priority constants.
const (
	PriorityHi Priority = "HI"
	PriorityLo Priority = "LO"
)

// Request is one inbound wire record.
type Request struct {
	Op               string          `json:"op"`
	Action           string          `json:"action,omitempty"`
	Priority         Priority        `json:"priority,omitempty"`
	Keys             []string        `json:"keys,omitempty"`
	StreamKey        *string         `json:"stream_key"`
	Message          json.RawMessage `json:"message,omitempty"`
	IdempotencyToken string          `json:"idempotency_token,omitempty"`
	DisposableKeys   []string        `json:"disposable_keys,omitempty"`
	InvalidateCache  bool            `json:"invalidate_cache,omitempty"`
}

// Stream returns the stream key or "" when the request has none.
func (r *Request) Stream() string {
	if r.StreamKey == nil {
		return ""
	}
	return *r.StreamKey
}

// Event is one outbound wire record describing a worker lifecycle change.
type Event struct {
	Op               string  `json:"op"`
	Keys             int     `json:"keys"`
	StreamKey        *string `json:"stream_key"`
	IdempotencyToken string  `json:"idempotency_token,omitempty"`
}

// Stream returns the stream key or "" when the event has none.
func (e *Event) Stream() string {
	if e.StreamKey == nil {
		return ""
	}
	return *e.StreamKey
}

// StreamKeyPtr converts an optional stream key to its wire form.
func StreamKeyPtr(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}

// Token derives the idempotency token of a request from its op, action,
// keys (order-insensitive) and stream key.
func Token(op, action string, keys []string, streamKey string) string {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)

	payload, _ := json.Marshal(struct {
		Op        string   `json:"op"`
		Action    string   `json:"action"`
		Keys      []string `json:"keys"`
		StreamKey *string  `json:"stream_key"`
	}{op, action, sorted, StreamKeyPtr(streamKey)})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// EnsureToken fills in the idempotency token when the caller did not supply one.
func (r *Request) EnsureToken() string {
	if r.IdempotencyToken == "" {
		r.IdempotencyToken = Token(r.Op, r.Action, r.Keys, r.Stream())
	}
	return r.IdempotencyToken
}
