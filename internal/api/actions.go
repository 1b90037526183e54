package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/flowcache/internal/client"
)

const maxBodySize = 1 << 20 // 1 MB

const (
	callReady   = "ready"
	callPending = "pending"
)

// callResponse is the JSON response for POST /v1/actions/{name}.
type callResponse struct {
	Action    string   `json:"action"`
	Token     string   `json:"idempotency_token"`
	Keys      []string `json:"keys"`
	StreamKey string   `json:"stream_key,omitempty"`
	CacheHit  bool     `json:"cache_hit"`
	Status    string   `json:"status"`
	Value     any      `json:"value,omitempty"`
}

func (s *Server) handleListActions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Registry().List())
}

// handleCall invokes an action and waits up to timeout_ms for its result.
// A call still running when the wait ends is answered with 202.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	args, err := readArgs(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	f, err := s.engine.Call(r.Context(), name, args)
	if err != nil {
		s.writeCallError(w, name, err)
		return
	}

	resp := callResponse{
		Action:    name,
		Token:     f.Token(),
		Keys:      f.Keys(),
		StreamKey: f.StreamKey(),
		CacheHit:  f.CacheHit(),
		Status:    callPending,
	}

	err = f.Wait(r.Context(), s.queryTimeout(r))
	switch {
	case errors.Is(err, client.ErrTimeout):
		s.writeJSON(w, http.StatusAccepted, resp)
		return
	case err != nil:
		s.writeCallError(w, name, err)
		return
	}

	value, err := f.Get()
	if err != nil {
		s.logger.Error("read call result", "action", name, "token", f.Token(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read result")
		return
	}
	resp.Status = callReady
	resp.Value = value
	s.writeJSON(w, http.StatusOK, resp)
}

// writeCallError maps client errors to HTTP status codes.
func (s *Server) writeCallError(w http.ResponseWriter, name string, err error) {
	status, message := callErrorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("call action", "action", name, "error", err)
	}
	s.writeError(w, status, message)
}

func callErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, client.ErrUnknownAction):
		return http.StatusNotFound, "action not found"
	case errors.Is(err, client.ErrInvalidArgs):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, client.ErrUnreachable):
		return http.StatusServiceUnavailable, "scheduler unreachable"
	case errors.Is(err, client.ErrTimeout):
		return http.StatusServiceUnavailable, "scheduler is not accepting requests"
	default:
		return http.StatusInternalServerError, "call failed"
	}
}

// readArgs returns the request body as action args. An empty body is null.
func readArgs(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("body is not JSON")
	}
	return body, nil
}

// queryTimeout reads timeout_ms, falling back to the server's call timeout.
func (s *Server) queryTimeout(r *http.Request) time.Duration {
	v := r.URL.Query().Get("timeout_ms")
	if v == "" {
		return s.callTimeout
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return s.callTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
