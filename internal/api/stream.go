package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/seantiz/flowcache/internal/client"
)

const (
	wsWriteWait = 10 * time.Second
	wsArgsWait  = 30 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// wsMessage is one outbound websocket message.
type wsMessage struct {
	Type  string `json:"type"`
	Token string `json:"idempotency_token,omitempty"`
	Event any    `json:"event,omitempty"`
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// followCall emits what a caller of a streaming endpoint sees: every stream
// event, or the result value for an action without a stream key. emit
// returning false stops early.
func followCall(ctx context.Context, f *client.Future, timeout time.Duration, emit func(wsMessage) bool) {
	if f.StreamKey() == "" {
		if err := f.Wait(ctx, timeout); err != nil {
			emit(wsMessage{Type: "error", Error: err.Error()})
			return
		}
		value, err := f.Get()
		if err != nil {
			emit(wsMessage{Type: "error", Error: err.Error()})
			return
		}
		emit(wsMessage{Type: "result", Value: value})
		return
	}

	for ev, err := range f.Stream(ctx, timeout) {
		if err != nil {
			emit(wsMessage{Type: "error", Error: err.Error()})
			return
		}
		if !emit(wsMessage{Type: "event", Event: ev}) {
			return
		}
	}
}

// handleStreamSSE calls an action and relays its stream as Server-Sent Events.
func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
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

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	defer trackStream(transportSSE)()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	followCall(r.Context(), f, s.queryTimeout(r), func(msg wsMessage) bool {
		var err error
		switch msg.Type {
		case "event":
			err = writeSSEJSON(w, "", msg.Event)
		case "result":
			err = writeSSEJSON(w, "result", msg.Value)
		case "error":
			err = writeSSEEvent(w, "error", msg.Error)
		}
		if err != nil {
			return false // Write failed (e.g. client gone).
		}
		if canFlush {
			flusher.Flush()
		}
		return true
	})

	if r.Context().Err() != nil {
		return
	}
	_ = writeSSEEvent(w, "done", "stream complete")
	if canFlush {
		flusher.Flush()
	}
}

// handleStreamWS calls an action with the arguments carried by the first
// websocket message and sends each stream event as a JSON message.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.engine.Registry().Lookup(name); !ok {
		s.writeError(w, http.StatusNotFound, "action not found")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	defer trackStream(transportWebsocket)()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	write := func(v any) bool {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return false
		}
		return conn.WriteJSON(v) == nil
	}

	if err := conn.SetReadDeadline(time.Now().Add(wsArgsWait)); err != nil {
		return
	}
	_, args, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if len(strings.TrimSpace(string(args))) == 0 {
		args = []byte("null")
	}
	if !json.Valid(args) {
		write(wsMessage{Type: "error", Error: "arguments are not JSON"})
		return
	}

	f, err := s.engine.Call(ctx, name, args)
	if err != nil {
		_, message := callErrorStatus(err)
		write(wsMessage{Type: "error", Error: message})
		return
	}
	if !write(wsMessage{Type: "accepted", Token: f.Token()}) {
		return
	}

	// Reading keeps control frames flowing and notices a client that left.
	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Pings go through the same writer as events.
	msgs := make(chan wsMessage)
	go func() {
		defer close(msgs)
		followCall(ctx, f, s.queryTimeout(r), func(msg wsMessage) bool {
			select {
			case msgs <- msg:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				write(wsMessage{Type: "done"})
				deadline := time.Now().Add(wsWriteWait)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"), deadline)
				return
			}
			if !write(msg) {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// writeSSEJSON writes v as the JSON data of an SSE event. An empty eventType
// writes an unnamed event.
func writeSSEJSON(w http.ResponseWriter, eventType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if eventType != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
			return err
		}
	}
	return writeSSEData(w, string(data))
}

// writeSSEData writes a line as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	return writeSSEData(w, data)
}
