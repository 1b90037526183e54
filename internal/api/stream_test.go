package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// readSSE collects the data lines and event names of an SSE response.
func readSSE(t *testing.T, resp *http.Response) (data []string, events []string) {
	t.Helper()
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	return data, events
}

func TestStreamSSELogEvents(t *testing.T) {
	env := newTestEnv(t)
	env.writeObject(t, "tasks/2.log", "a\nb\n")
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/actions/log/stream", `{"location":"tasks/2.log"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	data, events := readSSE(t, resp)
	if len(events) == 0 || events[len(events)-1] != "done" {
		t.Fatalf("events = %v, want trailing done", events)
	}
	if len(data) < 3 {
		t.Fatalf("data = %v, want started, page and done", data)
	}
	if !strings.Contains(data[0], `"type":"started"`) {
		t.Errorf("first event = %s, want started", data[0])
	}
	if !strings.Contains(data[1], `"type":"page"`) || !strings.Contains(data[1], `"lines":2`) {
		t.Errorf("second event = %s, want page of 2 lines", data[1])
	}
}

func TestStreamSSEResultWithoutStreamKey(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/actions/echo/stream", `{"x":"sse"}`)
	defer resp.Body.Close()

	data, events := readSSE(t, resp)
	want := []string{"result", "done"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", events, want)
	}
	if len(data) == 0 || data[0] != `"sse"` {
		t.Errorf("data = %v, want the echoed value first", data)
	}
}

func TestStreamSSEUnknownAction(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/actions/nope/stream", `{}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestStreamWebsocketLogEvents(t *testing.T) {
	env := newTestEnv(t)
	env.writeObject(t, "tasks/3.log", "x\ny\nz\n")
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/actions/log/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"location":"tasks/3.log"}`)); err != nil {
		t.Fatalf("write args: %v", err)
	}

	var types []string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		types = append(types, msg.Type)
		if msg.Type == "event" {
			raw, _ := json.Marshal(msg.Event)
			if !strings.Contains(string(raw), `"type"`) {
				t.Errorf("event = %s, want a log event", raw)
			}
		}
	}

	want := "accepted,event,event,done"
	if got := strings.Join(types, ","); got != want {
		t.Errorf("messages = %s, want %s", got, want)
	}
}

func TestStreamWebsocketUnknownAction(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/actions/nope/ws"), nil)
	if err == nil {
		t.Fatal("dial succeeded, want handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %v, want 404", resp)
	}
}

func TestStreamWebsocketBadArgs(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/actions/log/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"location":""}`)); err != nil {
		t.Fatalf("write args: %v", err)
	}
	var msg wsMessage
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "error" || !strings.Contains(msg.Error, "location is required") {
		t.Errorf("message = %+v, want location error", msg)
	}
}
