package action

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/seantiz/flowcache/internal/model"
)

// Built-in action names.
const (
	CheckName = "check"
	EchoName  = "echo"
)

const checkKey = "check"

// Check is the liveness action a client runs during start-up. It always
// invalidates its single key so the request reaches a worker.
type Check struct{}

func (Check) Name() string             { return CheckName }
func (Check) Priority() model.Priority { return model.PriorityHi }

func (Check) FormatRequest(json.RawMessage) (Formatted, error) {
	return Formatted{
		Message:         json.RawMessage(`{}`),
		Keys:            []string{checkKey},
		InvalidateCache: true,
	}, nil
}

func (Check) Execute(context.Context, Execution) (map[string][]byte, error) {
	return map[string][]byte{checkKey: []byte(time.Now().UTC().Format(time.RFC3339Nano))}, nil
}

func (Check) Response(values map[string][]byte) (any, error) {
	return string(values[checkKey]), nil
}

func (Check) StreamResponse(events iter.Seq[json.RawMessage]) iter.Seq[any] {
	return PassthroughStream(events)
}

// echoArgs is both the argument and the message shape of Echo.
type echoArgs struct {
	X string `json:"x"`
}

// Echo stores its argument under "echo:<x>" and returns it unchanged.
type Echo struct{}

func (Echo) Name() string             { return EchoName }
func (Echo) Priority() model.Priority { return model.PriorityLo }

func (Echo) FormatRequest(args json.RawMessage) (Formatted, error) {
	var a echoArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return Formatted{}, fmt.Errorf("decode echo args: %w", err)
	}
	msg, err := json.Marshal(a)
	if err != nil {
		return Formatted{}, err
	}
	return Formatted{
		Message: msg,
		Keys:    []string{echoKey(a.X)},
	}, nil
}

func (Echo) Execute(_ context.Context, exec Execution) (map[string][]byte, error) {
	var a echoArgs
	if err := json.Unmarshal(exec.Message, &a); err != nil {
		return nil, fmt.Errorf("decode echo message: %w", err)
	}
	value, err := json.Marshal(a.X)
	if err != nil {
		return nil, err
	}
	return map[string][]byte{echoKey(a.X): value}, nil
}

func (Echo) Response(values map[string][]byte) (any, error) {
	for _, raw := range values {
		var x string
		if err := json.Unmarshal(raw, &x); err != nil {
			return nil, fmt.Errorf("decode echo value: %w", err)
		}
		return x, nil
	}
	return nil, nil
}

func (Echo) StreamResponse(events iter.Seq[json.RawMessage]) iter.Seq[any] {
	return PassthroughStream(events)
}

func echoKey(x string) string {
	return "echo:" + x
}
