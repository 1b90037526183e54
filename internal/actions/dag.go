package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"strings"

	"github.com/seantiz/flowcache/internal/action"
	"github.com/seantiz/flowcache/internal/model"
)

// DAGName is the wire name of the DAG action.
const DAGName = "dag"

type dagArgs struct {
	Location string `json:"location"`
}

// flowStep is one step of a flow descriptor.
type flowStep struct {
	Type string   `json:"type"`
	Next []string `json:"next"`
}

// flowDescriptor is the stored shape of a flow graph.
type flowDescriptor struct {
	Steps map[string]flowStep `json:"steps"`
}

// DAGNode is one step of a parsed DAG.
type DAGNode struct {
	Name string   `json:"name"`
	Type string   `json:"type,omitempty"`
	Next []string `json:"next"`
}

// DAG is the stored value of the dag action. Nodes are in topological order.
type DAG struct {
	OK       bool      `json:"ok"`
	Location string    `json:"location"`
	Nodes    []DAGNode `json:"nodes,omitempty"`
	Roots    []string  `json:"roots,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// DAGEvent is a progress event of the dag action.
type DAGEvent struct {
	Type  string `json:"type"`
	Stage string `json:"stage"`
	Steps int    `json:"steps,omitempty"`
}

// DAGAction parses a flow descriptor into a topologically ordered DAG.
type DAGAction struct {
	Source ObjectSource
}

func (DAGAction) Name() string             { return DAGName }
func (DAGAction) Priority() model.Priority { return model.PriorityLo }

func dagKey(location string) string {
	return "dag:" + location
}

func (DAGAction) FormatRequest(args json.RawMessage) (action.Formatted, error) {
	var a dagArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return action.Formatted{}, fmt.Errorf("decode dag args: %w", err)
	}
	a.Location = strings.TrimSpace(a.Location)
	if a.Location == "" {
		return action.Formatted{}, fmt.Errorf("dag: location is required")
	}
	msg, err := json.Marshal(a)
	if err != nil {
		return action.Formatted{}, err
	}
	key := dagKey(a.Location)
	return action.Formatted{Message: msg, Keys: []string{key}, StreamKey: key}, nil
}

func (d DAGAction) Execute(ctx context.Context, exec action.Execution) (map[string][]byte, error) {
	var a dagArgs
	if err := json.Unmarshal(exec.Message, &a); err != nil {
		return nil, fmt.Errorf("decode dag message: %w", err)
	}
	key := dagKey(a.Location)
	result := DAG{Location: a.Location}

	store := func() (map[string][]byte, error) {
		value, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		return map[string][]byte{key: value}, nil
	}

	if err := exec.Emit(DAGEvent{Type: "progress", Stage: "fetch"}); err != nil {
		return nil, err
	}
	data, err := d.Source.Get(ctx, a.Location)
	if err != nil {
		result.Error = err.Error()
		return store()
	}

	var desc flowDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		result.Error = fmt.Sprintf("parse flow descriptor: %v", err)
		return store()
	}
	if err := exec.Emit(DAGEvent{Type: "progress", Stage: "parse", Steps: len(desc.Steps)}); err != nil {
		return nil, err
	}

	nodes, roots, err := buildDAG(desc)
	if err != nil {
		result.Error = err.Error()
		return store()
	}
	result.OK = true
	result.Nodes = nodes
	result.Roots = roots

	if err := exec.Emit(DAGEvent{Type: "progress", Stage: "done", Steps: len(nodes)}); err != nil {
		return nil, err
	}
	return store()
}

// buildDAG validates the descriptor and orders its steps with Kahn's
// algorithm, breaking ties by name so the output is deterministic.
func buildDAG(desc flowDescriptor) ([]DAGNode, []string, error) {
	if len(desc.Steps) == 0 {
		return nil, nil, fmt.Errorf("flow has no steps")
	}

	indegree := make(map[string]int, len(desc.Steps))
	for name, step := range desc.Steps {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, next := range step.Next {
			if _, ok := desc.Steps[next]; !ok {
				return nil, nil, fmt.Errorf("step %q points to unknown step %q", name, next)
			}
			indegree[next]++
		}
	}

	var queue []string
	for name, n := range indegree {
		if n == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)
	roots := append([]string(nil), queue...)

	nodes := make([]DAGNode, 0, len(desc.Steps))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		step := desc.Steps[name]

		next := append([]string{}, step.Next...)
		sort.Strings(next)
		nodes = append(nodes, DAGNode{Name: name, Type: step.Type, Next: next})

		for _, to := range next {
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
		sort.Strings(queue)
	}

	if len(nodes) != len(desc.Steps) {
		return nil, nil, fmt.Errorf("flow contains a cycle")
	}
	return nodes, roots, nil
}

func (DAGAction) Response(values map[string][]byte) (any, error) {
	for _, raw := range values {
		var dag DAG
		if err := json.Unmarshal(raw, &dag); err != nil {
			return nil, fmt.Errorf("decode dag: %w", err)
		}
		return dag, nil
	}
	return nil, nil
}

func (DAGAction) StreamResponse(events iter.Seq[json.RawMessage]) iter.Seq[any] {
	return func(yield func(any) bool) {
		for raw := range events {
			var ev DAGEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			if !yield(ev) {
				return
			}
		}
	}
}
