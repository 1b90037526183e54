package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/seantiz/flowcache/internal/action"
	"github.com/seantiz/flowcache/internal/model"
)

// ArtifactName is the wire name of the artifact action.
const ArtifactName = "artifact"

type artifactArgs struct {
	Locations []string `json:"locations"`
}

// ArtifactResult is the stored value of one artifact location. A location
// that could not be fetched is stored with OK false so the failure is cached
// with the rest of the batch.
type ArtifactResult struct {
	OK      bool   `json:"ok"`
	Content []byte `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Artifact fetches artifact blobs, one key per location.
type Artifact struct {
	Source ObjectSource
}

func (Artifact) Name() string             { return ArtifactName }
func (Artifact) Priority() model.Priority { return model.PriorityHi }

func artifactKey(location string) string {
	return "artifact:" + location
}

func (Artifact) FormatRequest(args json.RawMessage) (action.Formatted, error) {
	var a artifactArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return action.Formatted{}, fmt.Errorf("decode artifact args: %w", err)
	}
	locations := make([]string, 0, len(a.Locations))
	for _, loc := range a.Locations {
		if loc = strings.TrimSpace(loc); loc != "" {
			locations = append(locations, loc)
		}
	}
	if len(locations) == 0 {
		return action.Formatted{}, fmt.Errorf("artifact: at least one location is required")
	}
	slices.Sort(locations)
	locations = slices.Compact(locations)

	msg, err := json.Marshal(artifactArgs{Locations: locations})
	if err != nil {
		return action.Formatted{}, err
	}
	keys := make([]string, len(locations))
	for i, loc := range locations {
		keys[i] = artifactKey(loc)
	}
	return action.Formatted{Message: msg, Keys: keys}, nil
}

// Execute fetches every location not already stored. Fetch failures are
// recorded in the value instead of failing the worker.
func (a Artifact) Execute(ctx context.Context, exec action.Execution) (map[string][]byte, error) {
	var args artifactArgs
	if err := json.Unmarshal(exec.Message, &args); err != nil {
		return nil, fmt.Errorf("decode artifact message: %w", err)
	}

	out := make(map[string][]byte, len(args.Locations))
	for _, loc := range args.Locations {
		key := artifactKey(loc)
		if exec.Existing(key) && !exec.InvalidateCache {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		result := ArtifactResult{OK: true}
		data, err := a.Source.Get(ctx, loc)
		if err != nil {
			result = ArtifactResult{Error: err.Error()}
		} else {
			result.Content = data
		}
		value, err := json.Marshal(result)
		if err != nil {
			return out, err
		}
		out[key] = value
	}
	return out, nil
}

// Response returns the results by location.
func (Artifact) Response(values map[string][]byte) (any, error) {
	out := make(map[string]ArtifactResult, len(values))
	for key, raw := range values {
		var r ArtifactResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode artifact %s: %w", key, err)
		}
		out[strings.TrimPrefix(key, "artifact:")] = r
	}
	return out, nil
}

func (Artifact) StreamResponse(events iter.Seq[json.RawMessage]) iter.Seq[any] {
	return action.PassthroughStream(events)
}
