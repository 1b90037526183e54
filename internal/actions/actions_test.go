package actions

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/flowcache/internal/action"
)

func newSource(t *testing.T, files map[string]string) DirSource {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return DirSource{Root: root}
}

// run formats args and executes a, collecting streamed events.
func run(t *testing.T, a action.Action, args string, existing ...string) (action.Formatted, map[string][]byte, []any) {
	t.Helper()
	f, err := a.FormatRequest(json.RawMessage(args))
	require.NoError(t, err)

	var events []any
	exec := action.Execution{
		Message:      f.Message,
		Keys:         f.Keys,
		ExistingKeys: existing,
		Stream: func(ev any) error {
			events = append(events, ev)
			return nil
		},
	}
	values, err := a.Execute(context.Background(), exec)
	require.NoError(t, err)
	return f, values, events
}

func TestDefaultsAreUniquelyNamed(t *testing.T) {
	var names []string
	for _, a := range Defaults(DirSource{}) {
		names = append(names, a.Name())
	}
	slices.Sort(names)
	assert.Equal(t, []string{"artifact", "check", "dag", "echo", "log"}, names)
}

func TestDirSource(t *testing.T) {
	src := newSource(t, map[string]string{"a/b.txt": "hello"})

	data, err := src.Get(context.Background(), "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = src.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	_, err = src.Get(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrObjectNotFound, "locations cannot escape the root")
}

func TestNewS3SourceValidatesConfig(t *testing.T) {
	_, err := NewS3Source(S3Config{})
	assert.Error(t, err)
	_, err = NewS3Source(S3Config{Endpoint: "localhost:9000", Bucket: "b"})
	assert.Error(t, err)
	_, err = NewS3Source(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"})
	assert.Error(t, err)

	src, err := NewS3Source(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s", Bucket: "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", src.bucketName)
}

func TestArtifactKeysAreDeterministic(t *testing.T) {
	a := Artifact{}
	f1, err := a.FormatRequest(json.RawMessage(`{"locations":["b","a","b"," "]}`))
	require.NoError(t, err)
	f2, err := a.FormatRequest(json.RawMessage(`{"locations":["a","b"]}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"artifact:a", "artifact:b"}, f1.Keys)
	assert.Equal(t, f1.Keys, f2.Keys)
	assert.JSONEq(t, string(f1.Message), string(f2.Message))
	assert.Empty(t, f1.StreamKey)

	_, err = a.FormatRequest(json.RawMessage(`{"locations":[]}`))
	assert.Error(t, err)
}

func TestArtifactEncodesFailuresAndResumes(t *testing.T) {
	a := Artifact{Source: newSource(t, map[string]string{"x.bin": "xx", "y.bin": "yy"})}

	_, values, _ := run(t, a, `{"locations":["x.bin","y.bin","gone.bin"]}`, "artifact:y.bin")
	require.Len(t, values, 2, "existing keys are not fetched again")
	assert.NotContains(t, values, "artifact:y.bin")

	resp, err := a.Response(values)
	require.NoError(t, err)
	results := resp.(map[string]ArtifactResult)
	assert.True(t, results["x.bin"].OK)
	assert.Equal(t, "xx", string(results["x.bin"].Content))
	assert.False(t, results["gone.bin"].OK)
	assert.Contains(t, results["gone.bin"].Error, "not found")
}

func TestLogPagination(t *testing.T) {
	lines := make([]string, 25)
	for i := range lines {
		lines[i] = "line " + string(rune('a'+i))
	}
	l := Log{Source: newSource(t, map[string]string{"task.log": strings.Join(lines, "\n") + "\n"})}

	f, values, events := run(t, l, `{"location":"task.log","page":2,"limit":10}`)
	assert.Equal(t, []string{"log:task.log:2:10"}, f.Keys)
	assert.Equal(t, f.Keys[0], f.StreamKey)

	resp, err := l.Response(values)
	require.NoError(t, err)
	page := resp.(LogPage)
	assert.Equal(t, lines[20:], page.Lines)
	assert.Equal(t, 25, page.TotalLines)
	assert.False(t, page.HasMore)

	require.Len(t, events, 2)
	assert.Equal(t, LogEvent{Type: "page", Page: 2, Lines: 5}, events[1])
}

func TestLogDefaultsAndErrors(t *testing.T) {
	l := Log{Source: newSource(t, nil)}

	f, values, events := run(t, l, `{"location":"nope.log"}`)
	assert.Equal(t, "log:nope.log:0:100", f.Keys[0])

	resp, err := l.Response(values)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.(LogPage).Error)
	assert.Equal(t, "error", events[len(events)-1].(LogEvent).Type)

	_, err = l.FormatRequest(json.RawMessage(`{"location":"x","page":-1}`))
	assert.Error(t, err)
}

func TestLogPageOutOfRange(t *testing.T) {
	l := Log{Source: newSource(t, map[string]string{"task.log": "a\nb\nc\n"})}

	_, err := l.FormatRequest(json.RawMessage(`{"location":"task.log","page":4611686018427387905,"limit":2}`))
	assert.ErrorContains(t, err, "out of range")

	_, values, _ := run(t, l, `{"location":"task.log","page":1099511627776,"limit":2}`)
	resp, err := l.Response(values)
	require.NoError(t, err)
	page := resp.(LogPage)
	assert.Empty(t, page.Lines)
	assert.Equal(t, 3, page.TotalLines)
	assert.False(t, page.HasMore)
}

func TestPageBounds(t *testing.T) {
	tests := []struct {
		page, limit, n int
		start, end     int
	}{
		{0, 10, 25, 0, 10},
		{2, 10, 25, 20, 25},
		{3, 10, 25, 25, 25},
		{1 << 40, 1 << 40, 25, 25, 25},
		{1, int(^uint(0) >> 1), 25, 25, 25},
		{0, int(^uint(0) >> 1), 25, 0, 25},
	}
	for _, tt := range tests {
		start, end := pageBounds(tt.page, tt.limit, tt.n)
		assert.Equal(t, tt.start, start, "start for page %d limit %d", tt.page, tt.limit)
		assert.Equal(t, tt.end, end, "end for page %d limit %d", tt.page, tt.limit)
	}
}

func TestLogStreamResponseSkipsUnknownEvents(t *testing.T) {
	raw := func(yield func(json.RawMessage) bool) {
		for _, s := range []string{`{"type":"page","page":1}`, `[1,2]`, `{"type":"done"}`} {
			if !yield(json.RawMessage(s)) {
				return
			}
		}
	}
	var got []any
	for ev := range (Log{}).StreamResponse(raw) {
		got = append(got, ev)
	}
	assert.Equal(t, []any{LogEvent{Type: "page", Page: 1}, LogEvent{Type: "done"}}, got)
}

func TestDAGTopologicalOrder(t *testing.T) {
	flow := `{"steps":{
		"load":{"type":"source","next":["clean","stats"]},
		"clean":{"type":"transform","next":["publish"]},
		"stats":{"type":"transform","next":["publish"]},
		"publish":{"type":"sink","next":[]}
	}}`
	d := DAGAction{Source: newSource(t, map[string]string{"flows/etl.json": flow})}

	f, values, events := run(t, d, `{"location":"flows/etl.json"}`)
	assert.Equal(t, []string{"dag:flows/etl.json"}, f.Keys)

	resp, err := d.Response(values)
	require.NoError(t, err)
	dag := resp.(DAG)
	require.True(t, dag.OK, dag.Error)
	assert.Equal(t, []string{"load"}, dag.Roots)

	var order []string
	for _, n := range dag.Nodes {
		order = append(order, n.Name)
	}
	assert.Equal(t, []string{"load", "clean", "stats", "publish"}, order)
	assert.Equal(t, []string{"clean", "stats"}, dag.Nodes[0].Next)

	require.Len(t, events, 3)
	assert.Equal(t, DAGEvent{Type: "progress", Stage: "done", Steps: 4}, events[2])
}

func TestDAGInvalidFlows(t *testing.T) {
	tests := []struct {
		name string
		flow string
		want string
	}{
		{"cycle", `{"steps":{"a":{"next":["b"]},"b":{"next":["a"]}}}`, "cycle"},
		{"unknown step", `{"steps":{"a":{"next":["zzz"]}}}`, "unknown step"},
		{"empty", `{"steps":{}}`, "no steps"},
		{"not json", `steps:`, "parse flow descriptor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DAGAction{Source: newSource(t, map[string]string{"f.json": tt.flow})}
			_, values, _ := run(t, d, `{"location":"f.json"}`)

			resp, err := d.Response(values)
			require.NoError(t, err)
			dag := resp.(DAG)
			assert.False(t, dag.OK)
			assert.Contains(t, dag.Error, tt.want)
		})
	}
}

func TestNewSourcePicksBackend(t *testing.T) {
	src, err := NewSource(S3Config{}, "/srv/objects")
	require.NoError(t, err)
	assert.Equal(t, DirSource{Root: "/srv/objects"}, src)

	src, err = NewSource(S3Config{Endpoint: "localhost:9000", AccessKey: "ak", SecretKey: "sk", Bucket: "flows"}, "/srv/objects")
	require.NoError(t, err)
	assert.IsType(t, &S3Source{}, src)
}
