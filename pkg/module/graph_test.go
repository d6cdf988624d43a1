package module

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldog/bld/pkg/resolve"
)

var (
	staticRe  = regexp.MustCompile(`require\("([^"]+)"\)`)
	dynamicRe = regexp.MustCompile(`import\("([^"]+)"\)`)
	weakRe    = regexp.MustCompile(`resolveWeak\("([^"]+)"\)`)
)

// fakeTransformer reads files and finds requests with regular expressions.
type fakeTransformer struct {
	fs    afero.Fs
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeTransformer) Transform(ctx context.Context, path, query string) (*Transformed, error) {
	f.mu.Lock()
	f.calls[path+query]++
	f.mu.Unlock()

	code, err := afero.ReadFile(f.fs, path)
	if err != nil {
		return nil, err
	}
	if regexp.MustCompile(`syntax error`).Match(code) {
		return nil, fmt.Errorf("transform %s: syntax error", path)
	}

	t := &Transformed{Type: JavaScript, Code: code, Source: code}
	for _, m := range staticRe.FindAllSubmatchIndex(code, -1) {
		t.Dependencies = append(t.Dependencies, Dependency{Request: string(code[m[2]:m[3]]), Kind: Static, Offset: m[0]})
	}
	for _, m := range dynamicRe.FindAllSubmatchIndex(code, -1) {
		t.Dependencies = append(t.Dependencies, Dependency{Request: string(code[m[2]:m[3]]), Kind: Dynamic, Offset: m[0]})
	}
	for _, m := range weakRe.FindAllSubmatchIndex(code, -1) {
		t.Dependencies = append(t.Dependencies, Dependency{Request: string(code[m[2]:m[3]]), Kind: Weak, Offset: m[0]})
	}
	return t, nil
}

func newTestGraph(t *testing.T, files map[string]string) (*Graph, afero.Fs, *fakeTransformer) {
	fs := afero.NewMemMapFs()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, "/app/"+name, []byte(content), 0o644))
	}
	tr := &fakeTransformer{fs: fs, calls: map[string]int{}}
	return New("/app", resolve.New(fs), tr), fs, tr
}

func byName(g *Graph, name string) *Module {
	for _, m := range g.Modules() {
		if m.Name == name {
			return m
		}
	}
	return nil
}

func TestBuildSharedModule(t *testing.T) {
	g, _, tr := newTestGraph(t, map[string]string{
		"a.js":      `require("./shared.js"); import("./x.js")`,
		"b.js":      `require("./shared.js")`,
		"shared.js": `module.exports = 1`,
		"x.js":      `require("./shared.js"); require.resolveWeak("./tool.js")`,
		"tool.js":   `module.exports = "tool"`,
	})

	entries := g.Build(context.Background(), []EntrySpec{{"a", "./a.js"}, {"b", "./b.js"}})
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.False(t, e.Failed(), e.Name)
	}

	names := []string{}
	for _, m := range g.Modules() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"./a.js", "./b.js", "./shared.js", "./x.js"}, names)
	assert.Equal(t, 1, tr.calls["/app/shared.js"])

	shared := byName(g, "./shared.js")
	require.NotNil(t, shared)
	assert.Equal(t, IDOf("./shared.js"), shared.ID)
	assert.ElementsMatch(t, []ID{IDOf("./a.js"), IDOf("./b.js"), IDOf("./x.js")}, g.Dependents(shared.ID))

	x := byName(g, "./x.js")
	require.Len(t, x.Dependencies, 2)
	assert.Equal(t, Weak, x.Dependencies[1].Kind)
	assert.Equal(t, IDOf("./tool.js"), x.Dependencies[1].Target)
	assert.Nil(t, g.Module(IDOf("./tool.js")), "weak targets are not built")
}

func TestBuildCoalescesConcurrentResolution(t *testing.T) {
	files := map[string]string{"shared.js": `1`}
	var specs []EntrySpec
	for i := 0; i < 16; i++ {
		name := fmt.Sprintf("e%d", i)
		files[name+".js"] = `require("./shared.js")`
		specs = append(specs, EntrySpec{name, "./" + name + ".js"})
	}
	g, _, tr := newTestGraph(t, files)

	g.Build(context.Background(), specs)
	assert.Equal(t, 1, tr.calls["/app/shared.js"])
	assert.Len(t, g.Modules(), 17)
}

func TestBuildPartialFailure(t *testing.T) {
	g, _, _ := newTestGraph(t, map[string]string{
		"a.js":      `require("./shared.js")`,
		"b.js":      `require("./shared.js"); require("./missing.js"); require("./broken.js")`,
		"shared.js": `1`,
		"broken.js": `syntax error`,
	})

	entries := g.Build(context.Background(), []EntrySpec{{"a", "./a.js"}, {"b", "./b.js"}, {"c", "./nope.js"}})

	assert.False(t, entries[0].Failed())

	require.Len(t, entries[1].Errors, 2)
	var rerr *ResolutionError
	require.True(t, errors.As(entries[1].Errors[0], &rerr))
	assert.Equal(t, "./missing.js", rerr.Request)
	assert.Equal(t, "/app/b.js", rerr.From)
	assert.Contains(t, entries[1].Errors[1].Error(), "syntax error")
	assert.NotZero(t, entries[1].Root)

	require.Len(t, entries[2].Errors, 1)
	require.True(t, errors.As(entries[2].Errors[0], &rerr))
	assert.Empty(t, rerr.From)
	assert.Zero(t, entries[2].Root)
}

func TestInvalidateKeepsIdentity(t *testing.T) {
	g, fs, _ := newTestGraph(t, map[string]string{
		"a.js":   `require("./b.js")`,
		"b.js":   `require("./old.js")`,
		"old.js": `1`,
		"new.js": `2`,
	})
	g.Build(context.Background(), []EntrySpec{{"a", "./a.js"}})

	before := byName(g, "./b.js")
	require.NotNil(t, before)

	require.NoError(t, afero.WriteFile(fs, "/app/b.js", []byte(`require("./new.js")`), 0o644))
	change, err := g.Invalidate(context.Background(), "/app/b.js")
	require.NoError(t, err)

	assert.Equal(t, []ID{before.ID}, change.Updated)
	assert.Equal(t, []ID{IDOf("./new.js")}, change.Added)
	assert.Equal(t, []ID{IDOf("./old.js")}, change.Removed)

	after := g.Module(before.ID)
	require.NotNil(t, after)
	assert.Equal(t, 1, after.Version)
	assert.Equal(t, `require("./new.js")`, string(after.Code))
	assert.Equal(t, `require("./old.js")`, string(before.Code), "old values are not mutated")
	assert.Equal(t, []ID{before.ID}, g.Dependents(IDOf("./new.js")))
	assert.Empty(t, g.Dependents(IDOf("./old.js")))
}

func TestInvalidateRecoversFailedEntry(t *testing.T) {
	g, fs, _ := newTestGraph(t, map[string]string{
		"a.js": `require("./b.js")`,
		"b.js": `syntax error`,
	})
	entries := g.Build(context.Background(), []EntrySpec{{"a", "./a.js"}})
	require.True(t, entries[0].Failed())

	require.NoError(t, afero.WriteFile(fs, "/app/b.js", []byte(`1`), 0o644))
	change, err := g.Invalidate(context.Background(), "/app/b.js")
	require.NoError(t, err)
	assert.Equal(t, []ID{IDOf("./b.js")}, change.Added)
	assert.False(t, g.Entries()[0].Failed())
}

func TestAddEntryAndResolveDependency(t *testing.T) {
	g, _, _ := newTestGraph(t, map[string]string{
		"a.js": `require("./b.js")`,
		"b.js": `1`,
		"c.js": `2`,
	})
	e, err := g.AddEntry(context.Background(), "a", "./a.js")
	require.NoError(t, err)
	assert.Equal(t, IDOf("./a.js"), e.Root)

	m, err := g.ResolveDependency(context.Background(), e.Root, "./c.js")
	require.NoError(t, err)
	assert.Equal(t, "./c.js", m.Name)

	_, err = g.ResolveDependency(context.Background(), e.Root, "./zzz.js")
	var rerr *ResolutionError
	assert.True(t, errors.As(err, &rerr))

	_, err = g.AddEntry(context.Background(), "bad", "./zzz.js")
	assert.Error(t, err)
}

func TestTopoOrder(t *testing.T) {
	g, _, _ := newTestGraph(t, map[string]string{
		"index.js":  `require("./a.js"); require("./b.js"); import("./lazy.js")`,
		"a.js":      `require("./shared.js")`,
		"b.js":      `require("./shared.js"); require("./c.js")`,
		"c.js":      `1`,
		"shared.js": `1`,
		"lazy.js":   `require("./a.js")`,
	})
	g.Build(context.Background(), []EntrySpec{{"main", "./index.js"}})

	ids := []ID{IDOf("./index.js"), IDOf("./a.js"), IDOf("./b.js"), IDOf("./c.js"), IDOf("./shared.js")}
	order := g.TopoOrder(ids)

	var names []string
	for _, id := range order {
		names = append(names, g.Module(id).Name)
	}
	assert.Equal(t, []string{"./shared.js", "./a.js", "./c.js", "./b.js", "./index.js"}, names)
}
