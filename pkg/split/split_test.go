package split

import (
	"errors"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldog/bld/pkg/module"
)

type testGraph map[module.ID]*module.Module

func (g testGraph) Module(id module.ID) *module.Module { return g[id] }

// add registers a module. deps are "./x.js" for static, "import:./x.js"
// for dynamic and "weak:./x.js" for weak edges.
func (g testGraph) add(name string, deps ...string) *module.Module {
	m := &module.Module{
		ID:       module.IDOf(name),
		Name:     name,
		Identity: "/app" + name[1:],
		Type:     module.JavaScript,
		Code:     []byte("/* " + name + " */"),
	}
	if strings.HasSuffix(name, ".css") {
		m.Type = module.CSS
	}
	for _, d := range deps {
		kind := module.Static
		switch {
		case strings.HasPrefix(d, "import:"):
			kind, d = module.Dynamic, strings.TrimPrefix(d, "import:")
		case strings.HasPrefix(d, "weak:"):
			kind, d = module.Weak, strings.TrimPrefix(d, "weak:")
		}
		m.Dependencies = append(m.Dependencies, module.Dependency{Request: d, Kind: kind, Target: module.IDOf(d)})
	}
	g[m.ID] = m
	return m
}

func entries(names ...string) []*module.Entry {
	var out []*module.Entry
	for i := 0; i < len(names); i += 2 {
		out = append(out, &module.Entry{Name: names[i], Request: names[i+1], Root: module.IDOf(names[i+1])})
	}
	return out
}

func names(g testGraph, c *Chunk) []string {
	var out []string
	for _, id := range c.Modules {
		out = append(out, g[id].Name)
	}
	return out
}

func opts(groups ...CacheGroup) Options {
	o := DefaultOptions()
	o.CacheGroups = groups
	return o
}

func TestSharedChunk(t *testing.T) {
	g := testGraph{}
	g.add("./a.js", "./shared.js")
	g.add("./b.js", "./shared.js")
	g.add("./shared.js")

	res, err := Split(g, entries("a", "./a.js", "b", "./b.js"), opts(CacheGroup{MinShared: 2}))
	require.NoError(t, err)
	require.Len(t, res.Chunks, 3)
	require.Len(t, res.Groups, 2)

	a, b := res.Group("a"), res.Group("b")
	require.Len(t, a.Chunks, 2)
	require.Len(t, b.Chunks, 2)

	shared := a.Chunks[0]
	assert.Same(t, shared, b.Chunks[0])
	assert.Equal(t, []string{"./shared.js"}, names(g, shared))
	assert.False(t, shared.Entry)
	assert.Len(t, shared.Groups, 2)

	assert.Equal(t, []string{"./a.js"}, names(g, a.Chunks[1]))
	assert.True(t, a.Chunks[1].Entry)
	assert.Equal(t, []string{"./b.js"}, names(g, b.Chunks[1]))
}

func TestChunkOrderFollowsRequests(t *testing.T) {
	g := testGraph{}
	g.add("./main.js", "./z.css", "./b.js", "./a.css")
	g.add("./b.js", "./y.js")
	g.add("./y.js")
	g.add("./z.css")
	g.add("./a.css")

	res, err := Split(g, entries("main", "./main.js"), DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	c := res.Chunks[0]

	assert.Equal(t, []string{"./a.css", "./b.js", "./main.js", "./y.js", "./z.css"}, names(g, c))
	var order []string
	for _, id := range c.Order() {
		order = append(order, g[id].Name)
	}
	assert.Equal(t, []string{"./main.js", "./z.css", "./b.js", "./y.js", "./a.css"}, order)
}

func TestNoRulesDuplicates(t *testing.T) {
	g := testGraph{}
	g.add("./a.js", "./shared.js")
	g.add("./b.js", "./shared.js")
	g.add("./shared.js")

	res, err := Split(g, entries("a", "./a.js", "b", "./b.js"), DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, []string{"./a.js", "./shared.js"}, names(g, res.Group("a").Chunks[0]))
	assert.Equal(t, []string{"./b.js", "./shared.js"}, names(g, res.Group("b").Chunks[0]))
}

func TestEnforceAndThreshold(t *testing.T) {
	build := func() testGraph {
		g := testGraph{}
		g.add("./a.js", "./once.js", "./twice.js")
		g.add("./b.js", "./twice.js")
		g.add("./once.js")
		g.add("./twice.js")
		return g
	}
	extracted := func(g testGraph, res *Result) []string {
		var out []string
		for _, c := range res.Chunks {
			if c.CacheGroup != "" {
				out = append(out, names(g, c)...)
			}
		}
		return out
	}
	es := entries("a", "./a.js", "b", "./b.js")

	tests := []struct {
		name  string
		mode  string
		group CacheGroup
		want  []string
	}{
		{"enforce ignores threshold", ThresholdGTE, CacheGroup{Test: "once", MinShared: 5, Enforce: true}, []string{"./once.js"}},
		{"below threshold", ThresholdGTE, CacheGroup{Test: "once", MinShared: 2}, nil},
		{"gte at threshold", ThresholdGTE, CacheGroup{Test: "twice", MinShared: 2}, []string{"./twice.js"}},
		{"gt at threshold", ThresholdGT, CacheGroup{Test: "twice", MinShared: 2}, nil},
		{"gt above threshold", ThresholdGT, CacheGroup{Test: "twice", MinShared: 1}, []string{"./twice.js"}},
		{"min size", ThresholdGTE, CacheGroup{Test: "twice", MinShared: 2, MinSize: 1000}, nil},
		{"enforce ignores min size", ThresholdGTE, CacheGroup{Test: "twice", MinSize: 1000, Enforce: true}, []string{"./twice.js"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := build()
			o := opts(tt.group)
			o.ThresholdMode = tt.mode
			res, err := Split(g, es, o)
			require.NoError(t, err)
			assert.Equal(t, tt.want, extracted(g, res))
		})
	}
}

func TestPriorityAndTieBreak(t *testing.T) {
	g := testGraph{}
	g.add("./a.js", "./node_modules/lib.js")
	g.add("./node_modules/lib.js")
	es := entries("a", "./a.js")

	winner := func(o Options) string {
		res, err := Split(g, es, o)
		require.NoError(t, err)
		for _, c := range res.Chunks {
			if c.CacheGroup != "" {
				return c.CacheGroup
			}
		}
		return ""
	}

	assert.Equal(t, "vendors", winner(opts(
		CacheGroup{Name: "common", Enforce: true},
		CacheGroup{Name: "vendors", Test: "node_modules", Priority: 10, Enforce: true},
	)))
	assert.Equal(t, "zeta", winner(opts(
		CacheGroup{Name: "zeta", Enforce: true},
		CacheGroup{Name: "alpha", Enforce: true},
	)))

	o := opts(
		CacheGroup{Name: "zeta", Enforce: true},
		CacheGroup{Name: "alpha", Enforce: true},
	)
	o.TieBreak = TieBreakName
	assert.Equal(t, "alpha", winner(o))

	// A higher priority group that does not match leaves the module to the
	// next one.
	assert.Equal(t, "common", winner(opts(
		CacheGroup{Name: "styles", Type: module.CSS, Priority: 20, Enforce: true},
		CacheGroup{Name: "common", Enforce: true},
	)))
}

func TestEntryModuleNeverExtracted(t *testing.T) {
	g := testGraph{}
	g.add("./a.js", "./b.js", "./util.js")
	g.add("./b.js", "./util.js")
	g.add("./util.js")

	res, err := Split(g, entries("a", "./a.js", "b", "./b.js"), opts(CacheGroup{Name: "all", Enforce: true}))
	require.NoError(t, err)

	all := res.Group("a").Chunks[0]
	assert.Equal(t, "all", all.CacheGroup)
	assert.Equal(t, []string{"./util.js"}, names(g, all))

	// b.js stays in a's chunk as well as in its own entry chunk.
	assert.Equal(t, []string{"./a.js", "./b.js"}, names(g, res.Group("a").Chunks[1]))
	assert.Equal(t, []string{"./b.js"}, names(g, res.Group("b").Chunks[1]))
	assert.True(t, res.Group("b").Chunks[1].Has(module.IDOf("./b.js")))
}

func TestEmptyCacheGroup(t *testing.T) {
	g := testGraph{}
	g.add("./a.js")

	res, err := Split(g, entries("a", "./a.js"), opts(CacheGroup{Name: "vendors", Test: "node_modules", Enforce: true}))
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Empty(t, res.Chunks[0].CacheGroup)
}

func TestDynamicImport(t *testing.T) {
	g := testGraph{}
	a := g.add("./a.js", "./shared.js", "import:./x.js", "weak:./w.js")
	g.add("./shared.js")
	g.add("./x.js", "./shared.js", "./y.js", "import:./a.js")
	g.add("./y.js")
	g.add("./w.js")

	res, err := Split(g, entries("a", "./a.js"), DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Groups, 3)

	async := res.AsyncGroup(a.Dependencies[1])
	require.NotNil(t, async)
	assert.Equal(t, Async, async.Kind)
	assert.Equal(t, module.IDOf("./x.js"), async.Root)
	require.Len(t, async.Parents, 2)
	assert.Same(t, res.Group("a"), async.Parents[0])

	// shared.js is loaded by the parent already.
	require.Len(t, async.Chunks, 1)
	assert.Equal(t, []string{"./x.js", "./y.js"}, names(g, async.Chunks[0]))
	assert.False(t, async.Chunks[0].Entry)

	// The weak edge is not followed.
	assert.Equal(t, []string{"./a.js", "./shared.js"}, names(g, res.Group("a").Chunks[0]))

	// The cycle back to a.js gets its own async group; everything in it is
	// already available.
	back := res.AsyncGroup(g[module.IDOf("./x.js")].Dependencies[2])
	require.NotNil(t, back)
	assert.Empty(t, back.Chunks)
}

func TestDynamicImportChunkName(t *testing.T) {
	g := testGraph{}
	a := g.add("./a.js")
	a.Dependencies = []module.Dependency{
		{Request: "./x.js", Kind: module.Dynamic, Target: module.IDOf("./x.js"), ChunkName: "pages"},
		{Request: "./x.js", Kind: module.Dynamic, Target: module.IDOf("./x.js")},
	}
	g.add("./x.js")

	res, err := Split(g, entries("a", "./a.js"), DefaultOptions())
	require.NoError(t, err)

	named := res.AsyncGroup(a.Dependencies[0])
	plain := res.AsyncGroup(a.Dependencies[1])
	require.NotNil(t, named)
	require.NotNil(t, plain)
	assert.NotSame(t, named, plain)
	assert.Equal(t, "pages", named.Name)
	assert.Equal(t, "pages", named.Chunks[0].Name)
	assert.NotEqual(t, named.Chunks[0].ID, plain.Chunks[0].ID)
}

func TestSeparateTypes(t *testing.T) {
	g := testGraph{}
	g.add("./a.js", "./a.css", "./shared.js")
	g.add("./b.js", "./b.css")
	g.add("./a.css")
	g.add("./b.css")
	g.add("./shared.js")

	o := DefaultOptions()
	o.SeparateTypes = []module.Type{module.CSS}
	res, err := Split(g, entries("a", "./a.js", "b", "./b.js"), o)
	require.NoError(t, err)

	css := res.Group("a").Chunks[0]
	assert.Equal(t, "css", css.Name)
	assert.Equal(t, []string{"./a.css", "./b.css"}, names(g, css))
	assert.Same(t, css, res.Group("b").Chunks[0])
	assert.Equal(t, []string{"./a.js", "./shared.js"}, names(g, res.Group("a").Chunks[1]))
}

func TestChunkIDsStable(t *testing.T) {
	g := testGraph{}
	g.add("./a.js", "./shared.js")
	g.add("./b.js", "./shared.js")
	g.add("./c.js")
	g.add("./shared.js")
	o := opts(CacheGroup{Name: "shared"})

	ids := func(es []*module.Entry) map[string]string {
		res, err := Split(g, es, o)
		require.NoError(t, err)
		out := map[string]string{}
		for _, c := range res.Chunks {
			out[strings.Join(names(g, c), ",")] = c.ID
		}
		return out
	}
	first := ids(entries("a", "./a.js", "b", "./b.js", "c", "./c.js"))
	second := ids(entries("c", "./c.js", "b", "./b.js", "a", "./a.js"))
	assert.Equal(t, first, second)
	assert.Len(t, first, 4)
	for _, id := range first {
		assert.Len(t, id, 8)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(opts(CacheGroup{Name: "vendors", Test: "node_modules"})))

	o := opts(
		CacheGroup{Name: "a", Test: "("},
		CacheGroup{Name: "b", Priority: 1},
		CacheGroup{Name: "b", Priority: 2},
		CacheGroup{Name: "c", Chunks: "some"},
		CacheGroup{Name: "d", MinShared: -1},
	)
	o.ThresholdMode = "lt"
	err := Validate(o)
	require.Error(t, err)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 5)

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)

	_, err = Split(testGraph{}, nil, o)
	assert.Error(t, err)
}
