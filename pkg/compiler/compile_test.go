package compiler

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldog/bld/pkg/cache"
	"github.com/coldog/bld/pkg/module"
	"github.com/coldog/bld/pkg/sourcemap"
)

func testFs(t *testing.T, files map[string]string) afero.Fs {
	fs := afero.NewMemMapFs()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(content), 0644))
	}
	return fs
}

// prefix adds a header line and maps every other line one line down.
func prefix(ctx context.Context, in *Input) (*Output, error) {
	lines := bytes.Count(in.Code, []byte{'\n'}) + 1
	ms := make(sourcemap.Mappings, lines+1)
	for i := 0; i < lines; i++ {
		ms[i+1] = []sourcemap.Segment{{Source: 0, OrigLine: i, Name: -1}}
	}
	return &Output{
		Type: module.JavaScript,
		Code: append([]byte("// header\n"), in.Code...),
		Map:  &sourcemap.Map{Version: 3, Sources: []string{in.Path}, Mappings: ms.Encode()},
	}, nil
}

func TestTransformComposesLoaderMaps(t *testing.T) {
	c := New(testFs(t, map[string]string{
		"/app/a.js": "const x = 1;\nmodule.exports = x;\n",
	}), []Rule{{Test: regexp.MustCompile(`\.js$`), Loaders: []string{"js", "prefix"}}}, nil)
	c.Loaders["prefix"] = LoaderFunc(prefix)

	tr, err := c.Transform(context.Background(), "/app/a.js", "")
	require.NoError(t, err)
	assert.Equal(t, module.JavaScript, tr.Type)
	assert.True(t, strings.HasPrefix(string(tr.Code), "// header\n"))
	require.NotNil(t, tr.Map)
	assert.Equal(t, []string{"/app/a.js"}, tr.Map.Sources)
	assert.Equal(t, []string{"const x = 1;\nmodule.exports = x;\n"}, tr.Map.SourcesContent)

	ms, err := tr.Map.Decode()
	require.NoError(t, err)
	seg, ok := ms.Lookup(2, 0)
	require.True(t, ok)
	assert.Equal(t, 1, seg.OrigLine)
	_, ok = ms.Lookup(0, 0)
	assert.False(t, ok)
}

func TestTransformLosesMap(t *testing.T) {
	c := New(testFs(t, map[string]string{"/app/a.js": "a();\n"}),
		[]Rule{{Test: regexp.MustCompile(`\.js$`), Loaders: []string{"js", "upper"}}}, nil)
	c.Loaders["upper"] = LoaderFunc(func(ctx context.Context, in *Input) (*Output, error) {
		return &Output{Code: bytes.ToUpper(in.Code)}, nil
	})

	tr, err := c.Transform(context.Background(), "/app/a.js", "")
	require.NoError(t, err)
	assert.Equal(t, "A();\n", string(tr.Code))
	assert.Nil(t, tr.Map)
}

func TestTransformCache(t *testing.T) {
	var calls int32
	store := cache.NewMemoryStore()
	c := New(testFs(t, map[string]string{"/app/a.js": "require('./b');\n"}),
		[]Rule{{Test: regexp.MustCompile(`\.js$`), Loaders: []string{"count"}}}, store)
	c.Loaders["count"] = LoaderFunc(func(ctx context.Context, in *Input) (*Output, error) {
		atomic.AddInt32(&calls, 1)
		return loadJS(ctx, in)
	})

	for i := 0; i < 3; i++ {
		tr, err := c.Transform(context.Background(), "/app/a.js", "")
		require.NoError(t, err)
		require.Len(t, tr.Dependencies, 1)
		assert.Equal(t, "./b", tr.Dependencies[0].Request)
		assert.NotNil(t, tr.Map)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, 1, store.Len())

	require.NoError(t, afero.WriteFile(c.Fs, "/app/a.js", []byte("require('./c');\n"), 0644))
	tr, err := c.Transform(context.Background(), "/app/a.js", "")
	require.NoError(t, err)
	assert.Equal(t, "./c", tr.Dependencies[0].Request)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestTransformErrors(t *testing.T) {
	boom := errors.New("boom")
	c := New(testFs(t, map[string]string{
		"/app/a.js":   "a();",
		"/app/b.bin":  "?",
		"/app/c.fail": "",
	}), []Rule{
		{Test: regexp.MustCompile(`\.js$`), Loaders: []string{"missing"}},
		{Test: regexp.MustCompile(`\.fail$`), Loaders: []string{"fail"}},
	}, nil)
	c.Loaders["fail"] = LoaderFunc(func(ctx context.Context, in *Input) (*Output, error) {
		return nil, boom
	})

	_, err := c.Transform(context.Background(), "/app/b.bin", "")
	assert.ErrorIs(t, err, ErrNoLoader)

	_, err = c.Transform(context.Background(), "/app/a.js", "")
	var te *TransformError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Error(), `unknown loader "missing"`)

	_, err = c.Transform(context.Background(), "/app/c.fail", "?x")
	assert.ErrorIs(t, err, boom)
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "/app/c.fail?x", te.Module)

	_, err = c.Transform(context.Background(), "/app/none.js", "")
	require.ErrorAs(t, err, &te)
}

func TestTransformMatchesPathWithoutQuery(t *testing.T) {
	c := New(testFs(t, map[string]string{"/app/a.js": "module.exports = 1;\n"}), nil, nil)

	tr, err := c.Transform(context.Background(), "/app/a.js", "?v=1")
	require.NoError(t, err)
	assert.Equal(t, module.JavaScript, tr.Type)
	assert.Equal(t, "module.exports = 1;\n", string(tr.Code))

	_, err = c.Transform(context.Background(), "/app/a.js", "?raw.css")
	require.NoError(t, err)
}

func TestTransformESModuleJS(t *testing.T) {
	src := "import s from \"./shared\";\nexport const v = s + 1;\n"
	c := New(testFs(t, map[string]string{"/app/a.js": src}), nil, nil)

	tr, err := c.Transform(context.Background(), "/app/a.js", "")
	require.NoError(t, err)
	assert.Equal(t, module.JavaScript, tr.Type)
	assert.Contains(t, string(tr.Code), `require("./shared")`)
	assert.NotContains(t, string(tr.Code), "export const")
	require.Len(t, tr.Dependencies, 1)
	assert.Equal(t, "./shared", tr.Dependencies[0].Request)

	require.NotNil(t, tr.Map)
	assert.Equal(t, []string{"/app/a.js"}, tr.Map.Sources)
	assert.Equal(t, []string{src}, tr.Map.SourcesContent)
}

func TestTransformAssetURL(t *testing.T) {
	c := New(testFs(t, map[string]string{
		"/app/a.ts": "const logo: URL = new URL(\"./logo.png\", import.meta.url);\nexport default logo;\n",
		"/app/b.js": "module.exports = new URL(\"./logo.png\", import.meta.url).href;\n",
	}), nil, nil)

	for _, path := range []string{"/app/a.ts", "/app/b.js"} {
		tr, err := c.Transform(context.Background(), path, "")
		require.NoError(t, err, path)
		require.Len(t, tr.Dependencies, 1, path)
		assert.Equal(t, "./logo.png", tr.Dependencies[0].Request)
		assert.Equal(t, module.Static, tr.Dependencies[0].Kind)
		assert.Contains(t, string(tr.Code), `require("./logo.png", require.b`, path)
		assert.NotContains(t, string(tr.Code), "import.meta", path)
	}
}

func TestTransformBuiltins(t *testing.T) {
	c := New(testFs(t, map[string]string{
		"/app/logo.png":  "\x89PNG",
		"/app/style.css": "@import './base.css';\nbody{}\n",
		"/app/data.json": "{\"a\": 1}\n",
		"/app/a.ts":      "const x: number = 1;\nexport default x;\n",
	}), nil, nil)
	ctx := context.Background()

	tr, err := c.Transform(ctx, "/app/logo.png", "")
	require.NoError(t, err)
	assert.Equal(t, module.Asset, tr.Type)
	require.Len(t, tr.Files, 1)
	assert.True(t, strings.HasSuffix(tr.Files[0].Name, ".png"))
	assert.Equal(t, "\x89PNG", string(tr.Files[0].Content))
	assert.Equal(t, `module.exports = require.p + "`+tr.Files[0].Name+`";`, string(tr.Code))
	assert.Nil(t, tr.Map)

	tr, err = c.Transform(ctx, "/app/style.css", "")
	require.NoError(t, err)
	assert.Equal(t, module.CSS, tr.Type)
	require.Len(t, tr.Dependencies, 1)
	assert.Equal(t, "./base.css", tr.Dependencies[0].Request)
	assert.NotContains(t, string(tr.Code), "@import")

	tr, err = c.Transform(ctx, "/app/data.json", "")
	require.NoError(t, err)
	assert.Equal(t, `module.exports = {"a": 1};`, string(tr.Code))

	tr, err = c.Transform(ctx, "/app/a.ts", "")
	require.NoError(t, err)
	assert.Equal(t, module.JavaScript, tr.Type)
	assert.Contains(t, string(tr.Code), "module.exports")
	assert.NotContains(t, string(tr.Code), ": number")
	require.NotNil(t, tr.Map)
	assert.Len(t, tr.Map.Sources, 1)
}

func TestTransformESBuildError(t *testing.T) {
	c := New(testFs(t, map[string]string{"/app/bad.ts": "const x: = ;\n"}), nil, nil)
	_, err := c.Transform(context.Background(), "/app/bad.ts", "")

	var te *TransformError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "/app/bad.ts", te.Module)
	assert.Equal(t, 1, te.Line)
}
