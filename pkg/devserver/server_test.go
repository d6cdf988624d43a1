package devserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldog/bld/pkg/bundle"
	"github.com/coldog/bld/pkg/config"
	"github.com/coldog/bld/pkg/hot"
	"github.com/coldog/bld/pkg/metrics"
	"github.com/coldog/bld/pkg/split"
)

func newServer(t *testing.T) (*Server, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"/app/src/main.js":  "var v = require(\"./value\");\nmodule.hot.accept(\"./value\", function () {});\n",
		"/app/src/value.js": "module.exports = 1;\n",
	}
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(content), 0o644))
	}

	cfg := &config.Config{
		Context: "/app",
		Entry:   []config.Entry{{Name: "main", Request: "./src/main.js"}},
		Target:  "web",
		Output: config.OutputConfig{
			Path:          "/app/dist",
			PublicPath:    "/",
			Filename:      "[name].js",
			ChunkFilename: "[id].js",
		},
		SplitChunks: split.DefaultOptions(),
		Cache:       config.CacheConfig{Type: "memory"},
		Dev:         config.DevConfig{Addr: ":0", Hot: true},
	}

	hub := hot.NewHub()
	t.Cleanup(func() { hub.Close() })
	m := metrics.New()
	b, err := bundle.New(cfg, bundle.Options{Fs: fs, Hot: true, Hub: hub, Metrics: m})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	_, err = b.Build(context.Background())
	require.NoError(t, err)
	return New(cfg, b, fs, hub, m), fs
}

func TestServesOutput(t *testing.T) {
	s, fs := newServer(t)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/main.js", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	want, err := afero.ReadFile(fs, "/app/dist/main.js")
	require.NoError(t, err)
	assert.Equal(t, string(want), string(body))
	assert.Contains(t, string(body), "ws://localhost:0/__bld/hot")
}

func TestInvalidate(t *testing.T) {
	s, fs := newServer(t)

	resp, err := s.App().Test(httptest.NewRequest("POST", InvalidatePath, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = s.App().Test(httptest.NewRequest("POST", InvalidatePath+"?path=src/unused.js", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	require.NoError(t, afero.WriteFile(fs, "/app/src/value.js", []byte("module.exports = 2;\n"), 0o644))
	resp, err = s.App().Test(httptest.NewRequest("POST", InvalidatePath+"?path=src/value.js", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out invalidateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.FullReload)
	assert.Len(t, out.Modules, 1)
	assert.NotEmpty(t, out.Build)
	assert.NotEmpty(t, out.Notification)
}

func TestHotRequiresUpgrade(t *testing.T) {
	s, _ := newServer(t)

	resp, err := s.App().Test(httptest.NewRequest("GET", config.HotPath, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	s, _ := newServer(t)

	resp, err := s.App().Test(httptest.NewRequest("GET", MetricsPath, nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `bld_builds_total{result="success"} 1`)
}
