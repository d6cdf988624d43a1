// Package devserver serves the build output together with the hot update
// websocket, the invalidation endpoint and metrics.
package devserver

import (
	"context"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/coldog/bld/pkg/bundle"
	"github.com/coldog/bld/pkg/config"
	"github.com/coldog/bld/pkg/hot"
	"github.com/coldog/bld/pkg/metrics"
)

const (
	InvalidatePath = "/__bld/invalidate"
	MetricsPath    = "/metrics"
)

type Server struct {
	app     *fiber.App
	cfg     *config.Config
	bundler *bundle.Bundler
}

// New serves the output written to out.
func New(cfg *config.Config, b *bundle.Bundler, out afero.Fs, hub *hot.Hub, m *metrics.Metrics) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "bld",
		DisableStartupMessage: true,
	})
	s := &Server{app: app, cfg: cfg, bundler: b}

	app.Get(config.HotPath, hot.NewHandler(hub).Upgrade)
	app.Post(InvalidatePath, s.invalidate)
	app.Get(MetricsPath, m.Handler())
	app.Use(cfg.Output.PublicPath, filesystem.New(filesystem.Config{
		Root:  afero.NewHttpFs(out).Dir(cfg.Output.Path),
		Index: "index.html",
	}))
	return s
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen() error {
	log.Info().Str("addr", s.cfg.Dev.Addr).Str("output", s.cfg.Output.Path).Msg("devserver: listening")
	return s.app.Listen(s.cfg.Dev.Addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

type invalidateResponse struct {
	Notification string   `json:"notification,omitempty"`
	Build        string   `json:"build,omitempty"`
	FullReload   bool     `json:"fullReload"`
	Modules      []string `json:"modules"`
	Errors       []string `json:"errors,omitempty"`
}

// invalidate rebuilds after the file named by the path query parameter
// changed. Relative paths are taken against the build context.
func (s *Server) invalidate(c *fiber.Ctx) error {
	path := c.Query("path")
	if path == "" {
		return fiber.NewError(fiber.StatusBadRequest, "path is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.cfg.Context, path)
	}

	n, res, err := s.bundler.Invalidate(c.UserContext(), path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("devserver: rebuild failed")
		return c.Status(fiber.StatusUnprocessableEntity).JSON(invalidateResponse{
			FullReload: n != nil && n.FullReload,
			Errors:     []string{err.Error()},
		})
	}
	if n == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}

	out := invalidateResponse{Notification: n.ID, FullReload: n.FullReload, Modules: []string{}}
	for _, m := range n.Modules {
		out.Modules = append(out.Modules, m.ID)
	}
	if res != nil {
		out.Build = res.ID
		for _, e := range res.Errors {
			out.Errors = append(out.Errors, e.Error())
		}
	}
	return c.JSON(out)
}
