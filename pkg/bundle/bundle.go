// Package bundle runs a build end to end: module graph, chunk splitting,
// emission and writing, plus incremental rebuilds for the dev server.
package bundle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/coldog/bld/pkg/cache"
	"github.com/coldog/bld/pkg/compiler"
	"github.com/coldog/bld/pkg/config"
	"github.com/coldog/bld/pkg/hot"
	"github.com/coldog/bld/pkg/linker"
	"github.com/coldog/bld/pkg/metrics"
	"github.com/coldog/bld/pkg/module"
	"github.com/coldog/bld/pkg/split"
)

type Options struct {
	// Fs holds the sources. Out receives the output; it defaults to Fs.
	Fs  afero.Fs
	Out afero.Fs
	// Hot embeds the dev server's websocket URL in the runtime.
	Hot     bool
	Metrics *metrics.Metrics
	// Hub receives the notifications produced by Invalidate. Optional.
	Hub *hot.Hub
}

// Result is one build. Errors are the failures of entries that were
// skipped; the other entries were emitted regardless.
type Result struct {
	ID       string
	Entries  []*module.Entry
	Errors   []error
	Split    *split.Result
	Bundle   *linker.Bundle
	Stats    linker.WriteStats
	Duration time.Duration
}

type Bundler struct {
	cfg     *config.Config
	opts    Options
	graph   *module.Graph
	store   cache.Store
	metrics *metrics.Metrics

	// build serializes Build and Invalidate so that emission, writing and
	// the diff against the last result see one build at a time.
	build sync.Mutex

	mu   sync.Mutex
	last *Result
}

// New validates the splitting configuration before anything is built.
func New(cfg *config.Config, opts Options) (*Bundler, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Out == nil {
		opts.Out = opts.Fs
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if err := split.Validate(cfg.SplitOptions()); err != nil {
		return nil, err
	}
	rules, err := cfg.Rules()
	if err != nil {
		return nil, err
	}
	store, err := cfg.OpenCache()
	if err != nil {
		return nil, fmt.Errorf("bundle: open cache: %w", err)
	}
	store = opts.Metrics.Store(store)

	c := compiler.New(opts.Fs, rules, store)
	return &Bundler{
		cfg:     cfg,
		opts:    opts,
		graph:   module.New(cfg.Context, cfg.Resolver(opts.Fs), c),
		store:   store,
		metrics: opts.Metrics,
	}, nil
}

func (b *Bundler) Graph() *module.Graph { return b.graph }

// Last returns the most recent successful build, or nil.
func (b *Bundler) Last() *Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Build builds every entry and writes the output. Entries that fail are
// reported in Result.Errors; the build itself fails only when no entry
// survives or emission fails.
func (b *Bundler) Build(ctx context.Context) (*Result, error) {
	b.build.Lock()
	defer b.build.Unlock()

	start := time.Now()
	entries := b.graph.Build(ctx, b.cfg.Entries())
	b.metrics.ObservePhase("graph", start)

	res, err := b.emit(ctx, entries, start)
	b.record(res, err)
	return res, err
}

func (b *Bundler) emit(ctx context.Context, entries []*module.Entry, start time.Time) (*Result, error) {
	res := &Result{ID: uuid.New().String(), Entries: entries}

	var ok []*module.Entry
	var failed *multierror.Error
	for _, e := range entries {
		if e.Failed() {
			for _, err := range e.Errors {
				log.Warn().Err(err).Str("entry", e.Name).Msg("bundle: entry failed")
			}
			res.Errors = append(res.Errors, e.Errors...)
			failed = multierror.Append(failed, e.Errors...)
			continue
		}
		ok = append(ok, e)
	}
	if len(ok) == 0 {
		if err := failed.ErrorOrNil(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("bundle: no entries")
	}

	phase := time.Now()
	sr, err := split.Split(b.graph, ok, b.cfg.SplitOptions())
	if err != nil {
		return nil, err
	}
	res.Split = sr
	b.metrics.ObservePhase("split", phase)

	phase = time.Now()
	bundle, err := linker.Link(ctx, b.graph, sr, b.cfg.LinkerOptions(b.opts.Hot))
	if err != nil {
		return nil, err
	}
	res.Bundle = bundle
	b.metrics.ObservePhase("link", phase)

	phase = time.Now()
	stats, err := bundle.Write(b.opts.Out, b.cfg.Output.Path)
	if err != nil {
		return nil, fmt.Errorf("bundle: write: %w", err)
	}
	res.Stats = stats
	b.metrics.ObservePhase("write", phase)
	b.metrics.RecordWrite(stats.Written)

	res.Duration = time.Since(start)
	log.Info().
		Str("build", res.ID).
		Int("chunks", len(sr.Chunks)).
		Int("written", stats.Written).
		Int("unchanged", stats.Unchanged).
		Int("failed_entries", len(entries)-len(ok)).
		Dur("duration", res.Duration).
		Msg("bundle: built")
	return res, nil
}

func (b *Bundler) record(res *Result, err error) {
	if err != nil {
		b.metrics.RecordBuild(err, 0, 0, 0)
		return
	}
	size := 0
	for _, a := range res.Bundle.Assets {
		size += len(a.Content)
	}
	b.metrics.RecordBuild(nil, len(b.graph.Modules()), len(res.Split.Chunks), size)

	b.mu.Lock()
	b.last = res
	b.mu.Unlock()
}

// Close releases the transform cache.
func (b *Bundler) Close() error {
	if b.store == nil {
		return nil
	}
	return b.store.Close()
}
