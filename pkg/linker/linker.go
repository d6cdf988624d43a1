// Package linker renders the chunks of a split module graph into output
// files: module code wrapped in chunk registrations, the loader runtime and
// manifest for entry chunks, content hashed filenames and composed source
// maps.
package linker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/coldog/bld/pkg/graph"
	"github.com/coldog/bld/pkg/module"
	"github.com/coldog/bld/pkg/split"
)

type Options struct {
	// Context is the directory sources are made relative to in maps.
	Context       string
	PublicPath    string
	Filename      string
	ChunkFilename string
	CSSFilename   string
	SourceMap     bool
	Target        string
	// HotURL is the websocket the runtime listens on for updates. Empty
	// disables hot updates.
	HotURL      string
	Concurrency int
}

func DefaultOptions() Options {
	return Options{
		PublicPath:    "/",
		Filename:      "[name].[contenthash:8].js",
		ChunkFilename: "[id].[contenthash:8].js",
		SourceMap:     true,
		Target:        "web",
		Concurrency:   4,
	}
}

// Graph is the view of the module graph the linker needs.
type Graph interface {
	Module(id module.ID) *module.Module
}

// Bundle is the rendered output of one build.
type Bundle struct {
	Assets   []*Asset
	Manifest *Manifest

	chunks map[string]*renderedChunk
}

// Asset returns the asset with filename, or nil.
func (b *Bundle) Asset(filename string) *Asset {
	for _, a := range b.Assets {
		if a.Filename == filename {
			return a
		}
	}
	return nil
}

// ChunkFiles returns the files rendered for a chunk.
func (b *Bundle) ChunkFiles(id string) []string {
	if c, ok := b.chunks[id]; ok {
		return c.files()
	}
	return nil
}

type linker struct {
	graph  Graph
	split  *split.Result
	opts   Options
	mu     sync.Mutex
	chunks map[string]*renderedChunk
}

// Link renders every chunk of res. Chunks render in parallel; an entry chunk
// waits for the chunks its manifest lists since their filenames are part of
// its content.
func Link(ctx context.Context, g Graph, res *split.Result, opts Options) (*Bundle, error) {
	l := &linker{graph: g, split: res, opts: opts, chunks: map[string]*renderedChunk{}}

	byID := map[string]*split.Chunk{}
	nodes := map[string][]string{}
	for _, c := range res.Chunks {
		byID[c.ID] = c
		nodes[c.ID] = nil
		if c.Entry {
			nodes[c.ID] = l.manifestChunks(c)
		}
	}

	solver := &graph.Graph[string]{
		Concurrency: opts.Concurrency,
		Nodes:       nodes,
		Process: func(ctx context.Context, id string) error {
			rc, err := l.render(byID[id])
			if err != nil {
				return fmt.Errorf("render chunk %s: %w", id, err)
			}
			l.mu.Lock()
			l.chunks[id] = rc
			l.mu.Unlock()
			return nil
		},
	}
	if err := solver.Solve(ctx); err != nil {
		return nil, err
	}

	b := &Bundle{chunks: l.chunks, Manifest: newManifest()}
	var errs *multierror.Error
	owners := map[string]string{}
	claim := func(filename, chunk string) {
		if prev, ok := owners[filename]; ok && prev != chunk {
			errs = multierror.Append(errs, &EmitError{Filename: filename, ChunkA: prev, ChunkB: chunk})
			return
		}
		owners[filename] = chunk
	}

	for _, c := range res.Chunks {
		rc := l.chunks[c.ID]
		for _, a := range rc.assets() {
			if a.Kind != MapAsset {
				claim(a.Filename, c.ID)
			}
			b.Assets = append(b.Assets, a)
		}
		b.Manifest.Chunks[c.ID] = rc.files()
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	for _, a := range l.files() {
		if _, ok := owners[a.Filename]; ok {
			continue
		}
		owners[a.Filename] = ""
		b.Assets = append(b.Assets, a)
	}
	for _, g := range res.Groups {
		b.Manifest.Groups[g.ID] = l.groupFiles(g, nil)
	}

	manifest, err := b.Manifest.asset()
	if err != nil {
		return nil, err
	}
	b.Assets = append(b.Assets, manifest)

	log.Debug().Int("assets", len(b.Assets)).Msg("linker: linked")
	return b, nil
}

// manifestGroups returns the groups an entry chunk's runtime must know:
// its own entry group and every async group.
func (l *linker) manifestGroups(c *split.Chunk) []*split.ChunkGroup {
	var out []*split.ChunkGroup
	for _, g := range l.split.Groups {
		if g.Kind == split.Async {
			out = append(out, g)
			continue
		}
		for _, owner := range c.Groups {
			if owner == g {
				out = append(out, g)
			}
		}
	}
	return out
}

// manifestChunks returns the chunks whose filenames an entry chunk embeds.
func (l *linker) manifestChunks(c *split.Chunk) []string {
	seen := map[string]bool{}
	var out []string
	for _, g := range l.manifestGroups(c) {
		for _, gc := range g.Chunks {
			if gc.Entry || seen[gc.ID] {
				continue
			}
			seen[gc.ID] = true
			out = append(out, gc.ID)
		}
	}
	sort.Strings(out)
	return out
}

// groupFiles lists the files of g in load order. The JavaScript file of
// skip is left out; it is the chunk doing the loading.
func (l *linker) groupFiles(g *split.ChunkGroup, skip *split.Chunk) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	files := []string{}
	for _, c := range g.Chunks {
		rc := l.chunks[c.ID]
		if rc == nil {
			continue
		}
		if rc.css != nil {
			files = append(files, rc.css.Filename)
		}
		if rc.js != nil && c != skip {
			files = append(files, rc.js.Filename)
		}
	}
	return files
}

// files returns the extra files modules emitted, deduplicated by name.
func (l *linker) files() []*Asset {
	seen := map[string]bool{}
	var out []*Asset
	for _, c := range l.split.Chunks {
		for _, id := range c.Modules {
			m := l.graph.Module(id)
			for _, f := range m.Files {
				if seen[f.Name] {
					continue
				}
				seen[f.Name] = true
				out = append(out, &Asset{Filename: f.Name, Kind: FileAsset, Content: f.Content})
			}
		}
	}
	return out
}
