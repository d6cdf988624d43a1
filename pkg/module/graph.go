package module

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/coldog/bld/pkg/graph"
)

// EntrySpec names an entry request.
type EntrySpec struct {
	Name    string
	Request string
}

// Entry is the root of one entry ChunkGroup.
type Entry struct {
	Name    string
	Request string
	// Root is zero when the entry request itself failed.
	Root   ID
	Errors []error
}

func (e *Entry) Failed() bool { return len(e.Errors) > 0 }

// Change describes the effect of an invalidation.
type Change struct {
	Updated []ID
	Added   []ID
	Removed []ID
}

// Empty reports whether the invalidation touched no module.
func (c *Change) Empty() bool {
	return len(c.Updated) == 0 && len(c.Added) == 0 && len(c.Removed) == 0
}

// Graph is the module arena. Modules are stored by ID; edges are ID lists on
// the modules, and the reverse index is kept in dependents.
type Graph struct {
	Context     string
	resolver    Resolver
	transformer Transformer

	mu         sync.RWMutex
	modules    map[ID]*Module
	failed     map[string]error
	dependents map[ID][]ID
	entries    []*Entry

	// update serializes Build and Invalidate.
	update   sync.Mutex
	building singleflight.Group
}

func New(context string, r Resolver, t Transformer) *Graph {
	return &Graph{
		Context:     context,
		resolver:    r,
		transformer: t,
		modules:     map[ID]*Module{},
		failed:      map[string]error{},
		dependents:  map[ID][]ID{},
	}
}

// Build builds every entry subgraph in parallel and returns once all of them
// are resolved. Failures are recorded per entry.
func (g *Graph) Build(ctx context.Context, specs []EntrySpec) []*Entry {
	g.update.Lock()
	defer g.update.Unlock()

	entries := make([]*Entry, len(specs))
	var eg errgroup.Group
	for i, spec := range specs {
		i, spec := i, spec
		eg.Go(func() error {
			entries[i] = &Entry{Name: spec.Name, Request: spec.Request}
			g.buildEntry(ctx, entries[i])
			return nil
		})
	}
	_ = eg.Wait()

	g.mu.Lock()
	g.entries = entries
	g.mu.Unlock()
	g.collect()
	g.relink()
	return entries
}

// AddEntry builds the subgraph of one more entry and returns its root.
func (g *Graph) AddEntry(ctx context.Context, name, request string) (*Entry, error) {
	g.update.Lock()
	defer g.update.Unlock()

	e := &Entry{Name: name, Request: request}
	g.buildEntry(ctx, e)

	g.mu.Lock()
	g.entries = append(g.entries, e)
	g.mu.Unlock()
	g.relink()

	if e.Root == 0 {
		return e, e.Errors[0]
	}
	return e, nil
}

func (g *Graph) buildEntry(ctx context.Context, e *Entry) {
	e.Root = 0
	e.Errors = nil

	path, err := g.resolver.Resolve(g.Context, e.Request)
	if err != nil {
		e.Errors = append(e.Errors, &ResolutionError{Request: e.Request, Err: err})
		return
	}
	root, err := g.ensure(ctx, path)
	if err != nil {
		e.Errors = append(e.Errors, err)
		return
	}
	e.Root = root.ID
	g.walk(ctx, e, root)
	log.Debug().Str("entry", e.Name).Int("errors", len(e.Errors)).Msg("module: entry built")
}

// walk visits everything reachable from root over static and dynamic edges,
// building modules on the way. A failing branch is not descended into.
func (g *Graph) walk(ctx context.Context, e *Entry, root *Module) {
	seen := map[ID]bool{root.ID: true}
	stack := []*Module{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			e.Errors = append(e.Errors, err)
			return
		}
		m := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		e.Errors = append(e.Errors, m.Problems...)
		for _, dep := range m.Dependencies {
			if dep.Target == 0 || dep.Kind == Weak || seen[dep.Target] {
				continue
			}
			seen[dep.Target] = true
			child, err := g.ensure(ctx, dep.Resolved)
			if err != nil {
				e.Errors = append(e.Errors, err)
				continue
			}
			stack = append(stack, child)
		}
	}
}

// ensure returns the module for the resolved identity, transforming it on
// first use. Concurrent first uses share one transform.
func (g *Graph) ensure(ctx context.Context, identity string) (*Module, error) {
	name := g.name(identity)
	id := IDOf(name)

	g.mu.RLock()
	m, err := g.modules[id], g.failed[identity]
	g.mu.RUnlock()
	if m != nil {
		return m, nil
	}
	if err != nil {
		return nil, err
	}

	v, err, _ := g.building.Do(identity, func() (interface{}, error) {
		g.mu.RLock()
		m := g.modules[id]
		g.mu.RUnlock()
		if m != nil {
			return m, nil
		}

		m, err := g.create(ctx, identity, 0)
		g.mu.Lock()
		if err != nil {
			g.failed[identity] = err
		} else {
			g.modules[id] = m
		}
		g.mu.Unlock()
		return m, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Module), nil
}

// create transforms identity and resolves the requests of the result.
func (g *Graph) create(ctx context.Context, identity string, version int) (*Module, error) {
	path, query := splitQuery(identity)
	t, err := g.transformer.Transform(ctx, path, query)
	if err != nil {
		return nil, err
	}

	name := g.name(identity)
	m := &Module{
		ID:           IDOf(name),
		Identity:     identity,
		Name:         name,
		Path:         path,
		Query:        query,
		Type:         t.Type,
		Source:       t.Source,
		Code:         t.Code,
		Map:          t.Map,
		Dependencies: make([]Dependency, len(t.Dependencies)),
		SideEffects:  t.SideEffects,
		Hot:          t.Hot,
		Files:        t.Files,
		Version:      version,
	}
	copy(m.Dependencies, t.Dependencies)

	dir := filepath.Dir(path)
	for i := range m.Dependencies {
		dep := &m.Dependencies[i]
		resolved, err := g.resolver.Resolve(dir, dep.Request)
		if err != nil {
			m.Problems = append(m.Problems, &ResolutionError{From: identity, Request: dep.Request, Err: err})
			continue
		}
		dep.Resolved = resolved
		dep.Target = IDOf(g.name(resolved))
	}
	log.Debug().Str("module", name).Int("deps", len(m.Dependencies)).Msg("module: built")
	return m, nil
}

// ResolveDependency resolves request as imported by from and returns the
// target module, building it if needed.
func (g *Graph) ResolveDependency(ctx context.Context, from ID, request string) (*Module, error) {
	src := g.Module(from)
	if src == nil {
		return nil, &ResolutionError{Request: request, Err: ErrUnknownModule}
	}
	resolved, err := g.resolver.Resolve(filepath.Dir(src.Path), request)
	if err != nil {
		return nil, &ResolutionError{From: src.Identity, Request: request, Err: err}
	}
	return g.ensure(ctx, resolved)
}

// Invalidate re-transforms every module whose path is path. The modules keep
// their IDs; dependencies are re-linked, new modules are built and modules no
// longer reachable from an entry are dropped.
func (g *Graph) Invalidate(ctx context.Context, path string) (*Change, error) {
	g.update.Lock()
	defer g.update.Unlock()

	g.mu.Lock()
	before := make(map[ID]bool, len(g.modules))
	var stale []*Module
	for id, m := range g.modules {
		before[id] = true
		if m.Path == path {
			stale = append(stale, m)
		}
	}
	g.failed = map[string]error{}
	entries := g.entries
	g.mu.Unlock()
	sort.Slice(stale, func(i, j int) bool { return stale[i].Identity < stale[j].Identity })

	change := &Change{}
	for _, old := range stale {
		m, err := g.create(ctx, old.Identity, old.Version+1)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.modules[m.ID] = m
		g.mu.Unlock()
		change.Updated = append(change.Updated, m.ID)
	}

	for _, e := range entries {
		g.buildEntry(ctx, e)
	}

	change.Removed = g.collect()
	g.relink()

	g.mu.RLock()
	for id := range g.modules {
		if !before[id] {
			change.Added = append(change.Added, id)
		}
	}
	g.mu.RUnlock()
	sortIDs(change.Added)
	return change, nil
}

// collect drops modules not reachable from any entry and returns their IDs.
func (g *Graph) collect() []ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	reachable := map[ID]bool{}
	var stack []ID
	for _, e := range g.entries {
		if e.Root != 0 && !reachable[e.Root] {
			reachable[e.Root] = true
			stack = append(stack, e.Root)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		m := g.modules[id]
		if m == nil {
			continue
		}
		for _, dep := range m.Dependencies {
			if dep.Target == 0 || dep.Kind == Weak || reachable[dep.Target] {
				continue
			}
			reachable[dep.Target] = true
			stack = append(stack, dep.Target)
		}
	}

	var removed []ID
	for id := range g.modules {
		if !reachable[id] {
			removed = append(removed, id)
			delete(g.modules, id)
		}
	}
	sortIDs(removed)
	return removed
}

// relink rebuilds the reverse edge index.
func (g *Graph) relink() {
	g.mu.Lock()
	defer g.mu.Unlock()

	dependents := make(map[ID][]ID, len(g.modules))
	for _, m := range g.sortedLocked() {
		for _, dep := range m.Dependencies {
			if dep.Target == 0 || dep.Kind == Weak {
				continue
			}
			if _, ok := g.modules[dep.Target]; !ok {
				continue
			}
			if list := dependents[dep.Target]; len(list) > 0 && list[len(list)-1] == m.ID {
				continue
			}
			dependents[dep.Target] = append(dependents[dep.Target], m.ID)
		}
	}
	g.dependents = dependents
}

// Module returns the module with id, or nil.
func (g *Graph) Module(id ID) *Module {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.modules[id]
}

// Modules returns all modules ordered by name.
func (g *Graph) Modules() []*Module {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedLocked()
}

func (g *Graph) sortedLocked() []*Module {
	out := make([]*Module, 0, len(g.modules))
	for _, m := range g.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Entries returns the entries in declaration order.
func (g *Graph) Entries() []*Entry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Entry(nil), g.entries...)
}

// Dependents returns the modules importing id (static or dynamic).
func (g *Graph) Dependents(id ID) []ID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]ID(nil), g.dependents[id]...)
}

// TopoOrder orders ids so that static dependencies come first. ids fixes the
// order in which roots are tried; dependencies are followed in request order.
// Only modules in ids are returned.
func (g *Graph) TopoOrder(ids []ID) []ID {
	in := make(map[ID]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return graph.TopoSort(ids, func(id ID) []ID {
		m := g.modules[id]
		if m == nil {
			return nil
		}
		var deps []ID
		for _, dep := range m.Dependencies {
			if dep.Kind == Static && in[dep.Target] {
				deps = append(deps, dep.Target)
			}
		}
		return deps
	})
}

// name returns identity relative to the context, "./src/a.js".
func (g *Graph) name(identity string) string {
	path, query := splitQuery(identity)
	if g.Context == "" {
		return filepath.ToSlash(path) + query
	}
	rel, err := filepath.Rel(g.Context, path)
	if err != nil {
		return filepath.ToSlash(path) + query
	}
	rel = filepath.ToSlash(rel)
	if !strings.HasPrefix(rel, "../") {
		rel = "./" + rel
	}
	return rel + query
}

func splitQuery(identity string) (string, string) {
	if i := strings.IndexByte(identity, '?'); i >= 0 {
		return identity[:i], identity[i:]
	}
	return identity, ""
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
