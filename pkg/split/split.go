// Package split partitions a module graph into chunks. Every entry and every
// dynamic import target gets a chunk group; cache groups then move shared
// modules out of the group chunks into chunks of their own.
package split

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/coldog/bld/pkg/module"
)

type GroupKind int

const (
	Entry GroupKind = iota
	Async
)

func (k GroupKind) String() string {
	if k == Entry {
		return "entry"
	}
	return "async"
}

// ChunkGroup is the ordered set of chunks that satisfies one entry or one
// dynamic import. The group's own chunk comes last.
type ChunkGroup struct {
	ID      string
	Name    string
	Kind    GroupKind
	Root    module.ID
	Chunks  []*Chunk
	Parents []*ChunkGroup

	closure []module.ID
	own     *Chunk
}

// Chunk is one output unit. Modules are ordered by name.
type Chunk struct {
	ID      string
	Name    string
	Modules []module.ID
	// Entry chunks carry the runtime.
	Entry  bool
	Groups []*ChunkGroup
	// CacheGroup is the rule that extracted the chunk, empty for group
	// chunks.
	CacheGroup string

	members map[module.ID]bool
}

func (c *Chunk) Has(id module.ID) bool { return c.members[id] }

// Order returns the modules of c in the request order of the groups holding
// it. Modules no group closure reaches follow in name order.
func (c *Chunk) Order() []module.ID {
	out := make([]module.ID, 0, len(c.Modules))
	seen := make(map[module.ID]bool, len(c.Modules))
	for _, g := range c.Groups {
		for _, id := range g.closure {
			if c.members[id] && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	for _, id := range c.Modules {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// Graph is the view of the module graph the splitter needs.
type Graph interface {
	Module(id module.ID) *module.Module
}

type asyncKey struct {
	target module.ID
	name   string
}

// Result is the finalized chunk set.
type Result struct {
	Groups []*ChunkGroup
	Chunks []*Chunk

	async map[asyncKey]*ChunkGroup
}

// AsyncGroup returns the chunk group created for a dynamic dependency.
func (r *Result) AsyncGroup(dep module.Dependency) *ChunkGroup {
	return r.async[asyncKey{dep.Target, dep.ChunkName}]
}

// Group returns the group with id.
func (r *Result) Group(id string) *ChunkGroup {
	for _, g := range r.Groups {
		if g.ID == id {
			return g
		}
	}
	return nil
}

type splitter struct {
	graph   Graph
	opts    Options
	rules   []rule
	result  *Result
	entries map[module.ID]bool
}

// Split builds the chunk groups of entries and applies the cache groups of
// opts. Entries without a root are skipped.
func Split(g Graph, entries []*module.Entry, opts Options) (*Result, error) {
	rules, err := compile(opts)
	if err != nil {
		return nil, err
	}
	s := &splitter{
		graph:   g,
		opts:    opts,
		rules:   rules,
		result:  &Result{async: map[asyncKey]*ChunkGroup{}},
		entries: map[module.ID]bool{},
	}

	s.createGroups(entries)
	s.removeAvailable()
	s.applyCacheGroups()
	s.finalize()

	log.Debug().
		Int("groups", len(s.result.Groups)).
		Int("chunks", len(s.result.Chunks)).
		Msg("split: done")
	return s.result, nil
}

// createGroups makes one group per entry, then one per distinct dynamic
// import target reachable from any group, breadth first.
func (s *splitter) createGroups(entries []*module.Entry) {
	var queue []*ChunkGroup
	for _, e := range entries {
		if e.Root == 0 || s.graph.Module(e.Root) == nil {
			continue
		}
		s.entries[e.Root] = true
		g := &ChunkGroup{ID: e.Name, Name: e.Name, Kind: Entry, Root: e.Root}
		s.result.Groups = append(s.result.Groups, g)
		queue = append(queue, g)
	}

	for len(queue) > 0 {
		g := queue[0]
		queue = queue[1:]

		var dynamic []module.Dependency
		g.closure, dynamic = s.closure(g.Root)
		for _, dep := range dynamic {
			key := asyncKey{dep.Target, dep.ChunkName}
			child, ok := s.result.async[key]
			if !ok {
				child = &ChunkGroup{ID: asyncID(dep), Name: dep.ChunkName, Kind: Async, Root: dep.Target}
				if child.Name == "" {
					child.Name = child.ID
				}
				s.result.async[key] = child
				s.result.Groups = append(s.result.Groups, child)
				queue = append(queue, child)
			}
			if !hasParent(child, g) {
				child.Parents = append(child.Parents, g)
			}
		}
	}
}

func asyncID(dep module.Dependency) string {
	if dep.ChunkName != "" {
		return dep.ChunkName + "~" + dep.Target.String()
	}
	return dep.Target.String()
}

func hasParent(g, p *ChunkGroup) bool {
	for _, q := range g.Parents {
		if q == p {
			return true
		}
	}
	return false
}

// closure returns the static closure of root in depth-first request order
// and the dynamic dependencies leaving it.
func (s *splitter) closure(root module.ID) ([]module.ID, []module.Dependency) {
	var (
		order   []module.ID
		dynamic []module.Dependency
		seen    = map[module.ID]bool{root: true}
		stack   = []module.ID{root}
	)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		m := s.graph.Module(id)
		if m == nil {
			continue
		}
		order = append(order, id)

		var next []module.ID
		for _, dep := range m.Dependencies {
			if dep.Target == 0 || s.graph.Module(dep.Target) == nil {
				continue
			}
			switch dep.Kind {
			case module.Static:
				if !seen[dep.Target] {
					seen[dep.Target] = true
					next = append(next, dep.Target)
				}
			case module.Dynamic:
				dynamic = append(dynamic, dep)
			}
		}
		for i := len(next) - 1; i >= 0; i-- {
			stack = append(stack, next[i])
		}
	}
	return order, dynamic
}

// removeAvailable drops from async groups the modules every parent path has
// already loaded. The available sets are computed as a fixed point since the
// group graph may have cycles.
func (s *splitter) removeAvailable() {
	avail := map[*ChunkGroup]map[module.ID]bool{}
	unknown := map[*ChunkGroup]bool{}
	for _, g := range s.result.Groups {
		if g.Kind == Async {
			unknown[g] = true
		} else {
			avail[g] = map[module.ID]bool{}
		}
	}

	for changed := true; changed; {
		changed = false
		for _, g := range s.result.Groups {
			if g.Kind != Async {
				continue
			}
			var next map[module.ID]bool
			for _, p := range g.Parents {
				if unknown[p] {
					continue
				}
				loaded := map[module.ID]bool{}
				for id := range avail[p] {
					loaded[id] = true
				}
				for _, id := range p.closure {
					loaded[id] = true
				}
				if next == nil {
					next = loaded
					continue
				}
				for id := range next {
					if !loaded[id] {
						delete(next, id)
					}
				}
			}
			if next == nil {
				continue
			}
			if unknown[g] || len(next) != len(avail[g]) {
				delete(unknown, g)
				avail[g] = next
				changed = true
			}
		}
	}

	for _, g := range s.result.Groups {
		own := &Chunk{Name: g.Name, Entry: g.Kind == Entry, members: map[module.ID]bool{}}
		for _, id := range g.closure {
			if g.Kind == Async && avail[g][id] {
				continue
			}
			own.members[id] = true
		}
		g.own = own
	}
}

type assignment struct {
	rule   *rule
	groups []*ChunkGroup
}

// applyCacheGroups evaluates the ranked rules for every module placed in a
// group chunk and moves the selected modules into new chunks.
func (s *splitter) applyCacheGroups() {
	reach := map[module.ID][]*ChunkGroup{}
	var ids []module.ID
	for _, g := range s.result.Groups {
		for _, id := range g.closure {
			if !g.own.members[id] {
				continue
			}
			if _, ok := reach[id]; !ok {
				ids = append(ids, id)
			}
			reach[id] = append(reach[id], g)
		}
	}

	type bucket struct {
		rule    *rule
		key     string
		modules []module.ID
		groups  []*ChunkGroup
	}
	buckets := map[string]*bucket{}

	for _, id := range ids {
		if s.entries[id] {
			continue
		}
		m := s.graph.Module(id)
		a, ok := s.evaluate(m, reach[id])
		if !ok {
			continue
		}

		key := a.rule.Name
		if key == "" {
			parts := make([]string, len(a.groups))
			for i, g := range a.groups {
				parts[i] = g.ID
			}
			sort.Strings(parts)
			key = fmt.Sprintf("#%d:%s", a.rule.index, strings.Join(parts, ","))
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{rule: a.rule, key: key}
			buckets[key] = b
		}
		b.modules = append(b.modules, id)
		for _, g := range a.groups {
			if !containsGroup(b.groups, g) {
				b.groups = append(b.groups, g)
			}
		}
		for _, g := range a.groups {
			delete(g.own.members, id)
		}
	}

	rank := map[*rule]int{}
	for i := range s.rules {
		rank[&s.rules[i]] = i
	}
	ordered := make([]*bucket, 0, len(buckets))
	for _, b := range buckets {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if rank[ordered[i].rule] != rank[ordered[j].rule] {
			return rank[ordered[i].rule] < rank[ordered[j].rule]
		}
		return ordered[i].key < ordered[j].key
	})

	for _, b := range ordered {
		c := &Chunk{Name: b.rule.Name, CacheGroup: b.rule.Name, members: map[module.ID]bool{}}
		if c.CacheGroup == "" {
			c.CacheGroup = fmt.Sprintf("#%d", b.rule.index)
		}
		for _, id := range b.modules {
			c.members[id] = true
		}
		for _, g := range b.groups {
			g.Chunks = append(g.Chunks, c)
		}
		log.Debug().Str("cacheGroup", c.CacheGroup).Int("modules", len(b.modules)).Msg("split: extracted")
	}
}

// evaluate returns the first rule in rank order that selects m.
func (s *splitter) evaluate(m *module.Module, groups []*ChunkGroup) (assignment, bool) {
	for i := range s.rules {
		r := &s.rules[i]
		if r.test != nil && !r.test.MatchString(m.Identity) {
			continue
		}
		if r.Type != "" && r.Type != m.Type {
			continue
		}
		selected := selectGroups(groups, r.Chunks)
		if len(selected) == 0 {
			continue
		}
		if !r.accepts(len(selected), m.Size(), s.opts.ThresholdMode) {
			continue
		}
		return assignment{rule: r, groups: selected}, true
	}
	return assignment{}, false
}

func selectGroups(groups []*ChunkGroup, chunks string) []*ChunkGroup {
	if chunks == ChunksAll {
		return groups
	}
	var out []*ChunkGroup
	for _, g := range groups {
		if (chunks == ChunksInitial) == (g.Kind == Entry) {
			out = append(out, g)
		}
	}
	return out
}

func containsGroup(gs []*ChunkGroup, g *ChunkGroup) bool {
	for _, h := range gs {
		if h == g {
			return true
		}
	}
	return false
}

// finalize appends each group's own chunk, drops empty chunks, orders the
// members and assigns content addressed ids.
func (s *splitter) finalize() {
	seen := map[*Chunk]bool{}
	ids := map[string]int{}
	for _, g := range s.result.Groups {
		chunks := append(g.Chunks, g.own)
		g.Chunks = g.Chunks[:0]
		for _, c := range chunks {
			if len(c.members) == 0 {
				continue
			}
			g.Chunks = append(g.Chunks, c)
			c.Groups = append(c.Groups, g)
			if seen[c] {
				continue
			}
			seen[c] = true
			s.assignID(c, ids)
			s.result.Chunks = append(s.result.Chunks, c)
		}
	}
}

func (s *splitter) assignID(c *Chunk, ids map[string]int) {
	names := make([]string, 0, len(c.members))
	byName := map[string]module.ID{}
	for id := range c.members {
		n := s.graph.Module(id).Name
		names = append(names, n)
		byName[n] = id
	}
	sort.Strings(names)

	c.Modules = make([]module.ID, len(names))
	for i, n := range names {
		c.Modules[i] = byName[n]
	}

	id := fmt.Sprintf("%016x", xxhash.Sum64String(strings.Join(names, "\n")))[:8]
	if n := ids[id]; n > 0 {
		ids[id] = n + 1
		id = fmt.Sprintf("%s-%d", id, n)
	} else {
		ids[id] = 1
	}
	c.ID = id
}
