package bundle

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coldog/bld/pkg/hot"
	"github.com/coldog/bld/pkg/linker"
	"github.com/coldog/bld/pkg/module"
	"github.com/coldog/bld/pkg/runtime"
	"github.com/coldog/bld/pkg/sourcemap"
	"github.com/coldog/bld/pkg/split"
)

// Invalidate rebuilds after the file at path changed and returns the
// notification for connected runtimes. It is nil when the change left the
// graph and every entry's failure state as they were. The notification is
// published to the hub when one is set.
func (b *Bundler) Invalidate(ctx context.Context, path string) (*hot.Notification, *Result, error) {
	b.build.Lock()
	defer b.build.Unlock()

	start := time.Now()
	before := failures(b.graph.Entries())
	change, err := b.graph.Invalidate(ctx, path)
	if err != nil {
		b.record(nil, err)
		return nil, nil, err
	}
	if change.Empty() && sameFailures(before, failures(b.graph.Entries())) {
		log.Debug().Str("path", path).Msg("bundle: not part of the graph")
		return nil, nil, nil
	}
	b.metrics.ObservePhase("graph", start)

	prev := b.Last()
	res, err := b.emit(ctx, b.graph.Entries(), start)
	b.record(res, err)
	if err != nil {
		n := hot.Reload("", err.Error())
		b.publish(n)
		return n, nil, err
	}

	n := b.notification(prev, res, change)
	b.publish(n)
	return n, res, nil
}

// failures maps entry names to whether the entry failed.
func failures(entries []*module.Entry) map[string]bool {
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		out[e.Name] = e.Failed()
	}
	return out
}

func sameFailures(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for name, failed := range a {
		if v, ok := b[name]; !ok || v != failed {
			return false
		}
	}
	return true
}

func (b *Bundler) publish(n *hot.Notification) {
	b.metrics.RecordHotUpdate(n.FullReload)
	if b.opts.Hub == nil {
		return
	}
	if err := b.opts.Hub.Publish(n); err != nil {
		log.Warn().Err(err).Msg("bundle: publish hot notification")
	}
	b.metrics.SetHotClients(b.opts.Hub.Subscribers())
}

// notification describes change as factory swaps, or as a full reload when
// a runtime could not apply it in place.
func (b *Bundler) notification(prev, res *Result, change *module.Change) *hot.Notification {
	if prev == nil || !sameGroups(prev.Bundle.Manifest, res.Bundle.Manifest) {
		return hot.Reload(res.ID, "chunk groups changed")
	}

	hg := newHotGraph(b.graph)
	var changed []string
	for _, id := range change.Updated {
		m := b.graph.Module(id)
		if m == nil {
			continue
		}
		if m.Type == module.CSS {
			return hot.Reload(res.ID, "stylesheet "+m.Name+" changed")
		}
		changed = append(changed, id.String())
	}

	plan := runtime.FindBoundaries(hg, changed)
	if plan.NeedsReload {
		reason := "no module accepts the update"
		if m := hg.module(plan.Reason); m != nil {
			reason = m.Name + " has no accepting parent"
		}
		return hot.Reload(res.ID, reason)
	}

	n := hot.NewNotification(res.ID)
	n.Manifest = asyncFiles(res)
	for _, ids := range [][]module.ID{change.Updated, change.Added} {
		for _, id := range ids {
			m := b.graph.Module(id)
			if m == nil || m.Type == module.CSS {
				continue
			}
			requires, imports := linker.ModuleTables(b.graph, res.Split, m)
			update := hot.ModuleUpdate{
				ID:       m.ID.String(),
				Identity: m.Identity,
				Code:     string(m.Code),
				Requests: requires,
				Imports:  imports,
			}
			if m.Map != nil && b.cfg.Output.SourceMap {
				data, err := sourcemap.Normalize(m.Map, b.cfg.Context).Bytes()
				if err != nil {
					log.Warn().Err(err).Str("module", m.Name).Msg("bundle: encode hot update map")
				} else {
					update.Map = data
				}
			}
			n.Modules = append(n.Modules, update)
		}
	}
	for _, id := range change.Removed {
		n.Removed = append(n.Removed, id.String())
	}

	log.Info().
		Int("modules", len(n.Modules)).
		Int("boundaries", len(plan.Boundaries)).
		Msg("bundle: hot update")
	return n
}

// asyncFiles returns the files of every async group in res. Runtimes extend
// their manifest with it so later loads fetch this build's chunks.
func asyncFiles(res *Result) map[string][]string {
	out := map[string][]string{}
	for _, g := range res.Split.Groups {
		if g.Kind == split.Async {
			out[g.ID] = res.Bundle.Manifest.Groups[g.ID]
		}
	}
	return out
}

func sameGroups(a, b *linker.Manifest) bool {
	if len(a.Groups) != len(b.Groups) {
		return false
	}
	for id := range a.Groups {
		if _, ok := b.Groups[id]; !ok {
			return false
		}
	}
	return true
}

// hotGraph adapts the module graph to the boundary search, which speaks in
// runtime module ids.
type hotGraph struct {
	graph *module.Graph
	ids   map[string]module.ID
}

func newHotGraph(g *module.Graph) *hotGraph {
	hg := &hotGraph{graph: g, ids: map[string]module.ID{}}
	for _, m := range g.Modules() {
		hg.ids[m.ID.String()] = m.ID
	}
	return hg
}

func (g *hotGraph) module(id string) *module.Module {
	mid, ok := g.ids[id]
	if !ok {
		return nil
	}
	return g.graph.Module(mid)
}

func (g *hotGraph) Parents(id string) []string {
	mid, ok := g.ids[id]
	if !ok {
		return nil
	}
	var out []string
	for _, p := range g.graph.Dependents(mid) {
		out = append(out, p.String())
	}
	return out
}

func (g *hotGraph) Hot(id string) runtime.HotInfo {
	m := g.module(id)
	if m == nil {
		return runtime.HotInfo{}
	}
	info := runtime.HotInfo{SelfAccept: m.Hot.SelfAccept, Decline: m.Hot.Decline}
	for _, req := range m.Hot.Accepts {
		for _, dep := range m.Dependencies {
			if dep.Request == req && dep.Target != 0 {
				info.Accepts = append(info.Accepts, dep.Target.String())
				break
			}
		}
	}
	return info
}
