package runtime

import (
	"context"
	"sort"
	"sync"
)

// HotInfo is what a module declared through module.hot.
type HotInfo struct {
	SelfAccept bool
	Decline    bool
	// Accepts are the module ids whose updates this module handles.
	Accepts []string
}

func (h HotInfo) accepts(id string) bool {
	for _, a := range h.Accepts {
		if a == id {
			return true
		}
	}
	return false
}

// HotGraph is the module graph as the hot update path sees it.
type HotGraph interface {
	// Parents returns the modules importing id. An entry has none.
	Parents(id string) []string
	Hot(id string) HotInfo
}

// Boundary is a module that takes an update: itself when it self accepts,
// or a parent accepting it.
type Boundary struct {
	Module     string
	AcceptedBy string
}

// Plan is the outcome of the boundary search for one update.
type Plan struct {
	// Outdated are the modules to re-execute, changed modules first.
	Outdated    []string
	Boundaries  []Boundary
	NeedsReload bool
	// Reason names the module that forced a reload.
	Reason string
}

// FindBoundaries walks up from every changed module until each path
// reaches a module that accepts the update. A path that ends at an entry or
// a declining module needs a full reload.
func FindBoundaries(g HotGraph, changed []string) *Plan {
	plan := &Plan{}
	seen := map[string]bool{}
	for _, start := range changed {
		queue := []string{start}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if seen[id] {
				continue
			}
			seen[id] = true

			info := g.Hot(id)
			if info.Decline {
				return &Plan{NeedsReload: true, Reason: id}
			}
			plan.Outdated = append(plan.Outdated, id)
			if info.SelfAccept {
				plan.Boundaries = append(plan.Boundaries, Boundary{Module: id, AcceptedBy: id})
				continue
			}

			parents := g.Parents(id)
			if len(parents) == 0 {
				return &Plan{NeedsReload: true, Reason: id}
			}
			for _, p := range parents {
				if g.Hot(p).accepts(id) {
					plan.Boundaries = append(plan.Boundaries, Boundary{Module: id, AcceptedBy: p})
				} else {
					queue = append(queue, p)
				}
			}
		}
	}
	return plan
}

// Instance is a loaded module. Its identity survives updates; only Version
// moves.
type Instance struct {
	ID      string
	Parents []string
	Hot     HotInfo
	Version int
}

// ModuleUpdate replaces the declared hot behaviour of a module.
type ModuleUpdate struct {
	ID  string
	Hot HotInfo
}

// Hot applies hot updates to a set of loaded modules. Updates touching the
// same module are applied one after another.
type Hot struct {
	mu        sync.Mutex
	instances instances
	locks     map[string]*sync.Mutex

	// Execute, when set, is called for every re-executed module.
	Execute func(ctx context.Context, inst *Instance) error
}

func NewHot() *Hot {
	return &Hot{instances: instances{}, locks: map[string]*sync.Mutex{}}
}

// Register adds a loaded module.
func (h *Hot) Register(id string, parents []string, info HotInfo) *Instance {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst := &Instance{ID: id, Parents: append([]string(nil), parents...), Hot: info}
	h.instances[id] = inst
	return inst
}

// Instance returns the loaded module id, or nil.
func (h *Hot) Instance(id string) *Instance {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.instances[id]
}

type instances map[string]*Instance

func (is instances) Parents(id string) []string {
	if inst := is[id]; inst != nil {
		return inst.Parents
	}
	return nil
}

func (is instances) Hot(id string) HotInfo {
	if inst := is[id]; inst != nil {
		return inst.Hot
	}
	return HotInfo{}
}

// lock takes the per module locks of ids in a fixed order and returns the
// release function.
func (h *Hot) lock(ids []string) func() {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	h.mu.Lock()
	locks := make([]*sync.Mutex, 0, len(sorted))
	for i, id := range sorted {
		if i > 0 && sorted[i-1] == id {
			continue
		}
		m, ok := h.locks[id]
		if !ok {
			m = &sync.Mutex{}
			h.locks[id] = m
		}
		locks = append(locks, m)
	}
	h.mu.Unlock()

	for _, m := range locks {
		m.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// Apply swaps in the updated modules and re-executes everything up to the
// accepting boundaries. When no boundary exists nothing is changed and the
// plan reports NeedsReload.
func (h *Hot) Apply(ctx context.Context, updates []ModuleUpdate) (*Plan, error) {
	ids := make([]string, 0, len(updates))
	for _, u := range updates {
		ids = append(ids, u.ID)
	}
	release := h.lock(ids)
	defer release()

	h.mu.Lock()
	var changed []string
	for _, u := range updates {
		if h.instances[u.ID] != nil {
			changed = append(changed, u.ID)
		}
	}
	plan := FindBoundaries(h.instances, changed)
	if plan.NeedsReload {
		h.mu.Unlock()
		return plan, nil
	}
	for _, u := range updates {
		if inst := h.instances[u.ID]; inst != nil {
			inst.Hot = u.Hot
		}
	}
	outdated := make([]*Instance, 0, len(plan.Outdated))
	for _, id := range plan.Outdated {
		inst := h.instances[id]
		inst.Version++
		outdated = append(outdated, inst)
	}
	h.mu.Unlock()

	if h.Execute != nil {
		for i := len(outdated) - 1; i >= 0; i-- {
			if err := h.Execute(ctx, outdated[i]); err != nil {
				return plan, err
			}
		}
	}
	return plan, nil
}
