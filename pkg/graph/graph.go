// Package graph holds the small graph algorithms the bundler leans on: a
// worker pool that processes nodes in dependency order and a deterministic
// topological sort.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrUnsolvable = errors.New("graph: unsolvable graph")

type ProcessFunc[K comparable] func(ctx context.Context, id K) error

// Graph processes every node once all of the nodes it depends on have been
// processed. Nodes maps a node to its dependencies.
type Graph[K comparable] struct {
	Concurrency int
	Nodes       map[K][]K
	Process     ProcessFunc[K]
}

type result[K comparable] struct {
	id  K
	err error
}

// Solve runs Process over all nodes and returns the first error seen. Nodes
// depending on a failed node are not processed. A cycle, or a dependency
// that is not itself a node, is ErrUnsolvable.
func (g *Graph[K]) Solve(ctx context.Context) error {
	if len(g.Nodes) == 0 {
		return nil
	}

	pending := make(map[K]int, len(g.Nodes))
	dependents := make(map[K][]K, len(g.Nodes))
	var ready []K
	for id, deps := range g.Nodes {
		for _, dep := range deps {
			if _, ok := g.Nodes[dep]; !ok {
				return fmt.Errorf("%w: %v depends on unknown node %v", ErrUnsolvable, id, dep)
			}
			pending[id]++
			dependents[dep] = append(dependents[dep], id)
		}
		if pending[id] == 0 {
			ready = append(ready, id)
		}
	}

	workers := g.Concurrency
	if workers < 1 {
		workers = 1
	}
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan K)
	results := make(chan result[K], len(g.Nodes))
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			for id := range work {
				log.Debug().Int("worker", i).Interface("node", id).Msg("graph: starting work")
				results <- result[K]{id: id, err: g.Process(workCtx, id)}
			}
		}(i)
	}

	// The pump owns all scheduling state; workers only see ids.
	var err error
	inFlight, completed := 0, 0
	cancelled := ctx.Done()
	for {
		if err == nil && len(ready) == 0 && inFlight == 0 && completed < len(g.Nodes) {
			err = ErrUnsolvable
		}
		if inFlight == 0 && (err != nil || len(ready) == 0) {
			break
		}

		var send chan<- K
		var next K
		if err == nil && len(ready) > 0 {
			send, next = work, ready[0]
		}

		select {
		case send <- next:
			ready = ready[1:]
			inFlight++
		case r := <-results:
			inFlight--
			completed++
			if r.err != nil {
				log.Debug().Err(r.err).Interface("node", r.id).Msg("graph: work failed")
				if err == nil {
					err = r.err
				}
				cancel()
				continue
			}
			for _, d := range dependents[r.id] {
				pending[d]--
				if pending[d] == 0 {
					ready = append(ready, d)
				}
			}
		case <-cancelled:
			cancelled = nil
			if err == nil {
				err = ctx.Err()
			}
			cancel()
		}
	}

	close(work)
	wg.Wait()
	return err
}
