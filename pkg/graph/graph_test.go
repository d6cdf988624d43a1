package graph

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errMap map[string]bool

func runGraph(t *testing.T, g *Graph[string], errs errMap) (map[string]int, []string, error) {
	l := sync.Mutex{}
	completed := map[string]int{}
	var order []string
	g.Process = func(ctx context.Context, id string) error {
		time.Sleep(5 * time.Millisecond)
		l.Lock()
		completed[id] += 1
		order = append(order, id)
		l.Unlock()
		if errs[id] {
			return fmt.Errorf("err: %s", id)
		}
		return nil
	}
	err := g.Solve(context.Background())
	for id, c := range completed {
		require.Equal(t, 1, c, "completed more than once (%s)", id)
	}
	return completed, order, err
}

func TestGraphN(t *testing.T) {
	g := &Graph[string]{
		Concurrency: 2,
		Nodes: map[string][]string{
			"1": {},
			"2": {"1", "3"},
			"3": {},
			"4": {"3"},
			"5": {"4"},
			"6": {"4"},
			"7": {"4"},
			"8": {"4"},
		},
	}

	completed, order, err := runGraph(t, g, errMap{})
	require.NoError(t, err)
	assert.Len(t, completed, len(g.Nodes))

	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	for id, deps := range g.Nodes {
		for _, dep := range deps {
			assert.Less(t, pos[dep], pos[id], "%s ran before its dependency %s", id, dep)
		}
	}
}

func TestGraphManyReadyNodes(t *testing.T) {
	nodes := map[string][]string{}
	for i := 0; i < 64; i++ {
		nodes[fmt.Sprint(i)] = nil
	}
	g := &Graph[string]{Concurrency: 3, Nodes: nodes}

	completed, _, err := runGraph(t, g, errMap{})
	require.NoError(t, err)
	assert.Len(t, completed, 64)
}

func TestGraphErr(t *testing.T) {
	g := &Graph[string]{
		Concurrency: 1,
		Nodes: map[string][]string{
			"1": {},
			"2": {"1", "3"},
			"3": {},
		},
	}

	completed, _, err := runGraph(t, g, errMap{"3": true})
	require.Error(t, err)
	assert.NotContains(t, completed, "2")
}

func TestGraphCircular(t *testing.T) {
	g := &Graph[string]{
		Concurrency: 1,
		Nodes: map[string][]string{
			"3": {},
			"1": {"2", "3"},
			"2": {"1"},
		},
	}

	_, _, err := runGraph(t, g, errMap{})
	assert.ErrorIs(t, err, ErrUnsolvable)
}

func TestGraphEmpty(t *testing.T) {
	g := &Graph[string]{Nodes: map[string][]string{}}
	_, _, err := runGraph(t, g, errMap{})
	assert.NoError(t, err)
}

func TestGraphUnknownDependency(t *testing.T) {
	g := &Graph[string]{Nodes: map[string][]string{"1": {"missing"}}}
	_, _, err := runGraph(t, g, errMap{})
	assert.ErrorIs(t, err, ErrUnsolvable)
}

func TestGraphCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Graph[int]{
		Concurrency: 1,
		Nodes:       map[int][]int{1: nil, 2: {1}, 3: {2}},
		Process: func(ctx context.Context, id int) error {
			cancel()
			return ctx.Err()
		},
	}
	assert.ErrorIs(t, g.Solve(ctx), context.Canceled)
}
