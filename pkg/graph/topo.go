package graph

// TopoSort orders every node reachable from roots so that each node comes
// after the nodes it depends on. Roots are visited in the given order and deps
// must return dependencies in a stable order, which makes the result
// deterministic. On a cycle the back edge is ignored.
//
// The walk keeps an explicit stack so deep graphs do not grow the goroutine
// stack.
func TopoSort[K comparable](roots []K, deps func(K) []K) []K {
	type frame struct {
		id   K
		deps []K
		next int
	}

	visited := make(map[K]bool)
	var order []K
	for _, root := range roots {
		if visited[root] {
			continue
		}
		visited[root] = true
		stack := []frame{{id: root, deps: deps(root)}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(top.deps) {
				dep := top.deps[top.next]
				top.next++
				if !visited[dep] {
					visited[dep] = true
					stack = append(stack, frame{id: dep, deps: deps(dep)})
				}
				continue
			}
			order = append(order, top.id)
			stack = stack[:len(stack)-1]
		}
	}
	return order
}
