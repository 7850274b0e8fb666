package graph

import "fmt"

// Resolve re-derives topological order, validates that every node input is
// satisfiable, and re-runs shape/type inference. It must be called after
// structural edits; adjacency and ordering are not trustworthy until it
// returns nil.
//
// An input is satisfiable when it is a declared graph input, a persisted
// constant, or the output of another node. The returned order guarantees
// that every producer precedes its consumers; a cycle fails resolution.
func (g *Graph) Resolve() error {
	inputSet := make(map[string]bool, len(g.inputs))
	for _, arg := range g.inputs {
		inputSet[arg.name] = true
	}

	live := g.Nodes()
	for _, node := range live {
		for _, arg := range node.inputs {
			if arg == nil || arg.name == "" {
				continue // optional input
			}
			if inputSet[arg.name] {
				continue
			}
			if _, ok := g.initializers[arg.name]; ok {
				continue
			}
			if g.producers[arg.name] != nil {
				continue
			}
			return fmt.Errorf("%w: node %q input %q has no producer and is not a graph input or initializer",
				ErrResolve, node.name, arg.name)
		}
	}

	for _, arg := range g.outputs {
		if inputSet[arg.name] {
			continue
		}
		if _, ok := g.initializers[arg.name]; ok {
			continue
		}
		if g.producers[arg.name] == nil {
			return fmt.Errorf("%w: graph output %q has no producer", ErrResolve, arg.name)
		}
	}

	order, err := g.topologicalSort(live)
	if err != nil {
		return err
	}
	g.topoOrder = order
	g.resolved = true

	g.inferShapes()
	return nil
}

// topologicalSort runs Kahn's algorithm over the live nodes. Ties are broken
// by node index so the order is deterministic.
func (g *Graph) topologicalSort(live []*Node) ([]int, error) {
	indegree := make(map[int]int, len(live))
	dependents := make(map[int][]int, len(live))
	for _, node := range live {
		deps := make(map[int]bool)
		for _, arg := range node.inputs {
			if arg == nil {
				continue
			}
			if p := g.producers[arg.name]; p != nil && p != node {
				deps[p.index] = true
			}
		}
		indegree[node.index] = len(deps)
		for dep := range deps {
			dependents[dep] = append(dependents[dep], node.index)
		}
	}

	var ready []int
	for _, node := range live {
		if indegree[node.index] == 0 {
			ready = append(ready, node.index)
		}
	}

	order := make([]int, 0, len(live))
	for len(ready) > 0 {
		// Pick the smallest ready index for a stable order.
		best := 0
		for i := 1; i < len(ready); i++ {
			if ready[i] < ready[best] {
				best = i
			}
		}
		idx := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, idx)
		for _, dep := range dependents[idx] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(live) {
		return nil, fmt.Errorf("%w: graph contains a cycle", ErrResolve)
	}
	return order, nil
}
