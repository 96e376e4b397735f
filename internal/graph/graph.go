// Package graph provides the dependency DAG used to schedule subtasks.
package graph

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCycleDetected indicates a circular dependency between subtasks.
var ErrCycleDetected = errors.New("circular dependency detected")

// Node is one subtask in the dependency graph.
type Node struct {
	ID        string
	DependsOn []string
}

// Graph is a directed acyclic graph of subtask dependencies. Edges point
// from a subtask to the subtasks it is blocked by. Declaration order is
// preserved so that scheduling and result ordering stay deterministic.
type Graph struct {
	mu    sync.RWMutex
	order []string
	edges map[string][]string
	done  map[string]bool
}

// Build validates the node set and constructs the graph. It fails on
// duplicate IDs, references to unknown subtasks, and cycles. A failed Build
// returns no graph; callers must treat that as a planning error, not a
// runtime one.
func Build(nodes []Node) (*Graph, error) {
	g := &Graph{
		order: make([]string, 0, len(nodes)),
		edges: make(map[string][]string, len(nodes)),
		done:  make(map[string]bool, len(nodes)),
	}

	for _, n := range nodes {
		if n.ID == "" {
			return nil, errors.New("subtask with empty id")
		}
		if _, exists := g.edges[n.ID]; exists {
			return nil, fmt.Errorf("duplicate subtask id %s", n.ID)
		}
		g.order = append(g.order, n.ID)
		g.edges[n.ID] = nil
	}

	for _, n := range nodes {
		for _, depID := range n.DependsOn {
			if _, exists := g.edges[depID]; !exists {
				return nil, fmt.Errorf("subtask %s depends on unknown subtask %s", n.ID, depID)
			}
			if depID == n.ID {
				return nil, ErrCycleDetected
			}
			g.edges[n.ID] = append(g.edges[n.ID], depID)
		}
	}

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}
	return g, nil
}

// hasCycleLocked runs a three-color depth-first search over the edges.
// White (0) is unvisited, gray (1) is on the current path, black (2) is
// fully explored. A gray-to-gray edge is a back edge, hence a cycle.
func (g *Graph) hasCycleLocked() bool {
	colors := make(map[string]int, len(g.order))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopoOrder returns IDs with every dependency ahead of its dependents.
// Among independent subtasks, declaration order is kept.
func (g *Graph) TopoOrder() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool, len(g.order))
	result := make([]string, 0, len(g.order))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range g.edges[id] {
			visit(depID)
		}
		result = append(result, id)
	}

	for _, id := range g.order {
		visit(id)
	}
	return result
}

// Ready returns, in declaration order, the subtasks that are not done and
// whose dependencies are all done.
func (g *Graph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.order {
		if g.done[id] {
			continue
		}
		satisfied := true
		for _, depID := range g.edges[id] {
			if !g.done[depID] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	return ready
}

// MarkDone records that a subtask finished. Failed subtasks are marked done
// as well so their dependents can still be dispatched.
func (g *Graph) MarkDone(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.done[id] = true
}

// Dependencies returns the IDs the given subtask is blocked by.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[id]
}

// Dependents returns, in declaration order, the IDs blocked by the given
// subtask.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for _, candidate := range g.order {
		for _, depID := range g.edges[candidate] {
			if depID == id {
				dependents = append(dependents, candidate)
				break
			}
		}
	}
	return dependents
}

// Len returns the number of subtasks in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}
