package graph

import (
	"sort"
	"strings"

	"github.com/kingrea/lattice-ci/internal/workflow"
)

// Node captures a job plus its dependency metadata.
type Node struct {
	ID           string
	Job          workflow.Job
	Dependencies []string
	Dependents   []string
}

// Graph is an immutable DAG of jobs keyed by job id.
type Graph struct {
	nodes      map[string]*Node
	orderedIDs []string
	topo       []string
}

type visitState uint8

const (
	unvisited visitState = iota
	onPath
	done
)

// Build resolves every `needs` edge and validates that the result is acyclic.
// Unknown references fail with workflow.ErrUnknownDependency; a depth-first
// traversal that revisits a node still on the current path fails with
// workflow.ErrCyclicDependency.
func Build(jobs []workflow.Job) (*Graph, error) {
	nodes := make(map[string]*Node, len(jobs))
	ordered := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if _, exists := nodes[job.ID]; exists {
			return nil, workflow.NewConfigError(workflow.ErrInvalidDefinition, job.ID, "declared more than once")
		}
		nodes[job.ID] = &Node{
			ID:           job.ID,
			Job:          job,
			Dependencies: append([]string(nil), job.Needs...),
		}
		ordered = append(ordered, job.ID)
	}
	for _, id := range ordered {
		node := nodes[id]
		for _, depID := range node.Dependencies {
			dep, ok := nodes[depID]
			if !ok {
				return nil, workflow.NewConfigError(workflow.ErrUnknownDependency, id, "needs %s, which is not declared", depID)
			}
			dep.Dependents = append(dep.Dependents, id)
		}
	}
	g := &Graph{nodes: nodes, orderedIDs: ordered}
	topo, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}
	g.topo = topo
	return g, nil
}

// topologicalOrder walks jobs in declaration order and emits each job after
// all of its dependencies (DFS post-order).
func (g *Graph) topologicalOrder() ([]string, error) {
	state := make(map[string]visitState, len(g.nodes))
	order := make([]string, 0, len(g.nodes))
	var path []string
	var visit func(string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case onPath:
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), id)
			return workflow.NewConfigError(workflow.ErrCyclicDependency, id, "%s", strings.Join(cycle, " -> "))
		}
		state[id] = onPath
		path = append(path, id)
		for _, dep := range g.nodes[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		order = append(order, id)
		return nil
	}
	for _, id := range g.orderedIDs {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.orderedIDs))
	for _, id := range g.orderedIDs {
		out = append(out, g.nodes[id])
	}
	return out
}

// Node retrieves a job node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// Len reports how many jobs the graph holds.
func (g *Graph) Len() int {
	return len(g.orderedIDs)
}

// Order returns job ids in a topological order: every job appears after all
// jobs it needs. Ties follow declaration order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.topo...)
}

// Dependencies returns the ids a job needs.
func (g *Graph) Dependencies(id string) []string {
	node, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return append([]string(nil), node.Dependencies...)
}

// Dependents returns the ids that directly need a job.
func (g *Graph) Dependents(id string) []string {
	node, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return append([]string(nil), node.Dependents...)
}

// Descendants returns every job transitively reachable from the given jobs
// over dependents edges, excluding the roots themselves unless they are
// reachable from another root. The result is sorted.
func (g *Graph) Descendants(roots ...string) []string {
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(roots))
	for _, id := range roots {
		if node, ok := g.nodes[id]; ok {
			queue = append(queue, node.Dependents...)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		queue = append(queue, g.nodes[id].Dependents...)
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
