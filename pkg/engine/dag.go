package engine

import (
	"container/heap"
	"fmt"
	"slices"
	"strings"
)

// DependencyGraph is the validated, ordered form of an extension graph.
type DependencyGraph struct {
	// Order is the deterministic topological order.
	Order []string

	// Levels groups nodes by dependency depth; members of a level are independent.
	Levels [][]string

	// Dependencies maps each node to its direct dependencies.
	Dependencies map[string][]string

	// Dependents maps each node to the nodes that depend on it.
	Dependents map[string][]string
}

// DAGBuilder builds a directed acyclic graph of extensions.
// It detects cycles, computes a deterministic topological order and
// assigns dependency levels.
type DAGBuilder struct {
	// adjacencyList maps a node to its dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps a node to its dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of unfinished dependencies of each node
	inDegree map[string]int

	order  []string
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
	}
}

// AddNode registers a node with its direct dependencies.
// Adding the same node twice merges the dependency lists.
func (b *DAGBuilder) AddNode(name string, dependencies ...string) {
	if _, ok := b.reverseAdjacencyList[name]; !ok {
		b.reverseAdjacencyList[name] = nil
	}
	for _, dep := range dependencies {
		if slices.Contains(b.reverseAdjacencyList[name], dep) {
			continue
		}
		b.reverseAdjacencyList[name] = append(b.reverseAdjacencyList[name], dep)
	}
}

// Build validates the graph and computes order and levels.
// The cycle search starts from roots, in the order given, and then visits
// the remaining nodes by name.
func (b *DAGBuilder) Build(roots ...string) (*DependencyGraph, error) {
	if err := b.initialize(); err != nil {
		return nil, err
	}

	if err := b.detectCycles(roots); err != nil {
		return nil, err
	}

	if err := b.computeOrder(); err != nil {
		return nil, err
	}

	b.computeLevels()

	graph := &DependencyGraph{
		Order:        b.order,
		Levels:       b.levels,
		Dependencies: make(map[string][]string, len(b.reverseAdjacencyList)),
		Dependents:   make(map[string][]string, len(b.adjacencyList)),
	}
	for name, deps := range b.reverseAdjacencyList {
		graph.Dependencies[name] = slices.Clone(deps)
		graph.Dependents[name] = slices.Clone(b.adjacencyList[name])
	}
	return graph, nil
}

// initialize sorts edge lists and fills the forward adjacency list.
func (b *DAGBuilder) initialize() error {
	for _, name := range b.sortedNodes() {
		deps := b.reverseAdjacencyList[name]
		slices.Sort(deps)
		b.inDegree[name] = len(deps)
		for _, dep := range deps {
			if _, exists := b.reverseAdjacencyList[dep]; !exists {
				return NewResolutionError(
					fmt.Sprintf("extension %s depends on unknown extension %s", name, dep),
					nil,
				).WithCode(ErrCodeMissingExtension).WithResource(dep).WithDetail("required_by", name)
			}
			b.adjacencyList[dep] = append(b.adjacencyList[dep], name)
		}
	}
	for name := range b.adjacencyList {
		slices.Sort(b.adjacencyList[name])
	}
	return nil
}

type color int

const (
	white color = iota
	gray
	black
)

// detectCycles runs a three-color depth-first search along dependency edges.
func (b *DAGBuilder) detectCycles(roots []string) error {
	colors := make(map[string]color, len(b.reverseAdjacencyList))
	start := append(slices.Clone(roots), b.sortedNodes()...)

	for _, name := range start {
		if _, ok := b.reverseAdjacencyList[name]; !ok {
			continue
		}
		if colors[name] != white {
			continue
		}
		if cycle := b.visit(name, colors, nil); cycle != nil {
			return NewResolutionError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeCyclicDependency).WithResource(cycle[0]).WithDetail("path", cycle)
		}
	}
	return nil
}

// visit returns the cycle closed by the first gray node reached, or nil.
func (b *DAGBuilder) visit(name string, colors map[string]color, path []string) []string {
	colors[name] = gray
	path = append(path, name)

	for _, dep := range b.reverseAdjacencyList[name] {
		switch colors[dep] {
		case white:
			if cycle := b.visit(dep, colors, path); cycle != nil {
				return cycle
			}
		case gray:
			idx := slices.Index(path, dep)
			cycle := slices.Clone(path[idx:])
			return append(cycle, dep)
		}
	}

	colors[name] = black
	return nil
}

// computeOrder is Kahn's algorithm with a min-heap so that ties among ready
// nodes resolve by name.
func (b *DAGBuilder) computeOrder() error {
	remaining := make(map[string]int, len(b.inDegree))
	ready := &nameHeap{}
	for name, degree := range b.inDegree {
		remaining[name] = degree
		if degree == 0 {
			heap.Push(ready, name)
		}
	}

	b.order = make([]string, 0, len(remaining))
	for ready.Len() > 0 {
		name := heap.Pop(ready).(string)
		b.order = append(b.order, name)
		for _, dependent := range b.adjacencyList[name] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}

	if len(b.order) != len(remaining) {
		return NewResolutionError("failed to order all extensions - possible cycle", nil).
			WithCode(ErrCodeCyclicDependency)
	}
	return nil
}

// computeLevels assigns each node the length of its longest dependency chain.
func (b *DAGBuilder) computeLevels() {
	depth := make(map[string]int, len(b.order))
	maxDepth := -1
	for _, name := range b.order {
		d := 0
		for _, dep := range b.reverseAdjacencyList[name] {
			d = max(d, depth[dep]+1)
		}
		depth[name] = d
		maxDepth = max(maxDepth, d)
	}

	b.levels = make([][]string, maxDepth+1)
	for _, name := range b.order {
		b.levels[depth[name]] = append(b.levels[depth[name]], name)
	}
	for _, level := range b.levels {
		slices.Sort(level)
	}
}

func (b *DAGBuilder) sortedNodes() []string {
	names := make([]string, 0, len(b.reverseAdjacencyList))
	for name := range b.reverseAdjacencyList {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// GetLevels returns the computed levels.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT generates a DOT format representation of the graph for visualization.
// labels optionally maps node names to display labels.
func (b *DAGBuilder) ToDOT(labels map[string]string) string {
	var sb strings.Builder

	sb.WriteString("digraph Extensions {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			label := name
			if l, ok := labels[name]; ok && l != "" {
				label = l
			}
			sb.WriteString(fmt.Sprintf("    %q [label=%q];\n", name, label))
		}
		sb.WriteString("  }\n\n")
	}

	for _, name := range b.order {
		for _, dep := range b.reverseAdjacencyList[name] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", name, dep))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// CyclePath extracts the cycle path from a CyclicDependency error.
func CyclePath(err error) []string {
	e, ok := asEngineError(err)
	if !ok || e.Code != ErrCodeCyclicDependency {
		return nil
	}
	path, _ := e.Details["path"].([]string)
	return path
}

type nameHeap []string

func (h nameHeap) Len() int           { return len(h) }
func (h nameHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h nameHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nameHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *nameHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
