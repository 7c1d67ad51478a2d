// Package graph models the stages of a pipeline as a dependency graph.
//
// A stage depends on another when its input is the other's output. Stages
// must run parent-first, so the graph has to be acyclic.
package graph

import "sort"

// Node is one stage of a pipeline.
type Node struct {
	Name   string
	Kind   string // discover, fetch or extract
	Input  string // empty for discover stages
	Output string
	Index  int // position in the pipeline definition; breaks ordering ties
}

// Edge connects the stage that writes a file to the stage that reads it.
type Edge struct {
	From string
	To   string
}

// Graph holds the stages of one pipeline.
type Graph struct {
	Nodes    map[string]*Node
	Children map[string][]string // stage -> stages reading its output
	Parents  map[string][]string // stage -> stages whose output it reads
	External map[string]string   // stage -> input no stage produces
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes:    make(map[string]*Node),
		Children: make(map[string][]string),
		Parents:  make(map[string][]string),
		External: make(map[string]string),
	}
}

// AddNode adds a stage. A nil node creates a bare one.
func (g *Graph) AddNode(name string, node *Node) {
	if node == nil {
		node = &Node{}
	}
	node.Name = name
	g.Nodes[name] = node
}

// AddEdge records that child consumes parent's output.
func (g *Graph) AddEdge(parent, child string) {
	g.Children[parent] = append(g.Children[parent], child)
	g.Parents[child] = append(g.Parents[child], parent)
}

// GetNode returns the named stage, or nil.
func (g *Graph) GetNode(name string) *Node {
	return g.Nodes[name]
}

// GetChildren returns the direct consumers of a stage.
func (g *Graph) GetChildren(name string) []string {
	return g.Children[name]
}

// GetParents returns the direct producers a stage reads from.
func (g *Graph) GetParents(name string) []string {
	return g.Parents[name]
}

// NodeCount returns the number of stages.
func (g *Graph) NodeCount() int {
	return len(g.Nodes)
}

// EdgeCount returns the number of dependencies.
func (g *Graph) EdgeCount() int {
	count := 0
	for _, children := range g.Children {
		count += len(children)
	}
	return count
}

// AllEdges returns every dependency.
func (g *Graph) AllEdges() []Edge {
	var edges []Edge
	for _, parent := range g.sortedNames() {
		for _, child := range g.Children[parent] {
			edges = append(edges, Edge{From: parent, To: child})
		}
	}
	return edges
}

// Roots returns stages with no producer, in definition order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, name := range g.sortedNames() {
		if len(g.Parents[name]) == 0 {
			roots = append(roots, name)
		}
	}
	return roots
}

// Downstream returns every stage that directly or transitively reads name's
// output, in definition order.
func (g *Graph) Downstream(name string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, c := range g.Children[n] {
			if !seen[c] {
				seen[c] = true
				walk(c)
			}
		}
	}
	walk(name)

	var out []string
	for _, n := range g.sortedNames() {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// sortedNames lists stages in definition order.
func (g *Graph) sortedNames() []string {
	names := make([]string, len(g.Nodes))
	i := 0
	for name := range g.Nodes {
		names[i] = name
		i++
	}
	sortByIndex(g, names)
	return names
}

func sortByIndex(g *Graph, names []string) {
	sort.Slice(names, func(i, j int) bool { return g.less(names[i], names[j]) })
}

func (g *Graph) less(a, b string) bool {
	na, nb := g.Nodes[a], g.Nodes[b]
	if na == nil || nb == nil || na.Index == nb.Index {
		return a < b
	}
	return na.Index < nb.Index
}
