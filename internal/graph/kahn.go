package graph

import (
	"container/list"
	"errors"
	"fmt"
	"strings"
)

// ErrCycleDetected is returned when stages feed each other in a loop.
var ErrCycleDetected = errors.New("cycle detected in stage graph")

// CycleInfo describes the stages Kahn's algorithm could not order.
type CycleInfo struct {
	TotalNodes       int
	ProcessedNodes   int
	UnprocessedNodes []string // in the cycle or blocked behind it
	CyclePath        []string // e.g. [a, b, a]
}

// CycleError carries the CycleInfo of a failed sort.
type CycleError struct {
	Info *CycleInfo
}

func (e *CycleError) Error() string {
	msg := fmt.Sprintf("cycle detected in stage graph: %d of %d stages could not be ordered",
		len(e.Info.UnprocessedNodes), e.Info.TotalNodes)
	if len(e.Info.CyclePath) > 0 {
		msg += fmt.Sprintf("\nCycle path: %s", strings.Join(e.Info.CyclePath, " -> "))
	}
	return msg
}

// Is lets errors.Is match ErrCycleDetected.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycleDetected
}

// CalculateInDegrees returns the number of producers of every stage.
func (g *Graph) CalculateInDegrees() map[string]int {
	inDegree := make(map[string]int, len(g.Nodes))
	for name := range g.Nodes {
		inDegree[name] = 0
	}
	for _, children := range g.Children {
		for _, child := range children {
			inDegree[child]++
		}
	}
	return inDegree
}

// kahn orders the stages parent-first. Among ready stages the one defined
// first runs first, so the order is deterministic.
func (g *Graph) kahn() (order []string, inDegree map[string]int) {
	inDegree = g.CalculateInDegrees()

	queue := list.New()
	for _, name := range g.sortedNames() {
		if inDegree[name] == 0 {
			queue.PushBack(name)
		}
	}

	for queue.Len() > 0 {
		node := queue.Remove(queue.Front()).(string)
		order = append(order, node)

		children := append([]string(nil), g.Children[node]...)
		sortByIndex(g, children)
		for _, child := range children {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue.PushBack(child)
			}
		}
	}
	return order, inDegree
}

// TopologicalSort returns stages in run order.
// Returns a *CycleError if the graph contains a cycle.
func (g *Graph) TopologicalSort() ([]string, error) {
	order, _ := g.kahn()
	if len(order) != len(g.Nodes) {
		return nil, &CycleError{Info: g.DetectIncompleteProcessing()}
	}
	return order, nil
}

// RunOrder is TopologicalSort under the name callers use.
func (g *Graph) RunOrder() ([]string, error) {
	return g.TopologicalSort()
}

// DetectIncompleteProcessing returns nil for an acyclic graph and the
// stages left unordered otherwise.
func (g *Graph) DetectIncompleteProcessing() *CycleInfo {
	order, _ := g.kahn()
	if len(order) == len(g.Nodes) {
		return nil
	}

	processed := make(map[string]bool, len(order))
	for _, n := range order {
		processed[n] = true
	}
	var unprocessed []string
	for _, name := range g.sortedNames() {
		if !processed[name] {
			unprocessed = append(unprocessed, name)
		}
	}

	allowed := make(map[string]bool, len(unprocessed))
	for _, n := range unprocessed {
		allowed[n] = true
	}
	var path []string
	for _, n := range unprocessed {
		if path = g.FindCyclePath(n, allowed); path != nil {
			break
		}
	}

	return &CycleInfo{
		TotalNodes:       len(g.Nodes),
		ProcessedNodes:   len(order),
		UnprocessedNodes: unprocessed,
		CyclePath:        path,
	}
}

// HasCycle reports whether the graph contains a cycle.
func (g *Graph) HasCycle() bool {
	return g.DetectIncompleteProcessing() != nil
}

// FindCyclePath returns a path from start back to itself through allowed
// stages, or nil.
func (g *Graph) FindCyclePath(start string, allowed map[string]bool) []string {
	visited := make(map[string]bool)
	path := []string{start}
	if g.dfsFindPath(start, start, visited, allowed, &path) {
		return path
	}
	return nil
}

func (g *Graph) dfsFindPath(current, target string, visited, allowed map[string]bool, path *[]string) bool {
	for _, child := range g.Children[current] {
		if !allowed[child] {
			continue
		}
		if child == target {
			*path = append(*path, target)
			return true
		}
		if visited[child] {
			continue
		}
		visited[child] = true
		*path = append(*path, child)
		if g.dfsFindPath(child, target, visited, allowed, path) {
			return true
		}
		*path = (*path)[:len(*path)-1]
	}
	return false
}

// Validate returns a *CycleError if the graph cannot be ordered.
func (g *Graph) Validate() error {
	if info := g.DetectIncompleteProcessing(); info != nil {
		return &CycleError{Info: info}
	}
	return nil
}
