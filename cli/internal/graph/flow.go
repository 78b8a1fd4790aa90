package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/BDNK1/chatflow/runtime"
)

// Graph is the control-flow graph of a flow: edges plus jump and tool
// redirects.
type Graph struct {
	flow *runtime.Flow

	// edges maps node id to the nodes it can hand control to
	edges map[string][]string

	// reverseEdges maps node id to the nodes that can reach it directly
	reverseEdges map[string][]string
}

// BuildGraph constructs the control-flow graph of flow. Edges and redirects
// that name missing nodes are reported and left out of the graph.
func BuildGraph(flow *runtime.Flow) (*Graph, []*GraphError) {
	g := &Graph{
		flow:         flow,
		edges:        make(map[string][]string),
		reverseEdges: make(map[string][]string),
	}
	var errs []*GraphError

	for _, n := range flow.Nodes {
		if _, dup := g.edges[n.ID]; dup {
			errs = append(errs, &GraphError{
				Type:    ErrorDuplicateNode,
				NodeID:  n.ID,
				Message: fmt.Sprintf("node id '%s' is used more than once", n.ID),
			})
		}
		g.edges[n.ID] = []string{}
		g.reverseEdges[n.ID] = []string{}
	}

	for _, e := range flow.Edges {
		missing := ""
		switch {
		case flow.Node(e.Source) == nil:
			missing = e.Source
		case flow.Node(e.Target) == nil:
			missing = e.Target
		}
		if missing != "" {
			errs = append(errs, &GraphError{
				Type:    ErrorMissingNode,
				NodeID:  e.Source,
				Message: fmt.Sprintf("edge %s -> %s references unknown node '%s'", e.Source, e.Target, missing),
				Details: map[string]string{"edge": e.ID, "handle": e.SourceHandle},
			})
			continue
		}
		g.addEdge(e.Source, e.Target)
	}

	for i := range flow.Nodes {
		n := &flow.Nodes[i]
		for _, target := range runtime.RedirectTargets(n) {
			if flow.Node(target) == nil {
				errs = append(errs, &GraphError{
					Type:    ErrorMissingNode,
					NodeID:  n.ID,
					Message: fmt.Sprintf("node '%s' redirects to unknown node '%s'", n.ID, target),
				})
				continue
			}
			g.addEdge(n.ID, target)
		}
	}

	return g, errs
}

func (g *Graph) addEdge(from, to string) {
	if slices.Contains(g.edges[from], to) {
		return
	}
	g.edges[from] = append(g.edges[from], to)
	g.reverseEdges[to] = append(g.reverseEdges[to], from)
}

// Reachable returns the ids reachable from start, start included.
func (g *Graph) Reachable(start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range g.edges[current] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// findAutomaticCycle returns a cycle whose nodes never wait for input, or
// nil. Such a cycle spins until the walk's step limit is hit.
func (g *Graph) findAutomaticCycle() []string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	parent := make(map[string]string)

	automatic := func(id string) bool {
		n := g.flow.Node(id)
		return n != nil && !n.Kind().AwaitsInput()
	}

	var dfs func(node string) []string

	dfs = func(node string) []string {
		visited[node] = true
		recStack[node] = true

		for _, next := range g.edges[node] {
			if !automatic(next) {
				continue
			}
			if !visited[next] {
				parent[next] = node
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			} else if recStack[next] {
				cycle := []string{next}
				for current := node; current != next; current = parent[current] {
					cycle = append(cycle, current)
				}
				slices.Reverse(cycle[1:])
				return append(cycle, next)
			}
		}

		recStack[node] = false
		return nil
	}

	for _, id := range g.Nodes() {
		if !visited[id] && automatic(id) {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// GetSuccessors returns the nodes id can hand control to.
func (g *Graph) GetSuccessors(id string) []string {
	return g.edges[id]
}

// GetPredecessors returns the nodes that hand control to id.
func (g *Graph) GetPredecessors(id string) []string {
	return g.reverseEdges[id]
}

// Nodes returns all node ids in sorted order.
func (g *Graph) Nodes() []string {
	nodes := make([]string, 0, len(g.edges))
	for id := range g.edges {
		nodes = append(nodes, id)
	}
	slices.Sort(nodes)
	return nodes
}

// Lint reports authoring problems in flow. Errors make the flow unusable;
// warnings mark nodes or handles that will never be taken.
func Lint(flow *runtime.Flow) []*GraphError {
	g, errs := BuildGraph(flow)

	for i := range flow.Nodes {
		n := &flow.Nodes[i]
		if err := runtime.ValidateNode(n); err != nil {
			errs = append(errs, &GraphError{
				Type:    ErrorInvalidNode,
				NodeID:  n.ID,
				Message: err.Error(),
			})
		}
	}

	entry, err := flow.EntryNode()
	if err != nil {
		errs = append(errs, &GraphError{Type: ErrorNoEntry, Message: err.Error()})
	} else {
		reachable := g.Reachable(entry.ID)
		for _, id := range g.Nodes() {
			if !reachable[id] {
				errs = append(errs, &GraphError{
					Type:    ErrorUnreachableNode,
					NodeID:  id,
					Message: fmt.Sprintf("node '%s' is not reachable from entry node '%s'", id, entry.ID),
				})
			}
		}
	}

	for _, e := range flow.Edges {
		if e.SourceHandle != runtime.HandleTimeout {
			continue
		}
		if n := flow.Node(e.Source); n != nil && !n.Kind().AwaitsInput() {
			errs = append(errs, &GraphError{
				Type:    ErrorUnusedHandle,
				NodeID:  n.ID,
				Message: fmt.Sprintf("timeout edge on '%s' is never taken: %s nodes do not wait for input", n.ID, n.Type),
			})
		}
	}

	if cycle := g.findAutomaticCycle(); cycle != nil {
		errs = append(errs, &GraphError{
			Type:    ErrorAutomaticCycle,
			NodeID:  cycle[0],
			Message: fmt.Sprintf("cycle without an input node: %s", strings.Join(cycle, " → ")),
			Details: map[string]string{"cycle": strings.Join(cycle, " → ")},
		})
	}
	return errs
}

// HasErrors reports whether any issue is error severity.
func HasErrors(issues []*GraphError) bool {
	return slices.ContainsFunc(issues, func(e *GraphError) bool { return e.Type.Severity() == SeverityError })
}

// GraphError describes one problem in a flow graph.
type GraphError struct {
	Type    ErrorType
	NodeID  string
	Message string
	Details map[string]string
}

func (e *GraphError) Error() string {
	return e.Message
}

// ErrorType represents different types of graph errors
type ErrorType int

const (
	ErrorMissingNode ErrorType = iota
	ErrorDuplicateNode
	ErrorNoEntry
	ErrorInvalidNode
	ErrorAutomaticCycle
	ErrorUnreachableNode
	ErrorUnusedHandle
)

func (t ErrorType) String() string {
	switch t {
	case ErrorMissingNode:
		return "MissingNode"
	case ErrorDuplicateNode:
		return "DuplicateNode"
	case ErrorNoEntry:
		return "NoEntry"
	case ErrorInvalidNode:
		return "InvalidNode"
	case ErrorAutomaticCycle:
		return "AutomaticCycle"
	case ErrorUnreachableNode:
		return "UnreachableNode"
	case ErrorUnusedHandle:
		return "UnusedHandle"
	default:
		return "Unknown"
	}
}

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

func (t ErrorType) Severity() Severity {
	switch t {
	case ErrorUnreachableNode, ErrorUnusedHandle:
		return SeverityWarning
	default:
		return SeverityError
	}
}
