package runtime

import (
	"fmt"
	"strings"
)

// NodeKind is the closed set of node types a flow may contain.
type NodeKind string

const (
	NodeStart          NodeKind = "start"
	NodeMessage        NodeKind = "message"
	NodeMedia          NodeKind = "media"
	NodeInput          NodeKind = "input"
	NodeOptions        NodeKind = "options"
	NodeCondition      NodeKind = "condition"
	NodeVariable       NodeKind = "variable"
	NodeDelay          NodeKind = "delay"
	NodeHTTPRequest    NodeKind = "http_request"
	NodeLLM            NodeKind = "llm"
	NodeUpdateCustomer NodeKind = "update_customer"
	NodeJump           NodeKind = "jump"
	NodeEnd            NodeKind = "end"
)

// nodeKindAliases maps legacy type strings found in authored flows.
var nodeKindAliases = map[string]NodeKind{
	"text":      NodeMessage,
	"image":     NodeMedia,
	"audio":     NodeMedia,
	"video":     NodeMedia,
	"document":  NodeMedia,
	"question":  NodeInput,
	"buttons":   NodeOptions,
	"list":      NodeOptions,
	"http":      NodeHTTPRequest,
	"webhook":   NodeHTTPRequest,
	"ai":        NodeLLM,
	"openai":    NodeLLM,
	"goto":      NodeJump,
	"set":       NodeVariable,
	"wait":      NodeDelay,
	"updateCRM": NodeUpdateCustomer,
}

// ParseNodeKind resolves a node type string to a NodeKind.
func ParseNodeKind(s string) (NodeKind, error) {
	k := NodeKind(strings.TrimSpace(s))
	switch k {
	case NodeStart, NodeMessage, NodeMedia, NodeInput, NodeOptions, NodeCondition,
		NodeVariable, NodeDelay, NodeHTTPRequest, NodeLLM, NodeUpdateCustomer, NodeJump, NodeEnd:
		return k, nil
	}
	if alias, ok := nodeKindAliases[string(k)]; ok {
		return alias, nil
	}
	return "", fmt.Errorf("unknown node type %q", s)
}

// AwaitsInput reports whether execution parks at this kind until the next inbound message.
func (k NodeKind) AwaitsInput() bool {
	return k == NodeInput || k == NodeOptions
}

// Edge handles.
const (
	HandleDefault   = ""
	HandleElse      = "else"
	HandleNoMatch   = "no-match"
	HandleTimeout   = "timeout"
	handleOptionFmt = "option%d"
	handleCondFmt   = "condition-%d"
)

// OptionHandle returns the handle of the i-th option edge.
func OptionHandle(i int) string { return fmt.Sprintf(handleOptionFmt, i) }

// ConditionHandle returns the handle of the i-th condition edge.
func ConditionHandle(i int) string { return fmt.Sprintf(handleCondFmt, i) }

type Flow struct {
	ID             string       `json:"id" yaml:"id"`
	OrganizationID string       `json:"organizationId" yaml:"organizationId"`
	Name           string       `json:"name" yaml:"name"`
	Version        int          `json:"version" yaml:"version"`
	Published      bool         `json:"published" yaml:"published"`
	Settings       FlowSettings `json:"settings" yaml:"settings"`
	Nodes          []Node       `json:"nodes" yaml:"nodes"`
	Edges          []Edge       `json:"edges" yaml:"edges"`
	Triggers       []Trigger    `json:"triggers,omitempty" yaml:"triggers,omitempty"`
}

// FlowSettings tune session behaviour per flow. Zero values fall back to manager defaults.
type FlowSettings struct {
	DebounceMS    int  `json:"debounceMs,omitempty" yaml:"debounceMs,omitempty"`
	MergeMessages bool `json:"mergeMessages,omitempty" yaml:"mergeMessages,omitempty"`
	MaxSteps      int  `json:"maxSteps,omitempty" yaml:"maxSteps,omitempty"`
}

type Node struct {
	ID   string         `json:"id" yaml:"id"`
	Type string         `json:"type" yaml:"type"`
	Data map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// Kind returns the parsed node kind; unknown types yield an empty kind.
func (n *Node) Kind() NodeKind {
	k, _ := ParseNodeKind(n.Type)
	return k
}

type Edge struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
}

// Node looks a node up by id. Flows are shared read-only between session actors.
func (f *Flow) Node(id string) *Node {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// EntryNode returns the designated entry: the single start node, or failing
// that the single node without incoming edges.
func (f *Flow) EntryNode() (*Node, error) {
	var starts []*Node
	for i := range f.Nodes {
		if f.Nodes[i].Kind() == NodeStart {
			starts = append(starts, &f.Nodes[i])
		}
	}
	if len(starts) == 1 {
		return starts[0], nil
	}
	if len(starts) > 1 {
		return nil, fmt.Errorf("%w: flow %s has %d start nodes", ErrNoEntryNode, f.ID, len(starts))
	}

	incoming := make(map[string]bool, len(f.Edges))
	for _, e := range f.Edges {
		incoming[e.Target] = true
	}
	var roots []*Node
	for i := range f.Nodes {
		if !incoming[f.Nodes[i].ID] {
			roots = append(roots, &f.Nodes[i])
		}
	}
	if len(roots) != 1 {
		return nil, fmt.Errorf("%w: flow %s has %d candidate roots", ErrNoEntryNode, f.ID, len(roots))
	}
	return roots[0], nil
}

// EdgeFrom returns the first edge leaving source with the given handle.
// The default handle also matches edges labelled "default" or "output".
func (f *Flow) EdgeFrom(source, handle string) *Edge {
	for i := range f.Edges {
		e := &f.Edges[i]
		if e.Source != source {
			continue
		}
		if e.SourceHandle == handle {
			return e
		}
		if handle == HandleDefault && (e.SourceHandle == "default" || e.SourceHandle == "output") {
			return e
		}
	}
	return nil
}

// NextEdge returns the first outgoing edge that is not a timeout edge,
// preferring an explicit default handle.
func (f *Flow) NextEdge(source string) *Edge {
	if e := f.EdgeFrom(source, HandleDefault); e != nil {
		return e
	}
	for i := range f.Edges {
		e := &f.Edges[i]
		if e.Source == source && e.SourceHandle != HandleTimeout {
			return e
		}
	}
	return nil
}

// OutgoingEdges returns every edge leaving source in declared order.
func (f *Flow) OutgoingEdges(source string) []Edge {
	var out []Edge
	for _, e := range f.Edges {
		if e.Source == source {
			out = append(out, e)
		}
	}
	return out
}
