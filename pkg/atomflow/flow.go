package atomflow

import (
	"fmt"
	"strings"
)

// FlowKind selects the structural ordering a flow imposes on its children.
type FlowKind string

const (
	// Linear runs children strictly in declaration order.
	Linear FlowKind = "linear"

	// Unordered imposes no structural order; only data dependencies apply.
	Unordered FlowKind = "unordered"

	// Graph orders children by explicit Link calls plus data dependencies.
	Graph FlowKind = "graph"
)

// Node is anything that can be added to a flow: an Atom or a nested *Flow.
type Node interface {
	Name() string
}

// link is an explicit ordering constraint between two children of a graph flow.
type link struct {
	from, to string
}

// Flow is a mutable builder composing atoms and nested flows.
// Use NewLinearFlow, NewUnorderedFlow, or NewGraphFlow to create one, then
// chain Add, Link, and WithRetry calls to define the structure.
//
// Flow is NOT thread-safe during building. Construct it from a single
// goroutine, then call Compile() to create an immutable ExecutionGraph that
// can be safely shared.
//
// Example:
//
//	flow := atomflow.NewLinearFlow("provision").
//	    Add(allocate, configure).
//	    WithRetry(atomflow.NewTimes("provision-retry", 3))
//
//	graph, err := atomflow.Compile(flow)
type Flow struct {
	name     string
	kind     FlowKind
	children []Node
	links    []link
	retry    Retry
}

// NewLinearFlow creates a flow whose children run in declaration order.
func NewLinearFlow(name string) *Flow {
	return newFlow(name, Linear)
}

// NewUnorderedFlow creates a flow whose children run in any order allowed
// by their data dependencies.
func NewUnorderedFlow(name string) *Flow {
	return newFlow(name, Unordered)
}

// NewGraphFlow creates a flow whose children are ordered by explicit Link
// calls and data dependencies.
func NewGraphFlow(name string) *Flow {
	return newFlow(name, Graph)
}

func newFlow(name string, kind FlowKind) *Flow {
	if name == "" {
		panic("atomflow: flow name cannot be empty")
	}
	if strings.ContainsAny(name, " \t\n\r") {
		panic("atomflow: flow name cannot contain whitespace")
	}
	return &Flow{name: name, kind: kind}
}

// Name implements Node.
func (f *Flow) Name() string {
	return f.name
}

// Kind returns the flow's structural kind.
func (f *Flow) Kind() FlowKind {
	return f.kind
}

// Add appends atoms or nested flows to this flow.
// Returns the flow for method chaining.
//
// Panics if a node is nil. Duplicate names are detected at Compile() time,
// not here, so children can be assembled in any order.
func (f *Flow) Add(nodes ...Node) *Flow {
	for _, n := range nodes {
		if n == nil {
			panic(fmt.Sprintf("atomflow: flow %s: cannot add nil node", f.name))
		}
		f.children = append(f.children, n)
	}
	return f
}

// Link adds an explicit ordering constraint: the child named from must
// finish before the child named to starts. Only valid on graph flows.
// Returns the flow for method chaining.
//
// Link targets are validated at Compile() time.
//
// Panics if called on a non-graph flow.
func (f *Flow) Link(from, to string) *Flow {
	if f.kind != Graph {
		panic(fmt.Sprintf("atomflow: flow %s: Link is only valid on graph flows", f.name))
	}
	f.links = append(f.links, link{from: from, to: to})
	return f
}

// WithRetry attaches a retry controller guarding this flow's subtree.
// The retry executes before the flow's atoms and decides what happens when
// any of them fails. Returns the flow for method chaining.
//
// Panics if r is nil or a retry is already attached.
func (f *Flow) WithRetry(r Retry) *Flow {
	if r == nil {
		panic(fmt.Sprintf("atomflow: flow %s: retry cannot be nil", f.name))
	}
	if f.retry != nil {
		panic(fmt.Sprintf("atomflow: flow %s: retry already attached", f.name))
	}
	f.retry = r
	return f
}

// Retry returns the attached retry controller, or nil.
func (f *Flow) Retry() Retry {
	return f.retry
}

// Len returns the number of direct children.
func (f *Flow) Len() int {
	return len(f.children)
}
