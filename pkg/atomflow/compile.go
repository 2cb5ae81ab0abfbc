package atomflow

import (
	"errors"
	"fmt"
	"sort"
)

// Compile validates the flow and creates an executable ExecutionGraph.
// Returns an error if validation fails. Multiple errors are joined together.
//
// Compilation steps (in order):
//  1. Flatten the flow tree into atoms, structural edges, and retry scopes
//  2. Build the provider index (one provider per symbol)
//  3. Add data-dependency edges from providers to consumers
//  4. Topologically sort the atoms, breaking ties by declaration order
//
// The resulting order is deterministic: compiling the same flow twice
// yields the same order.
func Compile(f *Flow) (*ExecutionGraph, error) {
	if f == nil {
		return nil, ErrEmptyFlow
	}

	c := &compiler{
		atoms:     make(map[string]Atom),
		declIndex: make(map[string]int),
		deps:      make(map[string]map[string]bool),
		scopes:    make(map[string]*retryScope),
		providers: make(map[string]string),
	}

	c.flatten(f, nil)

	if len(c.atoms) == 0 {
		return nil, ErrEmptyFlow
	}

	c.indexProviders()
	c.addDataEdges()

	order := c.sort()

	if len(c.errs) > 0 {
		return nil, errors.Join(c.errs...)
	}

	return c.build(f.name, order), nil
}

// retryScope describes one retry controller and the subtree it guards.
type retryScope struct {
	// name is the retry atom's name.
	name string
	// retry is the controller.
	retry Retry
	// parent is the enclosing scope, or nil.
	parent *retryScope
	// members are the guarded atoms in declaration order, excluding the
	// retry atom itself but including nested retry atoms.
	members []string
}

// compiler accumulates flatten state. Errors are collected, not returned
// early, so a single Compile reports every definition problem at once.
type compiler struct {
	atoms      map[string]Atom
	declOrder  []string
	declIndex  map[string]int
	deps       map[string]map[string]bool
	scopes     map[string]*retryScope
	retryList  []*retryScope
	providers  map[string]string
	errs       []error
}

// subgraph is the flattened shape of one flow subtree.
type subgraph struct {
	// roots have no structural predecessor within the subtree.
	roots []string
	// leaves have no structural successor within the subtree.
	leaves []string
	// all lists every atom in the subtree in declaration order.
	all []string
}

// flatten registers the atoms of f and its nested flows, records structural
// edges per the flow kind, and tracks retry scopes.
func (c *compiler) flatten(f *Flow, parent *retryScope) subgraph {
	scope := parent
	if f.retry != nil {
		scope = &retryScope{
			name:   f.retry.Name(),
			retry:  f.retry,
			parent: parent,
		}
		c.retryList = append(c.retryList, scope)
		// The retry atom itself belongs to the enclosing scope: its own
		// failure escalates outward, never to itself.
		c.addAtom(f.retry, parent)
	}

	subs := make([]subgraph, 0, len(f.children))
	byName := make(map[string]subgraph, len(f.children))
	for _, child := range f.children {
		var sub subgraph
		switch n := child.(type) {
		case *Flow:
			sub = c.flatten(n, scope)
		case Atom:
			c.addAtom(n, scope)
			sub = subgraph{
				roots:  []string{n.Name()},
				leaves: []string{n.Name()},
				all:    []string{n.Name()},
			}
		default:
			c.errs = append(c.errs, fmt.Errorf("flow %s: child %s is neither an Atom nor a *Flow", f.name, child.Name()))
			continue
		}
		subs = append(subs, sub)
		byName[child.Name()] = sub
	}

	var result subgraph
	switch f.kind {
	case Linear:
		result = c.flattenLinear(subs)
	case Graph:
		result = c.flattenGraph(f, byName)
	default:
		result = flattenUnordered(subs)
	}

	if scope != nil && scope != parent {
		scope.members = result.all
		// The retry runs before every root of the guarded subtree and
		// becomes the subtree's sole root.
		for _, root := range result.roots {
			c.addEdge(scope.name, root)
		}
		result.roots = []string{scope.name}
		result.all = append([]string{scope.name}, result.all...)
		if len(result.leaves) == 0 {
			result.leaves = []string{scope.name}
		}
	}
	return result
}

// flattenLinear chains each child after the previous one. An empty nested
// flow contributes no atoms and is skipped, so the chain stays unbroken
// across it.
func (c *compiler) flattenLinear(subs []subgraph) subgraph {
	var result subgraph
	var prev []string
	for _, sub := range subs {
		if len(sub.all) == 0 {
			continue
		}
		for _, from := range prev {
			for _, to := range sub.roots {
				c.addEdge(from, to)
			}
		}
		if result.roots == nil {
			result.roots = sub.roots
		}
		prev = sub.leaves
		result.all = append(result.all, sub.all...)
	}
	result.leaves = prev
	return result
}

// flattenGraph applies the flow's explicit links between children.
func (c *compiler) flattenGraph(f *Flow, byName map[string]subgraph) subgraph {
	linkedFrom := make(map[string]bool)
	linkedTo := make(map[string]bool)
	for _, l := range f.links {
		if l.from == l.to {
			c.errs = append(c.errs, fmt.Errorf("%w: %s in flow %s", ErrSelfDependency, l.from, f.name))
			continue
		}
		fromSub, fromOK := byName[l.from]
		toSub, toOK := byName[l.to]
		if !fromOK {
			c.errs = append(c.errs, fmt.Errorf("%w: %s in flow %s", ErrUnknownLinkTarget, l.from, f.name))
		}
		if !toOK {
			c.errs = append(c.errs, fmt.Errorf("%w: %s in flow %s", ErrUnknownLinkTarget, l.to, f.name))
		}
		if !fromOK || !toOK {
			continue
		}
		for _, from := range fromSub.leaves {
			for _, to := range toSub.roots {
				c.addEdge(from, to)
			}
		}
		linkedFrom[l.from] = true
		linkedTo[l.to] = true
	}

	var result subgraph
	for _, child := range f.children {
		sub, ok := byName[child.Name()]
		if !ok {
			continue
		}
		result.all = append(result.all, sub.all...)
		if !linkedTo[child.Name()] {
			result.roots = append(result.roots, sub.roots...)
		}
		if !linkedFrom[child.Name()] {
			result.leaves = append(result.leaves, sub.leaves...)
		}
	}
	return result
}

// flattenUnordered imposes no structural edges.
func flattenUnordered(subs []subgraph) subgraph {
	var result subgraph
	for _, sub := range subs {
		result.roots = append(result.roots, sub.roots...)
		result.leaves = append(result.leaves, sub.leaves...)
		result.all = append(result.all, sub.all...)
	}
	return result
}

// addAtom registers an atom and its retry scope, checking name uniqueness
// across the whole flow tree.
func (c *compiler) addAtom(a Atom, scope *retryScope) {
	name := a.Name()
	if _, exists := c.atoms[name]; exists {
		c.errs = append(c.errs, fmt.Errorf("%w: %s", ErrDuplicateAtom, name))
		return
	}
	c.atoms[name] = a
	c.declIndex[name] = len(c.declOrder)
	c.declOrder = append(c.declOrder, name)
	c.deps[name] = make(map[string]bool)
	if scope != nil {
		c.scopes[name] = scope
	}
}

// addEdge records that from must finish before to starts.
func (c *compiler) addEdge(from, to string) {
	if from == to {
		return
	}
	if set, ok := c.deps[to]; ok {
		set[from] = true
	}
}

// indexProviders maps every provided symbol to its single provider atom.
func (c *compiler) indexProviders() {
	for _, name := range c.declOrder {
		for _, symbol := range c.atoms[name].Provides() {
			if prev, exists := c.providers[symbol]; exists {
				c.errs = append(c.errs, fmt.Errorf("%w: %q provided by both %s and %s",
					ErrAmbiguousProvider, symbol, prev, name))
				continue
			}
			c.providers[symbol] = name
		}
	}
}

// addDataEdges links each consumer after the provider of every symbol it
// requires. Symbols covered by an atom's injected constants are local and
// create no edge. An atom requiring a symbol it provides itself is a
// definition error: it can never be satisfied.
func (c *compiler) addDataEdges() {
	for _, name := range c.declOrder {
		atom := c.atoms[name]
		var inject map[string]any
		if inj, ok := atom.(injector); ok {
			inject = inj.Injected()
		}
		for _, symbol := range atom.Requires() {
			if _, local := inject[symbol]; local {
				continue
			}
			provider, ok := c.providers[symbol]
			if !ok {
				continue
			}
			if provider == name {
				c.errs = append(c.errs, fmt.Errorf("%w: %s requires its own output %q", ErrSelfDependency, name, symbol))
				continue
			}
			c.addEdge(provider, name)
		}
	}
}

// sort runs Kahn's algorithm with declaration-order tie-breaking.
// A cycle yields a DependencyCycleError naming the unorderable atoms.
func (c *compiler) sort() []string {
	indegree := make(map[string]int, len(c.atoms))
	for name, set := range c.deps {
		indegree[name] = len(set)
	}

	var ready []string
	for _, name := range c.declOrder {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(c.atoms))
	for len(ready) > 0 {
		// Lowest declaration index first keeps the order deterministic.
		sort.Slice(ready, func(i, j int) bool {
			return c.declIndex[ready[i]] < c.declIndex[ready[j]]
		})
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		for _, name := range c.declOrder {
			if c.deps[name][current] {
				indegree[name]--
				if indegree[name] == 0 {
					ready = append(ready, name)
				}
			}
		}
	}

	if len(order) < len(c.atoms) {
		var members []string
		for _, name := range c.declOrder {
			if indegree[name] > 0 {
				members = append(members, name)
			}
		}
		c.errs = append(c.errs, &DependencyCycleError{Members: members})
		return nil
	}
	return order
}

// build creates the immutable ExecutionGraph from the compiler state.
func (c *compiler) build(flowName string, order []string) *ExecutionGraph {
	deps := make(map[string][]string, len(c.deps))
	dependents := make(map[string][]string, len(c.deps))
	for _, name := range c.declOrder {
		var list []string
		for dep := range c.deps[name] {
			list = append(list, dep)
		}
		sort.Slice(list, func(i, j int) bool {
			return c.declIndex[list[i]] < c.declIndex[list[j]]
		})
		deps[name] = list
		for _, dep := range list {
			dependents[dep] = append(dependents[dep], name)
		}
	}
	for _, list := range dependents {
		sort.Slice(list, func(i, j int) bool {
			return c.declIndex[list[i]] < c.declIndex[list[j]]
		})
	}

	// External symbols must be supplied as initial inputs at run time.
	external := make(map[string][]string)
	for _, name := range c.declOrder {
		atom := c.atoms[name]
		var inject map[string]any
		if inj, ok := atom.(injector); ok {
			inject = inj.Injected()
		}
		for _, symbol := range atom.Requires() {
			if _, local := inject[symbol]; local {
				continue
			}
			if _, ok := c.providers[symbol]; !ok {
				external[name] = append(external[name], symbol)
			}
		}
	}

	retryScopes := make(map[string]*retryScope, len(c.retryList))
	for _, scope := range c.retryList {
		retryScopes[scope.name] = scope
	}

	return &ExecutionGraph{
		flowName:    flowName,
		atoms:       c.atoms,
		order:       order,
		declIndex:   c.declIndex,
		deps:        deps,
		dependents:  dependents,
		scopes:      c.scopes,
		retryScopes: retryScopes,
		providers:   c.providers,
		external:    external,
	}
}
