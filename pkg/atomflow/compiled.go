package atomflow

// ExecutionGraph is the immutable compiled form of a flow. It is safe for
// concurrent use and can be executed any number of times.
type ExecutionGraph struct {
	flowName    string
	atoms       map[string]Atom
	order       []string
	declIndex   map[string]int
	deps        map[string][]string
	dependents  map[string][]string
	scopes      map[string]*retryScope
	retryScopes map[string]*retryScope
	providers   map[string]string
	external    map[string][]string
}

// Name returns the name of the flow this graph was compiled from.
func (g *ExecutionGraph) Name() string {
	return g.flowName
}

// Len returns the number of atoms in the graph, including retry controllers.
func (g *ExecutionGraph) Len() int {
	return len(g.atoms)
}

// Order returns the atoms in deterministic topological order.
func (g *ExecutionGraph) Order() []string {
	order := make([]string, len(g.order))
	copy(order, g.order)
	return order
}

// Atom returns the atom with the given name.
func (g *ExecutionGraph) Atom(name string) (Atom, bool) {
	a, ok := g.atoms[name]
	return a, ok
}

// DependenciesOf returns the atoms that must finish before name starts.
func (g *ExecutionGraph) DependenciesOf(name string) []string {
	deps := make([]string, len(g.deps[name]))
	copy(deps, g.deps[name])
	return deps
}

// DependentsOf returns the atoms that wait for name to finish.
func (g *ExecutionGraph) DependentsOf(name string) []string {
	deps := make([]string, len(g.dependents[name]))
	copy(deps, g.dependents[name])
	return deps
}

// Provider returns the atom providing the given symbol.
func (g *ExecutionGraph) Provider(symbol string) (string, bool) {
	p, ok := g.providers[symbol]
	return p, ok
}

// ExternalRequires returns the symbols that no atom provides, keyed by the
// consuming atom. These must be supplied as initial inputs to Run.
func (g *ExecutionGraph) ExternalRequires() map[string][]string {
	out := make(map[string][]string, len(g.external))
	for name, symbols := range g.external {
		list := make([]string, len(symbols))
		copy(list, symbols)
		out[name] = list
	}
	return out
}

// RetryOf returns the name of the retry controller guarding the given atom,
// or "" if the atom is unguarded.
func (g *ExecutionGraph) RetryOf(name string) string {
	if scope, ok := g.scopes[name]; ok {
		return scope.name
	}
	return ""
}

// ScopeMembers returns the atoms guarded by the named retry controller.
func (g *ExecutionGraph) ScopeMembers(retry string) []string {
	scope, ok := g.retryScopes[retry]
	if !ok {
		return nil
	}
	members := make([]string, len(scope.members))
	copy(members, scope.members)
	return members
}

// scopeOf returns the nearest enclosing retry scope for an atom, or nil.
func (g *ExecutionGraph) scopeOf(name string) *retryScope {
	return g.scopes[name]
}

// scopeGuardedBy returns the scope a retry controller guards, or nil if the
// atom is not a retry controller.
func (g *ExecutionGraph) scopeGuardedBy(name string) *retryScope {
	return g.retryScopes[name]
}
