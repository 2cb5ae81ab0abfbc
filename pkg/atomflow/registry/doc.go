// Package registry provides a generic thread-safe registry for values indexed by key.
//
// Registry is designed for read-heavy workloads using sync.RWMutex. It supports
// any comparable key type and any value type through Go generics.
//
// # Factory Pattern
//
// Registries work well for factory patterns where you register constructors
// under string identifiers and resolve them at construction time:
//
//	type BackendFactory func(cfg config.Config) (Store, error)
//
//	factories := registry.New[string, BackendFactory]()
//	factories.Register("memory", NewMemoryFactory)
//	factories.Register("sqlite", NewSQLiteFactory)
//
//	factory, ok := factories.Lookup("sqlite")
//	if !ok {
//	    // unknown backend: configuration error
//	}
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use.
package registry
