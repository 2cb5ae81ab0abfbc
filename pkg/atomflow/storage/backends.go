package storage

import (
	"fmt"

	"github.com/atomflow/atomflow/pkg/atomflow/config"
	"github.com/atomflow/atomflow/pkg/atomflow/registry"
)

// Factory constructs a Store from backend configuration.
type Factory func(cfg config.Config) (Store, error)

var backends = registry.New[string, Factory]()

func init() {
	RegisterBackend("memory", func(config.Config) (Store, error) {
		return NewMemoryStore(), nil
	})
	RegisterBackend("sqlite", func(cfg config.Config) (Store, error) {
		return NewSQLiteStore(cfg.String("path", "atomflow.db"))
	})
}

// RegisterBackend makes a journal backend available under the given name.
// Registering an existing name replaces the previous factory.
func RegisterBackend(name string, f Factory) {
	backends.Register(name, f)
}

// OpenBackend resolves a backend by name and constructs a Store from cfg.
// An unregistered name yields ErrUnknownBackend; this is a configuration
// error and should abort engine construction, never a run.
func OpenBackend(name string, cfg config.Config) (Store, error) {
	factory, ok := backends.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return factory(cfg)
}

// Backends returns the names of all registered backends.
func Backends() []string {
	return backends.Keys()
}
