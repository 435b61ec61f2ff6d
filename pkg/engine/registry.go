package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Config holds engine configuration from the server config file.
type Config struct {
	Type    string            `yaml:"type"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// Factory builds an engine from its configuration.
type Factory func(cfg Config) (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register registers an engine factory under name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New builds the engine registered under cfg.Type.
func New(cfg Config) (Engine, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown engine type %q (registered: %v)", cfg.Type, Registered())
	}
	return factory(cfg)
}

// Registered returns the registered engine names in sorted order.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
