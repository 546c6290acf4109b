// Package category defines the pluggable test category contract and the
// startup-time registry binding category names to implementations.
package category

import (
	"context"
	"fmt"
	"sync"

	"github.com/nixfleet/integration-runner/suite"
)

// Category names ...
const (
	Environment      = "ENVIRONMENT"
	ConfigGeneration = "CONFIG_GENERATION"
	E2EWorkflow      = "E2E_WORKFLOW"
	Security         = "SECURITY"
	Encryption       = "ENCRYPTION"
	SopsWorkflow     = "SOPS_WORKFLOW"
	CLISmoke         = "CLI_SMOKE"
	Performance      = "PERFORMANCE"
)

// Names is the fixed category execution order. Category selection always
// preserves this order, never the order of a requested filter.
var Names = []string{
	Environment,
	ConfigGeneration,
	E2EWorkflow,
	Security,
	Encryption,
	SopsWorkflow,
	CLISmoke,
	Performance,
}

// SlowNames are removed when SKIP_SLOW_TESTS is set.
var SlowNames = []string{
	E2EWorkflow,
	SopsWorkflow,
	Performance,
}

// SopsNames need the sops binary and are removed when SKIP_SOPS_TESTS is set.
var SopsNames = []string{
	Encryption,
	SopsWorkflow,
}

// IsKnown ...
func IsKnown(name string) bool {
	for _, known := range Names {
		if known == name {
			return true
		}
	}
	return false
}

// Module is the single entry point every category implements. A module calls
// s.RunTest once per assertion; the engine never looks past this contract.
type Module interface {
	RunTests(ctx context.Context, s *suite.Suite) error
}

// ModuleFunc adapts a function to the Module interface.
type ModuleFunc func(ctx context.Context, s *suite.Suite) error

// RunTests ...
func (f ModuleFunc) RunTests(ctx context.Context, s *suite.Suite) error {
	return f(ctx, s)
}

// Registry maps category names to injected Module implementations. It is
// populated once at startup; lookups at run time never touch the filesystem.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry ...
func NewRegistry() *Registry {
	return &Registry{modules: map[string]Module{}}
}

// Register binds a module to a known category name.
func (r *Registry) Register(name string, module Module) error {
	if !IsKnown(name) {
		return fmt.Errorf("unknown category: %s", name)
	}
	if module == nil {
		return fmt.Errorf("nil module for category: %s", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[name] = module
	return nil
}

// Lookup ...
func (r *Registry) Lookup(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	module, ok := r.modules[name]
	return module, ok
}
