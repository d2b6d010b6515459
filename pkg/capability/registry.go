package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry tracks registered capabilities by name. UI components
// register on mount and unregister on unmount; registration order is
// arbitrary. Last writer wins on a name collision.
type Registry struct {
	capabilities map[string]*Registration
	version      uint64
	onChange     []func()
	mu           sync.RWMutex
}

// NewRegistry creates an empty capability registry
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[string]*Registration),
	}
}

// Register upserts a capability by name. The registration is visible
// to readers as soon as Register returns; a re-registration under the
// same name replaces the previous one wholesale.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("capability name cannot be empty")
	}

	r.mu.Lock()
	if _, exists := r.capabilities[reg.Name]; exists {
		log.Debug().Str("capability", reg.Name).Msg("Capability re-registered, replacing previous registration")
	}
	regCopy := reg
	r.capabilities[reg.Name] = &regCopy
	r.version++
	hooks := append([]func(){}, r.onChange...)
	r.mu.Unlock()

	log.Info().
		Str("capability", reg.Name).
		Str("category", reg.Category).
		Int("methods", len(reg.Methods)).
		Msg("Capability registered")

	for _, hook := range hooks {
		hook()
	}

	return nil
}

// Unregister removes a capability. Calling it for an absent name is a
// no-op, so a component unmounting twice is harmless.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	_, exists := r.capabilities[name]
	if exists {
		delete(r.capabilities, name)
		r.version++
	}
	hooks := append([]func(){}, r.onChange...)
	r.mu.Unlock()

	if !exists {
		return
	}

	log.Info().Str("capability", name).Msg("Capability unregistered")

	for _, hook := range hooks {
		hook()
	}
}

// Get returns a copy of the capability registered under name, if any.
// Callers never receive the interior registration, so mutating the
// returned Methods map cannot corrupt the registry.
func (r *Registry) Get(name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.capabilities[name]
	if !ok {
		return nil, false
	}
	regCopy := *reg
	regCopy.Methods = make(map[string]Method, len(reg.Methods))
	for method, m := range reg.Methods {
		regCopy.Methods[method] = m
	}
	return &regCopy, true
}

// List returns a snapshot of all registrations sorted by name.
// Readers never observe a partially applied registration.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]Registration, 0, len(r.capabilities))
	for _, reg := range r.capabilities {
		regs = append(regs, *reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Name < regs[j].Name })
	return regs
}

// Names returns the names of all registered capabilities, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Version returns a counter incremented on every mutation. Consumers
// use it to detect capability-set changes between reads.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// IsReady reports whether every expected capability is registered
func (r *Registry) IsReady(expected []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range expected {
		if _, ok := r.capabilities[name]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the subset of expected names not yet registered
func (r *Registry) Missing(expected []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, name := range expected {
		if _, ok := r.capabilities[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// OnChange registers a hook invoked after every registry mutation.
// Hooks run on the mutating goroutine and must not block.
func (r *Registry) OnChange(hook func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, hook)
}

// Invoker returns a live call surface for the named capability. The
// lookup happens per call, so the invoker observes re-registrations.
func (r *Registry) Invoker(name string) Invoker {
	return &registryInvoker{registry: r, name: name}
}

type registryInvoker struct {
	registry *Registry
	name     string
}

func (ri *registryInvoker) Name() string { return ri.name }

func (ri *registryInvoker) Call(ctx context.Context, method string, args map[string]interface{}) (interface{}, error) {
	reg, ok := ri.registry.Get(ri.name)
	if !ok {
		return nil, &UnavailableError{Capability: ri.name, Method: method}
	}
	m, ok := reg.Methods[method]
	if !ok || m.Handler == nil {
		return nil, &UnavailableError{Capability: ri.name, Method: method}
	}
	return m.Handler(ctx, args)
}

func (ri *registryInvoker) MethodNames() []string {
	reg, ok := ri.registry.Get(ri.name)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(reg.Methods))
	for name := range reg.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnavailableError reports a call against a capability or method that
// is not currently registered. Callers treat it as a no-op condition,
// not a fault.
type UnavailableError struct {
	Capability string
	Method     string
}

func (e *UnavailableError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("capability %s method %s is not available", e.Capability, e.Method)
	}
	return fmt.Sprintf("capability %s is not available", e.Capability)
}
