// Package execctx assembles the bounded binding set visible to a
// running tool script: capabilities, utilities, auth accessors, an
// http client, and resolved global parameters.
package execctx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harun/vocera/pkg/capability"
	"github.com/harun/vocera/pkg/params"
	"github.com/rs/zerolog/log"
)

// DefaultHTTPTimeout bounds outbound requests made by tool scripts
const DefaultHTTPTimeout = 30 * time.Second

// maxHTTPResponseBytes caps response bodies handed back to scripts
const maxHTTPResponseBytes = 1 << 20

// ExecutionContext is the binding set visible to running tools. It is
// ephemeral: valid until the next capability-set change, read-shared
// by concurrently in-flight invocations, never mutated after Build.
type ExecutionContext struct {
	Capabilities map[string]capability.Invoker
	Utils        *Utils
	Auth         *AuthAccessor
	HTTPClient   *http.Client
	Globals      func() map[string]string
	Runtime      interface{}
	Version      uint64
}

// Provider hands out the current execution context. Tool actions must
// dereference through a Provider at call time rather than caching a
// built context across a suspension point, or they risk calling an
// unmounted capability.
type Provider func() *ExecutionContext

// Builder produces execution contexts from the current registry
// snapshot. Build is pure and cheap; it runs on every capability-set
// change.
type Builder struct {
	registry   *capability.Registry
	parameters *params.Store
	storage    *ScopedStore
	httpClient *http.Client
	runtime    interface{}

	current atomic.Pointer[ExecutionContext]
}

// NewBuilder creates a builder over the given registry and parameter
// store. The runtime handle is an opaque host object advanced scripts
// may receive.
func NewBuilder(registry *capability.Registry, parameters *params.Store, storage *ScopedStore, runtime interface{}) *Builder {
	b := &Builder{
		registry:   registry,
		parameters: parameters,
		storage:    storage,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		runtime:    runtime,
	}
	b.current.Store(b.Build())

	// Keep the published context in step with registry mutations
	registry.OnChange(func() {
		b.current.Store(b.Build())
	})

	return b
}

// Build assembles a fresh context from the current registry snapshot
func (b *Builder) Build() *ExecutionContext {
	caps := make(map[string]capability.Invoker)
	for _, name := range b.registry.Names() {
		caps[name] = b.registry.Invoker(name)
	}

	ec := &ExecutionContext{
		Capabilities: caps,
		Utils:        NewUtils(b.storage),
		Auth:         NewAuthAccessor(b.registry),
		HTTPClient:   b.httpClient,
		Globals:      b.parameters.ResolveAll,
		Runtime:      b.runtime,
		Version:      b.registry.Version(),
	}

	log.Debug().
		Int("capabilities", len(caps)).
		Uint64("version", ec.Version).
		Msg("Execution context built")

	return ec
}

// Provider returns a call-time accessor for the latest context
func (b *Builder) Provider() Provider {
	return func() *ExecutionContext { return b.current.Load() }
}

// Bindings flattens the context into the named values handed to a
// script invocation. The scope keys scratch storage to the session.
func (ec *ExecutionContext) Bindings(ctx context.Context, scope string) map[string]interface{} {
	capBindings := make(map[string]interface{}, len(ec.Capabilities))
	for name, inv := range ec.Capabilities {
		capBindings[name] = methodBindings(ctx, inv)
	}

	return map[string]interface{}{
		"capabilities": capBindings,
		"utils":        ec.Utils.bindings(ctx, scope),
		"auth":         ec.Auth.bindings(ctx),
		"globals":      ec.Globals(),
		"http":         ec.httpBindings(ctx),
		"runtime":      ec.Runtime,
	}
}

// methodBindings exposes each capability method as a plain function
// closed over the invoker, so calls resolve against the registry at
// invocation time.
func methodBindings(ctx context.Context, inv capability.Invoker) map[string]interface{} {
	methods := make(map[string]interface{})
	for _, method := range inv.MethodNames() {
		method := method
		methods[method] = func(args map[string]interface{}) (interface{}, error) {
			return inv.Call(ctx, method, args)
		}
	}
	return methods
}

// httpBindings exposes a narrow request surface instead of the raw
// client: scripts get capability-limited network access.
func (ec *ExecutionContext) httpBindings(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{
		"get": func(url string) (string, error) {
			return ec.doRequest(ctx, http.MethodGet, url, "", "")
		},
		"post": func(url, contentType, body string) (string, error) {
			return ec.doRequest(ctx, http.MethodPost, url, contentType, body)
		},
	}
}

func (ec *ExecutionContext) doRequest(ctx context.Context, method, url, contentType, body string) (string, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return "", fmt.Errorf("invalid request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := ec.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return string(data), fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return string(data), nil
}
