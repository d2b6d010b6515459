package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// entryPoint is the function every script must define
const entryPoint = "Execute"

// executeFunc is the required signature of the script entry point
type executeFunc = func(params map[string]interface{}) (interface{}, error)

// defaultAllowedPackages is the stdlib import allow-list for scripts.
// Packages granting filesystem, process, or raw network access are
// deliberately absent; scripts reach the outside world only through
// injected bindings.
var defaultAllowedPackages = map[string]bool{
	"fmt":             true,
	"strings":         true,
	"strconv":         true,
	"math":            true,
	"regexp":          true,
	"sort":            true,
	"bytes":           true,
	"time":            true,
	"errors":          true,
	"encoding/json":   true,
	"encoding/base64": true,
	"unicode":         true,
	"unicode/utf8":    true,
}

// Interpreter compiles scripts with the yaegi Go interpreter. Each
// Compile call builds a fresh interpreter instance so scripts cannot
// observe one another.
type Interpreter struct {
	allowedPackages map[string]bool
	symbols         interp.Exports
	once            sync.Once
}

// NewInterpreter creates a script compiler with the default stdlib
// allow-list.
func NewInterpreter() *Interpreter {
	return &Interpreter{allowedPackages: defaultAllowedPackages}
}

// restrictedSymbols filters stdlib.Symbols down to the allow-list.
// Symbol keys are "<import path>/<package name>".
func (it *Interpreter) restrictedSymbols() interp.Exports {
	it.once.Do(func() {
		it.symbols = make(interp.Exports, len(it.allowedPackages))
		for key, symbols := range stdlib.Symbols {
			idx := strings.LastIndex(key, "/")
			importPath := key
			if idx >= 0 {
				importPath = key[:idx]
			}
			if it.allowedPackages[importPath] {
				it.symbols[key] = symbols
			}
		}
	})
	return it.symbols
}

// Compile evaluates the script source and extracts its Execute entry
// point. The source must be a Go fragment (or full main package)
// defining:
//
//	func Execute(params map[string]interface{}) (interface{}, error)
//
// Imports outside the allow-list are rejected before evaluation.
func (it *Interpreter) Compile(source string, allowedBindings []string) (Callable, error) {
	if strings.TrimSpace(source) == "" {
		return nil, compileError(ErrEmptyScript)
	}

	if err := it.validateImports(source); err != nil {
		return nil, compileError(err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(it.restrictedSymbols()); err != nil {
		return nil, compileError(fmt.Errorf("failed to load interpreter symbols: %w", err))
	}

	if _, err := i.Eval(wrapSource(source)); err != nil {
		return nil, compileError(fmt.Errorf("script evaluation failed: %w", err))
	}

	v, err := i.Eval("main." + entryPoint)
	if err != nil {
		return nil, compileError(ErrNoEntryPoint)
	}
	fn, ok := v.Interface().(executeFunc)
	if !ok {
		return nil, compileError(ErrNoEntryPoint)
	}

	allowed := make(map[string]bool, len(allowedBindings))
	for _, name := range allowedBindings {
		allowed[name] = true
	}

	return &yaegiCallable{fn: fn, allowedBindings: allowed}, nil
}

// validateImports rejects scripts importing packages outside the
// allow-list before any code runs.
func (it *Interpreter) validateImports(source string) error {
	var forbidden []string

	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
			continue
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
			continue
		}

		var spec string
		if inBlock && trimmed != "" {
			spec = trimmed
		} else if strings.HasPrefix(trimmed, "import ") {
			spec = strings.TrimPrefix(trimmed, "import ")
		} else {
			continue
		}

		// Strip an alias if present, then quotes
		if idx := strings.LastIndex(spec, `"`); idx >= 0 {
			if start := strings.Index(spec, `"`); start >= 0 && start < idx {
				spec = spec[start+1 : idx]
			}
		}
		spec = strings.Trim(spec, `"`)
		if spec == "" {
			continue
		}
		if !it.allowedPackages[spec] {
			forbidden = append(forbidden, spec)
		}
	}

	if len(forbidden) > 0 {
		return fmt.Errorf("%w: %s", ErrForbiddenImport, strings.Join(forbidden, ", "))
	}
	return nil
}

// wrapSource adds a package clause when the script is a bare fragment
func wrapSource(source string) string {
	if strings.Contains(source, "package main") {
		return source
	}
	return "package main\n\n" + source
}

type yaegiCallable struct {
	fn              executeFunc
	allowedBindings map[string]bool
	mu              sync.Mutex
}

// Run invokes the entry point on its own goroutine and races it
// against the context. The interpreter cannot preempt a running
// script, so on timeout the goroutine is abandoned and its eventual
// result dropped.
func (c *yaegiCallable) Run(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	filtered := make(map[string]interface{}, len(params))
	for name, value := range params {
		if c.allowedBindings[name] {
			filtered[name] = value
		} else {
			log.Debug().Str("binding", name).Msg("Dropping binding not in script allow-list")
		}
	}

	resultCh := make(chan interface{}, 1)
	errCh := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("script panicked: %v", r)
			}
		}()

		c.mu.Lock()
		defer c.mu.Unlock()

		result, err := c.fn(filtered)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	select {
	case result := <-resultCh:
		return result, nil
	case err := <-errCh:
		return nil, runtimeError(err)
	case <-ctx.Done():
		return nil, runtimeError(fmt.Errorf("%w: %v", ErrExecutionTimeout, ctx.Err()))
	}
}
