// Package sandbox compiles operator-authored script text into
// invocable units bound only to an explicit set of named bindings.
//
// The boundary prevents accidental leakage of host state and forces a
// capability allow-list; it is not hostile-code containment. Script
// authors are trusted operators.
package sandbox

import "context"

// Callable is a compiled script ready for invocation
type Callable interface {
	// Run invokes the script's Execute entry point with the given
	// parameter object. Only bindings named in the compile-time
	// allow-list are passed through.
	Run(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// Compiler turns script source into a Callable. Implementations
// enforce the binding allow-list at the interpreter boundary, not by
// convention.
type Compiler interface {
	Compile(source string, allowedBindings []string) (Callable, error)
}
