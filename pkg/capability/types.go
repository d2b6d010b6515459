package capability

import "context"

// MethodFunc is the function signature for a capability method.
// Arguments arrive as a decoded JSON object; results must be
// JSON-serializable.
type MethodFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Parameter describes a single method parameter
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Method is a single callable exposed by a capability
type Method struct {
	Handler     MethodFunc  `json:"-"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters,omitempty"`
}

// Registration is a named bundle of methods a UI component exposes
// for tool scripts. The registering component owns the registration
// and removes it on unmount.
type Registration struct {
	Name        string            `json:"name"`
	Category    string            `json:"category"`
	Description string            `json:"description"`
	Methods     map[string]Method `json:"methods"`
}

// Invoker is the call surface handed to execution contexts. Method
// references stay live: calls observe the current component state at
// invocation time.
type Invoker interface {
	Name() string
	Call(ctx context.Context, method string, args map[string]interface{}) (interface{}, error)
	MethodNames() []string
}
