// Package toolcatalog turns persisted tool definitions into
// protocol-ready callables bound through the execution context.
package toolcatalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/vocera/internal/observability"
	"github.com/harun/vocera/pkg/execctx"
	"github.com/harun/vocera/pkg/sandbox"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// permissiveSchema substitutes for an unparseable input schema so one
// bad entry never aborts the catalog.
const permissiveSchema = `{"type":"object","properties":{}}`

// scriptBindings is the allow-list of names visible to every script
var scriptBindings = []string{
	"capabilities", "utils", "auth", "globals", "http", "runtime",
	"sessionId", "input", "toolName", "triggeredByAgent",
}

// ActionFunc is the callable handed to the remote service for a tool.
// It always returns a protocol response string: failures come back as
// a structured JSON error payload, never as a Go error.
type ActionFunc func(ctx context.Context, sessionID, rawInput string, triggeredByAgent bool) string

// ProcessedTool is the ephemeral, derived form of a tool: rebuilt
// whenever the catalog or capability set changes, never persisted.
type ProcessedTool struct {
	Name               string
	Description        string
	ProtocolDefinition string
	RunAfterInit       bool
	Order              int
	Action             ActionFunc
}

// Loader builds processed tools from persisted definitions
type Loader struct {
	compiler sandbox.Compiler
	provider execctx.Provider
}

// NewLoader creates a loader that compiles scripts with the given
// compiler and resolves bindings through the provider at call time.
func NewLoader(compiler sandbox.Compiler, provider execctx.Provider) *Loader {
	return &Loader{compiler: compiler, provider: provider}
}

// Load processes every definition into a ProcessedTool, stable-sorted
// by order. A definition with a malformed input schema gets the
// permissive fallback and stays in the catalog.
func (l *Loader) Load(defs []Definition) []*ProcessedTool {
	tools := make([]*ProcessedTool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, l.process(def))
	}
	sort.SliceStable(tools, func(i, j int) bool { return tools[i].Order < tools[j].Order })

	log.Info().Int("tools", len(tools)).Msg("Tool catalog loaded")
	return tools
}

// FilterInitTools returns the run-after-init subset, order preserved
func FilterInitTools(tools []*ProcessedTool) []*ProcessedTool {
	var init []*ProcessedTool
	for _, tool := range tools {
		if tool.RunAfterInit {
			init = append(init, tool)
		}
	}
	return init
}

func (l *Loader) process(def Definition) *ProcessedTool {
	schemaText := def.InputSchema
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaText))
	if err != nil {
		log.Warn().
			Str("tool", def.Name).
			Err(err).
			Msg("Malformed tool input schema, substituting permissive schema")
		schemaText = permissiveSchema
		schema, _ = gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaText))
	}

	// Scripts compile lazily on first invocation so a broken script
	// surfaces as a structured error result instead of blocking the
	// rest of the catalog.
	var (
		compileOnce sync.Once
		callable    sandbox.Callable
		compileErr  error
	)
	compile := func() (sandbox.Callable, error) {
		compileOnce.Do(func() {
			callable, compileErr = l.compiler.Compile(def.Script, scriptBindings)
		})
		return callable, compileErr
	}

	tool := &ProcessedTool{
		Name:               def.Name,
		Description:        def.Description,
		ProtocolDefinition: schemaText,
		RunAfterInit:       def.RunAfterInit,
		Order:              def.Order,
	}

	tool.Action = func(ctx context.Context, sessionID, rawInput string, triggeredByAgent bool) string {
		start := time.Now()
		result, err := l.invoke(ctx, compile, schema, def.Name, sessionID, rawInput, triggeredByAgent)
		observability.RecordToolExecution(def.Name, time.Since(start), err == nil)
		if err != nil {
			log.Error().
				Str("tool", def.Name).
				Str("session", sessionID).
				Err(err).
				Msg("Tool invocation failed")
			return errorPayload(err, def.Name, sessionID)
		}
		return result
	}

	return tool
}

// invoke runs one tool call end to end. The execution context is
// fetched through the provider here, at call time, never cached: an
// invocation that started before a capability-set change must still
// observe the current set after any suspension point.
func (l *Loader) invoke(ctx context.Context, compile func() (sandbox.Callable, error), schema *gojsonschema.Schema, toolName, sessionID, rawInput string, triggeredByAgent bool) (string, error) {
	callable, err := compile()
	if err != nil {
		return "", err
	}

	input := parseInput(rawInput)

	if schema != nil {
		if doc, err := schema.Validate(gojsonschema.NewGoLoader(input)); err == nil && !doc.Valid() {
			// Input mismatches are advisory: the script still runs and
			// decides what to do with the payload it was given.
			log.Warn().
				Str("tool", toolName).
				Interface("errors", doc.Errors()).
				Msg("Tool input does not match schema")
		}
	}

	ec := l.provider()
	bindings := ec.Bindings(ctx, sessionID)
	bindings["sessionId"] = sessionID
	bindings["input"] = input
	bindings["toolName"] = toolName
	bindings["triggeredByAgent"] = triggeredByAgent

	result, err := callable.Run(ctx, bindings)
	if err != nil {
		return "", err
	}

	return coerceResult(result)
}

// parseInput decodes the remote payload, falling back to a raw-string
// wrapper when it is not valid JSON.
func parseInput(rawInput string) map[string]interface{} {
	var input map[string]interface{}
	if err := json.Unmarshal([]byte(rawInput), &input); err == nil && input != nil {
		return input
	}
	return map[string]interface{}{"rawInput": rawInput}
}

// coerceResult turns the script's return value into a protocol string
func coerceResult(result interface{}) (string, error) {
	switch v := result.(type) {
	case nil:
		return "null", nil
	case string:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("tool result is not JSON-serializable: %w", err)
		}
		return string(b), nil
	}
}

// errorPayload produces the structured failure response; every
// invocation must yield a protocol response, so errors become data.
func errorPayload(err error, toolName, sessionID string) string {
	payload := map[string]interface{}{
		"error":     true,
		"message":   err.Error(),
		"toolName":  toolName,
		"sessionId": sessionID,
	}
	b, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return fmt.Sprintf(`{"error":true,"message":"tool %s failed","sessionId":%q}`, toolName, sessionID)
	}
	return string(b)
}
