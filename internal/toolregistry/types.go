// Package toolregistry implements the ToolRegistry: an append-only,
// frozen-after-init collection of named tools, each schema-validated and
// wrapped in the teacher's validation -> policy -> retry/breaker chain,
// adapted here to endpoint-agent tools instead of LLM tool calls.
package toolregistry

import "context"

// Property describes one argument's expected JSON type, mirroring the
// teacher's lightweight ParameterSchema (no third-party JSON-Schema
// library exists anywhere in the corpus to adopt instead).
type Property struct {
	Type        string
	Description string
}

// ParameterSchema is the tool's declared input shape.
type ParameterSchema struct {
	Properties map[string]Property
	Required   []string
}

// Tag marks a cross-cutting behavior a tool opts into, per spec.md §4.4.
type Tag string

const (
	TagExclusive          Tag = "exclusive"
	TagSerializedGlobally Tag = "serialized-globally"
	TagShellLike          Tag = "shell-like"
	TagGUIOnly            Tag = "gui-only"
	TagReadOnly           Tag = "read-only"
)

// Definition is a tool's static declaration.
type Definition struct {
	Name         string
	Description  string
	Parameters   ParameterSchema
	Capabilities []string // required PlatformAdapter capability keys
	Tags         []string
	TimeoutMS    int // tool-specific default deadline; 0 = none, only the dispatcher's 120s hard cap applies
}

func (d Definition) HasTag(t Tag) bool {
	for _, v := range d.Tags {
		if v == string(t) {
			return true
		}
	}
	return false
}

// Call is one invocation of a tool.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// Result is what a tool execution yields. Error, when non-nil, is either a
// typed *errors.TaggedError, which the dispatcher surfaces as-is, or the
// handler's own error, which the dispatcher reports as internal.
type Result struct {
	CallID  string
	Content interface{}
	Error   error
}

// Executor is the common interface every layer of the wrapper chain
// implements, mirroring the teacher's tools.ToolExecutor.
type Executor interface {
	Execute(ctx context.Context, call Call) (*Result, error)
	Definition() Definition
}

// HandlerFunc adapts a plain function into the base (innermost) Executor.
type HandlerFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

type baseExecutor struct {
	def     Definition
	handler HandlerFunc
}

func NewBaseExecutor(def Definition, handler HandlerFunc) Executor {
	return &baseExecutor{def: def, handler: handler}
}

func (b *baseExecutor) Definition() Definition { return b.def }

func (b *baseExecutor) Execute(ctx context.Context, call Call) (*Result, error) {
	content, err := b.handler(ctx, call.Arguments)
	if err != nil {
		return &Result{CallID: call.ID, Error: err}, nil
	}
	return &Result{CallID: call.ID, Content: content}, nil
}
