package toolregistry

import (
	"context"
	"fmt"
	"strings"

	agenterrors "github.com/fleetlink/endpoint-agent/internal/errors"
)

// validatingExecutor checks call.Arguments against the tool's
// ParameterSchema before delegating. Adapted line-for-line from the
// teacher's validatingExecutor: required-field presence, then lenient
// per-key type matching (JSON numbers decode as float64; extra fields are
// allowed; nil values skip the type check).
type validatingExecutor struct {
	delegate Executor
}

func (v *validatingExecutor) Definition() Definition { return v.delegate.Definition() }

func (v *validatingExecutor) Execute(ctx context.Context, call Call) (*Result, error) {
	schema := v.delegate.Definition().Parameters
	if err := validateArguments(schema, call.Arguments); err != nil {
		return &Result{
			CallID: call.ID,
			Error:  agenterrors.Tag(agenterrors.KindInvalidArguments, err.Error(), err),
		}, nil
	}
	return v.delegate.Execute(ctx, call)
}

func validateArguments(schema ParameterSchema, args map[string]interface{}) error {
	if len(schema.Properties) == 0 {
		return nil
	}

	for _, req := range schema.Required {
		val, ok := args[req]
		if !ok || val == nil {
			return fmt.Errorf("missing required argument %q", req)
		}
	}

	for key, val := range args {
		prop, ok := schema.Properties[key]
		if !ok {
			continue // extra fields allowed
		}
		if val == nil {
			continue
		}
		if err := checkType(key, prop.Type, val); err != nil {
			return err
		}
	}
	return nil
}

func checkType(key, expectedType string, val interface{}) error {
	if expectedType == "" {
		return nil
	}
	switch strings.ToLower(expectedType) {
	case "string":
		if _, ok := val.(string); !ok {
			return fmt.Errorf("argument %q: expected string, got %T", key, val)
		}
	case "number", "integer":
		switch val.(type) {
		case float64, int, int64, float32:
		default:
			return fmt.Errorf("argument %q: expected number, got %T", key, val)
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("argument %q: expected boolean, got %T", key, val)
		}
	case "array":
		if _, ok := val.([]interface{}); !ok {
			return fmt.Errorf("argument %q: expected array, got %T", key, val)
		}
	case "object":
		if _, ok := val.(map[string]interface{}); !ok {
			return fmt.Errorf("argument %q: expected object, got %T", key, val)
		}
	}
	return nil
}

var _ Executor = (*validatingExecutor)(nil)
