package kernel

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validateToolArguments checks a tool call's arguments against the
// invoker's declared JSON Schema before dispatch. A nil or empty schema
// means the invoker doesn't constrain its arguments, so validation is
// skipped rather than treated as a pass/fail schema of {}.
func validateToolArguments(invoker ToolInvoker, args json.RawMessage) error {
	raw := invoker.Schema()
	if len(raw) == 0 {
		return nil
	}

	schema, err := compileToolSchema(invoker.Name(), raw)
	if err != nil {
		return fmt.Errorf("compile schema for tool %q: %w", invoker.Name(), err)
	}

	var decoded any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return fmt.Errorf("decode arguments for tool %q: %w", invoker.Name(), err)
		}
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments for tool %q: %w", invoker.Name(), err)
	}
	return nil
}

var toolSchemaCache sync.Map

func compileToolSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	key := name + ":" + string(raw)
	if cached, ok := toolSchemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	toolSchemaCache.Store(key, compiled)
	return compiled, nil
}
