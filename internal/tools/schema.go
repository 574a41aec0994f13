package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// inputSchema reflects a JSON schema from a tool's parameter struct.
// Schemas are inlined (no $ref) because model providers expect a
// self-contained object schema.
func inputSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
