package pushsync

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// frameSchemaText describes the only frame shape the backend pushes:
// a type discriminator plus an object payload.
const frameSchemaText = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "payload"],
	"properties": {
		"type": {
			"type": "string",
			"enum": ["webhook_processed", "webhook_failed", "sync_status_update", "stats_update"]
		},
		"payload": {"type": "object"}
	}
}`

func compileFrameSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(frameSchemaText)))
	if err != nil {
		return nil, fmt.Errorf("parse frame schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("frame.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("frame.json")
}

// validateFrame checks one inbound frame against the schema. Invalid frames
// are dropped by the caller, never fatal.
func validateFrame(schema *jsonschema.Schema, raw []byte) error {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(value)
}
