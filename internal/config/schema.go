package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaVal  *jsonschema.Schema
)

// JSONSchema reflects the Config struct into a JSON schema. Field names
// come from the yaml tags so the schema matches what Load accepts.
func JSONSchema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:   "yaml",
			ExpandedStruct: true,
			DoNotReference: true,
		}
		schemaVal = r.Reflect(&Config{})
		schemaVal.Title = "Tron configuration"
		schemaVal.AdditionalProperties = jsonschema.FalseSchema
	})
	return schemaVal
}

// SchemaJSON renders the schema as indented JSON for the CLI.
func SchemaJSON() ([]byte, error) {
	data, err := json.MarshalIndent(JSONSchema(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config schema: %w", err)
	}
	return data, nil
}
