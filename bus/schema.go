package bus

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// The bus accepts structured payloads only. Each message kind has a schema;
// payloads that do not match are dropped before they reach the pipeline.

const dataSchemaJSON = `{
	"type": "object",
	"required": ["sensors"],
	"properties": {
		"sensors": {
			"type": "array",
			"items": {"type": "object"}
		},
		"status": {"type": "object"},
		"location": {"type": "object"}
	}
}`

const statusSchemaJSON = `{
	"type": "object",
	"properties": {
		"battery": {"type": "number"},
		"signal": {"type": "number"},
		"uptime": {"type": "number"}
	}
}`

const alertSchemaJSON = `{
	"type": "object",
	"required": ["type", "severity", "message"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"severity": {"type": "string", "enum": ["warning", "error", "critical"]},
		"message": {"type": "string"}
	}
}`

var payloadSchemas = map[string]*gojsonschema.Schema{
	"data":   mustCompileSchema(dataSchemaJSON),
	"status": mustCompileSchema(statusSchemaJSON),
	"alert":  mustCompileSchema(alertSchemaJSON),
}

func mustCompileSchema(schemaJSON string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		panic(err)
	}
	return schema
}

func validatePayload(kind string, payload []byte) error {
	schema, ok := payloadSchemas[kind]
	if !ok {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("payload is not structured data: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("payload does not match the %s schema: %s", kind, result.Errors()[0].String())
	}
	return nil
}
