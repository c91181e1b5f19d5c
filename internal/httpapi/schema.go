package httpapi

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// clientMessageSchema constrains every frame a client may send over the
// socket before it touches the dispatch path.
const clientMessageSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"enum": ["patch", "batch_patch", "ping"]},
		"sheet_id": {"type": "string", "minLength": 1},
		"row": {"type": "integer", "minimum": 0},
		"col": {"type": "integer", "minimum": 0},
		"value": {"type": ["string", "null"]},
		"style": {"type": ["string", "null"]},
		"comment": {"type": ["string", "null"]},
		"hyperlink": {"type": ["string", "null"]},
		"patches": {
			"type": "array",
			"minItems": 1,
			"maxItems": 1000,
			"items": {
				"type": "object",
				"required": ["row", "col"],
				"properties": {
					"row": {"type": "integer", "minimum": 0},
					"col": {"type": "integer", "minimum": 0},
					"value": {"type": ["string", "null"]},
					"style": {"type": ["string", "null"]},
					"comment": {"type": ["string", "null"]},
					"hyperlink": {"type": ["string", "null"]}
				}
			}
		}
	},
	"allOf": [
		{
			"if": {"properties": {"type": {"const": "patch"}}},
			"then": {"required": ["sheet_id", "row", "col"]}
		},
		{
			"if": {"properties": {"type": {"const": "batch_patch"}}},
			"then": {"required": ["sheet_id", "patches"]}
		}
	]
}`

var (
	clientSchemaOnce     sync.Once
	clientSchemaCompiled *jsonschema.Schema
	clientSchemaErr      error
)

func compiledClientSchema() (*jsonschema.Schema, error) {
	clientSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(clientMessageSchema))
		if err != nil {
			clientSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("client-message.json", doc); err != nil {
			clientSchemaErr = err
			return
		}
		clientSchemaCompiled, clientSchemaErr = compiler.Compile("client-message.json")
	})
	return clientSchemaCompiled, clientSchemaErr
}

// validateClientMessage checks one raw inbound frame against the message
// schema.
func validateClientMessage(raw []byte) error {
	schema, err := compiledClientSchema()
	if err != nil {
		return fmt.Errorf("message schema unavailable: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}
	return schema.Validate(doc)
}
