package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const repairRequestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"dryRun": {"type": "boolean"},
		"workspaceId": {"type": "string", "minLength": 1, "maxLength": 128}
	}
}`

const lockRequestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"ttlSeconds": {"type": "integer", "minimum": 1, "maximum": 86400}
	}
}`

const (
	repairSchemaURL = "https://canvasd.local/schemas/repair-request.json"
	lockSchemaURL   = "https://canvasd.local/schemas/lock-request.json"
)

type requestSchemas struct {
	repair *jsonschema.Schema
	lock   *jsonschema.Schema
}

func compileRequestSchemas() (*requestSchemas, error) {
	c := jsonschema.NewCompiler()
	sources := map[string]string{
		repairSchemaURL: repairRequestSchema,
		lockSchemaURL:   lockRequestSchema,
	}
	for name, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
	}
	repair, err := c.Compile(repairSchemaURL)
	if err != nil {
		return nil, err
	}
	lock, err := c.Compile(lockSchemaURL)
	if err != nil {
		return nil, err
	}
	return &requestSchemas{repair: repair, lock: lock}, nil
}

// validateBody checks a JSON body against a schema. An empty body is
// treated as an empty object.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return schema.Validate(inst)
}
