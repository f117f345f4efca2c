package registry

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Each recognized "## Fisher-*:" / "## Fisher:" directive is validated
// against a compiled JSON Schema before being decoded into its typed Go
// struct. additionalProperties: false gives the "unknown keys fail the
// script load with a descriptive error" behavior from spec.md §4.1
// uniformly, instead of hand-rolled strict-decode checks per provider.
const (
	schemaFisher = `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"priority": {"type": "integer"},
			"parallel": {"type": "boolean"}
		}
	}`

	schemaStandalone = `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"secret": {"type": "string"},
			"param_name": {"type": "string"},
			"header_name": {"type": "string"},
			"from": {"type": "array", "items": {"type": "string"}}
		}
	}`

	schemaGitHub = `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"secret": {"type": "string"},
			"events": {"type": "array", "items": {"type": "string"}}
		}
	}`

	schemaGitLab = `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"secret": {"type": "string"},
			"events": {"type": "array", "items": {"type": "string"}}
		}
	}`

	schemaStatus = `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"events": {"type": "array", "items": {"type": "string"}},
			"scripts": {"type": "array", "items": {"type": "string"}}
		}
	}`
)

var directiveSchemas = map[string]string{
	"Fisher":           schemaFisher,
	"Fisher-Standalone": schemaStandalone,
	"Fisher-GitHub":     schemaGitHub,
	"Fisher-GitLab":     schemaGitLab,
	"Fisher-Status":     schemaStatus,
}

type schemaSet struct {
	compiled map[string]*jsonschema.Schema
}

func newSchemaSet() (*schemaSet, error) {
	compiler := jsonschema.NewCompiler()
	for name, raw := range directiveSchemas {
		resource := name + ".json"
		if err := compiler.AddResource(resource, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("compiling schema for %s: %w", name, err)
		}
	}
	set := &schemaSet{compiled: make(map[string]*jsonschema.Schema, len(directiveSchemas))}
	for name := range directiveSchemas {
		schema, err := compiler.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compiling schema for %s: %w", name, err)
		}
		set.compiled[name] = schema
	}
	return set, nil
}

func (s *schemaSet) validate(directive string, value any) error {
	schema, ok := s.compiled[directive]
	if !ok {
		return fmt.Errorf("unrecognized configuration directive %q", directive)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("invalid %s configuration: %w", directive, err)
	}
	return nil
}
