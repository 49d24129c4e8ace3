package dispatch

import (
	"fmt"
	"sync"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
	"github.com/xeipuuv/gojsonschema"
)

// commandSchemas holds one compiled JSON schema per command name, matching
// bundoc/collection.go's Collection.validate (NewStringLoader + NewSchema,
// then NewGoLoader + Validate against the compiled schema) generalized from
// document validation to command-argument validation.
var (
	schemasOnce sync.Once
	schemas     map[string]*gojsonschema.Schema
)

func compileSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, len(commandSchemaSource))
	for name, src := range commandSchemaSource {
		loader := gojsonschema.NewStringLoader(src)
		schema, err := gojsonschema.NewSchema(loader)
		if err != nil {
			panic(fmt.Sprintf("dispatch: invalid embedded schema for %q: %v", name, err))
		}
		compiled[name] = schema
	}
	return compiled
}

func schemaFor(cmdName string) *gojsonschema.Schema {
	schemasOnce.Do(func() { schemas = compileSchemas() })
	return schemas[cmdName]
}

// ValidateCommand checks cmd's arguments against the embedded schema for
// cmdName, if one is registered. Commands with no registered schema pass
// unconditionally — most admin/diagnostic commands take no structured
// arguments worth enforcing.
func ValidateCommand(cmdName string, cmd *bsonkit.Document) error {
	schema := schemaFor(cmdName)
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(bsonkit.ToNative(cmd)))
	if err != nil {
		return oxerr.New(oxerr.KindMalformedDoc, "schema validation error: "+err.Error())
	}
	if !result.Valid() {
		msg := "invalid arguments for " + cmdName + ":"
		for _, desc := range result.Errors() {
			msg += " " + desc.String() + ";"
		}
		return oxerr.New(oxerr.KindMalformedDoc, msg)
	}
	return nil
}

// commandSchemaSource is the per-command JSON-schema text, covering the
// fields every handler in this package actually reads. Fields not named
// here are left unconstrained rather than rejected, since MongoDB's wire
// commands carry many optional driver-injected fields OxideDB ignores.
var commandSchemaSource = map[string]string{
	"find": `{
		"type": "object",
		"properties": {
			"find": {"type": "string"},
			"filter": {"type": "object"},
			"projection": {"type": "object"},
			"sort": {"type": "object"},
			"limit": {"type": "number"},
			"skip": {"type": "number"},
			"batchSize": {"type": "number"}
		},
		"required": ["find"]
	}`,
	"insert": `{
		"type": "object",
		"properties": {
			"insert": {"type": "string"},
			"documents": {"type": "array", "minItems": 1}
		},
		"required": ["insert", "documents"]
	}`,
	"update": `{
		"type": "object",
		"properties": {
			"update": {"type": "string"},
			"updates": {"type": "array", "minItems": 1}
		},
		"required": ["update", "updates"]
	}`,
	"delete": `{
		"type": "object",
		"properties": {
			"delete": {"type": "string"},
			"deletes": {"type": "array", "minItems": 1}
		},
		"required": ["delete", "deletes"]
	}`,
	"findAndModify": `{
		"type": "object",
		"properties": {
			"findAndModify": {"type": "string"},
			"query": {"type": "object"},
			"update": {},
			"remove": {"type": "boolean"}
		},
		"required": ["findAndModify"]
	}`,
	"aggregate": `{
		"type": "object",
		"properties": {
			"aggregate": {},
			"pipeline": {"type": "array"},
			"cursor": {"type": "object"}
		},
		"required": ["aggregate", "pipeline"]
	}`,
	"getMore": `{
		"type": "object",
		"properties": {
			"getMore": {"type": "number"},
			"collection": {"type": "string"},
			"batchSize": {"type": "number"}
		},
		"required": ["getMore", "collection"]
	}`,
	"killCursors": `{
		"type": "object",
		"properties": {
			"killCursors": {"type": "string"},
			"cursors": {"type": "array", "minItems": 1}
		},
		"required": ["killCursors", "cursors"]
	}`,
	"createIndexes": `{
		"type": "object",
		"properties": {
			"createIndexes": {"type": "string"},
			"indexes": {"type": "array", "minItems": 1}
		},
		"required": ["createIndexes", "indexes"]
	}`,
	"dropIndexes": `{
		"type": "object",
		"properties": {
			"dropIndexes": {"type": "string"},
			"index": {}
		},
		"required": ["dropIndexes", "index"]
	}`,
	"commitTransaction": `{
		"type": "object",
		"properties": {
			"commitTransaction": {"type": "number"},
			"txnNumber": {},
			"autocommit": {"type": "boolean"}
		}
	}`,
	"abortTransaction": `{
		"type": "object",
		"properties": {
			"abortTransaction": {"type": "number"},
			"txnNumber": {},
			"autocommit": {"type": "boolean"}
		}
	}`,
}
