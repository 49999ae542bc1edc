package state

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CompileSchema parses and compiles a JSON Schema document once, so a
// package that validates one kind of state file on every load (the
// ledger) pays the compile cost a single time at
// package init rather than per read.
func CompileSchema(schemaJSON, schemaURL string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()

	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		return nil, fmt.Errorf("parsing schema %s: %w", schemaURL, err)
	}
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("adding schema resource %s: %w", schemaURL, err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compiling schema %s: %w", schemaURL, err)
	}
	return schema, nil
}

// ReadJSONValidated behaves like ReadJSON but additionally rejects, as if
// corrupt, a document that parses as JSON yet fails schema's structural
// checks — catching a hand-edited or partially-migrated state file that
// plain unmarshal would silently accept with zero-valued fields. A nil
// schema skips the check entirely.
func ReadJSONValidated(path string, v any, schema *jsonschema.Schema) (ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("failed to read %s: %v", path, err)
		}
		return false
	}

	if schema != nil {
		var instance any
		if err := json.Unmarshal(data, &instance); err != nil {
			log.Printf("corrupt state file %s, backing up and discarding: %v", path, err)
			backupCorrupt(path, data)
			return false
		}
		if err := schema.Validate(instance); err != nil {
			log.Printf("state file %s failed schema validation, backing up and discarding: %v", path, err)
			backupCorrupt(path, data)
			return false
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		log.Printf("corrupt state file %s, backing up and discarding: %v", path, err)
		backupCorrupt(path, data)
		return false
	}
	return true
}
