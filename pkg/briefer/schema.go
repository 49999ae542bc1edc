package briefer

import (
	"reflect"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/duskforge/undercity/pkg/logger"
)

var schemaLog = logger.New("briefer:schema")

var (
	briefingSchema     *jsonschema.Schema
	briefingSchemaOnce sync.Once
)

// Schema returns the JSON Schema describing a Briefing, generated from
// the struct's own field set so the contract handed to an agent process
// can never drift out of sync with what Build actually produces.
func Schema() *jsonschema.Schema {
	briefingSchemaOnce.Do(func() {
		schema, err := jsonschema.ForType(reflect.TypeOf(Briefing{}), &jsonschema.ForOptions{})
		if err != nil {
			schemaLog.Printf("failed to generate briefing schema: %v", err)
			return
		}
		briefingSchema = schema
	})
	return briefingSchema
}
