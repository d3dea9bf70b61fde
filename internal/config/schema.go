package config

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// durationPattern matches the Go duration strings accepted in config files.
const durationPattern = `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// JSONSchema returns the JSON Schema of the config file. Property names are
// the YAML keys, durations are strings such as "30s", and unknown keys are
// rejected as Load rejects them.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:   "yaml",
			DoNotReference: true,
			Mapper: func(t reflect.Type) *jsonschema.Schema {
				if t == reflect.TypeOf(time.Duration(0)) {
					return &jsonschema.Schema{Type: "string", Pattern: durationPattern}
				}
				return nil
			},
		}
		schema := r.Reflect(&Config{})
		schema.Title = "Collmbo configuration"
		schema.Description = "Environment variables take precedence over every value in this file."
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}
