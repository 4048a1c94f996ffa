// Package schema validates configuration documents against the embedded
// benchmarks schema.
package schema

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed benchmarks.schema.json
var benchmarksSchema string

const schemaURI = "https://sourceplane.io/benchctl/benchmarks.schema.json"

var compiled *jsonschema.Schema

func init() {
	schema, err := jsonschema.CompileString(schemaURI, benchmarksSchema)
	if err != nil {
		panic(fmt.Sprintf("embedded benchmarks schema does not compile: %v", err))
	}
	compiled = schema
}

// Validate checks a plain decoded document (map[string]interface{} tree)
// against the benchmarks schema. On failure the offending document is
// written to a temporary debug file and the returned error names both the
// schema location and the debug path.
func Validate(doc interface{}, sourceName string) error {
	err := compiled.Validate(doc)
	if err == nil {
		return nil
	}

	debugPath := dumpDebug(doc, sourceName)

	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := leafError(ve)
		if debugPath != "" {
			return fmt.Errorf("schema validation failed at %s: %s (document written to %s)",
				leaf.InstanceLocation, leaf.Message, debugPath)
		}
		return fmt.Errorf("schema validation failed at %s: %s", leaf.InstanceLocation, leaf.Message)
	}
	return fmt.Errorf("schema validation failed: %w", err)
}

// leafError walks to the most specific nested cause.
func leafError(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

// dumpDebug writes the failing document to the temp directory so the user
// can inspect exactly what was validated after YAML conversion. Returns ""
// when the dump itself fails.
func dumpDebug(doc interface{}, sourceName string) string {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return ""
	}
	name := filepath.Base(sourceName)
	if name == "" || name == "." {
		name = "config"
	}
	path := filepath.Join(os.TempDir(), fmt.Sprintf("benchctl-invalid-%s.json", name))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return ""
	}
	return path
}
