package definitions

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ehr/intake/internal/platform/configerr"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://intake.schemas.local/"

type schemaName string

const (
	templateSchema schemaName = "template.schema.json"
	scoringSchema  schemaName = "scoring.schema.json"
	rulesSchema    schemaName = "rules.schema.json"
)

var (
	schemasOnce sync.Once
	schemas     map[schemaName]*jsonschema.Schema
	schemasErr  error
)

func compiledSchemas() (map[schemaName]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		names := []schemaName{templateSchema, scoringSchema, rulesSchema}
		for _, name := range names {
			data, err := schemaFS.ReadFile("schemas/" + string(name))
			if err != nil {
				schemasErr = fmt.Errorf("read schema %s: %w", name, err)
				return
			}
			if err := c.AddResource(schemaBase+string(name), bytes.NewReader(data)); err != nil {
				schemasErr = fmt.Errorf("load schema %s: %w", name, err)
				return
			}
		}
		out := make(map[schemaName]*jsonschema.Schema, len(names))
		for _, name := range names {
			s, err := c.Compile(schemaBase + string(name))
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[name] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// validateDocument checks a YAML document against one of the embedded
// schemas. The YAML is re-encoded as JSON first so the validator sees the
// same value types it would for a JSON document.
func validateDocument(file string, name schemaName, data []byte) error {
	all, err := compiledSchemas()
	if err != nil {
		return err
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", file, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", file, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var inst any
	if err := dec.Decode(&inst); err != nil {
		return fmt.Errorf("decode %s: %w", file, err)
	}

	err = all[name].Validate(inst)
	if err == nil {
		return nil
	}
	var issues configerr.List
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		for _, leaf := range leaves(ve) {
			loc := leaf.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			issues.Add(configerr.SchemaViolation, file+"#"+loc, "%s", leaf.Message)
		}
	}
	if len(issues) == 0 {
		issues.Add(configerr.SchemaViolation, file, "%v", err)
	}
	return issues
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}
