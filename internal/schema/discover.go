package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Report is the result of DiscoverAndLoadAll: every schema found, the
// ones actually loaded, and the ones that failed with a reason.
type Report struct {
	Discovered []string
	Loaded     []string
	Failed     []FailedLoad
	States     map[string]State
	Sources    map[string]string
}

// FailedLoad names one schema file that could not be parsed or loaded.
type FailedLoad struct {
	Name   string
	Reason string
}

// DiscoverAndLoadAll scans the given directories for *.json files,
// parses each first as a native Schema, then, failing that, as a
// JsonSchemaDefinition. Schemas already present in the available map
// are skipped: on-disk content never overrides the persisted state of
// a schema the engine already knows about (4.1 ordering rule).
func (e *Engine) DiscoverAndLoadAll(ctx context.Context, dirs ...string) (*Report, error) {
	report := &Report{States: make(map[string]State), Sources: make(map[string]string)}

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("schema: read discovery dir %s: %w", dir, err)
		}

		for _, fe := range entries {
			if fe.IsDir() || !strings.HasSuffix(fe.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, fe.Name())

			raw, err := os.ReadFile(path)
			if err != nil {
				report.Failed = append(report.Failed, FailedLoad{Name: fe.Name(), Reason: err.Error()})
				continue
			}

			s, name, err := parseSchemaFile(raw)
			if err != nil {
				report.Failed = append(report.Failed, FailedLoad{Name: fe.Name(), Reason: err.Error()})
				continue
			}
			report.Discovered = append(report.Discovered, name)
			report.Sources[name] = path

			e.mu.RLock()
			_, known := e.available[name]
			e.mu.RUnlock()
			if known {
				continue
			}

			if err := e.LoadSchemaInternal(ctx, s); err != nil {
				report.Failed = append(report.Failed, FailedLoad{Name: name, Reason: err.Error()})
				continue
			}
			report.Loaded = append(report.Loaded, name)
		}
	}

	e.mu.RLock()
	for name, ent := range e.available {
		report.States[name] = ent.state
	}
	e.mu.RUnlock()

	return report, nil
}

// parseSchemaFile tries raw first as a native Schema, then as a
// JsonSchemaDefinition (4.1.1 interpretation), returning whichever
// succeeds along with the resolved name.
func parseSchemaFile(raw []byte) (*Schema, string, error) {
	var s Schema
	if err := json.Unmarshal(raw, &s); err == nil && s.Name != "" && s.Fields != nil {
		if s.Hash == "" {
			s.Hash = s.ComputeHash()
		}
		return &s, s.Name, nil
	}

	def, err := ValidateJsonSchemaDefinition(raw)
	if err != nil {
		return nil, "", err
	}
	interpreted := def.Interpret()
	return interpreted, interpreted.Name, nil
}

// ValidateJsonSchemaDefinition parses raw as a JsonSchemaDefinition and
// structurally validates it against a minimal draft-07 JSON Schema
// describing the definition's own shape (4.1.5 step 1).
func ValidateJsonSchemaDefinition(raw []byte) (*JsonSchemaDefinition, error) {
	var def JsonSchemaDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("schema: invalid JSON: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("schema: definition missing required field %q", "name")
	}

	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("schema: invalid JSON: %w", err)
	}
	if err := definitionCompiler().validate(generic); err != nil {
		return nil, fmt.Errorf("schema: structural validation failed: %w", err)
	}

	return &def, nil
}

// definitionSchemaJSON is the structural contract a JsonSchemaDefinition
// document must satisfy: a non-empty "name" string and a "fields"
// object, if present, mapping field names to objects.
const definitionSchemaJSON = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "schema_type": {"type": "string"},
    "fields": {
      "type": "object",
      "additionalProperties": {"type": "object"}
    }
  }
}`

type compiledValidator struct {
	schema *jsonschema.Schema
}

func (v *compiledValidator) validate(doc map[string]interface{}) error {
	return v.schema.Validate(doc)
}

var sharedDefinitionCompiler *compiledValidator

// definitionCompiler lazily compiles the structural schema on first
// use and reuses the result: definitionSchemaJSON is fixed and has no
// external $refs, so the work is not repeated for every discovered
// file.
func definitionCompiler() *compiledValidator {
	if sharedDefinitionCompiler != nil {
		return sharedDefinitionCompiler
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	if err := c.AddResource("definition.json", strings.NewReader(definitionSchemaJSON)); err != nil {
		panic(fmt.Sprintf("schema: invalid embedded definition schema: %v", err))
	}
	compiled, err := c.Compile("definition.json")
	if err != nil {
		panic(fmt.Sprintf("schema: invalid embedded definition schema: %v", err))
	}
	sharedDefinitionCompiler = &compiledValidator{schema: compiled}
	return sharedDefinitionCompiler
}
