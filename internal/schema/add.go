package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrDuplicateSchema is returned when another file in the target
// directory already carries the same content hash under a different
// name.
var ErrDuplicateSchema = fmt.Errorf("schema: duplicate content hash under a different name")

// ErrSchemaConflict is returned when another file in the target
// directory shares this schema's name but has a different content
// hash.
var ErrSchemaConflict = fmt.Errorf("schema: name already exists with a different hash")

// AddSchemaToAvailableDirectory implements 4.1.5: parse and validate
// raw as a JsonSchemaDefinition, interpret it (which computes its
// canonical hash), check for duplicate/conflicting files already in
// dir, write it to disk with the hash embedded, then load it.
func (e *Engine) AddSchemaToAvailableDirectory(ctx context.Context, dir string, raw []byte, name string) (*Schema, error) {
	def, err := ValidateJsonSchemaDefinition(raw)
	if err != nil {
		return nil, err
	}
	if name != "" {
		def.Name = name
	}

	interpreted := def.Interpret()

	if err := checkForDuplicateOrConflict(dir, interpreted.Name, interpreted.Hash); err != nil {
		return nil, err
	}

	if err := writeSchemaFile(dir, interpreted); err != nil {
		return nil, err
	}

	if err := e.LoadSchemaInternal(ctx, interpreted); err != nil {
		return nil, err
	}
	return interpreted, nil
}

// checkForDuplicateOrConflict scans every *.json file in dir and
// rejects name/hash according to 4.1.5 step 2: a different name with
// the same hash is a duplicate; the same name with a different hash is
// a conflict.
func checkForDuplicateOrConflict(dir, name, hash string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("schema: scan %s: %w", dir, err)
	}

	for _, fe := range entries {
		if fe.IsDir() || !strings.HasSuffix(fe.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, fe.Name()))
		if err != nil {
			continue
		}
		var existing Schema
		if err := json.Unmarshal(raw, &existing); err != nil {
			continue
		}
		if existing.Name == "" {
			continue
		}
		switch {
		case existing.Name != name && existing.Hash == hash:
			return fmt.Errorf("%w: %s", ErrDuplicateSchema, fe.Name())
		case existing.Name == name && existing.Hash != hash:
			return fmt.Errorf("%w: %s", ErrSchemaConflict, fe.Name())
		}
	}
	return nil
}

// writeSchemaFile writes s to dir/<name>.json with its computed hash
// embedded.
func writeSchemaFile(dir string, s *Schema) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("schema: create dir %s: %w", dir, err)
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("schema: marshal %s: %w", s.Name, err)
	}
	path := filepath.Join(dir, s.Name+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("schema: write %s: %w", path, err)
	}
	return nil
}
