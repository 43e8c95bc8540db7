package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaSet holds compiled JSON Schemas for class payloads. Classes without
// a registered schema pass validation unchecked; the payload stays opaque.
type SchemaSet struct {
	schemas map[Class]*jsonschema.Schema
}

// LoadSchemaSet compiles every <class>.json file found in dir, keyed by the
// lower-cased class name (auth.json, persistence.json, ...). A missing or
// empty directory yields an empty set.
func LoadSchemaSet(dir string) (*SchemaSet, error) {
	set := &SchemaSet{schemas: make(map[Class]*jsonschema.Schema)}
	if dir == "" {
		return set, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, fmt.Errorf("read schema dir %q: %w", dir, err)
	}
	compiler := jsonschema.NewCompiler()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		class := Class(strings.ToUpper(strings.TrimSuffix(name, ".json")))
		if !class.Valid() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read schema %q: %w", name, err)
		}
		if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %q: %w", name, err)
		}
		sch, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		set.schemas[class] = sch
	}
	return set, nil
}

// Validate checks a payload against the schema registered for class, if any.
func (s *SchemaSet) Validate(class Class, payload json.RawMessage) error {
	if s == nil {
		return nil
	}
	sch, ok := s.schemas[class]
	if !ok {
		return nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("%w: payload is not valid JSON", ErrSchema)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}
