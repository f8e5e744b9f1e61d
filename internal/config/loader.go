package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

var (
	compiledSchema *jsonschema.Schema
	compileErr     error
	compileOnce    sync.Once
)

// fileSchema returns the compiled configuration schema.
func fileSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("invalid schema: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile("schema.json")
	})
	return compiledSchema, compileErr
}

// LoadFile loads a run configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
//
// Relative bodyFile and userAgentsFile paths are resolved against the
// directory holding the configuration file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	fc, err := ParseFile(data, path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	fc.BodyFile = resolvePath(dir, fc.BodyFile)
	fc.UserAgentsFile = resolvePath(dir, fc.UserAgentsFile)

	return fc, nil
}

// ParseFile parses and validates configuration data.
//
// The document is first checked against the embedded JSON Schema; schema
// violations are returned as ValidationErrors. It is then decoded with
// YAML, which also accepts JSON.
func ParseFile(data []byte, path string) (*FileConfig, error) {
	var doc interface{}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
		// Round-trip through JSON so the schema sees JSON types.
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
		doc = nil
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if doc == nil {
		doc = map[string]interface{}{}
	}

	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	var fc FileConfig
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}
	return &fc, nil
}

// validateDocument checks a decoded document against the schema.
func validateDocument(doc interface{}) error {
	schema, err := fileSchema()
	if err != nil {
		return err
	}

	err = schema.Validate(doc)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}

	errs := &ValidationErrors{}
	extractSchemaErrors(verr, errs)
	if !errs.HasErrors() {
		errs.Add("", verr.Error())
	}
	return errs
}

// extractSchemaErrors flattens a schema validation error tree, keeping
// only the leaves.
func extractSchemaErrors(err *jsonschema.ValidationError, errs *ValidationErrors) {
	if len(err.Causes) == 0 {
		field := strings.TrimPrefix(err.InstanceLocation, "/")
		field = strings.ReplaceAll(field, "/", ".")
		errs.Add(field, err.Message)
		return
	}

	for _, cause := range err.Causes {
		extractSchemaErrors(cause, errs)
	}
}

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
