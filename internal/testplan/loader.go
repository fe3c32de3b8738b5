package testplan

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

// Loader reads test files. YAML and JSON files (.yaml, .yml, .json) are
// checked against the schema; files with any other extension use the legacy
// token grammar.
type Loader struct {
	validator *SchemaValidator
}

func NewLoader() (*Loader, error) {
	validator, err := NewSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	return &Loader{validator: validator}, nil
}

// ParseYAML decodes and schema-checks one YAML test document.
func (l *Loader) ParseYAML(data []byte) (Definition, error) {
	var def Definition

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return def, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := l.validator.ValidateDocument(doc); err != nil {
		return def, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return def, fmt.Errorf("failed to decode test: %w", err)
	}
	return def, nil
}

// ReadDefinition reads path without validating the result.
func (l *Loader) ReadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("failed to read test file: %w", err)
	}

	var def Definition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		def, err = l.ParseYAML(data)
	default:
		def, err = ParseLegacy(bytes.NewReader(data))
	}
	if err != nil {
		return def, fmt.Errorf("%s: %w", path, err)
	}

	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

// Load reads and validates the test in path.
func (l *Loader) Load(path string) (*types.TestConfig, error) {
	def, err := l.ReadDefinition(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Validate(def)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadAll loads every file in paths and rejects duplicate test names and
// channels claimed by more than one test on the same device. Tests that name
// no device are assigned defaultDevice.
func (l *Loader) LoadAll(paths []string, defaultDevice string) ([]*types.TestConfig, error) {
	tests := make([]*types.TestConfig, 0, len(paths))
	names := make(map[string]string, len(paths))
	owners := make(map[string]string)

	for _, path := range paths {
		cfg, err := l.Load(path)
		if err != nil {
			return nil, err
		}
		if cfg.Device == "" {
			cfg.Device = defaultDevice
		}
		if other, ok := names[cfg.Name]; ok {
			return nil, fmt.Errorf("%w: test name %q used by %s and %s", ErrInvalidTest, cfg.Name, other, path)
		}
		names[cfg.Name] = path

		for _, ch := range cfg.Channels {
			key := fmt.Sprintf("%s/%d", cfg.Device, ch)
			if owner, ok := owners[key]; ok {
				return nil, fmt.Errorf("%w: channel %d of device %q used by tests %s and %s",
					ErrInvalidTest, ch, cfg.Device, owner, cfg.Name)
			}
			owners[key] = cfg.Name
		}
		tests = append(tests, cfg)
	}
	return tests, nil
}
