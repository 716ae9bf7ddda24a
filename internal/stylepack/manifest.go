// Package stylepack loads avatar style packs: a manifest, a reference
// avatar image, and optional model binding overrides shipped together in
// one directory.
package stylepack

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/visagelabs/visage-core/internal/config"
)

// Manifest describes one avatar style pack.
type Manifest struct {
	Metadata  Metadata `yaml:"metadata"`
	Reference string   `yaml:"reference"`
	Models    Models   `yaml:"models,omitempty"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

// Models carries optional per-style overrides for the synthesis stages.
// A style pack that only swaps the reference image leaves both empty.
type Models struct {
	Encoder   *config.ModelBinding `yaml:"encoder,omitempty"`
	Generator *config.ModelBinding `yaml:"generator,omitempty"`
}

// Load reads a style manifest from disk.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate ensures the manifest contains the required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if m.Reference == "" {
		return fmt.Errorf("reference image path is required")
	}
	if filepath.IsAbs(m.Reference) {
		return fmt.Errorf("reference must be relative to the pack directory")
	}
	return nil
}
