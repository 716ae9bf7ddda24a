package stylepack

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/visagelabs/visage-core/internal/config"
)

// ManifestFile is the expected manifest name inside each pack directory.
const ManifestFile = "style.yaml"

// Style is a loaded pack with its on-disk location resolved.
type Style struct {
	Manifest Manifest
	Dir      string
}

// ReferencePath resolves the reference image against the pack directory.
func (s Style) ReferencePath() string {
	return filepath.Join(s.Dir, s.Manifest.Reference)
}

// Apply layers the style onto a synthesis configuration: the pack's
// reference image always wins, model bindings only when the pack
// declares them.
func (s Style) Apply(cfg config.SynthesisConfig) config.SynthesisConfig {
	cfg.ReferenceImage = s.ReferencePath()
	if s.Manifest.Models.Encoder != nil {
		cfg.Encoder = *s.Manifest.Models.Encoder
	}
	if s.Manifest.Models.Generator != nil {
		cfg.Generator = *s.Manifest.Models.Generator
	}
	return cfg
}

// Registry holds the styles discovered under one directory.
type Registry struct {
	styles map[string]Style
}

// LoadDir scans dir for pack subdirectories containing a style.yaml.
// Invalid packs are logged and skipped; a missing directory yields an
// empty registry rather than an error.
func LoadDir(dir string, log *slog.Logger) (*Registry, error) {
	reg := &Registry{styles: make(map[string]Style)}
	log = log.With(slog.String("component", "stylepack"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("read styles directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		packDir := filepath.Join(dir, entry.Name())
		manifestPath := filepath.Join(packDir, ManifestFile)
		m, err := Load(manifestPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			log.Warn("skipping unreadable style pack",
				slog.String("dir", packDir),
				slog.String("error", err.Error()))
			continue
		}
		if err := Validate(m); err != nil {
			log.Warn("skipping invalid style pack",
				slog.String("dir", packDir),
				slog.String("error", err.Error()))
			continue
		}
		if _, dup := reg.styles[m.Metadata.Name]; dup {
			log.Warn("duplicate style pack name, keeping the first",
				slog.String("name", m.Metadata.Name),
				slog.String("dir", packDir))
			continue
		}
		reg.styles[m.Metadata.Name] = Style{Manifest: m, Dir: packDir}
	}
	return reg, nil
}

// Get looks a style up by name.
func (r *Registry) Get(name string) (Style, bool) {
	s, ok := r.styles[name]
	return s, ok
}

// Names lists the registered styles in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.styles))
	for name := range r.styles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports how many styles are registered.
func (r *Registry) Len() int {
	return len(r.styles)
}
