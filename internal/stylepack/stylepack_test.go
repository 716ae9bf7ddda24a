package stylepack

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/visagelabs/visage-core/internal/config"
)

const validYAML = `metadata:
  name: sketch
  version: 0.2.0
  description: Pencil-sketch avatar
  author: Visage Labs
  tags:
    - stylized
reference: assets/reference.png
models:
  generator:
    mode: wasm
    module: build/sketch-gen.wasm
    entrypoint: generate
`

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writePack(t *testing.T, root, name, manifest string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadValidManifest(t *testing.T) {
	dir := writePack(t, t.TempDir(), "sketch", validYAML)

	m, err := Load(filepath.Join(dir, ManifestFile))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if m.Models.Generator == nil || m.Models.Generator.Mode != "wasm" {
		t.Fatal("generator override not parsed")
	}
	if m.Models.Encoder != nil {
		t.Fatal("encoder override should be absent")
	}
}

func TestValidateMissingFields(t *testing.T) {
	if err := Validate(Manifest{}); err == nil {
		t.Fatal("expected validation error")
	}
	m := Manifest{
		Metadata:  Metadata{Name: "x", Version: "1"},
		Reference: "/etc/ref.png",
	}
	if err := Validate(m); err == nil {
		t.Fatal("expected error for absolute reference path")
	}
}

func TestLoadDirSkipsInvalidPacks(t *testing.T) {
	root := t.TempDir()
	writePack(t, root, "sketch", validYAML)
	writePack(t, root, "broken", "metadata:\n  name: broken\n")
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	reg, err := LoadDir(root, newLogger())
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 style, got %d", reg.Len())
	}
	if _, ok := reg.Get("sketch"); !ok {
		t.Fatal("sketch style missing")
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "sketch" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestLoadDirMissingDirectory(t *testing.T) {
	reg, err := LoadDir(filepath.Join(t.TempDir(), "nope"), newLogger())
	if err != nil {
		t.Fatalf("missing directory should not error: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
}

func TestApplyOverrides(t *testing.T) {
	root := t.TempDir()
	dir := writePack(t, root, "sketch", validYAML)
	reg, err := LoadDir(root, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	style, ok := reg.Get("sketch")
	if !ok {
		t.Fatal("style missing")
	}

	base := config.SynthesisConfig{
		Encoder:        config.ModelBinding{Mode: "mock"},
		Generator:      config.ModelBinding{Mode: "mock"},
		ReferenceImage: "unused.png",
		LatentSize:     128,
	}
	out := style.Apply(base)
	if out.ReferenceImage != filepath.Join(dir, "assets/reference.png") {
		t.Fatalf("reference not resolved: %s", out.ReferenceImage)
	}
	if out.Generator.Mode != "wasm" || out.Generator.Module != "build/sketch-gen.wasm" {
		t.Fatalf("generator override not applied: %+v", out.Generator)
	}
	if out.Encoder.Mode != "mock" {
		t.Fatal("encoder must keep the base binding")
	}
	if out.LatentSize != 128 {
		t.Fatal("unrelated fields must pass through")
	}
}
