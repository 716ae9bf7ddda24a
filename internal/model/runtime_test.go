package model

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/visagelabs/visage-core/internal/accel"
	"github.com/visagelabs/visage-core/internal/face"
	"github.com/visagelabs/visage-core/internal/frame"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRuntime(t *testing.T, builds *int) *Runtime {
	t.Helper()
	profile := accel.Probe(context.Background(), []accel.Prober{accel.StaticProber{ProbeTier: accel.TierGPU}}, newLogger())
	build := func(_ context.Context, tier accel.Tier) (*Backends, error) {
		*builds++
		return &Backends{
			Detector:  NewMockDetector(),
			Encoder:   NewMockEncoder(128),
			Generator: NewMockGenerator(64, 64),
			Tier:      tier,
		}, nil
	}
	return NewRuntime(profile, build, newLogger())
}

func TestRuntimeRefCounting(t *testing.T) {
	builds := 0
	rt := newTestRuntime(t, &builds)

	if rt.Current() != nil {
		t.Fatal("backends should not load before first acquire")
	}
	if err := rt.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := rt.Acquire(context.Background()); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if builds != 1 {
		t.Fatalf("expected a single load for two sessions, got %d", builds)
	}

	rt.Release()
	if rt.Current() == nil {
		t.Fatal("backends must stay loaded while a session holds a reference")
	}
	rt.Release()
	if rt.Current() != nil {
		t.Fatal("backends must unload when the last session releases")
	}
	// Releasing an idle runtime is a no-op.
	rt.Release()
}

func TestRuntimeDemoteReloads(t *testing.T) {
	builds := 0
	rt := newTestRuntime(t, &builds)

	if err := rt.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := rt.Current().Tier; got != accel.TierGPU {
		t.Fatalf("expected gpu tier, got %s", got)
	}

	b, err := rt.Demote(context.Background(), "delegate error")
	if err != nil {
		t.Fatalf("demote: %v", err)
	}
	if b.Tier != accel.TierNPU {
		t.Fatalf("expected npu after demote, got %s", b.Tier)
	}
	if builds != 2 {
		t.Fatalf("expected reload on demote, builds=%d", builds)
	}

	// Demoting at the bottom keeps the current backends.
	if _, err := rt.Demote(context.Background(), "again"); err != nil {
		t.Fatalf("demote to cpu: %v", err)
	}
	if _, err := rt.Demote(context.Background(), "still failing"); err != nil {
		t.Fatalf("demote at cpu: %v", err)
	}
	if got := rt.Current().Tier; got != accel.TierCPU {
		t.Fatalf("expected cpu terminal tier, got %s", got)
	}
	if builds != 3 {
		t.Fatalf("expected no reload at terminal tier, builds=%d", builds)
	}
}

func TestRuntimeDemoteWithoutAcquire(t *testing.T) {
	builds := 0
	rt := newTestRuntime(t, &builds)
	if _, err := rt.Demote(context.Background(), "noop"); err == nil {
		t.Fatal("expected error demoting idle runtime")
	}
}

func TestMockDetectorShapes(t *testing.T) {
	det := NewMockDetector()
	f := &frame.Raw{Seq: 5, Width: 64, Height: 48, Pix: make([]byte, frame.Size(64, 48))}
	d, found, err := det.Detect(context.Background(), f)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !found {
		t.Fatal("mock detector should always find a face")
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("mock detection shape: %v", err)
	}
	for i, v := range d.Expression {
		if v < 0 || v > 1 {
			t.Fatalf("expression score %d out of range: %v", i, v)
		}
	}
}

func TestMockEncoderLatentSize(t *testing.T) {
	enc := NewMockEncoder(128)
	latent, err := enc.Encode(context.Background(), []float32{0.1, 0.9})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(latent) != 128 {
		t.Fatalf("expected latent size 128, got %d", len(latent))
	}
}

func TestMockGeneratorTensorShape(t *testing.T) {
	gen := NewMockGenerator(32, 32)
	ref := &frame.Reference{Width: 16, Height: 16, Pix: make([]byte, frame.Size(16, 16))}
	tensor, err := gen.Generate(context.Background(), ref, make([]float32, 128), face.MotionState{EyeRatio: 0.5})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(tensor) != frame.Size(32, 32) {
		t.Fatalf("expected %d values, got %d", frame.Size(32, 32), len(tensor))
	}
	for i, v := range tensor {
		if v < -1 || v > 1 {
			t.Fatalf("tensor value %d outside normalized range: %v", i, v)
		}
	}
}
