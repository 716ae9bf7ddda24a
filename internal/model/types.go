// Package model binds the three inference artifacts (landmark detector,
// expression encoder, motion generator) behind fixed tensor-shape
// contracts. Artifacts are swappable per binding mode (mock, exec, wasm)
// without pipeline changes.
package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/visagelabs/visage-core/internal/accel"
	"github.com/visagelabs/visage-core/internal/config"
	"github.com/visagelabs/visage-core/internal/face"
	"github.com/visagelabs/visage-core/internal/frame"
)

// ErrDelegate marks a capability-class failure of the active accelerator
// delegate. Callers respond by downgrading the accelerator profile;
// every other inference error is transient and skips the frame.
var ErrDelegate = errors.New("accelerator delegate failure")

// Detector runs the landmark model over one frame. The boolean reports
// whether a face was present; absence is not an error.
type Detector interface {
	Detect(ctx context.Context, f *frame.Raw) (face.Detection, bool, error)
}

// Encoder maps the expression vector onto the generator's latent space.
type Encoder interface {
	Encode(ctx context.Context, expression []float32) ([]float32, error)
}

// Generator synthesizes an output image tensor from the reference image,
// the latent vector and the motion parameters. The result is an
// interleaved RGBA tensor of width*height*4 values in the model's
// normalized output range [-1,1]; scaling and clamping to pixel bytes
// happen in the synthesizer.
type Generator interface {
	Generate(ctx context.Context, ref *frame.Reference, latent []float32, motion face.MotionState) ([]float32, error)
}

// Backends bundles the three loaded model stages for one accelerator
// tier.
type Backends struct {
	Detector  Detector
	Encoder   Encoder
	Generator Generator
	Tier      accel.Tier

	closers []io.Closer
}

// Close releases backend resources (wasm runtimes, cached handles).
func (b *Backends) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildSpec carries everything needed to load one backend set.
type BuildSpec struct {
	Landmark  config.LandmarkConfig
	Synthesis config.SynthesisConfig
	Tier      accel.Tier
	Log       *slog.Logger
}

// Build loads the three model stages according to their bindings.
func Build(ctx context.Context, spec BuildSpec) (*Backends, error) {
	b := &Backends{Tier: spec.Tier}

	det, closer, err := buildDetector(ctx, spec)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("load landmark model: %w", err)
	}
	b.Detector = det
	if closer != nil {
		b.closers = append(b.closers, closer)
	}

	enc, closer, err := buildEncoder(ctx, spec)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("load expression encoder: %w", err)
	}
	b.Encoder = enc
	if closer != nil {
		b.closers = append(b.closers, closer)
	}

	gen, closer, err := buildGenerator(ctx, spec)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("load generator: %w", err)
	}
	b.Generator = gen
	if closer != nil {
		b.closers = append(b.closers, closer)
	}

	return b, nil
}

func buildDetector(ctx context.Context, spec BuildSpec) (Detector, io.Closer, error) {
	binding := spec.Landmark.Binding
	switch binding.Mode {
	case "mock":
		return NewMockDetector(), nil, nil
	case "exec":
		det, err := NewExecDetector(spec.Landmark, spec.Tier)
		return det, nil, err
	case "wasm":
		eng, err := newWasmEngine(ctx, binding.Module, binding.Entrypoint, spec.Log)
		if err != nil {
			return nil, nil, err
		}
		return &wasmDetector{engine: eng}, eng, nil
	default:
		return nil, nil, fmt.Errorf("unknown landmark binding mode %q", binding.Mode)
	}
}

func buildEncoder(ctx context.Context, spec BuildSpec) (Encoder, io.Closer, error) {
	binding := spec.Synthesis.Encoder
	switch binding.Mode {
	case "mock":
		return NewMockEncoder(spec.Synthesis.LatentSize), nil, nil
	case "exec":
		enc, err := NewExecEncoder(spec.Synthesis, spec.Tier)
		return enc, nil, err
	case "wasm":
		eng, err := newWasmEngine(ctx, binding.Module, binding.Entrypoint, spec.Log)
		if err != nil {
			return nil, nil, err
		}
		return &wasmEncoder{engine: eng, latentSize: spec.Synthesis.LatentSize}, eng, nil
	default:
		return nil, nil, fmt.Errorf("unknown encoder binding mode %q", binding.Mode)
	}
}

func buildGenerator(ctx context.Context, spec BuildSpec) (Generator, io.Closer, error) {
	binding := spec.Synthesis.Generator
	switch binding.Mode {
	case "mock":
		return NewMockGenerator(spec.Synthesis.OutputWidth, spec.Synthesis.OutputHeight), nil, nil
	case "exec":
		gen, err := NewExecGenerator(spec.Synthesis, spec.Tier)
		return gen, nil, err
	case "wasm":
		eng, err := newWasmEngine(ctx, binding.Module, binding.Entrypoint, spec.Log)
		if err != nil {
			return nil, nil, err
		}
		return &wasmGenerator{
			engine: eng,
			width:  spec.Synthesis.OutputWidth,
			height: spec.Synthesis.OutputHeight,
		}, eng, nil
	default:
		return nil, nil, fmt.Errorf("unknown generator binding mode %q", binding.Mode)
	}
}
