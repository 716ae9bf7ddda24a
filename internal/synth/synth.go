// Package synth drives the two-stage avatar generation chain: the
// expression encoder maps blendshape scores into the generator's latent
// space, and the generator combines the reference avatar image with the
// latent vector and motion parameters into an output frame.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/visagelabs/visage-core/internal/config"
	"github.com/visagelabs/visage-core/internal/face"
	"github.com/visagelabs/visage-core/internal/frame"
	"github.com/visagelabs/visage-core/internal/model"
)

// Synthesizer renders one avatar frame per MotionState. It holds the
// reference image for the session; the model backends themselves live in
// the shared runtime.
type Synthesizer struct {
	cfg config.SynthesisConfig
	rt  *model.Runtime
	ref *frame.Reference
	log *slog.Logger
}

// NewSynthesizer loads the reference avatar image. A missing or
// undecodable reference substitutes the deterministic placeholder
// instead of failing the session.
func NewSynthesizer(cfg config.SynthesisConfig, rt *model.Runtime, log *slog.Logger) *Synthesizer {
	s := &Synthesizer{
		cfg: cfg,
		rt:  rt,
		log: log.With(slog.String("component", "synth")),
	}

	ref, err := LoadReference(cfg.ReferenceImage, cfg.OutputWidth, cfg.OutputHeight)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("reference image unusable, using placeholder", slogError(err))
		} else {
			s.log.Info("reference image missing, using placeholder",
				slog.String("path", cfg.ReferenceImage))
		}
		ref = Placeholder(cfg.OutputWidth, cfg.OutputHeight)
	}
	s.ref = ref
	return s
}

// Reference exposes the active reference image.
func (s *Synthesizer) Reference() *frame.Reference {
	return s.ref
}

// Synthesize produces one output frame from a motion state. The
// generator's normalized [-1,1] tensor is scaled to pixel bytes with
// every channel clamped into [0,255].
func (s *Synthesizer) Synthesize(ctx context.Context, motion face.MotionState, seq uint64, ts time.Time) (*frame.Synthesized, error) {
	backends := s.rt.Current()
	if backends == nil {
		return nil, errors.New("synthesis models not loaded")
	}

	expression := make([]float32, len(motion.Expression))
	for i, v := range motion.Expression {
		expression[i] = float32(v)
	}

	latent, err := backends.Encoder.Encode(ctx, expression)
	if err != nil {
		return nil, fmt.Errorf("expression encoder: %w", err)
	}
	if len(latent) != s.cfg.LatentSize {
		return nil, fmt.Errorf("encoder produced %d latent values, want %d", len(latent), s.cfg.LatentSize)
	}

	tensor, err := backends.Generator.Generate(ctx, s.ref, latent, motion)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	want := frame.Size(s.cfg.OutputWidth, s.cfg.OutputHeight)
	if len(tensor) != want {
		return nil, fmt.Errorf("generator produced %d tensor values, want %d", len(tensor), want)
	}

	pix := make([]byte, want)
	for i, v := range tensor {
		pix[i] = clampChannel((v + 1) * 127.5)
	}

	return &frame.Synthesized{
		Seq:       seq,
		Timestamp: ts,
		Width:     s.cfg.OutputWidth,
		Height:    s.cfg.OutputHeight,
		Pix:       pix,
		Motion:    motion,
	}, nil
}

func clampChannel(v float32) byte {
	switch {
	case v != v || v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return byte(v)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
