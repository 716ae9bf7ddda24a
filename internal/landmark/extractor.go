// Package landmark turns raw capture frames into structured facial
// state by running the landmark-detection model.
package landmark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/visagelabs/visage-core/internal/face"
	"github.com/visagelabs/visage-core/internal/frame"
	"github.com/visagelabs/visage-core/internal/model"
)

// Extractor runs the landmark model over one frame at a time. The
// inference worker drives it synchronously, which keeps at most one
// invocation in flight; fresher frames supersede waiting ones at the
// upstream handoff slot.
type Extractor struct {
	rt  *model.Runtime
	log *slog.Logger

	processed atomic.Uint64
	faceless  atomic.Uint64
}

func NewExtractor(rt *model.Runtime, log *slog.Logger) *Extractor {
	return &Extractor{
		rt:  rt,
		log: log.With(slog.String("component", "landmark")),
	}
}

// Extract produces a FaceState for one frame. A frame without a face
// returns found=false and no error; downstream keeps using the last
// known state.
func (e *Extractor) Extract(ctx context.Context, raw *frame.Raw) (face.FaceState, bool, error) {
	backends := e.rt.Current()
	if backends == nil {
		return face.FaceState{}, false, errors.New("landmark model not loaded")
	}

	start := time.Now()
	det, found, err := backends.Detector.Detect(ctx, raw)
	if err != nil {
		return face.FaceState{}, false, fmt.Errorf("landmark inference: %w", err)
	}
	if !found {
		e.faceless.Add(1)
		return face.FaceState{}, false, nil
	}
	if err := det.Validate(); err != nil {
		return face.FaceState{}, false, fmt.Errorf("landmark output: %w", err)
	}

	state := face.NewFaceState(det, raw.Timestamp, time.Since(start))
	e.processed.Add(1)
	return state, true, nil
}

// Stats reports frames with a detected face and frames without one.
func (e *Extractor) Stats() (processed, faceless uint64) {
	return e.processed.Load(), e.faceless.Load()
}
