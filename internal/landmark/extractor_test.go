package landmark

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/visagelabs/visage-core/internal/accel"
	"github.com/visagelabs/visage-core/internal/face"
	"github.com/visagelabs/visage-core/internal/frame"
	"github.com/visagelabs/visage-core/internal/model"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeDetector struct {
	det   face.Detection
	found bool
	err   error
}

func (d *fakeDetector) Detect(context.Context, *frame.Raw) (face.Detection, bool, error) {
	return d.det, d.found, d.err
}

func newRuntime(t *testing.T, det model.Detector) *model.Runtime {
	t.Helper()
	log := newLogger()
	profile := accel.Probe(context.Background(), nil, log)
	rt := model.NewRuntime(profile, func(context.Context, accel.Tier) (*model.Backends, error) {
		return &model.Backends{Detector: det, Tier: accel.TierCPU}, nil
	}, log)
	if err := rt.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(rt.Release)
	return rt
}

func validDetection() face.Detection {
	det := face.Detection{
		Landmarks:  make([]face.Point, face.LandmarkCount),
		Expression: make([]float64, face.ExpressionCount),
	}
	det.Transform = [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
	return det
}

func testFrame() *frame.Raw {
	return &frame.Raw{Seq: 1, Timestamp: time.Now(), Width: 4, Height: 4, Pix: make([]byte, frame.Size(4, 4))}
}

func TestExtractBuildsFaceState(t *testing.T) {
	rt := newRuntime(t, &fakeDetector{det: validDetection(), found: true})
	ex := NewExtractor(rt, newLogger())

	raw := testFrame()
	st, found, err := ex.Extract(context.Background(), raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !found {
		t.Fatal("expected a face")
	}
	if st.Yaw != 0 || st.Pitch != 0 || st.Roll != 0 {
		t.Fatalf("identity transform should yield zero pose, got %f %f %f", st.Yaw, st.Pitch, st.Roll)
	}
	if !st.Timestamp.Equal(raw.Timestamp) {
		t.Fatal("face state must carry the capture timestamp")
	}
	if st.Latency < 0 {
		t.Fatalf("negative latency %v", st.Latency)
	}
	processed, faceless := ex.Stats()
	if processed != 1 || faceless != 0 {
		t.Fatalf("stats processed=%d faceless=%d", processed, faceless)
	}
}

func TestExtractNoFaceIsNotAnError(t *testing.T) {
	rt := newRuntime(t, &fakeDetector{found: false})
	ex := NewExtractor(rt, newLogger())

	_, found, err := ex.Extract(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("no face must not be an error: %v", err)
	}
	if found {
		t.Fatal("expected found=false")
	}
	if _, faceless := ex.Stats(); faceless != 1 {
		t.Fatal("expected faceless count 1")
	}
}

func TestExtractMalformedDetection(t *testing.T) {
	det := validDetection()
	det.Landmarks = det.Landmarks[:10]
	rt := newRuntime(t, &fakeDetector{det: det, found: true})
	ex := NewExtractor(rt, newLogger())

	if _, _, err := ex.Extract(context.Background(), testFrame()); err == nil {
		t.Fatal("expected shape validation error")
	}
}

func TestExtractPropagatesDelegateFailure(t *testing.T) {
	rt := newRuntime(t, &fakeDetector{err: model.ErrDelegate})
	ex := NewExtractor(rt, newLogger())

	_, _, err := ex.Extract(context.Background(), testFrame())
	if !errors.Is(err, model.ErrDelegate) {
		t.Fatalf("expected delegate error, got %v", err)
	}
}
