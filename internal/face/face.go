package face

import (
	"fmt"
	"time"
)

const (
	// LandmarkCount is the number of 3D points produced by the landmark model.
	LandmarkCount = 468
	// ExpressionCount is the length of the blendshape score vector.
	ExpressionCount = 52
)

// Point is a single landmark in normalized device coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Detection is the raw output of the landmark model for one frame.
type Detection struct {
	Landmarks  []Point
	Expression []float64
	Transform  [16]float64
}

// Validate checks the tensor shapes against the model contract.
func (d Detection) Validate() error {
	if len(d.Landmarks) != LandmarkCount {
		return fmt.Errorf("expected %d landmarks, got %d", LandmarkCount, len(d.Landmarks))
	}
	if len(d.Expression) != ExpressionCount {
		return fmt.Errorf("expected %d expression scores, got %d", ExpressionCount, len(d.Expression))
	}
	return nil
}

// FaceState is the structured facial state extracted from one frame.
// Immutable once produced; superseded values are discarded, never updated.
type FaceState struct {
	Timestamp  time.Time
	Landmarks  []Point
	Yaw        float64 // degrees
	Pitch      float64 // degrees
	Roll       float64 // degrees
	EyeRatio   float64 // [0,1]
	MouthRatio float64 // [0,1]
	Expression []float64
	Latency    time.Duration
}

// MotionState is the normalized control input for the avatar synthesizer.
// Pure projection of a FaceState; carries no independent lifecycle.
type MotionState struct {
	Yaw        float64   `json:"yaw"`         // [-1,1]
	Pitch      float64   `json:"pitch"`       // [-1,1]
	Roll       float64   `json:"roll"`        // [-1,1]
	EyeRatio   float64   `json:"eye_ratio"`   // [0,1]
	MouthRatio float64   `json:"mouth_ratio"` // [0,1]
	Blink      bool      `json:"blink"`
	Expression []float64 `json:"expression"`
}

// NewFaceState builds an immutable FaceState from a validated detection.
// Ratios and expression scores are clamped into [0,1]; non-finite pose
// angles collapse to zero so downstream math stays defined.
func NewFaceState(det Detection, ts time.Time, latency time.Duration) FaceState {
	yaw, pitch, roll := PoseAngles(det.Transform)

	expr := make([]float64, len(det.Expression))
	for i, v := range det.Expression {
		expr[i] = clamp01(v)
	}

	return FaceState{
		Timestamp:  ts,
		Landmarks:  det.Landmarks,
		Yaw:        finiteOrZero(yaw),
		Pitch:      finiteOrZero(pitch),
		Roll:       finiteOrZero(roll),
		EyeRatio:   clamp01(EyeAperture(det.Landmarks)),
		MouthRatio: clamp01(MouthAperture(det.Landmarks)),
		Expression: expr,
		Latency:    latency,
	}
}
