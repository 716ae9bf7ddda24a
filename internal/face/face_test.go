package face

import (
	"math"
	"testing"
	"time"
)

func identityTransform() [16]float64 {
	return [16]float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

func TestPoseAnglesIdentity(t *testing.T) {
	yaw, pitch, roll := PoseAngles(identityTransform())
	if yaw != 0 || pitch != 0 || roll != 0 {
		t.Fatalf("expected zero pose, got yaw=%v pitch=%v roll=%v", yaw, pitch, roll)
	}
}

func TestPoseAnglesRoll(t *testing.T) {
	theta := 30 * math.Pi / 180
	m := identityTransform()
	m[0] = math.Cos(theta)
	m[1] = -math.Sin(theta)
	m[4] = math.Sin(theta)
	m[5] = math.Cos(theta)

	_, _, roll := PoseAngles(m)
	if math.Abs(roll-30) > 1e-9 {
		t.Fatalf("expected roll 30, got %v", roll)
	}
}

func eyeQuad(pts []Point, top, bottom, left, right int, ratio float64) {
	pts[left] = Point{X: 0, Y: 0}
	pts[right] = Point{X: 1, Y: 0}
	pts[top] = Point{X: 0.5, Y: ratio / 2}
	pts[bottom] = Point{X: 0.5, Y: -ratio / 2}
}

func landmarksWithApertures(eyeRatio, mouthRatio float64) []Point {
	pts := make([]Point, LandmarkCount)
	eyeQuad(pts, leftEyeTop, leftEyeBottom, leftEyeOuter, leftEyeInner, eyeRatio)
	eyeQuad(pts, rightEyeTop, rightEyeBottom, rightEyeInner, rightEyeOuter, eyeRatio)
	eyeQuad(pts, mouthTop, mouthBottom, mouthLeftCorner, mouthRightCorner, mouthRatio)
	return pts
}

func TestEyeAperture(t *testing.T) {
	pts := landmarksWithApertures(0.15, 0.4)
	if got := EyeAperture(pts); math.Abs(got-0.15) > 1e-9 {
		t.Fatalf("expected eye aperture 0.15, got %v", got)
	}
	if got := MouthAperture(pts); math.Abs(got-0.4) > 1e-9 {
		t.Fatalf("expected mouth aperture 0.4, got %v", got)
	}
}

func TestApertureDegenerateWidth(t *testing.T) {
	pts := make([]Point, LandmarkCount)
	if got := EyeAperture(pts); got != 0 {
		t.Fatalf("expected zero aperture for degenerate quad, got %v", got)
	}
}

func TestBlinkThresholdBoundary(t *testing.T) {
	closed := Derive(FaceState{EyeRatio: 0.149})
	if !closed.Blink {
		t.Fatal("ratio 0.149 should count as closed")
	}
	open := Derive(FaceState{EyeRatio: 0.151})
	if open.Blink {
		t.Fatal("ratio 0.151 should count as open")
	}
	boundary := Derive(FaceState{EyeRatio: 0.15})
	if !boundary.Blink {
		t.Fatal("ratio exactly at threshold should count as closed")
	}
}

func TestDeriveRanges(t *testing.T) {
	st := FaceState{
		Yaw:        135,
		Pitch:      -200,
		Roll:       45,
		EyeRatio:   1.8,
		MouthRatio: -0.2,
		Expression: []float64{-0.5, 0.5, 2},
	}
	m := Derive(st)
	if m.Yaw != 1 || m.Pitch != -1 {
		t.Fatalf("expected clamped angles, got yaw=%v pitch=%v", m.Yaw, m.Pitch)
	}
	if math.Abs(m.Roll-0.5) > 1e-9 {
		t.Fatalf("expected roll 0.5, got %v", m.Roll)
	}
	if m.EyeRatio != 1 || m.MouthRatio != 0 {
		t.Fatalf("expected clamped ratios, got eye=%v mouth=%v", m.EyeRatio, m.MouthRatio)
	}
	for i, v := range m.Expression {
		if v < 0 || v > 1 {
			t.Fatalf("expression score %d out of range: %v", i, v)
		}
	}
}

func TestNewFaceStateClampsAndFinite(t *testing.T) {
	det := Detection{
		Landmarks:  landmarksWithApertures(0.3, 0.2),
		Expression: make([]float64, ExpressionCount),
		Transform:  identityTransform(),
	}
	det.Expression[0] = 1.5
	det.Expression[1] = -0.5
	if err := det.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	st := NewFaceState(det, time.Now(), 7*time.Millisecond)
	if st.Expression[0] != 1 || st.Expression[1] != 0 {
		t.Fatalf("expected clamped expression, got %v %v", st.Expression[0], st.Expression[1])
	}
	if math.IsNaN(st.Yaw) || math.IsNaN(st.Pitch) || math.IsNaN(st.Roll) {
		t.Fatal("pose angles must be finite")
	}
	if math.Abs(st.EyeRatio-0.3) > 1e-9 {
		t.Fatalf("expected eye ratio 0.3, got %v", st.EyeRatio)
	}
	if st.Latency != 7*time.Millisecond {
		t.Fatalf("unexpected latency: %v", st.Latency)
	}
}

func TestDetectionValidateShapes(t *testing.T) {
	det := Detection{Landmarks: make([]Point, 10), Expression: make([]float64, ExpressionCount)}
	if err := det.Validate(); err == nil {
		t.Fatal("expected landmark shape error")
	}
	det = Detection{Landmarks: make([]Point, LandmarkCount), Expression: make([]float64, 3)}
	if err := det.Validate(); err == nil {
		t.Fatal("expected expression shape error")
	}
}
