package model

import (
	"context"
	"math"

	"github.com/visagelabs/visage-core/internal/face"
	"github.com/visagelabs/visage-core/internal/frame"
)

// Mock backends synthesize deterministic outputs so the pipeline runs
// end to end without model artifacts.

type mockDetector struct{}

func NewMockDetector() Detector {
	return &mockDetector{}
}

func (m *mockDetector) Detect(_ context.Context, f *frame.Raw) (face.Detection, bool, error) {
	// A gently nodding, blinking face derived from the sequence number.
	phase := float64(f.Seq) / 30.0
	eye := 0.25 + 0.15*math.Sin(phase*2*math.Pi/3)
	mouth := 0.2 + 0.2*math.Abs(math.Sin(phase*math.Pi))

	pts := make([]face.Point, face.LandmarkCount)
	placeQuad(pts, 159, 145, 33, 133, 0.35, 0.4, 0.08, eye)
	placeQuad(pts, 386, 374, 362, 263, 0.65, 0.4, 0.08, eye)
	placeQuad(pts, 13, 14, 61, 291, 0.5, 0.7, 0.2, mouth)

	expr := make([]float64, face.ExpressionCount)
	for i := range expr {
		expr[i] = 0.5 + 0.5*math.Sin(phase+float64(i))
	}

	yaw := 10 * math.Sin(phase*2*math.Pi/5) * math.Pi / 180
	det := face.Detection{
		Landmarks:  pts,
		Expression: expr,
		Transform:  rotationY(yaw),
	}
	return det, true, nil
}

// placeQuad writes one (top, bottom, left, right) aperture quad centered
// at (cx, cy) with the given width and openness ratio.
func placeQuad(pts []face.Point, top, bottom, left, right int, cx, cy, width, ratio float64) {
	pts[left] = face.Point{X: cx - width/2, Y: cy}
	pts[right] = face.Point{X: cx + width/2, Y: cy}
	pts[top] = face.Point{X: cx, Y: cy - ratio*width/2}
	pts[bottom] = face.Point{X: cx, Y: cy + ratio*width/2}
}

func rotationY(theta float64) [16]float64 {
	m := [16]float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
	m[0] = math.Cos(theta)
	m[2] = math.Sin(theta)
	m[8] = -math.Sin(theta)
	m[10] = math.Cos(theta)
	return m
}

type mockEncoder struct {
	latentSize int
}

func NewMockEncoder(latentSize int) Encoder {
	return &mockEncoder{latentSize: latentSize}
}

func (m *mockEncoder) Encode(_ context.Context, expression []float32) ([]float32, error) {
	latent := make([]float32, m.latentSize)
	if len(expression) == 0 {
		return latent, nil
	}
	for i := range latent {
		latent[i] = expression[i%len(expression)]
	}
	return latent, nil
}

type mockGenerator struct {
	width  int
	height int
}

func NewMockGenerator(width, height int) Generator {
	return &mockGenerator{width: width, height: height}
}

// Generate resamples the reference image shifted by the head pose and
// dimmed by the eye aperture, emitting a normalized [-1,1] RGBA tensor.
func (m *mockGenerator) Generate(_ context.Context, ref *frame.Reference, latent []float32, motion face.MotionState) ([]float32, error) {
	out := make([]float32, frame.Size(m.width, m.height))

	dx := int(motion.Yaw * float64(m.width) / 8)
	dy := int(motion.Pitch * float64(m.height) / 8)
	gain := float32(0.5 + 0.5*motion.EyeRatio)
	if motion.Blink {
		gain *= 0.6
	}
	if len(latent) > 0 {
		gain *= 0.9 + 0.1*float32(math.Abs(float64(latent[0])))
	}

	for y := 0; y < m.height; y++ {
		srcY := clampIndex((y*ref.Height)/m.height+dy, ref.Height)
		for x := 0; x < m.width; x++ {
			srcX := clampIndex((x*ref.Width)/m.width+dx, ref.Width)
			src := (srcY*ref.Width + srcX) * frame.BytesPerPixel
			dst := (y*m.width + x) * frame.BytesPerPixel
			for c := 0; c < frame.BytesPerPixel; c++ {
				// Map byte [0,255] into the model's [-1,1] range.
				v := float32(ref.Pix[src+c])/127.5 - 1
				if c < 3 {
					v *= gain
				}
				out[dst+c] = v
			}
		}
	}
	return out, nil
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
