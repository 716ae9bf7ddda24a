package face

import "math"

// Canonical mesh indices for the aperture measurements. One
// (top, bottom, left, right) quad per eye and one for the mouth.
const (
	leftEyeTop       = 159
	leftEyeBottom    = 145
	leftEyeOuter     = 33
	leftEyeInner     = 133
	rightEyeTop      = 386
	rightEyeBottom   = 374
	rightEyeInner    = 362
	rightEyeOuter    = 263
	mouthTop         = 13
	mouthBottom      = 14
	mouthLeftCorner  = 61
	mouthRightCorner = 291
)

// EyeAperture returns the eye openness ratio in [0,1], averaged across
// both eyes: vertical lid distance over horizontal corner distance.
func EyeAperture(pts []Point) float64 {
	if len(pts) != LandmarkCount {
		return 0
	}
	left := apertureRatio(pts[leftEyeTop], pts[leftEyeBottom], pts[leftEyeOuter], pts[leftEyeInner])
	right := apertureRatio(pts[rightEyeTop], pts[rightEyeBottom], pts[rightEyeInner], pts[rightEyeOuter])
	return (left + right) / 2
}

// MouthAperture returns the mouth openness ratio in [0,1]: lip gap over
// corner-to-corner width.
func MouthAperture(pts []Point) float64 {
	if len(pts) != LandmarkCount {
		return 0
	}
	return apertureRatio(pts[mouthTop], pts[mouthBottom], pts[mouthLeftCorner], pts[mouthRightCorner])
}

func apertureRatio(top, bottom, left, right Point) float64 {
	width := distance(left, right)
	if width == 0 {
		return 0
	}
	return distance(top, bottom) / width
}

func distance(a, b Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
