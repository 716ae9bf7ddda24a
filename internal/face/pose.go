package face

import "math"

// PoseAngles decomposes the model's row-major 4x4 head transform into
// (yaw, pitch, roll) in degrees. Convention: yaw positive turning left,
// pitch positive looking down, roll positive tilting toward the right
// shoulder. The identity transform maps to (0, 0, 0).
func PoseAngles(m [16]float64) (yaw, pitch, roll float64) {
	yaw = math.Atan2(m[8], m[10])
	pitch = math.Atan2(-m[6], math.Sqrt(m[0]*m[0]+m[2]*m[2]))
	roll = math.Atan2(m[4], m[5])
	return toDegrees(yaw), toDegrees(pitch), toDegrees(roll)
}

func toDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func clampSigned(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < -1:
		return -1
	case v > 1:
		return 1
	}
	return v
}
