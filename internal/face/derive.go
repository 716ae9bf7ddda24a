package face

const (
	// AngularRange is the head rotation, in degrees, mapped to the full
	// [-1,1] motion range.
	AngularRange = 90.0
	// BlinkThreshold is the eye-aperture bound at or below which the
	// eyes count as closed.
	BlinkThreshold = 0.15
)

// Derive projects a FaceState into the synthesizer's MotionState.
// Pure and total: any well-formed FaceState yields a valid result.
func Derive(st FaceState) MotionState {
	expr := make([]float64, len(st.Expression))
	for i, v := range st.Expression {
		expr[i] = clamp01(v)
	}

	eye := clamp01(st.EyeRatio)
	return MotionState{
		Yaw:        clampSigned(st.Yaw / AngularRange),
		Pitch:      clampSigned(st.Pitch / AngularRange),
		Roll:       clampSigned(st.Roll / AngularRange),
		EyeRatio:   eye,
		MouthRatio: clamp01(st.MouthRatio),
		Blink:      eye <= BlinkThreshold,
		Expression: expr,
	}
}
