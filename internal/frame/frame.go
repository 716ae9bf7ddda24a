package frame

import (
	"time"

	"github.com/visagelabs/visage-core/internal/face"
)

// BytesPerPixel is the fixed RGBA pixel layout used across the pipeline.
const BytesPerPixel = 4

// Raw is a single captured image buffer. Ownership transfers from the
// capture source to the landmark extractor; the buffer must not be
// mutated after delivery.
type Raw struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Pix       []byte // RGBA, Width*Height*4 bytes
}

// Reference is the fixed avatar image driven by the generator.
type Reference struct {
	Width  int
	Height int
	Pix    []byte
}

// Synthesized is a finished avatar frame tagged with the motion state
// that produced it.
type Synthesized struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Pix       []byte
	Motion    face.MotionState
}

// Size returns the expected buffer length for a frame of the given
// dimensions.
func Size(width, height int) int {
	return width * height * BytesPerPixel
}
