package capture

import (
	"context"
	"fmt"

	"github.com/visagelabs/visage-core/internal/frame"
)

// SyntheticDevice produces a deterministic moving gradient. It stands in
// for a physical camera in development and tests.
type SyntheticDevice struct {
	width  int
	height int
	tick   uint64
}

func NewSyntheticDevice(width, height int) *SyntheticDevice {
	return &SyntheticDevice{width: width, height: height}
}

func (d *SyntheticDevice) Open(_ context.Context) error { return nil }

func (d *SyntheticDevice) ReadFrame(_ context.Context, pix []byte) error {
	if len(pix) != frame.Size(d.width, d.height) {
		return fmt.Errorf("expected %d byte buffer, got %d", frame.Size(d.width, d.height), len(pix))
	}
	t := d.tick
	d.tick++
	for y := 0; y < d.height; y++ {
		for x := 0; x < d.width; x++ {
			i := (y*d.width + x) * frame.BytesPerPixel
			pix[i] = byte(x + int(t))
			pix[i+1] = byte(y + int(t)/2)
			pix[i+2] = byte(int(t))
			pix[i+3] = 0xff
		}
	}
	return nil
}

func (d *SyntheticDevice) Close() error { return nil }
