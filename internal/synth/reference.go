package synth

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/visagelabs/visage-core/internal/frame"
)

// LoadReference decodes the reference avatar image and resamples it to
// the generator's input resolution.
func LoadReference(path string, width, height int) (*frame.Reference, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode reference image: %w", err)
	}

	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, fmt.Errorf("reference image %s is empty", path)
	}

	pix := make([]byte, frame.Size(width, height))
	for y := 0; y < height; y++ {
		sy := bounds.Min.Y + y*srcH/height
		for x := 0; x < width; x++ {
			sx := bounds.Min.X + x*srcW/width
			r, g, b, a := img.At(sx, sy).RGBA()
			i := (y*width + x) * frame.BytesPerPixel
			pix[i] = byte(r >> 8)
			pix[i+1] = byte(g >> 8)
			pix[i+2] = byte(b >> 8)
			pix[i+3] = byte(a >> 8)
		}
	}
	return &frame.Reference{Width: width, Height: height, Pix: pix}, nil
}

// Placeholder builds the deterministic stand-in used when the reference
// avatar image is unavailable. The pattern depends only on pixel
// position, so repeated runs produce identical frames.
func Placeholder(width, height int) *frame.Reference {
	pix := make([]byte, frame.Size(width, height))
	cx, cy := width/2, height/2
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx, dy := x-cx, y-cy
			d := dx*dx + dy*dy
			i := (y*width + x) * frame.BytesPerPixel
			pix[i] = byte(64 + (x*191)/max(width-1, 1))
			pix[i+1] = byte(64 + (y*191)/max(height-1, 1))
			pix[i+2] = byte(d % 256)
			pix[i+3] = 0xff
		}
	}
	return &frame.Reference{Width: width, Height: height, Pix: pix}
}
