package present

import (
	"github.com/visagelabs/visage-core/internal/frame"
)

// Blit scales src uniformly to fit inside dstW×dstH, centers it, and
// writes the result into dst (dstW*dstH*4 bytes). Letterbox bars are
// opaque black. Nearest-neighbor sampling keeps the hot path free of
// per-pixel allocation.
func Blit(dst []byte, dstW, dstH int, src *frame.Synthesized) {
	for i := 0; i < len(dst); i += frame.BytesPerPixel {
		dst[i] = 0
		dst[i+1] = 0
		dst[i+2] = 0
		dst[i+3] = 0xff
	}
	if src.Width <= 0 || src.Height <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}

	// Uniform scale: the larger relative dimension binds.
	outW := dstW
	outH := src.Height * dstW / src.Width
	if outH > dstH {
		outH = dstH
		outW = src.Width * dstH / src.Height
	}
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}
	offX := (dstW - outW) / 2
	offY := (dstH - outH) / 2

	for y := 0; y < outH; y++ {
		sy := y * src.Height / outH
		row := ((offY+y)*dstW + offX) * frame.BytesPerPixel
		srcRow := sy * src.Width * frame.BytesPerPixel
		for x := 0; x < outW; x++ {
			sx := x * src.Width / outW
			d := row + x*frame.BytesPerPixel
			s := srcRow + sx*frame.BytesPerPixel
			dst[d] = src.Pix[s]
			dst[d+1] = src.Pix[s+1]
			dst[d+2] = src.Pix[s+2]
			dst[d+3] = src.Pix[s+3]
		}
	}
}
