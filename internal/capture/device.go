package capture

import (
	"context"
	"fmt"

	"github.com/visagelabs/visage-core/internal/config"
)

// Device is the capture boundary: it yields raw RGBA buffers at the
// requested working resolution. Implementations must tolerate Close
// being called while ReadFrame is blocked.
type Device interface {
	// Open prepares the device. Called once per session; failures are
	// resource errors.
	Open(ctx context.Context) error
	// ReadFrame fills pix (width*height*4 bytes) with the next frame.
	ReadFrame(ctx context.Context, pix []byte) error
	Close() error
}

// NewDevice builds a Device from configuration.
func NewDevice(cfg config.CaptureConfig) (Device, error) {
	switch cfg.Mode {
	case "synthetic":
		return NewSyntheticDevice(cfg.Width, cfg.Height), nil
	case "exec":
		return NewExecDevice(cfg)
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}
