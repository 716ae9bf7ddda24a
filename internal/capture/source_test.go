package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/visagelabs/visage-core/internal/config"
	"github.com/visagelabs/visage-core/internal/frame"
	"github.com/visagelabs/visage-core/internal/handoff"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.CaptureConfig {
	return config.CaptureConfig{Mode: "synthetic", Width: 8, Height: 6, FPS: 200, OpenRetries: 1}
}

type failingDevice struct {
	opens int
}

func (d *failingDevice) Open(context.Context) error {
	d.opens++
	return errors.New("permission denied")
}
func (d *failingDevice) ReadFrame(context.Context, []byte) error { return nil }
func (d *failingDevice) Close() error                            { return nil }

func TestSourceDeliversLatestFrames(t *testing.T) {
	cfg := testConfig()
	slot := handoff.NewSlot[*frame.Raw]()
	src := NewSource(cfg, NewSyntheticDevice(cfg.Width, cfg.Height), slot, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	var last uint64
	for received := 0; received < 5; {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for frames")
		default:
		}
		f, ok := slot.TryTake()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if f.Seq <= last && last != 0 {
			t.Fatalf("sequence went backwards: %d after %d", f.Seq, last)
		}
		if len(f.Pix) != frame.Size(cfg.Width, cfg.Height) {
			t.Fatalf("unexpected buffer size %d", len(f.Pix))
		}
		last = f.Seq
		received++
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned error on cancel: %v", err)
	}
}

func TestSourceDropsWhenConsumerStalls(t *testing.T) {
	cfg := testConfig()
	slot := handoff.NewSlot[*frame.Raw]()
	src := NewSource(cfg, NewSyntheticDevice(cfg.Width, cfg.Height), slot, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	// Nobody consumes; the slot must hold exactly the latest frame.
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	delivered, dropped := src.Stats()
	if delivered < 2 {
		t.Fatalf("expected several frames delivered, got %d", delivered)
	}
	if dropped != delivered-1 {
		t.Fatalf("expected all but one frame dropped, delivered=%d dropped=%d", delivered, dropped)
	}
	f, ok := slot.TryTake()
	if !ok {
		t.Fatal("expected latest frame in slot")
	}
	if f.Seq != delivered {
		t.Fatalf("expected newest frame %d, got %d", delivered, f.Seq)
	}
}

func TestSourceBoundedOpenRetries(t *testing.T) {
	cfg := testConfig()
	dev := &failingDevice{}
	src := NewSource(cfg, dev, handoff.NewSlot[*frame.Raw](), newLogger())

	err := src.Run(context.Background())
	if err == nil {
		t.Fatal("expected resource error for unavailable device")
	}
	if dev.opens != cfg.OpenRetries+1 {
		t.Fatalf("expected %d open attempts, got %d", cfg.OpenRetries+1, dev.opens)
	}
}

func TestSyntheticDeviceBufferValidation(t *testing.T) {
	dev := NewSyntheticDevice(8, 6)
	if err := dev.ReadFrame(context.Background(), make([]byte, 10)); err == nil {
		t.Fatal("expected error for undersized buffer")
	}
}

func TestNewDeviceUnknownMode(t *testing.T) {
	if _, err := NewDevice(config.CaptureConfig{Mode: "hologram"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
