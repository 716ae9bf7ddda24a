package capture

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/visagelabs/visage-core/internal/config"
)

// ExecDevice reads raw RGBA frames from a capture helper's stdout (for
// example an ffmpeg rawvideo pipeline bound to the physical camera).
// Each ReadFrame consumes exactly one frame's worth of bytes.
type ExecDevice struct {
	cfg config.CaptureConfig
	cmd []string

	mu     sync.Mutex
	proc   *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc
}

func NewExecDevice(cfg config.CaptureConfig) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &ExecDevice{cfg: cfg, cmd: args}, nil
}

func (d *ExecDevice) Open(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc != nil {
		return nil
	}

	procCtx, cancel := context.WithCancel(context.Background())
	args := append([]string{}, d.cmd...)
	args = append(args,
		"--width", strconv.Itoa(d.cfg.Width),
		"--height", strconv.Itoa(d.cfg.Height),
		"--fps", strconv.Itoa(d.cfg.FPS),
	)
	cmd := exec.CommandContext(procCtx, args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start capture command: %w", err)
	}

	d.proc = cmd
	d.stdout = stdout
	d.cancel = cancel
	return nil
}

func (d *ExecDevice) ReadFrame(_ context.Context, pix []byte) error {
	d.mu.Lock()
	stdout := d.stdout
	d.mu.Unlock()
	if stdout == nil {
		return fmt.Errorf("capture device not open")
	}
	if _, err := io.ReadFull(stdout, pix); err != nil {
		return fmt.Errorf("read capture frame: %w", err)
	}
	return nil
}

func (d *ExecDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc == nil {
		return nil
	}
	d.cancel()
	err := d.proc.Wait()
	d.proc = nil
	d.stdout = nil
	d.cancel = nil
	// The helper is killed on close; its exit status is not an error.
	if err != nil && err.Error() != "signal: killed" {
		return err
	}
	return nil
}
