package model

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/visagelabs/visage-core/internal/accel"
	"github.com/visagelabs/visage-core/internal/config"
	"github.com/visagelabs/visage-core/internal/face"
	"github.com/visagelabs/visage-core/internal/frame"
)

// Exec backends shell out to a model-runner process per invocation.
// Requests travel as flags plus JSON on stdin; pixel payloads are handed
// over as temp files; responses come back as JSON on stdout. A runner
// that lost its accelerator delegate sets delegate_failed so the caller
// can demote the profile instead of treating it as a frame error.

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("model command is empty")
	}
	return args, nil
}

func runModelCommand(ctx context.Context, args []string, stdin []byte, out any) error {
	command := exec.CommandContext(ctx, args[0], args[1:]...)
	if stdin != nil {
		command.Stdin = bytes.NewReader(stdin)
	}
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return fmt.Errorf("model command failed: %w: %s", err, stderr.String())
	}
	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return fmt.Errorf("decode model response: %w", err)
	}
	return nil
}

func writeFrameFile(prefix string, pix []byte) (string, error) {
	file, err := os.CreateTemp(os.TempDir(), prefix)
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(pix); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("write frame payload: %w", err)
	}
	return file.Name(), nil
}

type execDetector struct {
	cmd  []string
	cfg  config.LandmarkConfig
	tier accel.Tier
	mu   sync.Mutex
}

type execDetectResult struct {
	Face           bool         `json:"face"`
	Landmarks      [][3]float64 `json:"landmarks"`
	Expression     []float64    `json:"expression"`
	Transform      []float64    `json:"transform"`
	DelegateFailed bool         `json:"delegate_failed"`
	Error          string       `json:"error"`
}

func NewExecDetector(cfg config.LandmarkConfig, tier accel.Tier) (Detector, error) {
	args, err := parseCommand(cfg.Binding.Command)
	if err != nil {
		return nil, err
	}
	return &execDetector{cmd: args, cfg: cfg, tier: tier}, nil
}

func (d *execDetector) Detect(ctx context.Context, f *frame.Raw) (face.Detection, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	path, err := writeFrameFile("visage_frame_*.rgba", f.Pix)
	if err != nil {
		return face.Detection{}, false, err
	}
	defer os.Remove(path)

	args := append([]string{}, d.cmd...)
	args = append(args,
		"--frame", path,
		"--width", strconv.Itoa(f.Width),
		"--height", strconv.Itoa(f.Height),
		"--delegate", d.tier.String(),
	)
	if d.cfg.ModelPath != "" {
		args = append(args, "--model", d.cfg.ModelPath)
	}

	var resp execDetectResult
	if err := runModelCommand(ctx, args, nil, &resp); err != nil {
		return face.Detection{}, false, err
	}
	if resp.DelegateFailed {
		return face.Detection{}, false, fmt.Errorf("%w: %s", ErrDelegate, resp.Error)
	}
	if resp.Error != "" {
		return face.Detection{}, false, fmt.Errorf("landmark model: %s", resp.Error)
	}
	if !resp.Face {
		return face.Detection{}, false, nil
	}

	det := face.Detection{
		Landmarks:  make([]face.Point, len(resp.Landmarks)),
		Expression: resp.Expression,
	}
	for i, p := range resp.Landmarks {
		det.Landmarks[i] = face.Point{X: p[0], Y: p[1], Z: p[2]}
	}
	if len(resp.Transform) != len(det.Transform) {
		return face.Detection{}, false, fmt.Errorf("expected %d transform values, got %d", len(det.Transform), len(resp.Transform))
	}
	copy(det.Transform[:], resp.Transform)
	if err := det.Validate(); err != nil {
		return face.Detection{}, false, err
	}
	return det, true, nil
}

type execEncoder struct {
	cmd  []string
	cfg  config.SynthesisConfig
	tier accel.Tier
	mu   sync.Mutex
}

type execEncodeRequest struct {
	Expression []float32 `json:"expression"`
}

type execEncodeResult struct {
	Latent         []float32 `json:"latent"`
	DelegateFailed bool      `json:"delegate_failed"`
	Error          string    `json:"error"`
}

func NewExecEncoder(cfg config.SynthesisConfig, tier accel.Tier) (Encoder, error) {
	args, err := parseCommand(cfg.Encoder.Command)
	if err != nil {
		return nil, err
	}
	return &execEncoder{cmd: args, cfg: cfg, tier: tier}, nil
}

func (e *execEncoder) Encode(ctx context.Context, expression []float32) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stdin, err := json.Marshal(execEncodeRequest{Expression: expression})
	if err != nil {
		return nil, err
	}
	args := append([]string{}, e.cmd...)
	args = append(args,
		"--latent-size", strconv.Itoa(e.cfg.LatentSize),
		"--delegate", e.tier.String(),
	)

	var resp execEncodeResult
	if err := runModelCommand(ctx, args, stdin, &resp); err != nil {
		return nil, err
	}
	if resp.DelegateFailed {
		return nil, fmt.Errorf("%w: %s", ErrDelegate, resp.Error)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("expression encoder: %s", resp.Error)
	}
	if len(resp.Latent) != e.cfg.LatentSize {
		return nil, fmt.Errorf("expected latent size %d, got %d", e.cfg.LatentSize, len(resp.Latent))
	}
	return resp.Latent, nil
}

type execGenerator struct {
	cmd  []string
	cfg  config.SynthesisConfig
	tier accel.Tier
	mu   sync.Mutex
}

type execGenerateRequest struct {
	Latent []float32        `json:"latent"`
	Motion face.MotionState `json:"motion"`
	Width  int              `json:"width"`
	Height int              `json:"height"`
}

type execGenerateResult struct {
	// TensorF32 is the base64 little-endian float32 RGBA tensor.
	TensorF32      string `json:"tensor_f32"`
	DelegateFailed bool   `json:"delegate_failed"`
	Error          string `json:"error"`
}

func NewExecGenerator(cfg config.SynthesisConfig, tier accel.Tier) (Generator, error) {
	args, err := parseCommand(cfg.Generator.Command)
	if err != nil {
		return nil, err
	}
	return &execGenerator{cmd: args, cfg: cfg, tier: tier}, nil
}

func (g *execGenerator) Generate(ctx context.Context, ref *frame.Reference, latent []float32, motion face.MotionState) ([]float32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	path, err := writeFrameFile("visage_ref_*.rgba", ref.Pix)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	stdin, err := json.Marshal(execGenerateRequest{
		Latent: latent,
		Motion: motion,
		Width:  g.cfg.OutputWidth,
		Height: g.cfg.OutputHeight,
	})
	if err != nil {
		return nil, err
	}
	args := append([]string{}, g.cmd...)
	args = append(args,
		"--reference", path,
		"--ref-width", strconv.Itoa(ref.Width),
		"--ref-height", strconv.Itoa(ref.Height),
		"--delegate", g.tier.String(),
	)

	var resp execGenerateResult
	if err := runModelCommand(ctx, args, stdin, &resp); err != nil {
		return nil, err
	}
	if resp.DelegateFailed {
		return nil, fmt.Errorf("%w: %s", ErrDelegate, resp.Error)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("generator: %s", resp.Error)
	}

	tensor, err := decodeTensorF32(resp.TensorF32)
	if err != nil {
		return nil, err
	}
	want := frame.Size(g.cfg.OutputWidth, g.cfg.OutputHeight)
	if len(tensor) != want {
		return nil, fmt.Errorf("expected %d tensor values, got %d", want, len(tensor))
	}
	return tensor, nil
}

func decodeTensorF32(encoded string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode tensor: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("tensor payload not float32 aligned")
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
