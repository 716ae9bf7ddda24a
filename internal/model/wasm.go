package model

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/visagelabs/visage-core/internal/face"
	"github.com/visagelabs/visage-core/internal/frame"
)

// wasmEngine executes a model artifact compiled to WebAssembly. This is
// the portable CPU path: the module exports `alloc(size) -> ptr` plus an
// entrypoint `fn(ptr, len) -> packed` where packed is (ptr<<32 | len) of
// a JSON response in guest memory. Requests use the same JSON shapes as
// the exec runners.
type wasmEngine struct {
	rt     wazero.Runtime
	module api.Module
	entry  api.Function
	alloc  api.Function
	mu     sync.Mutex
}

func newWasmEngine(ctx context.Context, modulePath, entrypoint string, log *slog.Logger) (*wasmEngine, error) {
	wasmBytes, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}

	rt := wazero.NewRuntime(ctx)
	if err := instantiateHostModule(ctx, rt, log); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}
	module, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate module: %w", err)
	}

	entry := module.ExportedFunction(entrypoint)
	if entry == nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("entrypoint %q not found", entrypoint)
	}
	alloc := module.ExportedFunction("alloc")
	if alloc == nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasm module does not export alloc")
	}

	return &wasmEngine{rt: rt, module: module, entry: entry, alloc: alloc}, nil
}

func (e *wasmEngine) Close() error {
	if e == nil || e.rt == nil {
		return nil
	}
	return e.rt.Close(context.Background())
}

// invoke marshals req into guest memory, calls the entrypoint and
// unmarshals the JSON response.
func (e *wasmEngine) invoke(ctx context.Context, req, resp any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	results, err := e.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return fmt.Errorf("wasm alloc: %w", err)
	}
	ptr := api.DecodeU32(results[0])

	mem := e.module.Memory()
	if mem == nil {
		return fmt.Errorf("wasm module has no memory")
	}
	if !mem.Write(ptr, data) {
		return fmt.Errorf("write request to guest memory (ptr=%d len=%d)", ptr, len(data))
	}

	results, err = e.entry.Call(ctx, uint64(ptr), uint64(len(data)))
	if err != nil {
		return fmt.Errorf("wasm entrypoint: %w", err)
	}
	packed := results[0]
	respPtr := uint32(packed >> 32)
	respLen := uint32(packed)
	out, ok := mem.Read(respPtr, respLen)
	if !ok {
		return fmt.Errorf("read response from guest memory (ptr=%d len=%d)", respPtr, respLen)
	}
	return json.Unmarshal(out, resp)
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, log *slog.Logger) error {
	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		if len(stack) < 2 {
			return
		}
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			log.Warn("wasm host_log: unable to read memory",
				slog.Int("ptr", int(ptr)), slog.Int("len", int(length)))
			return
		}
		log.Info("model log", slog.String("message", string(data)))
	})

	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log").
		Instantiate(ctx)
	return err
}

type wasmDetectRequest struct {
	PixB64 string `json:"pix_b64"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type wasmDetector struct {
	engine *wasmEngine
}

func (d *wasmDetector) Detect(ctx context.Context, f *frame.Raw) (face.Detection, bool, error) {
	req := wasmDetectRequest{
		PixB64: base64.StdEncoding.EncodeToString(f.Pix),
		Width:  f.Width,
		Height: f.Height,
	}
	var resp execDetectResult
	if err := d.engine.invoke(ctx, req, &resp); err != nil {
		return face.Detection{}, false, err
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

type wasmEncoder struct {
	engine     *wasmEngine
	latentSize int
}

func (e *wasmEncoder) Encode(ctx context.Context, expression []float32) ([]float32, error) {
	var resp execEncodeResult
	if err := e.engine.invoke(ctx, execEncodeRequest{Expression: expression}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("expression encoder: %s", resp.Error)
	}
	if len(resp.Latent) != e.latentSize {
		return nil, fmt.Errorf("expected latent size %d, got %d", e.latentSize, len(resp.Latent))
	}
	return resp.Latent, nil
}

type wasmGenerateRequest struct {
	RefB64    string           `json:"ref_b64"`
	RefWidth  int              `json:"ref_width"`
	RefHeight int              `json:"ref_height"`
	Latent    []float32        `json:"latent"`
	Motion    face.MotionState `json:"motion"`
	Width     int              `json:"width"`
	Height    int              `json:"height"`
}

type wasmGenerator struct {
	engine *wasmEngine
	width  int
	height int
}

func (g *wasmGenerator) Generate(ctx context.Context, ref *frame.Reference, latent []float32, motion face.MotionState) ([]float32, error) {
	req := wasmGenerateRequest{
		RefB64:    base64.StdEncoding.EncodeToString(ref.Pix),
		RefWidth:  ref.Width,
		RefHeight: ref.Height,
		Latent:    latent,
		Motion:    motion,
		Width:     g.width,
		Height:    g.height,
	}
	var resp execGenerateResult
	if err := g.engine.invoke(ctx, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("generator: %s", resp.Error)
	}
	tensor, err := decodeTensorF32(resp.TensorF32)
	if err != nil {
		return nil, err
	}
	want := frame.Size(g.width, g.height)
	if len(tensor) != want {
		return nil, fmt.Errorf("expected %d tensor values, got %d", want, len(tensor))
	}
	return tensor, nil
}
