package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// DefaultOutputMaxBytes caps combined stdout+stderr per run when the config
// leaves OutputMaxBytes zero.
const DefaultOutputMaxBytes = 1 << 20

// Config sets the resource ceilings for a WASI runner.
type Config struct {
	// MemoryLimitBytes bounds linear memory. Zero means the wazero default.
	MemoryLimitBytes int64
	// TimeLimit bounds wall-clock execution per run. Zero means unbounded.
	TimeLimit time.Duration
	// OutputMaxBytes bounds stdout+stderr per run. Zero means
	// DefaultOutputMaxBytes.
	OutputMaxBytes int
}

// WASIRunner executes WASM modules under wazero with WASI preview 1.
// Deny-by-default: stdin/stdout/stderr are the only wired capabilities. No
// filesystem mounts, no network, no environment variables, no host clock or
// randomness beyond wazero's defaults.
type WASIRunner struct {
	runtime wazero.Runtime
	limits  Config
}

// NewWASIRunner builds the runtime with the configured memory ceiling. The
// runtime is interruptible: when the run context expires, in-flight guest
// code is stopped rather than left spinning.
func NewWASIRunner(ctx context.Context, cfg Config) (*WASIRunner, error) {
	rcfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		// wazero measures memory in 64 KiB pages.
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		rcfg = rcfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rcfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return &WASIRunner{runtime: r, limits: cfg}, nil
}

// Run compiles and executes one module. Input is presented on stdin; stdout
// is returned. Limit violations come back as *LimitError with a stable code.
func (r *WASIRunner) Run(ctx context.Context, wasm []byte, input []byte) ([]byte, error) {
	if len(wasm) == 0 {
		return nil, errors.New("empty wasm module")
	}

	execCtx := ctx
	if r.limits.TimeLimit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.limits.TimeLimit)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	// Anonymous module name so concurrent runs on one runner cannot collide.
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	compiled, err := r.runtime.CompileModule(execCtx, wasm)
	if err != nil {
		// A module declaring more memory than the ceiling is rejected at
		// compile time.
		if isMemoryLimit(err) {
			return nil, r.memoryLimitError()
		}
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := r.runtime.InstantiateModule(execCtx, compiled, modCfg)
	if err != nil {
		var exitErr *sys.ExitError
		switch {
		case errors.As(err, &exitErr) && exitErr.ExitCode() == 0:
			// proc_exit(0) is a normal WASI exit.
		case execCtx.Err() != nil:
			return nil, &LimitError{
				Code:    CodeTimeExhausted,
				Message: fmt.Sprintf("execution exceeded time limit (%s)", r.limits.TimeLimit),
			}
		case isMemoryLimit(err):
			return nil, r.memoryLimitError()
		default:
			return nil, fmt.Errorf("wasm execution failed: %w", err)
		}
	}
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}

	max := r.limits.OutputMaxBytes
	if max <= 0 {
		max = DefaultOutputMaxBytes
	}
	if total := stdout.Len() + stderr.Len(); total > max {
		return nil, &LimitError{
			Code:    CodeOutputExhausted,
			Message: fmt.Sprintf("output size %d exceeds limit %d", total, max),
		}
	}
	return stdout.Bytes(), nil
}

// Close shuts down the wazero runtime, freeing all compiled modules.
func (r *WASIRunner) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

func (r *WASIRunner) memoryLimitError() *LimitError {
	return &LimitError{
		Code:    CodeMemoryExhausted,
		Message: fmt.Sprintf("execution exceeded memory limit (%d bytes)", r.limits.MemoryLimitBytes),
	}
}

func isMemoryLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if !strings.Contains(msg, "memory") {
		return false
	}
	return strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceed")
}
