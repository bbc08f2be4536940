// Package sandbox confines untrusted action code. The WASI runner executes
// WebAssembly modules deny-by-default (no filesystem, no network, no
// environment) under memory, time, and output ceilings; limit violations
// surface as deterministic error codes so callers can tell a policy stop
// from a crash.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/haltline-labs/haltline/pkg/canon"
	"github.com/haltline-labs/haltline/pkg/executor"
)

// Runner executes an untrusted module with input on stdin and returns its
// stdout. Implementations own the isolation guarantees.
type Runner interface {
	Run(ctx context.Context, wasm []byte, input []byte) ([]byte, error)

	// Close releases runner resources.
	Close(ctx context.Context) error
}

// Deterministic error codes for limit violations.
const (
	CodeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	CodeMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	CodeOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
)

// LimitError is a typed error for sandbox limit violations. The code is
// stable across releases; the message is diagnostic only.
type LimitError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// InProcessRunner runs nothing and echoes its input back as output.
//
// WARNING: NOT a security boundary. Development and tests only.
type InProcessRunner struct{}

func NewInProcessRunner() *InProcessRunner {
	return &InProcessRunner{}
}

func (r *InProcessRunner) Run(ctx context.Context, _ []byte, input []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	out := make([]byte, len(input))
	copy(out, input)
	return out, nil
}

func (r *InProcessRunner) Close(ctx context.Context) error {
	return nil
}

// Action adapts a WASM module into an executor.Action. The action input is
// written to the module's stdin as canonical JSON; stdout is parsed as a
// JSON object. Non-object output is wrapped under "stdout" so the receipt
// still captures it.
func Action(r Runner, wasm []byte, input map[string]interface{}) executor.Action {
	return func(ctx context.Context) (map[string]interface{}, error) {
		if input == nil {
			input = map[string]interface{}{}
		}
		stdin, err := canon.JCS(input)
		if err != nil {
			return nil, fmt.Errorf("encode action input: %w", err)
		}
		out, err := r.Run(ctx, wasm, stdin)
		if err != nil {
			return nil, err
		}
		trimmed := bytes.TrimSpace(out)
		if len(trimmed) == 0 {
			return map[string]interface{}{}, nil
		}
		var result map[string]interface{}
		if err := json.Unmarshal(trimmed, &result); err != nil {
			return map[string]interface{}{"stdout": string(out)}, nil
		}
		return result, nil
	}
}
