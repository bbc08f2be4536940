// Package executor runs approved actions and produces execution receipts.
//
// The executor does not decide anything. It enforces the gate decision it is
// handed: a denying decision means the action is never invoked, full stop,
// unless the caller carries an explicit absolute override. Every attempt,
// blocked or not, yields exactly one receipt.
package executor

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haltline-labs/haltline/pkg/audit"
	"github.com/haltline-labs/haltline/pkg/canon"
	"github.com/haltline-labs/haltline/pkg/evidence"
	"github.com/haltline-labs/haltline/pkg/governance"
)

// Action is the opaque callable the executor guards. It receives the attempt
// context and returns its output map.
type Action func(ctx context.Context) (map[string]interface{}, error)

// Receipt is the provability artifact of one execution attempt.
type Receipt struct {
	ReceiptID  string                 `json:"receipt_id"`
	TraceID    string                 `json:"trace_id"`
	StepID     string                 `json:"step_id"`
	OK         bool                   `json:"ok"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Output     map[string]interface{} `json:"output"`
	Evidence   []evidence.Ref         `json:"evidence,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Result reports one attempt. Executed is true only when the action ran and
// succeeded; a blocked attempt never runs the action.
type Result struct {
	Executed bool    `json:"executed"`
	Receipt  Receipt `json:"receipt"`
}

// ExecOptions carries the per-attempt knobs.
type ExecOptions struct {
	// StepID labels the attempt; generated when empty.
	StepID string
	// AbsoluteOverride runs the action even against a denying gate decision.
	// The receipt still records the attempt; the override is the operator's
	// explicit responsibility.
	AbsoluteOverride bool
}

// Executor is the guarded executor.
type Executor struct {
	receipts ReceiptStore
	evid     evidence.Store
	clock    func() time.Time
	logger   *slog.Logger
	auditLog audit.Logger
	tracer   trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.clock = now }
}

// WithAudit attaches an audit logger.
func WithAudit(l audit.Logger) Option {
	return func(e *Executor) { e.auditLog = l }
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithEvidenceStore makes the executor persist each successful action's
// canonical output as a content-addressed evidence blob.
func WithEvidenceStore(s evidence.Store) Option {
	return func(e *Executor) { e.evid = s }
}

// NewExecutor builds an executor writing receipts to store.
func NewExecutor(store ReceiptStore, opts ...Option) *Executor {
	e := &Executor{
		receipts: store,
		clock:    time.Now,
		logger:   slog.Default().With("component", "executor"),
		tracer:   otel.Tracer("haltline/executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute attempts one action under the given gate decision.
//
// The returned error reports receipt persistence faults only; the attempt's
// outcome, including action failures and panics, lives in the Receipt.
func (e *Executor) Execute(ctx context.Context, action Action, gate governance.GateDecision, traceID string, opts ExecOptions) (Result, error) {
	stepID := opts.StepID
	if stepID == "" {
		stepID = newID("step")
	}

	ctx, span := e.tracer.Start(ctx, "executor.execute", trace.WithAttributes(
		attribute.String("trace_id", traceID),
		attribute.String("step_id", stepID),
		attribute.Bool("gate_allowed", gate.Allowed),
		attribute.Bool("absolute_override", opts.AbsoluteOverride),
	))
	defer span.End()

	start := e.now()

	if !gate.Allowed && !opts.AbsoluteOverride {
		receipt := Receipt{
			ReceiptID:  newID("receipt"),
			TraceID:    traceID,
			StepID:     stepID,
			OK:         false,
			StartedAt:  start,
			FinishedAt: e.now(),
			Output:     map[string]interface{}{},
			Error:      "Execution blocked: " + gate.Reason,
		}
		span.SetAttributes(attribute.Bool("blocked", true))
		e.logger.Warn("execution blocked",
			"trace_id", traceID, "step_id", stepID, "reason", gate.Reason)
		err := e.record(ctx, receipt, false)
		return Result{Executed: false, Receipt: receipt}, err
	}

	if !gate.Allowed && opts.AbsoluteOverride {
		e.logger.Warn("absolute override in effect",
			"trace_id", traceID, "step_id", stepID, "gate_reason", gate.Reason)
	}

	output, runErr := runAction(ctx, action)
	finished := e.now()

	receipt := Receipt{
		ReceiptID:  newID("receipt"),
		TraceID:    traceID,
		StepID:     stepID,
		OK:         runErr == nil,
		StartedAt:  start,
		FinishedAt: finished,
		Output:     output,
	}
	if runErr != nil {
		receipt.Error = runErr.Error()
	} else {
		receipt.Evidence = e.captureOutput(ctx, output)
	}

	span.SetAttributes(attribute.Bool("ok", receipt.OK))
	e.logger.Info("execution attempt",
		"trace_id", traceID, "step_id", stepID, "ok", receipt.OK,
		"duration_ms", finished.Sub(start).Milliseconds())

	err := e.record(ctx, receipt, receipt.OK)
	return Result{Executed: receipt.OK, Receipt: receipt}, err
}

func (e *Executor) now() time.Time {
	// Receipts are millisecond-precision artifacts; truncating here keeps
	// them identical after a store round trip.
	return e.clock().UTC().Truncate(time.Millisecond)
}

// runAction invokes the action with panic containment. A panicking action
// is a failed attempt, never a crashed control plane.
func runAction(ctx context.Context, action Action) (output map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = map[string]interface{}{}
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	output, err = action(ctx)
	if output == nil {
		output = map[string]interface{}{}
	}
	return output, err
}

// captureOutput persists the canonical output as evidence. Evidence capture
// is best-effort: a blob-store fault degrades to a warning, the receipt
// itself stays authoritative.
func (e *Executor) captureOutput(ctx context.Context, output map[string]interface{}) []evidence.Ref {
	if e.evid == nil || len(output) == 0 {
		return nil
	}
	data, err := canon.JCS(output)
	if err != nil {
		e.logger.Warn("evidence capture skipped", "error", err)
		return nil
	}
	uri, err := e.evid.Put(ctx, data)
	if err != nil {
		e.logger.Warn("evidence capture failed", "error", err)
		return nil
	}
	return []evidence.Ref{{Kind: evidence.KindOutput, URI: uri, Note: "canonical action output"}}
}

func (e *Executor) record(ctx context.Context, receipt Receipt, ok bool) error {
	if e.auditLog != nil {
		_ = e.auditLog.Record(ctx, audit.EventExecution, "execute", receipt.StepID,
			map[string]interface{}{
				"receipt_id": receipt.ReceiptID,
				"trace_id":   receipt.TraceID,
				"ok":         ok,
				"error":      receipt.Error,
			})
	}
	if err := e.receipts.Append(ctx, receipt); err != nil {
		return fmt.Errorf("persist receipt: %w", err)
	}
	return nil
}

func newID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:6])
}
