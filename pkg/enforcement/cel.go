package enforcement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
)

// celCostLimit bounds the evaluation cost of one check; celInterruptEvery
// bounds how many steps a runaway expression can take between context
// cancellation checks.
const (
	celCostLimit      = 1_000_000
	celInterruptEvery = 100
)

// CELProbe evaluates a boolean CEL expression against the fact map, bound
// as `facts`. Expressions that do not compile or fall outside the
// deterministic subset are rejected at construction. Evaluation is
// fail-closed: an eval error or a non-boolean result is a failed check.
type CELProbe struct {
	name     string
	entityID string
	critical bool
	expr     string
	program  cel.Program
}

// NewCELProbe compiles expr in an environment where the only binding is
// `facts`. An empty entityID defaults to the probe name.
func NewCELProbe(name, entityID, expr string, critical bool) (*CELProbe, error) {
	if name == "" {
		return nil, errors.New("probe name is required")
	}
	if entityID == "" {
		entityID = name
	}
	env, err := cel.NewEnv(
		cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile probe %q: %w", name, issues.Err())
	}
	if err := validateDeterministic(ast); err != nil {
		return nil, fmt.Errorf("probe %q: %w", name, err)
	}
	prg, err := env.Program(ast,
		cel.CostLimit(celCostLimit),
		cel.InterruptCheckFrequency(celInterruptEvery),
	)
	if err != nil {
		return nil, fmt.Errorf("program probe %q: %w", name, err)
	}
	return &CELProbe{
		name:     name,
		entityID: entityID,
		critical: critical,
		expr:     expr,
		program:  prg,
	}, nil
}

func (p *CELProbe) Name() string     { return p.name }
func (p *CELProbe) EntityID() string { return p.entityID }
func (p *CELProbe) Critical() bool   { return p.critical }

func (p *CELProbe) Check(ctx context.Context, facts map[string]interface{}) Result {
	if facts == nil {
		facts = map[string]interface{}{}
	}
	val, _, err := p.program.ContextEval(ctx, map[string]interface{}{"facts": facts})
	if err != nil {
		return Result{
			Name:    p.name,
			OK:      false,
			Message: fmt.Sprintf("%s: evaluation failed: %v", p.name, err),
			Detail:  map[string]interface{}{"expr": p.expr},
		}
	}
	ok, isBool := val.Value().(bool)
	if !isBool {
		return Result{
			Name:    p.name,
			OK:      false,
			Message: fmt.Sprintf("%s: expression returned %T, want bool", p.name, val.Value()),
			Detail:  map[string]interface{}{"expr": p.expr},
		}
	}
	if !ok {
		return Result{
			Name:    p.name,
			OK:      false,
			Message: fmt.Sprintf("%s: condition not met", p.name),
			Detail:  map[string]interface{}{"expr": p.expr},
		}
	}
	return Result{
		Name:    p.name,
		OK:      true,
		Message: fmt.Sprintf("%s: ok", p.name),
	}
}
