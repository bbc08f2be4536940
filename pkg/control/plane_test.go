package control

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haltline-labs/haltline/pkg/approval"
	"github.com/haltline-labs/haltline/pkg/audit"
	"github.com/haltline-labs/haltline/pkg/enforcement"
	"github.com/haltline-labs/haltline/pkg/executor"
	"github.com/haltline-labs/haltline/pkg/governance"
	"github.com/haltline-labs/haltline/pkg/identity"
	"github.com/haltline-labs/haltline/pkg/world"
	"github.com/haltline-labs/haltline/pkg/worldstate"
)

var planeBase = time.Date(2026, 5, 14, 9, 0, 0, 0, time.UTC)

const planeSecret = "control-plane-secret-01"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type planeFixture struct {
	plane     *Plane
	machine   *worldstate.Machine
	worldSt   *world.MemoryStore
	receipts  *executor.MemoryReceiptStore
	approvals *approval.Service
	clock     *testClock
	auditBuf  *bytes.Buffer
}

func newPlaneFixture(t *testing.T, mutate func(*Config, *planeFixture)) *planeFixture {
	t.Helper()
	ctx := context.Background()

	f := &planeFixture{
		clock:    &testClock{now: planeBase},
		auditBuf: &bytes.Buffer{},
	}
	auditLog := audit.NewLoggerWithWriter(f.auditBuf)

	machine, err := worldstate.NewMachine(ctx, worldstate.NewMemoryStore(),
		worldstate.WithClock(f.clock.Now), worldstate.WithAudit(auditLog))
	require.NoError(t, err)
	f.machine = machine

	f.approvals, err = approval.NewService(planeSecret, 10*time.Minute, approval.NewMemoryStore(),
		approval.WithClock(f.clock.Now), approval.WithAudit(auditLog))
	require.NoError(t, err)

	f.worldSt = world.NewMemoryStore(world.WithClock(f.clock.Now))
	f.receipts = executor.NewMemoryReceiptStore()

	cfg := Config{
		Machine:    machine,
		Approvals:  f.approvals,
		WorldStore: f.worldSt,
		Executor: executor.NewExecutor(f.receipts,
			executor.WithClock(f.clock.Now), executor.WithAudit(auditLog)),
		Verifier: governance.NewVerifier(governance.WithVerifierClock(f.clock.Now)),
	}
	if mutate != nil {
		mutate(&cfg, f)
	}
	f.plane, err = NewPlane(cfg)
	require.NoError(t, err)
	return f
}

// armActive walks the machine to ARMED_ACTIVE.
func (f *planeFixture) armActive(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.machine.Transition(ctx, worldstate.ArmedIdle, "test arm", "tester", worldstate.TransitionOptions{})
	require.NoError(t, err)
	_, err = f.machine.Transition(ctx, worldstate.ArmedActive, "test activate", "tester", worldstate.TransitionOptions{})
	require.NoError(t, err)
}

func (f *planeFixture) upsertFact(t *testing.T, key string, value interface{}) {
	t.Helper()
	err := f.worldSt.UpsertFact(context.Background(), world.Fact{
		Key:        key,
		Value:      value,
		ObservedAt: f.clock.Now(),
		Source:     world.Source{SourceID: "test", Kind: world.SourceSensor, Trust: 1},
	})
	require.NoError(t, err)
}

func allowedGate() governance.GateDecision {
	return governance.GateDecision{
		Allowed:    true,
		Reason:     "uncertainty gate passed",
		Confidence: governance.Confidence{Score: 0.9, Rationale: "test"},
	}
}

func noopAction(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"done": true}, nil
}

func TestNewPlane_RequiresCoreComponents(t *testing.T) {
	_, err := NewPlane(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "machine")
}

func TestAnalyze_CleanWorldPasses(t *testing.T) {
	f := newPlaneFixture(t, nil)
	f.upsertFact(t, "service_health", "ok")

	res := f.plane.Analyze(context.Background(), AnalyzeRequest{
		Assumptions: []governance.Assumption{{Key: "service_health", ExpectedValue: "ok"}},
		Expected:    map[string]interface{}{"service_health": "ok"},
		Confidence:  governance.Confidence{Score: 0.9, Rationale: "plan looks solid"},
	})

	assert.True(t, res.Gate.Allowed)
	assert.Equal(t, "uncertainty gate passed", res.Gate.Reason)
	require.Len(t, res.Assumptions, 1)
	assert.Equal(t, governance.AssumptionValid, res.Assumptions[0].Status)
	assert.Empty(t, res.DriftEvents)
	assert.True(t, res.Fingerprint.OK)
	assert.True(t, strings.HasPrefix(res.Surface.Reason, "proposal analysis"))
}

func TestAnalyze_DriftFailsClosed(t *testing.T) {
	f := newPlaneFixture(t, nil)
	f.upsertFact(t, "door", "open")

	res := f.plane.Analyze(context.Background(), AnalyzeRequest{
		Assumptions: []governance.Assumption{{Key: "door", ExpectedValue: "closed"}},
		Expected:    map[string]interface{}{"door": "closed"},
		Confidence:  governance.Confidence{Score: 0.95, Rationale: "claimed"},
		BaseReason:  "open the airlock",
	})

	assert.False(t, res.Gate.Allowed)
	assert.Contains(t, res.Gate.Reason, "door")
	assert.InDelta(t, 0.4, res.Gate.Confidence.Score, 1e-9)
	require.Len(t, res.DriftEvents, 1)
	assert.Equal(t, world.DriftExpectation, res.DriftEvents[0].Kind)
	assert.Contains(t, res.Surface.Reason, "open the airlock")
	assert.Contains(t, res.Surface.Reason, "Blocked by governance")
	assert.Equal(t, []string{"door"}, res.Surface.ViolatedAssumptions)
}

// faultyWorldStore fails every fact read.
type faultyWorldStore struct {
	*world.MemoryStore
}

func (s *faultyWorldStore) Facts(ctx context.Context) ([]world.Fact, error) {
	return nil, errors.New("backend offline")
}

func TestAnalyze_WorldStoreFaultFailsClosed(t *testing.T) {
	f := newPlaneFixture(t, func(cfg *Config, f *planeFixture) {
		cfg.WorldStore = &faultyWorldStore{MemoryStore: f.worldSt}
	})

	res := f.plane.Analyze(context.Background(), AnalyzeRequest{
		Assumptions: []governance.Assumption{{Key: "anything", ExpectedValue: 1}},
		Expected:    map[string]interface{}{"anything": 1},
		Confidence:  governance.Confidence{Score: 0.99, Rationale: "claimed"},
	})

	assert.False(t, res.Gate.Allowed)
	assert.Equal(t, "world store unavailable", res.Gate.Reason)
	assert.Zero(t, res.Gate.Confidence.Score)
	assert.Contains(t, res.Surface.Reason, "world store unavailable")
}

func TestAnalyze_FingerprintDriftReported(t *testing.T) {
	f := newPlaneFixture(t, nil)
	ctx := context.Background()

	first := f.plane.Analyze(ctx, AnalyzeRequest{Confidence: governance.Confidence{Score: 0.9}})
	assert.Empty(t, first.DriftEvents, "baseline pass must not report drift")

	f.clock.Advance(time.Minute)
	_, err := f.worldSt.TouchEntity(ctx, "node-7", world.StatusOK, nil)
	require.NoError(t, err)

	second := f.plane.Analyze(ctx, AnalyzeRequest{Confidence: governance.Confidence{Score: 0.9}})
	require.Len(t, second.DriftEvents, 1)
	assert.Equal(t, world.DriftFingerprint, second.DriftEvents[0].Kind)
	// Fingerprint churn alone violates no assumptions and carries no veto.
	assert.True(t, second.Gate.Allowed)
	assert.Contains(t, second.Surface.DriftKeys, world.DriftFingerprint)
}

func TestAuthorize_IssuesPendingToken(t *testing.T) {
	f := newPlaneFixture(t, nil)

	token, err := f.plane.Authorize(context.Background(), "prop-1", []approval.ActionScope{
		{RunnerID: "runner-1", Action: "deploy", Risk: approval.RiskLow},
	})
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, token.Status)
	assert.NotEmpty(t, token.Signature)
	assert.Equal(t, "prop-1", token.ProposalID)
}

func TestExecute_HappyPathConsumesToken(t *testing.T) {
	f := newPlaneFixture(t, nil)
	f.armActive(t)
	ctx := context.Background()

	scope := approval.ActionScope{RunnerID: "runner-1", Action: "deploy", Risk: approval.RiskLow}
	token, err := f.plane.Authorize(ctx, "prop-1", []approval.ActionScope{scope})
	require.NoError(t, err)

	res, err := f.plane.Execute(ctx, ExecuteRequest{
		Action:  noopAction,
		Token:   token,
		Scope:   scope,
		TraceID: "trace-1",
		Gate:    allowedGate(),
	})
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.True(t, res.Receipt.OK)
	assert.Equal(t, true, res.Receipt.Output["done"])

	// The token is single-use: a replay is denied and still produces a receipt.
	replay, err := f.plane.Execute(ctx, ExecuteRequest{
		Action:  noopAction,
		Token:   token,
		Scope:   scope,
		TraceID: "trace-1",
		Gate:    allowedGate(),
	})
	require.NoError(t, err)
	assert.False(t, replay.Executed)
	assert.Contains(t, replay.Receipt.Error, "Token not pending: CONSUMED")

	receipts, err := f.receipts.ListByTrace(ctx, "trace-1", 0)
	require.NoError(t, err)
	assert.Len(t, receipts, 2)
}

func TestExecute_BlockedOutsideArmedActive(t *testing.T) {
	f := newPlaneFixture(t, nil)
	ctx := context.Background()

	scope := approval.ActionScope{RunnerID: "runner-1", Action: "deploy", Risk: approval.RiskLow}
	token, err := f.plane.Authorize(ctx, "prop-1", []approval.ActionScope{scope})
	require.NoError(t, err)

	ran := false
	res, err := f.plane.Execute(ctx, ExecuteRequest{
		Action: func(ctx context.Context) (map[string]interface{}, error) {
			ran = true
			return nil, nil
		},
		Token:   token,
		Scope:   scope,
		TraceID: "trace-2",
		Gate:    allowedGate(),
	})
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.False(t, ran, "action must not run while disarmed")
	assert.Equal(t, "Execution blocked: state=DISARMED reason=boot default", res.Receipt.Error)

	// The state check fires before any token operation, so the token is intact.
	vr := f.approvals.Verify(ctx, token, nil)
	assert.True(t, vr.OK)
}

func TestExecute_TokenRequired(t *testing.T) {
	f := newPlaneFixture(t, nil)
	f.armActive(t)

	res, err := f.plane.Execute(context.Background(), ExecuteRequest{
		Action:  noopAction,
		TraceID: "trace-3",
		Gate:    allowedGate(),
	})
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, "Execution blocked: approval: token required", res.Receipt.Error)
}

func TestExecute_ScopeMismatchBlocked(t *testing.T) {
	f := newPlaneFixture(t, nil)
	f.armActive(t)
	ctx := context.Background()

	token, err := f.plane.Authorize(ctx, "prop-1", []approval.ActionScope{
		{RunnerID: "runner-1", Action: "deploy", Risk: approval.RiskLow},
	})
	require.NoError(t, err)

	res, err := f.plane.Execute(ctx, ExecuteRequest{
		Action:  noopAction,
		Token:   token,
		Scope:   approval.ActionScope{RunnerID: "runner-1", Action: "delete", Risk: approval.RiskLow},
		TraceID: "trace-4",
		Gate:    allowedGate(),
	})
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Contains(t, res.Receipt.Error, "approval: Scope not covered by token")

	// Verification failed before consumption; the token is still spendable.
	cr := f.approvals.Consume(ctx, token.TokenID, token.Nonce)
	assert.True(t, cr.OK)
}

func TestExecute_TamperedTokenBlocked(t *testing.T) {
	f := newPlaneFixture(t, nil)
	f.armActive(t)
	ctx := context.Background()

	scope := approval.ActionScope{RunnerID: "runner-1", Action: "deploy", Risk: approval.RiskLow}
	token, err := f.plane.Authorize(ctx, "prop-1", []approval.ActionScope{scope})
	require.NoError(t, err)
	if token.Signature[0] == 'A' {
		token.Signature = "B" + token.Signature[1:]
	} else {
		token.Signature = "A" + token.Signature[1:]
	}

	res, err := f.plane.Execute(ctx, ExecuteRequest{
		Action:  noopAction,
		Token:   token,
		Scope:   scope,
		TraceID: "trace-5",
		Gate:    allowedGate(),
	})
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Contains(t, res.Receipt.Error, "approval: Signature mismatch")
}

func TestExecute_OverrideBypassesGateOnly(t *testing.T) {
	f := newPlaneFixture(t, nil)
	f.armActive(t)
	ctx := context.Background()

	scope := approval.ActionScope{RunnerID: "runner-1", Action: "deploy", Risk: approval.RiskHigh}
	token, err := f.plane.Authorize(ctx, "prop-1", []approval.ActionScope{scope})
	require.NoError(t, err)

	denying := governance.GateDecision{
		Allowed:    false,
		Reason:     "confidence below threshold",
		Confidence: governance.Confidence{Score: 0.3},
	}
	res, err := f.plane.Execute(ctx, ExecuteRequest{
		Action:           noopAction,
		Token:            token,
		Scope:            scope,
		TraceID:          "trace-6",
		Gate:             denying,
		AbsoluteOverride: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Executed, "override runs the action against a denying gate")

	// Against a blocked world state the same override changes nothing.
	frozen := newPlaneFixture(t, nil)
	token2, err := frozen.plane.Authorize(ctx, "prop-2", []approval.ActionScope{scope})
	require.NoError(t, err)
	res2, err := frozen.plane.Execute(ctx, ExecuteRequest{
		Action:           noopAction,
		Token:            token2,
		Scope:            scope,
		TraceID:          "trace-7",
		Gate:             allowedGate(),
		AbsoluteOverride: true,
	})
	require.NoError(t, err)
	assert.False(t, res2.Executed)
	assert.Contains(t, res2.Receipt.Error, "state=DISARMED")
}

func TestExecute_IdentityActorFlowsToAudit(t *testing.T) {
	var mgr *identity.Manager
	f := newPlaneFixture(t, func(cfg *Config, f *planeFixture) {
		var err error
		mgr, err = identity.NewManager("identity-secret-0123", identity.WithClock(f.clock.Now))
		require.NoError(t, err)
		cfg.Identity = mgr
	})
	f.armActive(t)
	ctx := context.Background()

	idToken, err := mgr.Mint("alice", []string{"operator"}, 0)
	require.NoError(t, err)

	scope := approval.ActionScope{RunnerID: "runner-1", Action: "deploy", Risk: approval.RiskLow}
	token, err := f.plane.Authorize(ctx, "prop-1", []approval.ActionScope{scope})
	require.NoError(t, err)

	res, err := f.plane.Execute(ctx, ExecuteRequest{
		Action:        noopAction,
		Token:         token,
		Scope:         scope,
		TraceID:       "trace-8",
		Gate:          allowedGate(),
		IdentityToken: idToken,
	})
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Contains(t, f.auditBuf.String(), `"actor":"alice"`)
}

func TestExecute_InvalidIdentityBlocked(t *testing.T) {
	f := newPlaneFixture(t, func(cfg *Config, f *planeFixture) {
		mgr, err := identity.NewManager("identity-secret-0123", identity.WithClock(f.clock.Now))
		require.NoError(t, err)
		cfg.Identity = mgr
	})
	f.armActive(t)
	ctx := context.Background()

	scope := approval.ActionScope{RunnerID: "runner-1", Action: "deploy", Risk: approval.RiskLow}
	token, err := f.plane.Authorize(ctx, "prop-1", []approval.ActionScope{scope})
	require.NoError(t, err)

	res, err := f.plane.Execute(ctx, ExecuteRequest{
		Action:        noopAction,
		Token:         token,
		Scope:         scope,
		TraceID:       "trace-9",
		Gate:          allowedGate(),
		IdentityToken: "not.a.jwt",
	})
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, "Execution blocked: identity: invalid token", res.Receipt.Error)

	// An identity claim with no manager wired is a denial, not a pass-through.
	bare := newPlaneFixture(t, nil)
	bare.armActive(t)
	res2, err := bare.plane.Execute(ctx, ExecuteRequest{
		Action:        noopAction,
		Token:         token,
		Scope:         scope,
		TraceID:       "trace-10",
		Gate:          allowedGate(),
		IdentityToken: "anything",
	})
	require.NoError(t, err)
	assert.False(t, res2.Executed)
	assert.Contains(t, res2.Receipt.Error, "identity: no token manager configured")
}

// failingProbe trips the enforcement sweep.
type failingProbe struct{}

func (failingProbe) Name() string     { return "heartbeat" }
func (failingProbe) EntityID() string { return "heartbeat" }
func (failingProbe) Critical() bool   { return true }
func (failingProbe) Check(ctx context.Context, facts map[string]interface{}) enforcement.Result {
	return enforcement.Result{Name: "heartbeat", OK: false, Message: "heartbeat: lost"}
}

func TestEnforce_NotConfigured(t *testing.T) {
	f := newPlaneFixture(t, nil)

	report := f.plane.Enforce(context.Background())
	assert.Equal(t, enforcement.ActionNoop, report.Action)
	assert.Equal(t, "enforcement not configured", report.Reason)
	assert.Equal(t, worldstate.Disarmed, report.State)
}

func TestEnforce_SweepFreezesOnTrip(t *testing.T) {
	f := newPlaneFixture(t, func(cfg *Config, f *planeFixture) {
		cfg.Enforcer = enforcement.NewEnforcer(f.machine, f.worldSt, []enforcement.Probe{failingProbe{}})
	})
	f.armActive(t)
	ctx := context.Background()

	report := f.plane.Enforce(ctx)
	assert.Equal(t, enforcement.ActionFreeze, report.Action)
	assert.True(t, report.Froze)
	assert.Equal(t, worldstate.Frozen, f.plane.State(ctx).State)

	// Frozen world: execution is blocked regardless of tokens and gates.
	scope := approval.ActionScope{RunnerID: "runner-1", Action: "deploy", Risk: approval.RiskLow}
	token, err := f.plane.Authorize(ctx, "prop-1", []approval.ActionScope{scope})
	require.NoError(t, err)
	res, err := f.plane.Execute(ctx, ExecuteRequest{
		Action:  noopAction,
		Token:   token,
		Scope:   scope,
		TraceID: "trace-11",
		Gate:    allowedGate(),
	})
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Contains(t, res.Receipt.Error, "state=FROZEN")
}

func TestStateHelpers_DefaultsAndChain(t *testing.T) {
	f := newPlaneFixture(t, nil)
	ctx := context.Background()

	snap, err := f.plane.Arm(ctx, "fire drill", "ops")
	require.NoError(t, err)
	assert.Equal(t, worldstate.ArmedIdle, snap.State)
	assert.Equal(t, "fire drill", snap.Reason)
	assert.Equal(t, "ops", snap.UpdatedBy)

	snap, err = f.plane.Activate(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, worldstate.ArmedActive, snap.State)
	assert.Equal(t, "manual activate", snap.Reason)
	assert.Equal(t, "user", snap.UpdatedBy)

	snap, err = f.plane.Freeze(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, worldstate.Frozen, snap.State)
	assert.Equal(t, "manual freeze", snap.Reason)

	snap, err = f.plane.Disarm(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, worldstate.Disarmed, snap.State)
	assert.Equal(t, "manual disarm", snap.Reason)

	snap, err = f.plane.End(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, worldstate.Ended, snap.State)
	assert.Equal(t, "manual end", snap.Reason)

	_, err = f.plane.Arm(ctx, "", "")
	require.Error(t, err, "ENDED is terminal")

	ok, detail := f.plane.VerifyAuditChain(ctx)
	assert.True(t, ok, detail)
}
