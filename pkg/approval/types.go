// Package approval issues and verifies signed, single-use approval tokens.
//
// A token binds a human approval to the exact action scopes it covers. The
// signature is an HMAC-SHA256 over a canonical line-based payload, so any
// change to the token after issuance is detectable, and consumption is an
// atomic single-use transition: a token spends exactly once no matter how
// many callers race on it.
package approval

import "time"

// Status is the lifecycle state of a token.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusConsumed Status = "CONSUMED"
	StatusExpired  Status = "EXPIRED"
	StatusRevoked  Status = "REVOKED"

	// StatusInvalid is a verdict, not a stored state: the token is unknown,
	// tampered with, or otherwise unusable.
	StatusInvalid Status = "INVALID"
	// StatusNotFound is the consume verdict for an unknown token id.
	StatusNotFound Status = "NOT_FOUND"
)

// Risk levels for an action scope.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// AlgHMACSHA256 is the only signature algorithm tokens carry.
const AlgHMACSHA256 = "HMAC-SHA256"

// ActionScope is the exact action a token authorizes. It is immutable once
// embedded in a token: the signature covers every field except HumanSummary,
// which is advisory text for the approval UI.
type ActionScope struct {
	RunnerID     string                 `json:"runner_id"`
	Action       string                 `json:"action"`
	Args         map[string]interface{} `json:"args,omitempty"`
	HumanSummary string                 `json:"human_summary,omitempty"`
	Risk         string                 `json:"risk"`
}

// Token is a signed approval. IssuedAt and ExpiresAt carry whole-second
// precision so the signed payload round-trips every backing store intact.
type Token struct {
	TokenID    string        `json:"token_id"`
	IssuedAt   time.Time     `json:"issued_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	Nonce      string        `json:"nonce"`
	ProposalID string        `json:"proposal_id"`
	Scopes     []ActionScope `json:"scopes"`
	Alg        string        `json:"alg"`
	Signature  string        `json:"signature"`
	Status     Status        `json:"status"`
}

// VerifyResult is the outcome of a verification. Failures are values, not
// errors: Reason says why, Status carries the verdict. ExpiresAt is zero
// unless the verdict involves the token's lifetime.
type VerifyResult struct {
	OK        bool      `json:"ok"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ConsumeResult is the outcome of a consume attempt.
type ConsumeResult struct {
	OK     bool   `json:"ok"`
	Status Status `json:"status"`
	Reason string `json:"reason"`
}

// Stats summarizes the token store.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

// cloneScopes deep-copies scope slices so stored tokens cannot be mutated
// through retained references.
func cloneScopes(scopes []ActionScope) []ActionScope {
	if scopes == nil {
		return nil
	}
	out := make([]ActionScope, len(scopes))
	for i, sc := range scopes {
		out[i] = sc
		if sc.Args != nil {
			args := make(map[string]interface{}, len(sc.Args))
			for k, v := range sc.Args {
				args[k] = v
			}
			out[i].Args = args
		}
	}
	return out
}

func cloneToken(t Token) Token {
	t.Scopes = cloneScopes(t.Scopes)
	return t
}
