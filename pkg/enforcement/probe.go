// Package enforcement runs the tripwire sweep: probes check critical
// dependencies against the observed fact table, the entity registry records
// what each probe saw, and an armed system auto-freezes on the first
// critical failure. The sweep itself never fetches anything and never
// panics; it acts only on what the world store already knows.
package enforcement

import "context"

// Result is one probe outcome.
type Result struct {
	Name    string                 `json:"name"`
	OK      bool                   `json:"ok"`
	Message string                 `json:"message"`
	Detail  map[string]interface{} `json:"detail,omitempty"`
}

// Probe is a named check over the observed fact map.
type Probe interface {
	Name() string

	// EntityID names the registry entity this probe reports on.
	EntityID() string

	// Critical probes freeze an armed system when they fail.
	Critical() bool

	Check(ctx context.Context, facts map[string]interface{}) Result
}
