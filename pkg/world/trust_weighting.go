package world

import (
	"math"
	"time"
)

// kindBias adjusts baseline trust per source kind. Human reports get a small
// boost; inferred and remembered values are discounted.
var kindBias = map[SourceKind]float64{
	SourceSensor:    0.0,
	SourceHuman:     0.1,
	SourceInference: -0.1,
	SourceMemory:    -0.2,
}

// TrustWeighting computes the effective trust of a fact from its source's
// baseline trust, the source kind, and the fact's age.
type TrustWeighting struct {
	clock func() time.Time
}

// TrustOption configures TrustWeighting.
type TrustOption func(*TrustWeighting)

// WithTrustClock overrides the time source, for tests.
func WithTrustClock(now func() time.Time) TrustOption {
	return func(w *TrustWeighting) { w.clock = now }
}

// NewTrustWeighting creates a weighting with the wall clock.
func NewTrustWeighting(opts ...TrustOption) *TrustWeighting {
	w := &TrustWeighting{clock: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// EffectiveTrust returns the fact's trust in [0,1]: baseline + kind bias,
// minus a linear age decay capped at 0.5.
func (w *TrustWeighting) EffectiveTrust(f Fact) float64 {
	base := f.Source.Trust

	ageSec := f.Age(w.clock()).Seconds()
	decay := math.Min(ageSec/3600.0, 0.5)

	bias := kindBias[f.Source.Kind]

	return math.Max(0.0, math.Min(1.0, base+bias-decay))
}
