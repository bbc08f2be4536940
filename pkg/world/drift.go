package world

import (
	"sort"

	"github.com/haltline-labs/haltline/pkg/canon"
)

// Confidence drops per drift kind. Expectation failures weigh heavier than
// environment churn: a plan explicitly depended on the missing value.
const (
	dropExpectedMissing    = 0.4
	dropObservedDiffers    = 0.5
	dropFingerprintChanged = 0.3
)

// ExpectationDiff compares expected key/value pairs against the observed
// facts and returns one DriftEvent per divergence. A missing fact drops
// confidence by 0.4; a value mismatch by 0.5. Values are compared by
// canonical JSON encoding, so 1 and 1.0 are equal while "1" is not.
//
// Events are emitted in sorted key order so identical inputs produce
// identical output.
func ExpectationDiff(expected map[string]interface{}, facts []Fact) []DriftEvent {
	factMap := make(map[string]Fact, len(facts))
	for _, f := range facts {
		factMap[f.Key] = f
	}

	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var drift []DriftEvent
	for _, key := range keys {
		expectedValue := expected[key]
		f, ok := factMap[key]
		if !ok {
			drift = append(drift, DriftEvent{
				Kind:           DriftExpectation,
				Key:            key,
				Expected:       expectedValue,
				Observed:       nil,
				ConfidenceDrop: dropExpectedMissing,
				Reason:         "expected fact missing",
			})
			continue
		}
		if !canon.Equal(f.Value, expectedValue) {
			drift = append(drift, DriftEvent{
				Kind:           DriftExpectation,
				Key:            key,
				Expected:       expectedValue,
				Observed:       f.Value,
				ConfidenceDrop: dropObservedDiffers,
				Reason:         "observed value differs",
			})
		}
	}
	return drift
}
