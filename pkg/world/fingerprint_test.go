package world

import (
	"context"
	"errors"
	"testing"
	"time"
)

// failingStore errors on every call; used to prove probes degrade instead of
// propagating faults.
type failingStore struct{}

func (failingStore) UpsertFact(context.Context, Fact) error { return errors.New("down") }
func (failingStore) Fact(context.Context, string) (Fact, bool, error) {
	return Fact{}, false, errors.New("down")
}
func (failingStore) Facts(context.Context) ([]Fact, error) { return nil, errors.New("down") }
func (failingStore) Staleness(context.Context, time.Duration) ([]string, error) {
	return nil, errors.New("down")
}
func (failingStore) UpsertEntity(context.Context, Entity) error { return errors.New("down") }
func (failingStore) Entity(context.Context, string) (Entity, bool, error) {
	return Entity{}, false, errors.New("down")
}
func (failingStore) Entities(context.Context, int) ([]Entity, error) {
	return nil, errors.New("down")
}
func (failingStore) CountEntities(context.Context) (int, error) { return 0, errors.New("down") }
func (failingStore) TouchEntity(context.Context, string, EntityStatus, map[string]interface{}) (Entity, error) {
	return Entity{}, errors.New("down")
}
func (failingStore) Snapshot(context.Context) (Snapshot, error) {
	return Snapshot{}, errors.New("down")
}

func seedEntities(t *testing.T, s Store, ids ...string) {
	t.Helper()
	for i, id := range ids {
		err := s.UpsertEntity(context.Background(), Entity{
			EntityID: id,
			Kind:     "node",
			LastSeen: testBase.Add(time.Duration(i) * time.Second),
			Status:   StatusOK,
		})
		if err != nil {
			t.Fatalf("seed entity %s: %v", id, err)
		}
	}
}

func TestFingerprint_FirstCallIsBaseline(t *testing.T) {
	s := NewMemoryStore()
	seedEntities(t, s, "a", "b")

	d := NewFingerprintDetector(s)
	report := d.Compute(context.Background(), 10)
	if !report.OK {
		t.Fatalf("report not ok: %+v", report)
	}
	if report.Fingerprint == "" || report.Count != 2 {
		t.Errorf("report = %+v", report)
	}
	if len(report.DriftEvents) != 0 {
		t.Errorf("baseline call must not report drift: %+v", report.DriftEvents)
	}
}

func TestFingerprint_StableWorldNoDrift(t *testing.T) {
	s := NewMemoryStore()
	seedEntities(t, s, "a", "b")

	d := NewFingerprintDetector(s)
	first := d.Compute(context.Background(), 10)
	second := d.Compute(context.Background(), 10)
	if second.Fingerprint != first.Fingerprint {
		t.Errorf("fingerprint moved on identical world: %s vs %s", first.Fingerprint, second.Fingerprint)
	}
	if len(second.DriftEvents) != 0 {
		t.Errorf("unexpected drift: %+v", second.DriftEvents)
	}
}

func TestFingerprint_ChangeReportsExactlyOneEvent(t *testing.T) {
	s := NewMemoryStore()
	seedEntities(t, s, "a", "b")

	d := NewFingerprintDetector(s)
	first := d.Compute(context.Background(), 10)

	seedEntities(t, s, "c")
	second := d.Compute(context.Background(), 10)

	if len(second.DriftEvents) != 1 {
		t.Fatalf("expected exactly one drift event, got %+v", second.DriftEvents)
	}
	ev := second.DriftEvents[0]
	if ev.Kind != DriftFingerprint {
		t.Errorf("kind = %q", ev.Kind)
	}
	if ev.PrevFingerprint != first.Fingerprint || ev.Fingerprint != second.Fingerprint {
		t.Errorf("fingerprint pair wrong: %+v", ev)
	}
	if ev.Reason != "world fingerprint changed" {
		t.Errorf("reason = %q", ev.Reason)
	}

	// The new hash becomes the baseline: no further drift until the next change.
	third := d.Compute(context.Background(), 10)
	if len(third.DriftEvents) != 0 {
		t.Errorf("baseline not updated: %+v", third.DriftEvents)
	}
}

func TestFingerprint_StoreFaultDegrades(t *testing.T) {
	d := NewFingerprintDetector(failingStore{})
	report := d.Compute(context.Background(), 10)
	if report.OK {
		t.Fatal("report should not be ok")
	}
	if report.Error == "" {
		t.Error("error detail missing")
	}
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	// Same entity set seeded in different insertion orders must hash the same.
	s1 := NewMemoryStore()
	seedEntities(t, s1, "a", "b", "c")
	s2 := NewMemoryStore()
	// Reverse insertion order, same LastSeen per id as s1.
	offsets := map[string]time.Duration{"a": 0, "b": time.Second, "c": 2 * time.Second}
	for _, id := range []string{"c", "b", "a"} {
		_ = s2.UpsertEntity(context.Background(), Entity{
			EntityID: id,
			Kind:     "node",
			LastSeen: testBase.Add(offsets[id]),
			Status:   StatusOK,
		})
	}

	r1 := NewFingerprintDetector(s1).Compute(context.Background(), 10)
	r2 := NewFingerprintDetector(s2).Compute(context.Background(), 10)
	if r1.Fingerprint != r2.Fingerprint {
		t.Errorf("fingerprints differ for identical worlds: %s vs %s", r1.Fingerprint, r2.Fingerprint)
	}
}
