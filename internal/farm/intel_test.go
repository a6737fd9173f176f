package farm

import (
	"testing"
)

func TestIntelligenceRecordAccumulatesPerTarget(t *testing.T) {
	st := newStore(t)
	intel := NewIntelligence("srv1", st)

	first := []RaidOutcome{
		{Coords: "10|20", Loot: 120, Losses: false, BountyFull: true},
		{Coords: "11|21", Loot: 0, Losses: true},
	}
	if err := intel.Record(first, 1000); err != nil {
		t.Fatalf("Record: %v", err)
	}
	second := []RaidOutcome{
		{Coords: "10|20", Loot: 80, Losses: true, BountyFull: false},
	}
	if err := intel.Record(second, 2000); err != nil {
		t.Fatalf("Record: %v", err)
	}

	targets, err := intel.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	got := targets["10|20"]
	if got.Raids != 2 || got.TotalLoot != 200 || got.LastLoot != 80 || got.Losses != 1 {
		t.Fatalf("unexpected accumulated record: %+v", got)
	}
	if got.LastRaidAt != 2000 || got.BountyFull {
		t.Fatalf("expected latest outcome to win for LastRaidAt/BountyFull, got %+v", got)
	}
	if other := targets["11|21"]; other.Losses != 1 || other.Raids != 1 {
		t.Fatalf("unexpected record for second target: %+v", other)
	}
}

func TestIntelligenceSurvivesNewRecorderInstance(t *testing.T) {
	st := newStore(t)
	if err := NewIntelligence("srv1", st).Record([]RaidOutcome{{Coords: "1|1", Loot: 50}}, 500); err != nil {
		t.Fatalf("Record: %v", err)
	}

	targets, err := NewIntelligence("srv1", st).Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if targets["1|1"].TotalLoot != 50 {
		t.Fatalf("expected the record to persist across instances, got %+v", targets)
	}
}

func TestIntelligenceRecordSkipsEmptyCoords(t *testing.T) {
	st := newStore(t)
	intel := NewIntelligence("srv1", st)
	if err := intel.Record([]RaidOutcome{{Coords: "", Loot: 10}}, 100); err != nil {
		t.Fatalf("Record: %v", err)
	}
	targets, err := intel.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(targets) != 0 {
		t.Fatalf("expected nothing recorded for an empty coords key, got %+v", targets)
	}
}
