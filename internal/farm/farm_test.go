package farm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kaelstrom/travianbot/internal/bridge"
	"github.com/kaelstrom/travianbot/internal/model"
	"github.com/kaelstrom/travianbot/internal/store"
)

type fakeSender struct {
	onSend func(msg bridge.Message) (bridge.Response, error)
	calls  []string
}

func (f *fakeSender) Send(ctx context.Context, msg bridge.Message) (bridge.Response, error) {
	f.calls = append(f.calls, msg.Action)
	if f.onSend != nil {
		return f.onSend(msg)
	}
	return bridge.Response{OK: true}, nil
}

func (f *fakeSender) WaitForReady(ctx context.Context, maxMs time.Duration) bool { return true }
func (f *fakeSender) VerifyPage(ctx context.Context, expected string) bool       { return true }

func newStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func TestResumeFreshCycleHappyPath(t *testing.T) {
	sender := &fakeSender{onSend: func(msg bridge.Message) (bridge.Response, error) {
		if msg.Action == "sendFarmLists" {
			return bridge.Response{OK: true, Data: map[string]interface{}{"sent": float64(3), "skipped": float64(1)}}, nil
		}
		return bridge.Response{OK: true}, nil
	}}
	st := newStore(t)
	m := New("srv1", st, sender, nil)

	cfg := model.FarmConfigSnapshot{EnableReRaid: false}
	result, err := m.Resume(context.Background(), cfg, 1000)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !result.Success || result.Sent != 3 || result.Skipped != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if _, found, _ := m.Load(); found {
		t.Fatalf("expected cycle record cleared after reaching IDLE")
	}
}

func TestResumeFromPersistedSendListsStateSkipsEarlierSteps(t *testing.T) {
	sender := &fakeSender{onSend: func(msg bridge.Message) (bridge.Response, error) {
		if msg.Action == "navigateTo" && msg.Params["page"] == "rally point" {
			t.Fatalf("expected resume to skip NAV_RALLY, but it re-navigated")
		}
		if msg.Action == "clickFarmListTab" {
			t.Fatalf("expected resume to skip CLICK_TAB")
		}
		if msg.Action == "sendFarmLists" {
			return bridge.Response{OK: true, Data: map[string]interface{}{"sent": float64(2), "skipped": float64(0)}}, nil
		}
		return bridge.Response{OK: true}, nil
	}}
	st := newStore(t)
	m := New("srv1", st, sender, nil)

	persisted := &model.FarmCycle{
		ID: "c1", State: model.FarmSendLists, StartedAt: 0, LastStepAt: 900,
		TimeoutMs:      model.DefaultFarmCycleTimeout.Milliseconds(),
		ConfigSnapshot: model.FarmConfigSnapshot{EnableReRaid: false},
	}
	if err := st.Save(store.KeyFarmCycle("srv1"), persisted); err != nil {
		t.Fatalf("seed persist: %v", err)
	}

	result, err := m.Resume(context.Background(), model.FarmConfigSnapshot{}, 1000)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !result.Success || result.Sent != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSendListsAlwaysScansStatusAndRecordsIntelligence(t *testing.T) {
	// The per-slot status scan runs after every send — even with re-raid
	// disabled — because it is what feeds raid outcomes into the
	// intelligence blob.
	sender := &fakeSender{onSend: func(msg bridge.Message) (bridge.Response, error) {
		switch msg.Action {
		case "sendFarmLists":
			return bridge.Response{OK: true, Data: map[string]interface{}{"sent": float64(2), "skipped": float64(0)}}, nil
		case "scanFarmListStatus":
			return bridge.Response{OK: true, Data: map[string]interface{}{
				"slots": []interface{}{
					map[string]interface{}{"coords": "5|5", "loot": float64(90), "losses": false, "bountyFull": true},
					map[string]interface{}{"coords": "6|6", "loot": float64(0), "losses": true, "bountyFull": false},
				},
			}}, nil
		case "sendReRaid":
			t.Fatalf("expected no re-raid sends with EnableReRaid disabled")
		}
		return bridge.Response{OK: true}, nil
	}}
	st := newStore(t)
	m := New("srv1", st, sender, nil)

	result, err := m.Resume(context.Background(), model.FarmConfigSnapshot{EnableReRaid: false}, 1000)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !result.Success || result.ReraidSent != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	scanned := false
	for _, call := range sender.calls {
		if call == "scanFarmListStatus" {
			scanned = true
		}
	}
	if !scanned {
		t.Fatalf("expected a per-slot status scan after the send, calls: %v", sender.calls)
	}

	targets, err := m.Intel().Snapshot()
	if err != nil {
		t.Fatalf("intel snapshot: %v", err)
	}
	if targets["5|5"].LastLoot != 90 || !targets["5|5"].BountyFull {
		t.Fatalf("expected first target's outcome recorded, got %+v", targets)
	}
	if targets["6|6"].Losses != 1 {
		t.Fatalf("expected second target's losses recorded, got %+v", targets)
	}
}

func TestScanSelectsBountyFullTargetsForReraid(t *testing.T) {
	var reraided []string
	sender := &fakeSender{onSend: func(msg bridge.Message) (bridge.Response, error) {
		switch msg.Action {
		case "sendFarmLists":
			return bridge.Response{OK: true, Data: map[string]interface{}{"sent": float64(3)}}, nil
		case "scanFarmListStatus":
			return bridge.Response{OK: true, Data: map[string]interface{}{
				"slots": []interface{}{
					map[string]interface{}{"coords": "1|1", "loot": float64(200), "bountyFull": true},
					map[string]interface{}{"coords": "2|2", "loot": float64(40), "bountyFull": false},
					map[string]interface{}{"coords": "3|3", "loot": float64(150), "bountyFull": true},
				},
			}}, nil
		case "sendReRaid":
			reraided = append(reraided, msg.Params["coords"].(string))
		}
		return bridge.Response{OK: true}, nil
	}}
	st := newStore(t)
	m := New("srv1", st, sender, nil)

	result, err := m.Resume(context.Background(), model.FarmConfigSnapshot{EnableReRaid: true, ReRaidTroopType: "tt", ReRaidCount: 5}, 1000)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !result.Success || result.ReraidSent != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(reraided) != 2 || reraided[0] != "1|1" || reraided[1] != "3|3" {
		t.Fatalf("expected exactly the bounty-full targets re-raided in order, got %v", reraided)
	}
}

func TestReraidLoopAdvancesCursorAcrossTargets(t *testing.T) {
	var sentCoords []string
	sender := &fakeSender{onSend: func(msg bridge.Message) (bridge.Response, error) {
		switch msg.Action {
		case "sendReRaid":
			sentCoords = append(sentCoords, msg.Params["coords"].(string))
			return bridge.Response{OK: true}, nil
		default:
			return bridge.Response{OK: true}, nil
		}
	}}
	st := newStore(t)
	m := New("srv1", st, sender, nil)

	persisted := &model.FarmCycle{
		ID: "c1", State: model.FarmSendReraid, LastStepAt: 900,
		TimeoutMs: model.DefaultFarmCycleTimeout.Milliseconds(),
		ReraidTargets: []model.ReraidTarget{
			{Coords: "A"}, {Coords: "B"}, {Coords: "C"},
		},
		ReraidCursor:   0,
		ConfigSnapshot: model.FarmConfigSnapshot{EnableReRaid: true},
	}
	if err := st.Save(store.KeyFarmCycle("srv1"), persisted); err != nil {
		t.Fatalf("seed persist: %v", err)
	}

	result, err := m.Resume(context.Background(), model.FarmConfigSnapshot{}, 1000)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !result.Success || result.ReraidSent != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(sentCoords) != 3 || sentCoords[0] != "A" || sentCoords[2] != "C" {
		t.Fatalf("expected re-raid to hit all three targets in order, got %v", sentCoords)
	}
}

func TestReraidTargetFailureDoesNotStopTheLoop(t *testing.T) {
	// A per-target send failure is recorded as a loss (ReraidFailed) and the
	// loop still advances to the remaining targets, per spec.md §4.5's
	// "at-least-once per target" re-raid loop, not a whole-cycle failure.
	failOn := "B"
	sender := &fakeSender{onSend: func(msg bridge.Message) (bridge.Response, error) {
		if msg.Action == "sendReRaid" && msg.Params["coords"] == failOn {
			return bridge.Response{}, fmt.Errorf("simulated transport failure")
		}
		return bridge.Response{OK: true}, nil
	}}
	st := newStore(t)
	m := New("srv1", st, sender, nil)

	persisted := &model.FarmCycle{
		ID: "c1", State: model.FarmSendReraid, LastStepAt: 900,
		TimeoutMs:      model.DefaultFarmCycleTimeout.Milliseconds(),
		ReraidTargets:  []model.ReraidTarget{{Coords: "A"}, {Coords: "B"}, {Coords: "C"}},
		ReraidCursor:   0,
		ConfigSnapshot: model.FarmConfigSnapshot{EnableReRaid: true},
	}
	if err := st.Save(store.KeyFarmCycle("srv1"), persisted); err != nil {
		t.Fatalf("seed persist: %v", err)
	}

	result, err := m.Resume(context.Background(), model.FarmConfigSnapshot{}, 1000)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected the cycle to still reach IDLE despite one lost target, got %+v", result)
	}
	if result.ReraidSent != 2 || result.ReraidFailed != 1 {
		t.Fatalf("expected 2 sent / 1 failed across the three targets, got sent=%d failed=%d", result.ReraidSent, result.ReraidFailed)
	}
}

func TestReraidCursorPersistedBeforeEachAttempt(t *testing.T) {
	// The cursor is persisted just before each send, so a process crash
	// between targets leaves the about-to-be-attempted index on disk and a
	// fresh Resume re-sends from there (at-least-once), per spec.md §4.5.
	var cursorsObservedOnDisk []int
	sender := &fakeSender{}
	st := newStore(t)
	sender.onSend = func(msg bridge.Message) (bridge.Response, error) {
		if msg.Action == "sendReRaid" {
			var onDisk model.FarmCycle
			if _, err := st.Load(store.KeyFarmCycle("srv1"), &onDisk); err == nil {
				cursorsObservedOnDisk = append(cursorsObservedOnDisk, onDisk.ReraidCursor)
			}
		}
		return bridge.Response{OK: true}, nil
	}
	m := New("srv1", st, sender, nil)

	persisted := &model.FarmCycle{
		ID: "c1", State: model.FarmSendReraid, LastStepAt: 900,
		TimeoutMs:      model.DefaultFarmCycleTimeout.Milliseconds(),
		ReraidTargets:  []model.ReraidTarget{{Coords: "A"}, {Coords: "B"}, {Coords: "C"}},
		ReraidCursor:   0,
		ConfigSnapshot: model.FarmConfigSnapshot{EnableReRaid: true},
	}
	if err := st.Save(store.KeyFarmCycle("srv1"), persisted); err != nil {
		t.Fatalf("seed persist: %v", err)
	}

	if _, err := m.Resume(context.Background(), model.FarmConfigSnapshot{}, 1000); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if len(cursorsObservedOnDisk) != 3 || cursorsObservedOnDisk[0] != 0 || cursorsObservedOnDisk[1] != 1 || cursorsObservedOnDisk[2] != 2 {
		t.Fatalf("expected the on-disk cursor to equal the about-to-be-attempted index at each send, got %v", cursorsObservedOnDisk)
	}
}

func TestStaleCycleForcesRecoverInsteadOfResume(t *testing.T) {
	sender := &fakeSender{}
	st := newStore(t)
	m := New("srv1", st, sender, nil)

	persisted := &model.FarmCycle{
		ID: "c1", State: model.FarmSendLists, LastStepAt: 0, // far in the past
		TimeoutMs:      model.DefaultFarmCycleTimeout.Milliseconds(),
		ConfigSnapshot: model.FarmConfigSnapshot{},
	}
	if err := st.Save(store.KeyFarmCycle("srv1"), persisted); err != nil {
		t.Fatalf("seed persist: %v", err)
	}

	nowMs := model.DefaultFarmCycleTimeout.Milliseconds() + 100_000
	result, err := m.Resume(context.Background(), model.FarmConfigSnapshot{}, nowMs)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !result.Success || !result.Recovered {
		t.Fatalf("expected a stale cycle to recover with success=true, got %+v", result)
	}
	for _, call := range sender.calls {
		if call == "sendFarmLists" {
			t.Fatalf("expected recovery to skip straight to navigate-home, not resume mid-cycle")
		}
	}

	if _, found, _ := m.Load(); found {
		t.Fatalf("expected the recovered cycle's record to be cleared")
	}
}

func TestCycleThatFailsEarlyStillNavigatesHomeBeforeFailing(t *testing.T) {
	var homeNavs int
	sender := &fakeSender{onSend: func(msg bridge.Message) (bridge.Response, error) {
		if msg.Action == "clickFarmListTab" {
			return bridge.Response{}, fmt.Errorf("simulated click failure")
		}
		if msg.Action == "navigateTo" && msg.Params["page"] == "resources" {
			homeNavs++
		}
		return bridge.Response{OK: true}, nil
	}}
	st := newStore(t)
	m := New("srv1", st, sender, nil)

	result, err := m.Resume(context.Background(), model.FarmConfigSnapshot{}, 0)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure to propagate as an unsuccessful cycle result")
	}
	if homeNavs != 1 {
		t.Fatalf("expected exactly one best-effort navigate-home before giving up, got %d", homeNavs)
	}
}

func TestCycleThatFailsEarlyReportsUnsuccessful(t *testing.T) {
	sender := &fakeSender{onSend: func(msg bridge.Message) (bridge.Response, error) {
		if msg.Action == "navigateTo" && msg.Params["page"] == "rally point" {
			return bridge.Response{}, fmt.Errorf("simulated navigate failure")
		}
		return bridge.Response{OK: true}, nil
	}}
	st := newStore(t)
	m := New("srv1", st, sender, nil)

	result, err := m.Resume(context.Background(), model.FarmConfigSnapshot{}, 0)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure to propagate as an unsuccessful cycle result")
	}
}
