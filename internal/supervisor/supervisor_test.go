package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/kaelstrom/travianbot/internal/bridge"
	"github.com/kaelstrom/travianbot/internal/config"
	"github.com/kaelstrom/travianbot/internal/eventbus"
	"github.com/kaelstrom/travianbot/internal/store"
)

type fakePage struct {
	closed bool
	onSend func(ctx context.Context, msg bridge.Message) (bridge.Response, error)
}

func (f *fakePage) Send(ctx context.Context, msg bridge.Message) (bridge.Response, error) {
	if f.onSend != nil {
		return f.onSend(ctx, msg)
	}
	return bridge.Response{OK: true, Data: map[string]interface{}{"loggedIn": true}}, nil
}

func (f *fakePage) Close() error {
	f.closed = true
	return nil
}

func newManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	bus := eventbus.New(nil)
	return New(st, bus, nil, config.Defaults()), st
}

func TestGetOrCreateSeedsFromInjectedConfigOnFirstBoot(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	seed := config.Defaults()
	seed.Safety.MaxActionsPerHour = 7
	m := New(st, eventbus.New(nil), nil, seed)

	got := m.Config("fresh.example.com")
	if got.Safety.MaxActionsPerHour != 7 {
		t.Fatalf("expected the injected seed to back a server with no persisted config, got %+v", got.Safety)
	}
}

func TestGetOrCreatePersistedConfigWinsOverSeed(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	persisted := config.Defaults()
	persisted.Safety.MaxActionsPerHour = 3
	if err := st.Save(store.KeyConfig("known.example.com"), persisted); err != nil {
		t.Fatalf("seed persist: %v", err)
	}

	seed := config.Defaults()
	seed.Safety.MaxActionsPerHour = 7
	m := New(st, eventbus.New(nil), nil, seed)

	got := m.Config("known.example.com")
	if got.Safety.MaxActionsPerHour != 3 {
		t.Fatalf("expected the persisted config to win over the seed, got %+v", got.Safety)
	}
}

func TestGetOrCreateDoesNotAliasSeedMapsAcrossServers(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	seed := config.Defaults()
	seed.UpgradeTargets = map[string]config.UpgradeTarget{}
	m := New(st, eventbus.New(nil), nil, seed)

	cfgA := m.Config("a.example.com")
	cfgA.UpgradeTargets["slot:1"] = config.UpgradeTarget{Enabled: true, TargetLevel: 5}
	if err := m.SaveConfig("a.example.com", cfgA); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	if got := m.Config("b.example.com"); len(got.UpgradeTargets) != 0 {
		t.Fatalf("expected server b's config to be independent of a's edits, got %+v", got.UpgradeTargets)
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	m, _ := newManager(t)
	a := m.GetOrCreate("Server1.Example.com")
	b := m.GetOrCreate("server1.example.com") // same key, different case: Normalize should fold these
	if a != b {
		t.Fatalf("expected GetOrCreate to return the same instance for the normalized key")
	}
}

func TestStartBeforeBindPageFailsGracefully(t *testing.T) {
	m, _ := newManager(t)
	err := m.Start(context.Background(), "srv1")
	if err == nil {
		t.Fatalf("expected Start to fail before BindPage")
	}
}

func TestStartAfterBindPageSucceeds(t *testing.T) {
	m, _ := newManager(t)
	m.BindPage("srv1", &fakePage{})

	if err := m.Start(context.Background(), "srv1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Stop("srv1")
}

func TestEmergencyStopWithEmptyServerKeyFansOutToEveryInstance(t *testing.T) {
	m, _ := newManager(t)
	m.BindPage("srv1", &fakePage{})
	m.BindPage("srv2", &fakePage{})
	m.Start(context.Background(), "srv1")
	m.Start(context.Background(), "srv2")

	m.EmergencyStop("", "panic_button")

	for _, key := range []string{"srv1", "srv2"} {
		eng := m.Engine(key)
		if eng == nil {
			t.Fatalf("expected engine for %s", key)
		}
		if eng.Lifecycle() != "emergency-stopped" {
			t.Errorf("expected %s to be emergency-stopped, got %s", key, eng.Lifecycle())
		}
	}
}

func TestRemoveStopsEngineAndClosesPage(t *testing.T) {
	m, _ := newManager(t)
	page := &fakePage{}
	m.BindPage("srv1", page)
	m.Start(context.Background(), "srv1")

	m.Remove("srv1")

	if !page.closed {
		t.Fatalf("expected Remove to close the bound page")
	}
	// A GetOrCreate after Remove allocates a brand-new instance with no
	// bound engine; if the old running engine survived, Engine would
	// instead return it still running.
	if eng := m.Engine("srv1"); eng != nil {
		t.Fatalf("expected Remove to forget the instance entirely, got a live engine with lifecycle %s", eng.Lifecycle())
	}
}

func TestListActiveReflectsBoundAndUnboundInstances(t *testing.T) {
	m, _ := newManager(t)
	m.GetOrCreate("unbound")
	m.BindPage("bound", &fakePage{})
	m.Start(context.Background(), "bound")

	active := m.ListActive()
	if len(active) != 2 {
		t.Fatalf("expected 2 listed instances, got %d: %+v", len(active), active)
	}
}

func TestStopAllCompletesWithinTimeout(t *testing.T) {
	m, _ := newManager(t)
	for _, key := range []string{"a", "b", "c"} {
		m.BindPage(key, &fakePage{})
		m.Start(context.Background(), key)
	}

	done := make(chan struct{})
	go func() {
		m.StopAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected StopAll to complete well within its 10s timeout for healthy engines")
	}
}

func TestSaveConfigPersistsAndAppliesToLiveEngine(t *testing.T) {
	m, st := newManager(t)
	m.BindPage("srv1", &fakePage{})

	cfg := m.Config("srv1")
	cfg.Safety.MaxActionsPerHour = 5
	if err := m.SaveConfig("srv1", cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	if got := m.Config("srv1").Safety.MaxActionsPerHour; got != 5 {
		t.Fatalf("expected the live engine's config to reflect the save, got %d", got)
	}

	var onDisk struct {
		Safety struct {
			MaxActionsPerHour int `json:"maxActionsPerHour"`
		} `json:"safety"`
	}
	found, err := st.Load(store.KeyConfig("srv1"), &onDisk)
	if err != nil || !found {
		t.Fatalf("expected config persisted to the store: found=%v err=%v", found, err)
	}
	if onDisk.Safety.MaxActionsPerHour != 5 {
		t.Fatalf("expected persisted config to carry the new value, got %d", onDisk.Safety.MaxActionsPerHour)
	}
}
