// Package supervisor implements the Supervisor/InstanceManager from
// spec.md §4.1: the top-level registry that owns exactly one BotInstance
// (config + Engine + bound page) per ServerKey, and fans out lifecycle
// calls to the right one.
//
// The per-key map-plus-mutex shape, and the "track which keys are
// currently busy" discipline, are grounded on the teacher's
// control_plane/reconciler.go Reconciler: activeReconciles there maps
// NodeID -> busy bool guarded by one mutex; here the map holds the
// instance itself (serverKey -> *BotInstance), since the InstanceManager
// is the one place the whole program can reach an Engine by name.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kaelstrom/travianbot/internal/bridge"
	"github.com/kaelstrom/travianbot/internal/config"
	"github.com/kaelstrom/travianbot/internal/engine"
	"github.com/kaelstrom/travianbot/internal/eventbus"
	"github.com/kaelstrom/travianbot/internal/model"
	"github.com/kaelstrom/travianbot/internal/store"
)

// PageHandle is the external page-controller contract spec.md §1 names as
// out of scope: whatever opens/injects/drives a browser tab. The
// Supervisor only needs its Transport half to build a Bridge.
type PageHandle interface {
	bridge.Transport
	Close() error
}

// BotInstance groups everything the Supervisor tracks for one ServerKey:
// its bound page (nil until bindPage), its Bridge, and its Engine (nil
// until bindPage, since Engine construction needs the Bridge).
type BotInstance struct {
	ServerKey string

	mu     sync.Mutex
	page   PageHandle
	br     *bridge.Bridge
	eng    *engine.Engine
	cfg    config.Config
}

// Manager is the Supervisor/InstanceManager, per spec.md §4.1.
type Manager struct {
	st     store.Store
	bus    *eventbus.Bus
	logger *zap.Logger
	seed   config.Config

	mu        sync.Mutex
	instances map[string]*BotInstance
}

// New builds a Manager backed by st for persistence and bus for lifecycle
// event emission. seed is the configuration a server starts from when no
// persisted copy exists yet — at process level this is Defaults overlaid
// with the optional YAML bootstrap file by config.Loader, which applies
// environment overrides only to keys that file sets.
func New(st store.Store, bus *eventbus.Bus, logger *zap.Logger, seed config.Config) *Manager {
	return &Manager{st: st, bus: bus, logger: logger, seed: seed, instances: map[string]*BotInstance{}}
}

// GetOrCreate returns the BotInstance for serverKey, creating one (with
// config loaded from the store, falling back to the seed configuration)
// if it doesn't exist yet. Idempotent, per spec.md §4.1.
func (m *Manager) GetOrCreate(serverKey string) *BotInstance {
	key := string(model.Normalize(serverKey))

	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[key]; ok {
		return inst
	}

	cfg := m.seed.Clone()
	if m.st != nil {
		_, _ = m.st.Load(store.KeyConfig(key), &cfg)
	}
	inst := &BotInstance{ServerKey: key, cfg: cfg}
	m.instances[key] = inst
	m.emit(key, "instanceCreated", nil)
	return inst
}

// BindPage attaches a controlled page to serverKey's instance, building
// its Bridge and Engine. Must be called before Start, per spec.md §4.1.
func (m *Manager) BindPage(serverKey string, page PageHandle) {
	inst := m.GetOrCreate(serverKey)

	inst.mu.Lock()
	if inst.page != nil && inst.page != page {
		_ = inst.page.Close()
	}
	inst.page = page
	inst.br = bridge.New(page)
	inst.eng = engine.New(inst.ServerKey, m.st, m.bus, m.logger, inst.br, inst.cfg)
	inst.mu.Unlock()

	m.emit(inst.ServerKey, "pageBound", nil)
}

// Start transitions serverKey's instance to running-active. A no-op (with
// a warning) if BindPage has not been called, or if the engine is already
// running, per spec.md §4.1 "Failure semantics".
func (m *Manager) Start(ctx context.Context, serverKey string) error {
	inst := m.GetOrCreate(serverKey)

	inst.mu.Lock()
	eng := inst.eng
	inst.mu.Unlock()
	if eng == nil {
		if m.logger != nil {
			m.logger.Warn("supervisor: start requested before bindPage", zap.String("server", serverKey))
		}
		return fmt.Errorf("supervisor: %s has no bound page", serverKey)
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	m.emit(serverKey, "started", nil)
	return nil
}

// Stop transitions serverKey's instance to stopped, a no-op if it has no
// engine bound yet.
func (m *Manager) Stop(serverKey string) {
	inst := m.GetOrCreate(serverKey)
	inst.mu.Lock()
	eng := inst.eng
	inst.mu.Unlock()
	if eng == nil {
		return
	}
	eng.Stop()
	m.emit(serverKey, "stopped", nil)
}

// Pause transitions serverKey's instance to running-paused.
func (m *Manager) Pause(serverKey string) {
	inst := m.GetOrCreate(serverKey)
	inst.mu.Lock()
	eng := inst.eng
	inst.mu.Unlock()
	if eng == nil {
		return
	}
	eng.Pause()
	m.emit(serverKey, "paused", nil)
}

// EmergencyStop emergency-stops serverKey's instance if serverKey is
// non-empty, or every known instance otherwise, per spec.md §4.1's
// `emergencyStop([serverKey,] reason)` contract.
func (m *Manager) EmergencyStop(serverKey, reason string) {
	if serverKey == "" {
		m.mu.Lock()
		keys := make([]string, 0, len(m.instances))
		for k := range m.instances {
			keys = append(keys, k)
		}
		m.mu.Unlock()
		for _, k := range keys {
			m.EmergencyStop(k, reason)
		}
		return
	}

	inst := m.GetOrCreate(serverKey)
	inst.mu.Lock()
	eng := inst.eng
	inst.mu.Unlock()
	if eng == nil {
		return
	}
	eng.EmergencyStop(reason)
	m.emit(serverKey, "emergencyStop", map[string]string{"reason": reason})
}

// Remove stops serverKey's engine, closes its page (errors swallowed per
// spec.md §4.1), and forgets the instance entirely.
func (m *Manager) Remove(serverKey string) {
	key := string(model.Normalize(serverKey))

	m.mu.Lock()
	inst, ok := m.instances[key]
	if ok {
		delete(m.instances, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	inst.mu.Lock()
	eng, page := inst.eng, inst.page
	inst.mu.Unlock()

	if eng != nil {
		eng.Stop()
	}
	if page != nil {
		_ = page.Close()
	}
	m.emit(key, "removed", nil)
}

// InstanceStatus is one row of ListActive's snapshot.
type InstanceStatus struct {
	ServerKey string          `json:"serverKey"`
	Lifecycle model.Lifecycle `json:"lifecycle"`
	Stats     model.Stats     `json:"stats"`
}

// ListActive returns a point-in-time snapshot of every known instance,
// per spec.md §4.1.
func (m *Manager) ListActive() []InstanceStatus {
	m.mu.Lock()
	keys := make([]string, 0, len(m.instances))
	insts := make([]*BotInstance, 0, len(m.instances))
	for k, inst := range m.instances {
		keys = append(keys, k)
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	out := make([]InstanceStatus, 0, len(insts))
	for i, inst := range insts {
		inst.mu.Lock()
		eng := inst.eng
		inst.mu.Unlock()
		if eng == nil {
			out = append(out, InstanceStatus{ServerKey: keys[i], Lifecycle: model.LifecycleStopped})
			continue
		}
		status := eng.Status()
		out = append(out, InstanceStatus{ServerKey: keys[i], Lifecycle: status.Lifecycle, Stats: status.Stats})
	}
	return out
}

// StopAll best-effort stops every known instance, used at process
// shutdown per spec.md §4.1.
func (m *Manager) StopAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.instances))
	for k := range m.instances {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			m.Stop(key)
		}(k)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		if m.logger != nil {
			m.logger.Warn("supervisor: stopAll timed out waiting for instances")
		}
	}
}

// Engine returns serverKey's bound Engine, or nil if BindPage was never
// called. Used by the transport layer to route per-server RPCs.
func (m *Manager) Engine(serverKey string) *engine.Engine {
	inst := m.GetOrCreate(serverKey)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.eng
}

// Config returns serverKey's current working configuration.
func (m *Manager) Config(serverKey string) config.Config {
	inst := m.GetOrCreate(serverKey)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.eng != nil {
		return inst.eng.Config()
	}
	return inst.cfg
}

// SaveConfig persists cfg for serverKey and applies it to a live engine if
// one is bound.
func (m *Manager) SaveConfig(serverKey string, cfg config.Config) error {
	inst := m.GetOrCreate(serverKey)

	inst.mu.Lock()
	inst.cfg = cfg
	eng := inst.eng
	inst.mu.Unlock()

	if eng != nil {
		eng.SetConfig(cfg)
	}
	if m.st == nil {
		return nil
	}
	return m.st.Save(store.KeyConfig(inst.ServerKey), cfg)
}

func (m *Manager) emit(serverKey, event string, data interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish("botEvent", map[string]interface{}{"serverKey": serverKey, "event": event, "data": data})
}
