// Package farm implements the FarmManager finite-state machine from
// spec.md §4.5: a multi-step farming cycle (navigate to rally point, open
// the farm-list tab, send lists, optionally re-raid bounty-full targets,
// return home) that persists its progress after every transition so a
// killed/restarted host process resumes exactly where it left off.
//
// The state machine shape — a named-state struct persisted after every
// transition, reloaded at startup, and force-recovered when stale — is
// grounded on the teacher's control_plane/resilience/reconciliation.go
// state-reconciliation loop: both drive a record through an ordered set
// of named states with a wall-clock staleness check before deciding
// whether to resume in place or recover.
package farm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kaelstrom/travianbot/internal/bridge"
	"github.com/kaelstrom/travianbot/internal/model"
	"github.com/kaelstrom/travianbot/internal/observability"
	"github.com/kaelstrom/travianbot/internal/store"
)

// Sender is the subset of the ContentScriptBridge the FarmManager drives.
type Sender interface {
	Send(ctx context.Context, message bridge.Message) (bridge.Response, error)
	WaitForReady(ctx context.Context, maxMs time.Duration) bool
	VerifyPage(ctx context.Context, expected string) bool
}

// Manager owns the FarmCycle record for exactly one ServerKey, per
// spec.md §3 Ownership/lifecycle.
type Manager struct {
	serverKey string
	store     store.Store
	bridge    Sender
	logger    *zap.Logger
	intel     *Intelligence
}

// New builds a Manager for serverKey.
func New(serverKey string, st store.Store, b Sender, logger *zap.Logger) *Manager {
	return &Manager{
		serverKey: serverKey,
		store:     st,
		bridge:    b,
		logger:    logger,
		intel:     NewIntelligence(serverKey, st),
	}
}

// Intel returns the FarmIntelligence recorder this manager feeds, so the
// battle-report parsing path can record losses into the same blob.
func (m *Manager) Intel() *Intelligence {
	return m.intel
}

func (m *Manager) key() string { return store.KeyFarmCycle(m.serverKey) }

func (m *Manager) persist(c *model.FarmCycle) error {
	for _, s := range []model.FarmState{
		model.FarmIdle, model.FarmNavRally, model.FarmClickTab, model.FarmWaitTab, model.FarmSendLists,
		model.FarmScanReraid, model.FarmSendReraid, model.FarmNavHome, model.FarmRecovering, model.FarmFailed,
	} {
		v := 0.0
		if s == c.State {
			v = 1
		}
		observability.FarmCycleState.WithLabelValues(m.serverKey, string(s)).Set(v)
	}
	return m.store.Save(m.key(), c)
}

// Load reads any persisted cycle. It returns (nil, false, nil) if none is
// stored, i.e. the server has never run a farm cycle or the last one
// returned to IDLE and was cleared. A cycle that ended FAILED stays stored.
func (m *Manager) Load() (*model.FarmCycle, bool, error) {
	var c model.FarmCycle
	found, err := m.store.Load(m.key(), &c)
	if err != nil || !found {
		return nil, found, err
	}
	return &c, true, nil
}

// Resume implements spec.md §4.5's restart-time decision: resume a
// non-stale, non-terminal cycle in place; force-recover a stale one; or
// start fresh if none exists. It runs the cycle to completion (IDLE or
// FAILED) and returns the result.
func (m *Manager) Resume(ctx context.Context, cfg model.FarmConfigSnapshot, nowMs int64) (model.FarmCycleResult, error) {
	cycle, found, err := m.Load()
	if err != nil {
		return model.FarmCycleResult{}, err
	}

	if found && !cycle.State.Terminal() {
		if cycle.Stale(nowMs) {
			return m.recover(ctx, cycle)
		}
		return m.run(ctx, cycle)
	}

	fresh := &model.FarmCycle{
		ID:             uuid.NewString(),
		State:          model.FarmIdle,
		StartedAt:      nowMs,
		LastStepAt:     nowMs,
		TimeoutMs:      model.DefaultFarmCycleTimeout.Milliseconds(),
		ConfigSnapshot: cfg,
	}
	return m.run(ctx, fresh)
}

// recover implements spec.md §4.5's stale-cycle path: force RECOVERING,
// best-effort navigate to dorf1, set IDLE, clear the record. A recovered
// cycle is reported success=true so the enclosing send_farm task does not
// consume a retry.
func (m *Manager) recover(ctx context.Context, cycle *model.FarmCycle) (model.FarmCycleResult, error) {
	started := time.Now()
	cycle.State = model.FarmRecovering
	_ = m.persist(cycle)

	_, _ = m.bridge.Send(ctx, bridge.Message{Type: bridge.MessageExecute, Action: "navigateTo", Params: map[string]interface{}{"page": "resources"}})
	m.bridge.WaitForReady(ctx, 15*time.Second)

	cycle.State = model.FarmIdle
	_ = m.persist(cycle)
	if err := m.store.Delete(m.key()); err != nil && m.logger != nil {
		m.logger.Warn("farm: failed clearing recovered cycle record", zap.Error(err))
	}
	observability.FarmCyclesCompleted.WithLabelValues(m.serverKey).Inc()
	return model.FarmCycleResult{Success: true, Recovered: true, DurationMs: time.Since(started).Milliseconds()}, nil
}

// run drives cycle through its remaining transitions until it reaches a
// terminal state, persisting after every transition per spec.md §4.5.
func (m *Manager) run(ctx context.Context, cycle *model.FarmCycle) (model.FarmCycleResult, error) {
	started := time.Now()
	// A fresh cycle starts at IDLE, which also counts as terminal, so the
	// first step always runs.
	for first := true; first || !cycle.State.Terminal(); first = false {
		next, err := m.step(ctx, cycle)
		cycle.LastStepAt = time.Now().UnixMilli()
		if err != nil {
			cycle.State = model.FarmRecovering
			_ = m.persist(cycle)
			// Best-effort return to dorf1 before giving up, matching
			// recover()'s stale-cycle navigation: a step failure still
			// leaves the browser mid-flow (rally point, a farm-list tab)
			// and the next cycle should start from a known page.
			_, _ = m.bridge.Send(ctx, bridge.Message{Type: bridge.MessageExecute, Action: "navigateTo", Params: map[string]interface{}{"page": "resources"}})
			m.bridge.WaitForReady(ctx, 15*time.Second)
			cycle.State = model.FarmFailed
			_ = m.persist(cycle)
			break
		}
		cycle.State = next
		if perr := m.persist(cycle); perr != nil && m.logger != nil {
			m.logger.Warn("farm: persist failed", zap.Error(perr))
		}
	}

	result := model.FarmCycleResult{
		Success:    cycle.State == model.FarmIdle,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if cycle.ListSendResult != nil {
		result.Sent = cycle.ListSendResult.Sent
		result.Skipped = cycle.ListSendResult.Skipped
	}
	result.ReraidSent = cycle.ReraidSent
	result.ReraidFailed = cycle.ReraidFailed

	if cycle.State == model.FarmIdle {
		observability.FarmCyclesCompleted.WithLabelValues(m.serverKey).Inc()
		_ = m.store.Delete(m.key())
	}
	return result, nil
}

// step executes exactly one state's handler and returns the next state,
// per the transition table in spec.md §4.5.
func (m *Manager) step(ctx context.Context, cycle *model.FarmCycle) (model.FarmState, error) {
	switch cycle.State {
	case model.FarmIdle:
		return model.FarmNavRally, nil

	case model.FarmNavRally:
		if _, err := m.bridge.Send(ctx, bridge.Message{Type: bridge.MessageExecute, Action: "navigateTo", Params: map[string]interface{}{"page": "rally point"}}); err != nil {
			return model.FarmRecovering, err
		}
		if !m.bridge.WaitForReady(ctx, 15*time.Second) {
			return model.FarmRecovering, fmt.Errorf("farm: rally point not ready")
		}
		return model.FarmClickTab, nil

	case model.FarmClickTab:
		resp, err := m.bridge.Send(ctx, bridge.Message{Type: bridge.MessageExecute, Action: "clickFarmListTab"})
		if err != nil || !resp.OK {
			return model.FarmRecovering, fmt.Errorf("farm: click farm list tab failed")
		}
		return model.FarmWaitTab, nil

	case model.FarmWaitTab:
		if !m.bridge.WaitForReady(ctx, 15*time.Second) {
			return model.FarmRecovering, fmt.Errorf("farm: farm list tab not ready")
		}
		return model.FarmSendLists, nil

	case model.FarmSendLists:
		return m.sendLists(ctx, cycle)

	case model.FarmScanReraid:
		return m.scanReraid(ctx, cycle)

	case model.FarmSendReraid:
		return m.sendReraid(ctx, cycle)

	case model.FarmNavHome:
		_, _ = m.bridge.Send(ctx, bridge.Message{Type: bridge.MessageExecute, Action: "navigateTo", Params: map[string]interface{}{"page": "resources"}})
		m.bridge.WaitForReady(ctx, 15*time.Second)
		return model.FarmIdle, nil

	default:
		return model.FarmRecovering, fmt.Errorf("farm: unknown state %s", cycle.State)
	}
}

func (m *Manager) sendLists(ctx context.Context, cycle *model.FarmCycle) (model.FarmState, error) {
	params := map[string]interface{}{
		"useRallyPointFarmList": cycle.ConfigSnapshot.UseRallyPointFarmList,
		"targets":               cycle.ConfigSnapshot.Targets,
		"minLoot":               cycle.ConfigSnapshot.MinLoot,
		"skipLosses":            cycle.ConfigSnapshot.SkipLosses,
	}
	resp, err := m.bridge.Send(ctx, bridge.Message{Type: bridge.MessageExecute, Action: "sendFarmLists", Params: params})
	if err != nil || !resp.OK {
		return model.FarmRecovering, fmt.Errorf("farm: send lists failed")
	}

	sent, _ := toInt(resp.Data["sent"])
	skipped, _ := toInt(resp.Data["skipped"])
	cycle.ListSendResult = &model.FarmListSendResult{Sent: sent, Skipped: skipped}

	// The per-slot status scan runs after every send, not only when
	// re-raiding: it is what feeds per-target raid outcomes into the
	// intelligence blob.
	return model.FarmScanReraid, nil
}

// scanReraid asks for the per-slot farm-list status, records every slot's
// raid outcome into the intelligence blob, and collects the bounty-full
// targets for a re-raid pass when that is enabled.
func (m *Manager) scanReraid(ctx context.Context, cycle *model.FarmCycle) (model.FarmState, error) {
	resp, err := m.bridge.Send(ctx, bridge.Message{Type: bridge.MessageExecute, Action: "scanFarmListStatus"})
	if err != nil || !resp.OK {
		return model.FarmRecovering, fmt.Errorf("farm: farm-list status scan failed")
	}

	outcomes := parseSlotOutcomes(resp.Data)
	if err := m.intel.Record(outcomes, time.Now().UnixMilli()); err != nil && m.logger != nil {
		m.logger.Warn("farm: failed recording raid intelligence", zap.Error(err))
	}

	var targets []model.ReraidTarget
	for _, o := range outcomes {
		if o.BountyFull {
			targets = append(targets, model.ReraidTarget{Coords: o.Coords})
		}
	}
	// Older scanner builds report only a flat bountyFull coords list.
	if raw, ok := resp.Data["bountyFull"].([]interface{}); ok && len(targets) == 0 {
		for _, r := range raw {
			if coords, ok := r.(string); ok {
				targets = append(targets, model.ReraidTarget{Coords: coords})
			}
		}
	}
	cycle.ReraidTargets = targets
	cycle.ReraidCursor = 0

	if !cycle.ConfigSnapshot.EnableReRaid || len(targets) == 0 {
		return model.FarmNavHome, nil
	}
	return model.FarmSendReraid, nil
}

// parseSlotOutcomes decodes the scanner's per-slot status list
// ({coords, loot, losses, bountyFull} entries under "slots").
func parseSlotOutcomes(data map[string]interface{}) []RaidOutcome {
	raw, ok := data["slots"].([]interface{})
	if !ok {
		return nil
	}
	var out []RaidOutcome
	for _, r := range raw {
		slot, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		coords, _ := slot["coords"].(string)
		if coords == "" {
			continue
		}
		loot, _ := toInt(slot["loot"])
		losses, _ := slot["losses"].(bool)
		bountyFull, _ := slot["bountyFull"].(bool)
		out = append(out, RaidOutcome{Coords: coords, Loot: loot, Losses: losses, BountyFull: bountyFull})
	}
	return out
}

// sendReraid implements spec.md §4.5's re-raid loop invariant: the cursor
// is persisted *before* attempting each target, so a mid-loop crash
// resumes at the same target (at-least-once per target). Each call
// persists the cycle with the current cursor before the send and advances
// the cursor after the attempt; the caller's normal per-transition persist
// then records the advanced value. A step that crashes mid-send therefore
// still has the about-to-be-attempted index recorded on the next load.
func (m *Manager) sendReraid(ctx context.Context, cycle *model.FarmCycle) (model.FarmState, error) {
	if cycle.ReraidCursor >= len(cycle.ReraidTargets) {
		return model.FarmNavHome, nil
	}

	target := cycle.ReraidTargets[cycle.ReraidCursor]
	if err := m.persist(cycle); err != nil && m.logger != nil {
		m.logger.Warn("farm: failed to persist re-raid cursor", zap.Error(err))
	}

	resp, err := m.bridge.Send(ctx, bridge.Message{
		Type:   bridge.MessageExecute,
		Action: "sendReRaid",
		Params: map[string]interface{}{
			"coords":    target.Coords,
			"troopType": cycle.ConfigSnapshot.ReRaidTroopType,
			"count":     cycle.ConfigSnapshot.ReRaidCount,
		},
	})
	if err != nil || !resp.OK {
		cycle.ReraidFailed++
	} else {
		cycle.ReraidSent++
		observability.ReraidsSent.WithLabelValues(m.serverKey).Inc()
	}
	cycle.ReraidCursor++

	if cycle.ReraidCursor >= len(cycle.ReraidTargets) {
		return model.FarmNavHome, nil
	}
	return model.FarmSendReraid, nil
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
