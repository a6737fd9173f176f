package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kaelstrom/travianbot/internal/bridge"
	"github.com/kaelstrom/travianbot/internal/decision"
	"github.com/kaelstrom/travianbot/internal/eventbus"
	"github.com/kaelstrom/travianbot/internal/farm"
	"github.com/kaelstrom/travianbot/internal/model"
	"github.com/kaelstrom/travianbot/internal/navigation"
	"github.com/kaelstrom/travianbot/internal/observability"
)

// handlerMeta is the per-task-type dispatch metadata from spec.md §4.6's
// registry table: the page a handler must be on, and whether several
// tasks of this type may run back-to-back without returning home first.
type handlerMeta struct {
	requiredPage string
	batchable    bool
}

var dispatchRegistry = map[string]handlerMeta{
	"upgrade_resource":     {navigation.PageResources, false},
	"upgrade_building":     {navigation.PageVillage, false},
	"build_new":            {navigation.PageVillage, false},
	"train_troops":         {"", true}, // page resolved per-task from params.building
	"send_farm":            {navigation.PageAny, false},
	"send_attack":          {navigation.PageRallyPoint, false},
	"send_hero_adventure":  {navigation.PageAdventures, false},
	"claim_quest":          {navigation.PageQuest, true},
	"build_traps":          {navigation.PageVillage, false},
	"switch_village":       {navigation.PageAny, false},
	"navigate":             {navigation.PageAny, false},
	"dodge_troops":         {navigation.PageRallyPoint, false},
	"npc_trade":            {"marketplace", false},
	"parse_battle_reports": {"reports", true},
}

// skipReturnHome is the set of task types after which the engine does not
// navigate back to dorf1, per spec.md §4.6 "Return-home policy".
var skipReturnHome = map[string]bool{
	"upgrade_resource": true,
	"navigate":         true,
	"switch_village":   true,
}

// executeTask dispatches exactly one popped task through the bridge and
// performs all of the engine-level post-processing spec.md §4.6 names:
// cooldown administration, stats, rate counting, hero-claim fallback on
// insufficient_resources, and the return-home policy.
func (e *Engine) executeTask(ctx context.Context, task *model.Task, snap model.Snapshot) {
	observability.TasksDispatched.WithLabelValues(e.serverKey, task.Type).Inc()

	var ok bool
	var reason, message string
	var resultData map[string]interface{}

	switch task.Type {
	case "send_farm":
		ok, reason, message, resultData = e.dispatchSendFarm(ctx, task)
	case "build_new":
		ok, reason, message = e.dispatchBuildNew(ctx, task)
	default:
		ok, reason, message, resultData = e.dispatchGeneric(ctx, task)
	}

	if ok {
		if task.Type == "parse_battle_reports" {
			e.feedReportIntel(resultData)
		}
		e.mu.Lock()
		e.state.Rate.ActionsThisHour++
		e.mu.Unlock()
		e.onTaskSuccess(ctx, task, resultData)
		return
	}
	e.onTaskFailure(ctx, task, snap, reason, message)
}

// dispatchGeneric implements spec.md §4.6's generic handler skeleton:
// navigate -> delay -> waitForReady (folded into nav.EnsureOn) ->
// verifyPage -> do the action.
func (e *Engine) dispatchGeneric(ctx context.Context, task *model.Task) (ok bool, reason, message string, data map[string]interface{}) {
	page := e.requiredPageFor(task)
	if page != navigation.PageAny {
		if !e.nav.EnsureOn(ctx, page, 15*time.Second) {
			return false, "page_mismatch", "navigation/readiness failed for " + page, nil
		}
	}
	e.humanDelay(ctx)

	resp, err := e.bridge.Send(ctx, bridge.Message{
		Type:   bridge.MessageExecute,
		Action: task.Type,
		Params: task.Params,
	})
	if err != nil {
		return false, "", err.Error(), nil
	}
	if !resp.OK {
		return false, resp.Reason, resp.Message, nil
	}
	return true, "", "", resp.Data
}

// dispatchBuildNew adds spec.md §4.6's tab-walk sub-protocol on top of the
// generic skeleton: a "building_not_in_tab" response retries after
// clicking tabs 1..2 in turn (each reloads the page).
func (e *Engine) dispatchBuildNew(ctx context.Context, task *model.Task) (ok bool, reason, message string) {
	if !e.nav.EnsureOn(ctx, navigation.PageVillage, 15*time.Second) {
		return false, "page_mismatch", "village page not ready"
	}
	e.humanDelay(ctx)

	attempt := func() (bool, string, string) {
		resp, err := e.bridge.Send(ctx, bridge.Message{Type: bridge.MessageExecute, Action: task.Type, Params: task.Params})
		if err != nil {
			return false, "", err.Error()
		}
		if !resp.OK {
			return false, resp.Reason, resp.Message
		}
		return true, "", ""
	}

	ok, reason, message = attempt()
	for tab := 1; tab <= 2 && reason == "building_not_in_tab"; tab++ {
		if _, err := e.bridge.Send(ctx, bridge.Message{Type: bridge.MessageExecute, Action: "clickBuildTab", Params: map[string]interface{}{"tab": tab}}); err != nil {
			return false, "", err.Error()
		}
		if !e.bridge.WaitForReady(ctx, 15*time.Second) {
			return false, "page_mismatch", "village page not ready after tab click"
		}
		ok, reason, message = attempt()
	}
	return ok, reason, message
}

// dispatchSendFarm delegates to the FarmManager FSM, constructing it
// lazily (spec.md §3 "owned lazily"). A recovered cycle is reported
// success so the task queue does not consume one of its retries.
func (e *Engine) dispatchSendFarm(ctx context.Context, task *model.Task) (ok bool, reason, message string, data map[string]interface{}) {
	e.mu.Lock()
	if e.farmMg == nil {
		e.farmMg = farm.New(e.serverKey, e.store, e.bridge, e.logger)
	}
	fm := e.farmMg
	farmCfg := e.cfg.Farm
	e.mu.Unlock()

	snapshot := model.FarmConfigSnapshot{
		UseRallyPointFarmList: farmCfg.UseRallyPointFarmList,
		Targets:               farmCfg.Targets,
		MinLoot:               farmCfg.MinLoot,
		SkipLosses:            farmCfg.SkipLosses,
		EnableReRaid:          farmCfg.EnableReRaid,
		ReRaidTroopType:       farmCfg.ReRaid.TroopType,
		ReRaidCount:           farmCfg.ReRaid.Count,
		ReRaidMinLoot:         farmCfg.ReRaid.MinLoot,
	}

	result, err := fm.Resume(ctx, snapshot, e.nowMs())
	if err != nil {
		return false, "", err.Error(), nil
	}
	if !result.Success {
		return false, "farm_cycle_failed", "farm cycle reached FAILED", nil
	}

	e.mu.Lock()
	e.state.Stats.FarmRaidsSent += result.Sent + result.ReraidSent
	e.mu.Unlock()

	return true, "", "", map[string]interface{}{
		"sent": result.Sent, "skipped": result.Skipped,
		"reraidSent": result.ReraidSent, "reraidFailed": result.ReraidFailed,
	}
}

// requiredPageFor resolves the navigation target for a task, special
// casing train_troops (whose required page is the configured training
// building, carried in its own params) since spec.md §4.6's table names
// "training building" rather than a fixed page constant.
func (e *Engine) requiredPageFor(task *model.Task) string {
	meta, ok := dispatchRegistry[task.Type]
	if !ok {
		return navigation.PageAny
	}
	if task.Type == "train_troops" {
		if building, ok := task.Params["building"].(string); ok && building != "" {
			return building
		}
		return navigation.PageVillage
	}
	return meta.requiredPage
}

func (e *Engine) onTaskSuccess(ctx context.Context, task *model.Task, data map[string]interface{}) {
	e.queue.Complete(task)

	e.mu.Lock()
	e.state.Stats.TasksCompleted++
	e.state.Stats.LastActionAt = e.clock()
	slot, scoped := slotKeyFor(task)
	decision.ApplySuccessCooldown(e.state, task.Type, slot, scoped, e.nowMs())
	e.mu.Unlock()

	observability.QueueDepth.WithLabelValues(e.serverKey, "completed").Inc()
	e.emit(eventbus.TopicTaskCompleted, map[string]interface{}{"server": e.serverKey, "type": task.Type, "data": data})

	if !dispatchRegistry[task.Type].batchable && !skipReturnHome[task.Type] {
		e.nav.Invalidate()
		_, _ = e.bridge.Send(ctx, bridge.Message{Type: bridge.MessageExecute, Action: "navigateTo", Params: map[string]interface{}{"page": navigation.PageResources}})
		e.bridge.WaitForReady(ctx, 10*time.Second)
	}
}

func (e *Engine) onTaskFailure(ctx context.Context, task *model.Task, snap model.Snapshot, reason, message string) {
	if reason != "" && decision.IsHopelessReason(reason) {
		e.queue.Fail(task, message)
		e.mu.Lock()
		e.state.Stats.TasksFailed++
		slot, scoped := slotKeyFor(task)
		decision.ApplyHopelessCooldown(e.state, task.Type, slot, scoped, reason, e.nowMs())
		e.mu.Unlock()
		observability.TasksFailed.WithLabelValues(e.serverKey, task.Type).Inc()
		e.emit(eventbus.TopicTaskFailed, map[string]interface{}{"server": e.serverKey, "type": task.Type, "reason": reason})

		if reason == "insufficient_resources" && isBuildLike(task.Type) {
			e.tryHeroClaimAndRequeue(ctx, task, snap)
		}
		return
	}

	terminal := e.queue.Retry(task, message, e.nowMs())
	if terminal {
		e.mu.Lock()
		e.state.Stats.TasksFailed++
		e.mu.Unlock()
		observability.TasksFailed.WithLabelValues(e.serverKey, task.Type).Inc()
		e.emit(eventbus.TopicTaskFailed, map[string]interface{}{"server": e.serverKey, "type": task.Type, "reason": "retries_exhausted"})
	}
}

// tryHeroClaimAndRequeue implements spec.md §4.6's "insufficient_resources
// on build-like tasks may trigger the hero-claim fallback and a one-time
// re-queue": HeroManager.tryClaimForTask claims crate resources toward the
// failed task's exact cost, then the same task is re-queued with a short
// cooldown rather than the normal backoff ladder.
func (e *Engine) tryHeroClaimAndRequeue(ctx context.Context, task *model.Task, snap model.Snapshot) {
	plan, attempted := e.heroMg.TryClaimForTask(task, snap, e.nowMs())
	if !attempted || !plan.HasClaim() {
		return
	}

	if !e.nav.EnsureOn(ctx, "hero inventory", 15*time.Second) {
		return
	}
	resp, err := e.bridge.Send(ctx, bridge.Message{
		Type:   bridge.MessageExecute,
		Action: "claimHeroResources",
		Params: map[string]interface{}{"amounts": plan.Amounts},
	})
	if err != nil || !resp.OK {
		if e.logger != nil {
			e.logger.Warn("engine: hero claim for failed task did not succeed", zap.String("server", e.serverKey), zap.String("taskType", task.Type))
		}
		return
	}

	requeued := &model.Task{
		Type:         task.Type,
		Params:       task.Params,
		Priority:     task.Priority,
		VillageID:    task.VillageID,
		ScheduledFor: e.nowMs() + 15*time.Second.Milliseconds(),
	}
	e.queue.Enqueue(requeued)
}

// maybeProactiveHeroClaim implements spec.md §4.8's other HeroManager entry
// point: when any resource has fallen below the configured claim
// threshold, the hero is home, and the shared post-claim cooldown has
// elapsed, navigate to the hero inventory and dispatch a bulk transfer
// sized to top every resource up to claimFillTarget. Mirrors
// tryHeroClaimAndRequeue's direct bridge dispatch shape, since this is a
// HeroManager action rather than a task the queue tracks.
func (e *Engine) maybeProactiveHeroClaim(ctx context.Context, snap model.Snapshot) {
	e.mu.Lock()
	heroCfg := e.cfg.Hero
	e.mu.Unlock()

	if !e.heroMg.ShouldProactivelyClaim(snap, heroCfg, e.nowMs()) {
		return
	}
	plan := e.heroMg.ProactiveClaim(snap, heroCfg, e.nowMs())
	if !plan.HasClaim() {
		return
	}

	if !e.nav.EnsureOn(ctx, "hero inventory", 15*time.Second) {
		return
	}
	resp, err := e.bridge.Send(ctx, bridge.Message{
		Type:   bridge.MessageExecute,
		Action: "claimHeroResources",
		Params: map[string]interface{}{"amounts": plan.Amounts},
	})
	if err != nil || !resp.OK {
		if e.logger != nil {
			e.logger.Warn("engine: proactive hero claim did not succeed", zap.String("server", e.serverKey))
		}
		return
	}
	e.emit(eventbus.TopicResourcesLow, map[string]interface{}{"server": e.serverKey, "amounts": plan.Amounts})
}

// feedReportIntel records the raid outcomes a reports scan returned
// ({coords, loot, losses} entries under "reports") into the same
// FarmIntelligence blob the farm-list scans feed.
func (e *Engine) feedReportIntel(data map[string]interface{}) {
	raw, ok := data["reports"].([]interface{})
	if !ok || len(raw) == 0 {
		return
	}
	var outcomes []farm.RaidOutcome
	for _, r := range raw {
		report, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		coords, _ := report["coords"].(string)
		if coords == "" {
			continue
		}
		loot := 0
		if v, ok := report["loot"].(float64); ok {
			loot = int(v)
		}
		losses, _ := report["losses"].(bool)
		outcomes = append(outcomes, farm.RaidOutcome{Coords: coords, Loot: loot, Losses: losses})
	}
	if len(outcomes) == 0 {
		return
	}

	e.mu.Lock()
	if e.farmMg == nil {
		e.farmMg = farm.New(e.serverKey, e.store, e.bridge, e.logger)
	}
	intel := e.farmMg.Intel()
	e.mu.Unlock()

	if err := intel.Record(outcomes, e.nowMs()); err != nil && e.logger != nil {
		e.logger.Warn("engine: failed recording battle report intelligence", zap.String("server", e.serverKey), zap.Error(err))
	}
}

func isBuildLike(taskType string) bool {
	switch taskType {
	case "upgrade_resource", "upgrade_building", "build_new", "build_traps":
		return true
	default:
		return false
	}
}

// slotKeyFor extracts the slot-scoping needed for a cooldown key, per
// spec.md §3 "Cooldown" (type-wide vs. "actionType:slot"). Only the
// build-family task types carry a meaningful slot.
func slotKeyFor(task *model.Task) (slot int, scoped bool) {
	if !isBuildLike(task.Type) {
		return 0, false
	}
	raw, ok := task.Params["slot"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
