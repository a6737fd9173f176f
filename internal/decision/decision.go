// Package decision implements the DecisionEngine from spec.md §4.4: a
// pure function that turns an observed Snapshot plus Config into a list
// of candidate Tasks, firing its rules in the fixed order spec.md names
// (safety, construction-queue gate, cranny protection, quests, trapper,
// user-selected new builds, upgrades, troops, hero adventure, farming)
// plus the supplemented task families from SPEC_FULL.md (npc_trade,
// parse_battle_reports, dodge_troops).
//
// Evaluate takes its collaborators as explicit arguments rather than
// holding a back-reference to the engine, per spec.md §9 DESIGN NOTES
// "Cyclic references (engine<->decision<->queue)": the only state this
// package carries between calls is the caller-owned Cooldowns map on
// EngineState, never a pointer back to the engine itself.
package decision

import (
	"sort"

	"github.com/kaelstrom/travianbot/internal/config"
	"github.com/kaelstrom/travianbot/internal/gamedata"
	"github.com/kaelstrom/travianbot/internal/model"
)

// Priority values, lower number wins. Resource (3) and Building (4) are
// named directly by spec.md §4.4 "Emit a single task for the winner with
// priority 3 (resource) or 4 (building)"; the rest of the ordering below
// follows the ordered-rule-firing list in the same section, tightest
// safety concern first.
const (
	PriorityEmergency    = 0
	PriorityCranny       = 1
	PriorityDodgeTroops  = 1
	PriorityQuest        = 2
	PriorityTrapper      = 2
	PriorityNewBuild     = 2
	PriorityResource     = 3
	PriorityBuilding     = 4
	PriorityTroops       = 5
	PriorityHeroAdv      = 6
	PriorityNpcTrade     = 6
	PriorityFarm         = 7
	PriorityBattleReport = 8
)

// QueueView is the read-only subset of internal/queue.Queue the decision
// engine needs to avoid re-proposing work already in flight, per spec.md
// §4.4's "hasTaskOfType"/"hasAnyTaskOfType" calls.
type QueueView interface {
	HasTaskOfType(taskType, villageID string) bool
	HasAnyTaskOfType(taskType string) bool
}

// TrapperExpectedLevel is the stand-in threshold the trapper rule
// compares current trapper capacity against when incoming attacks are
// detected; the real per-tribe capacity curve is outside this system's
// scope (spec.md §1), so a flat threshold is used instead.
const TrapperExpectedLevel = 5

// Evaluate runs every DecisionEngine rule against snap/cfg/queue and
// returns the tasks to absorb into the queue this cycle. state carries
// cooldowns and is mutated in place (SetCooldown/new cooldown entries);
// state itself is never read for anything but cooldowns, matching
// spec.md §9's "no hidden state except cooldowns, lastAnalysis,
// currentPhase".
func Evaluate(snap model.Snapshot, cfg config.Config, queue QueueView, state *model.EngineState, nowMs int64) []*model.Task {
	// Rule 1: Safety. A captcha or error flag short-circuits every other
	// rule and emits a single emergency_stop task.
	if snap.Captcha || snap.Error {
		return []*model.Task{{Type: "emergency_stop", Priority: PriorityEmergency, Params: map[string]interface{}{"reason": captchaOrErrorReason(snap)}}}
	}

	var tasks []*model.Task
	villageID := snap.CurrentVillageID

	// Rule 2: Construction-queue gate, used to suppress most
	// build-producing rules below.
	buildQueueFull := snap.ConstructionQueue.Count >= snap.ConstructionQueue.MaxCount && snap.ConstructionQueue.MaxCount > 0

	// Rule 3: Cranny protection. Invariant: cranny.level >= warehouse.level.
	// While that invariant is violated, this is the only task family
	// Evaluate produces (subject to the build-queue gate above) -- matching
	// the strict reading of spec.md's cranny-protection testable property,
	// rather than letting rules 4-10 and the supplemented rules queue
	// unrelated work alongside it.
	if t := crannyProtectionTask(snap, queue, state, nowMs, buildQueueFull); t != nil {
		return []*model.Task{t}
	}

	// Rule 4: Quest claim.
	if cfg.AutoClaimQuests && snap.ClaimableQuests() && !queue.HasAnyTaskOfType("claim_quest") && !state.IsCoolingDown("claim_quest", nowMs) {
		tasks = append(tasks, &model.Task{Type: "claim_quest", Priority: PriorityQuest, VillageID: villageID})
	}

	// Rule 5: Trapper rule (Gaul + autoTrapper).
	if cfg.AutoTrapper && gamedata.Tribe(cfg.Tribe) == gamedata.TribeGaul && snap.IncomingAttacks > 0 {
		if t := trapperTask(snap, queue, state, nowMs, buildQueueFull); t != nil {
			tasks = append(tasks, t)
		}
	}

	// Rule 6: New-build from user selections, via the prerequisite DFS
	// resolver.
	if t := newBuildFromUserTargets(snap, cfg, queue, state, nowMs, buildQueueFull); t != nil {
		tasks = append(tasks, t)
	}

	// Rule 7: Upgrades via the build ranker.
	if (cfg.AutoUpgradeResources || cfg.AutoUpgradeBuildings) && !buildQueueFull {
		if t := upgradeTask(snap, cfg, queue, state, nowMs); t != nil {
			tasks = append(tasks, t)
		}
	}

	// Rule 8: Troops, gated by the crop-balance check.
	if cfg.AutoTrainTroops && !state.IsCoolingDown("train_troops", nowMs) && !queue.HasTaskOfType("train_troops", villageID) {
		if t := troopTask(snap, cfg, villageID); t != nil {
			tasks = append(tasks, t)
		}
	}

	// Rule 9: Hero adventure.
	if cfg.AutoHeroAdventure && snap.Hero.IsHome && !snap.Hero.IsDead && snap.Hero.HasAdventure &&
		snap.Hero.Health >= cfg.Hero.MinHealth && !state.IsCoolingDown("send_hero_adventure", nowMs) &&
		!queue.HasAnyTaskOfType("send_hero_adventure") {
		tasks = append(tasks, &model.Task{Type: "send_hero_adventure", Priority: PriorityHeroAdv})
	}

	// Rule 10: Farming.
	if cfg.AutoFarm && nowMs-snap.LastFarmTime >= cfg.Farm.IntervalMs && snap.TotalTroops() >= cfg.Farm.MinTroops &&
		!state.IsCoolingDown("send_farm", nowMs) && !queue.HasAnyTaskOfType("send_farm") {
		tasks = append(tasks, farmTask(cfg))
	}

	// Supplemented task families (SPEC_FULL.md item 3): wired rather than
	// silently dropped, per spec.md Open Question (ii).
	if t := dodgeTroopsTask(snap, queue, state, nowMs); t != nil {
		tasks = append(tasks, t)
	}
	if t := npcTradeTask(snap, cfg, queue, state, nowMs); t != nil {
		tasks = append(tasks, t)
	}
	if t := parseBattleReportsTask(snap, queue, state, nowMs); t != nil {
		tasks = append(tasks, t)
	}

	return tasks
}

func captchaOrErrorReason(snap model.Snapshot) string {
	if snap.Captcha {
		return "captcha"
	}
	return "page_error"
}

// crannyProtectionTask implements spec.md §4.4 rule 3 exactly: a warehouse
// with no cranny gets a build_new(gid=23); a cranny below both the
// warehouse level and 10 gets upgraded.
func crannyProtectionTask(snap model.Snapshot, queue QueueView, state *model.EngineState, nowMs int64, buildQueueFull bool) *model.Task {
	warehouse, hasWarehouse := snap.BuildingByGID(gamedata.GIDWarehouse)
	if !hasWarehouse || warehouse.Level == 0 {
		return nil
	}
	cranny, hasCranny := snap.BuildingByGID(gamedata.GIDCranny)
	if !hasCranny {
		if buildQueueFull || queue.HasAnyTaskOfType("build_new") || state.IsCoolingDown(cooldownKey("build_new", 0, false), nowMs) {
			return nil
		}
		slot, ok := snap.FirstEmptySlot()
		if !ok {
			return nil
		}
		return &model.Task{Type: "build_new", Priority: PriorityCranny, Params: map[string]interface{}{"gid": gamedata.GIDCranny, "slot": slot}}
	}
	if cranny.Level < warehouse.Level && cranny.Level < 10 && !cranny.Upgrading {
		if buildQueueFull || queue.HasTaskOfType("upgrade_building", "") || state.IsCoolingDown(cooldownKey("upgrade_building", cranny.Slot, true), nowMs) {
			return nil
		}
		return &model.Task{Type: "upgrade_building", Priority: PriorityCranny, Params: map[string]interface{}{"gid": gamedata.GIDCranny, "slot": cranny.Slot}}
	}
	return nil
}

// trapperTask builds a trapper on the first empty slot when there is none,
// or upgrades the existing one while it is below TrapperExpectedLevel, per
// spec.md §4.4 rule 5. Evaluate calls it only while attacks are incoming.
func trapperTask(snap model.Snapshot, queue QueueView, state *model.EngineState, nowMs int64, buildQueueFull bool) *model.Task {
	if buildQueueFull {
		return nil
	}
	trapper, ok := snap.BuildingByGID(gamedata.GIDTrapper)
	if !ok {
		if queue.HasAnyTaskOfType("build_new") || state.IsCoolingDown(cooldownKey("build_new", 0, false), nowMs) {
			return nil
		}
		slot, hasSlot := snap.FirstEmptySlot()
		if !hasSlot {
			return nil
		}
		return &model.Task{Type: "build_traps", Priority: PriorityTrapper, Params: map[string]interface{}{"gid": gamedata.GIDTrapper, "slot": slot}}
	}
	if trapper.Level < TrapperExpectedLevel && !trapper.Upgrading {
		if state.IsCoolingDown(cooldownKey("build_traps", trapper.Slot, true), nowMs) {
			return nil
		}
		return &model.Task{Type: "build_traps", Priority: PriorityTrapper, Params: map[string]interface{}{"gid": gamedata.GIDTrapper, "slot": trapper.Slot}}
	}
	return nil
}

// newBuildFromUserTargets walks cfg.UpgradeTargets for isNewBuild entries
// and returns the first actionable dependency task the prerequisite DFS
// resolver finds, per spec.md §4.4 rule 6.
func newBuildFromUserTargets(snap model.Snapshot, cfg config.Config, queue QueueView, state *model.EngineState, nowMs int64, buildQueueFull bool) *model.Task {
	if buildQueueFull {
		return nil
	}
	reader := NewStateReader(snap)
	keys := make([]string, 0, len(cfg.UpgradeTargets))
	for k := range cfg.UpgradeTargets {
		keys = append(keys, k)
	}
	sort.Strings(keys) // map order would make Evaluate nondeterministic
	for _, k := range keys {
		t := cfg.UpgradeTargets[k]
		if !t.Enabled || !t.IsNewBuild || t.BuildGID == 0 {
			continue
		}
		res := ResolvePrerequisite(t.BuildGID, reader)
		task := res.Task
		if task == nil {
			if res.Reason != "prereqs_met" {
				continue // awaiting_upgrade, no_empty_slot, cycle/depth guard
			}
			if _, owned := reader.byGID[t.BuildGID]; owned {
				continue // already placed; the upgrade rule takes it from here
			}
			slot, ok := reader.firstEmptySlot()
			if !ok {
				continue
			}
			task = &model.Task{
				Type:     "build_new",
				Priority: PriorityNewBuild,
				Params:   map[string]interface{}{"gid": t.BuildGID, "slot": slot},
			}
		}
		if queue.HasAnyTaskOfType(task.Type) || state.IsCoolingDown(cooldownKey(task.Type, 0, false), nowMs) {
			continue
		}
		return task
	}
	return nil
}

// upgradeTask runs the build ranker and selection rule, per spec.md §4.4
// rule 7, filtering out whichever toggle (resources/buildings) is off.
func upgradeTask(snap model.Snapshot, cfg config.Config, queue QueueView, state *model.EngineState, nowMs int64) *model.Task {
	candidates := RankBuildCandidates(snap, cfg, func(key string) bool { return state.IsCoolingDown(key, nowMs) })

	var filtered []Candidate
	for _, c := range candidates {
		if c.Type == "upgrade_resource" && !cfg.AutoUpgradeResources {
			continue
		}
		if c.Type == "upgrade_building" && !cfg.AutoUpgradeBuildings {
			continue
		}
		filtered = append(filtered, c)
	}

	winner := SelectBuildCandidate(filtered, cfg)
	if winner == nil {
		return nil
	}
	if queue.HasTaskOfType(winner.Type, "") {
		return nil
	}

	priority := PriorityBuilding
	if winner.Type == "upgrade_resource" {
		priority = PriorityResource
	}
	return &model.Task{
		Type:     winner.Type,
		Priority: priority,
		Params:   map[string]interface{}{"gid": winner.GID, "slot": winner.Slot, "fromLevel": winner.FromLevel},
	}
}

// troopTask applies the minimum-resource-threshold gate and the
// crop-balance gate, per spec.md §4.4 rule 8.
func troopTask(snap model.Snapshot, cfg config.Config, villageID string) *model.Task {
	thresh := cfg.Troop.MinResourceThresh
	if snap.Resources.Wood < thresh.Wood || snap.Resources.Clay < thresh.Clay ||
		snap.Resources.Iron < thresh.Iron || snap.Resources.Crop < thresh.Crop {
		return nil
	}
	tribe := gamedata.Tribe(cfg.Tribe)
	existingUpkeep := gamedata.TroopUpkeep(tribe, snap.TotalTroops())
	if !CropBalanceOK(snap.ResourceProduction.Crop, existingUpkeep, cfg.Troop.TrainCount, tribe, cfg) {
		return nil
	}
	return &model.Task{
		Type:      "train_troops",
		Priority:  PriorityTroops,
		VillageID: villageID,
		Params: map[string]interface{}{
			"unit":     cfg.Troop.DefaultTroopType,
			"count":    cfg.Troop.TrainCount,
			"building": cfg.Troop.TrainingBuilding,
		},
	}
}

// farmTask emits one send_farm task, delegating the rally-point-farm-list
// vs. explicit-target-list choice to the handler via params, per spec.md
// §4.4 rule 10 ("either rally-point farm list or one send_attack per
// explicit target" -- the explicit-target fan-out itself happens inside
// the FarmManager/handler, not here).
func farmTask(cfg config.Config) *model.Task {
	return &model.Task{
		Type:     "send_farm",
		Priority: PriorityFarm,
		Params: map[string]interface{}{
			"useRallyPointFarmList": cfg.Farm.UseRallyPointFarmList,
			"targets":               cfg.Farm.Targets,
		},
	}
}

// dodgeTroopsTask is one of SPEC_FULL.md's supplemented task types: when
// under incoming attack, send troops to a neighboring village if one
// exists. Best-effort; a single-village account has nowhere to dodge to,
// so this rule is a no-op for it.
func dodgeTroopsTask(snap model.Snapshot, queue QueueView, state *model.EngineState, nowMs int64) *model.Task {
	if snap.IncomingAttacks <= 0 || len(snap.Villages) < 2 {
		return nil
	}
	if queue.HasAnyTaskOfType("dodge_troops") || state.IsCoolingDown("dodge_troops", nowMs) {
		return nil
	}
	var target string
	for _, v := range snap.Villages {
		if v.ID != snap.CurrentVillageID {
			target = v.ID
			break
		}
	}
	if target == "" {
		return nil
	}
	return &model.Task{
		Type:     "dodge_troops",
		Priority: PriorityDodgeTroops,
		Params:   map[string]interface{}{"fromVillage": snap.CurrentVillageID, "toVillage": target},
	}
}

// npcTradeTask is SPEC_FULL.md's second supplemented task type:
// rebalances resources via the NPC merchant when one resource is
// critically overflowing (>=95% of warehouse/granary capacity) and
// another is critically low (<10% of capacity).
func npcTradeTask(snap model.Snapshot, cfg config.Config, queue QueueView, state *model.EngineState, nowMs int64) *model.Task {
	if queue.HasAnyTaskOfType("npc_trade") || state.IsCoolingDown("npc_trade", nowMs) {
		return nil
	}
	overflow, hasOverflow := criticalResource(snap, true)
	shortage, hasShortage := criticalResource(snap, false)
	if !hasOverflow || !hasShortage || overflow == shortage {
		return nil
	}
	return &model.Task{
		Type:     "npc_trade",
		Priority: PriorityNpcTrade,
		Params:   map[string]interface{}{"from": string(overflow), "to": string(shortage)},
	}
}

func criticalResource(snap model.Snapshot, overflow bool) (model.ResourceKind, bool) {
	for _, kind := range model.AllResourceKinds {
		var capacity int
		if kind == model.ResourceCrop {
			capacity = snap.ResourceCapacity.Granary
		} else {
			capacity = snap.ResourceCapacity.Warehouse
		}
		if capacity == 0 {
			continue
		}
		ratio := float64(snap.Resources.Get(kind)) / float64(capacity)
		if overflow && ratio >= 0.95 {
			return kind, true
		}
		if !overflow && ratio < 0.10 {
			return kind, true
		}
	}
	return "", false
}

// parseBattleReportsTask is SPEC_FULL.md's third supplemented task type:
// asks the bridge for a reports scan every 10 minutes so losses can feed
// FarmIntelligence; it carries no village/slot identity so it dedups
// globally.
func parseBattleReportsTask(snap model.Snapshot, queue QueueView, state *model.EngineState, nowMs int64) *model.Task {
	if queue.HasAnyTaskOfType("parse_battle_reports") || state.IsCoolingDown("parse_battle_reports", nowMs) {
		return nil
	}
	return &model.Task{Type: "parse_battle_reports", Priority: PriorityBattleReport}
}

// ApplySuccessCooldown records the standard post-success cooldown for
// taskType on state, scoped by slot when the task carries one (slot-scoped
// cooldowns distinguish "this exact field just failed" from "this whole
// action family is on cooldown"), per spec.md §4.4 "Cooldown
// administration".
func ApplySuccessCooldown(state *model.EngineState, taskType string, slot int, scoped bool, nowMs int64) {
	d := successCooldownFor(taskType)
	state.SetCooldown(cooldownKey(taskType, slot, scoped), nowMs+d.Milliseconds(), nowMs)
}

// ApplyHopelessCooldown records the long cooldown for a structural-skip
// failure reason, per spec.md §4.4 and §7, and SPEC_FULL's Open Question
// (iii) normalization. It does not touch the task itself; marking it
// terminally failed is left to the caller.
func ApplyHopelessCooldown(state *model.EngineState, taskType string, slot int, scoped bool, reason string, nowMs int64) {
	d := hopelessCooldownFor(reason)
	state.SetCooldown(cooldownKey(taskType, slot, scoped), nowMs+d.Milliseconds(), nowMs)
}

// CooldownKeyFor exposes the package-private cooldownKey builder to
// callers outside this package (the engine needs the exact same key
// shape to check IsCoolingDown before dispatching).
func CooldownKeyFor(taskType string, slot int, scoped bool) string {
	return cooldownKey(taskType, slot, scoped)
}
