// Package hero implements the HeroManager from spec.md §4.8: obtaining
// "crate" resources stored in the hero's inventory, either proactively
// (topping up resources that have fallen low) or reactively on behalf of
// a specific failed task (insufficient_resources recovery, spec.md §4.6
// "Post-processing").
//
// The proactive/reactive split and the post-attempt cooldown mirror the
// teacher's control_plane/resilience/degraded_mode.go DegradedModeManager
// shape: a small stateful helper that decides "should I intervene right
// now" from a threshold check, then records when it last acted so it
// doesn't re-fire every cycle.
package hero

import (
	"time"

	"github.com/kaelstrom/travianbot/internal/config"
	"github.com/kaelstrom/travianbot/internal/gamedata"
	"github.com/kaelstrom/travianbot/internal/model"
)

// PostClaimCooldown is the minimum spacing between two claim attempts,
// regardless of which entry point triggered them, per spec.md §4.8 "Both
// paths set a post-attempt cooldown on HeroManager to avoid spamming."
const PostClaimCooldown = 60 * time.Second

// Manager tracks the last claim attempt time so ShouldProactivelyClaim
// and the task-failure path don't both fire in the same cycle.
type Manager struct {
	lastClaimAt time.Time
}

// New builds an empty Manager.
func New() *Manager {
	return &Manager{}
}

// ShouldProactivelyClaim reports whether any resource has fallen below
// claimThreshold% of its store, the hero is home, and the post-claim
// cooldown has elapsed, per spec.md §4.8.
func (m *Manager) ShouldProactivelyClaim(snap model.Snapshot, heroCfg config.Hero, nowMs int64) bool {
	if !snap.Hero.IsHome || snap.Hero.IsDead {
		return false
	}
	if m.coolingDown(nowMs) {
		return false
	}
	for _, kind := range model.AllResourceKinds {
		capacity := capacityFor(snap, kind)
		if capacity == 0 {
			continue
		}
		ratio := float64(snap.Resources.Get(kind)) / float64(capacity) * 100
		if ratio < float64(heroCfg.ClaimThreshold) {
			return true
		}
	}
	return false
}

// ClaimPlan is the bulk transfer the bridge executor dispatches: the
// amount of each resource to pull from hero inventory into the village.
type ClaimPlan struct {
	Amounts map[model.ResourceKind]int
}

// ProactiveClaim computes deficit[resType] = max(0, fillTarget*capacity -
// current) for every resource kind and returns the bulk-transfer plan,
// marking the cooldown regardless of whether the plan ends up empty.
func (m *Manager) ProactiveClaim(snap model.Snapshot, heroCfg config.Hero, nowMs int64) ClaimPlan {
	m.markAttempt(nowMs)
	plan := ClaimPlan{Amounts: map[model.ResourceKind]int{}}
	for _, kind := range model.AllResourceKinds {
		capacity := capacityFor(snap, kind)
		target := int(float64(heroCfg.ClaimFillTarget) / 100 * float64(capacity))
		deficit := target - snap.Resources.Get(kind)
		if deficit > 0 {
			plan.Amounts[kind] = deficit
		}
	}
	return plan
}

// TryClaimForTask computes the deficit against the specific failed task's
// cost, falling back to a capacity-based "50% of each store" deficit if
// the exact cost can't be determined (e.g. an unknown GID), per spec.md
// §4.8. It returns the plan and whether anything was actually claimable
// (hero home, alive, and not cooling down).
func (m *Manager) TryClaimForTask(failedTask *model.Task, snap model.Snapshot, nowMs int64) (ClaimPlan, bool) {
	if !snap.Hero.IsHome || snap.Hero.IsDead || m.coolingDown(nowMs) {
		return ClaimPlan{}, false
	}
	m.markAttempt(nowMs)

	plan := ClaimPlan{Amounts: map[model.ResourceKind]int{}}
	cost, ok := exactTaskCost(failedTask)
	if !ok {
		for _, kind := range model.AllResourceKinds {
			capacity := capacityFor(snap, kind)
			half := capacity / 2
			if half > snap.Resources.Get(kind) {
				plan.Amounts[kind] = half - snap.Resources.Get(kind)
			}
		}
		return plan, true
	}

	for _, kind := range model.AllResourceKinds {
		need := cost.Get(kind) - snap.Resources.Get(kind)
		if need > 0 {
			plan.Amounts[kind] = need
		}
	}
	return plan, true
}

// HasClaim reports whether the plan claims a positive amount of at least
// one resource.
func (p ClaimPlan) HasClaim() bool {
	for _, v := range p.Amounts {
		if v > 0 {
			return true
		}
	}
	return false
}

func (m *Manager) coolingDown(nowMs int64) bool {
	if m.lastClaimAt.IsZero() {
		return false
	}
	return nowMs-m.lastClaimAt.UnixMilli() < PostClaimCooldown.Milliseconds()
}

func (m *Manager) markAttempt(nowMs int64) {
	m.lastClaimAt = time.UnixMilli(nowMs)
}

func capacityFor(snap model.Snapshot, kind model.ResourceKind) int {
	if kind == model.ResourceCrop {
		return snap.ResourceCapacity.Granary
	}
	return snap.ResourceCapacity.Warehouse
}

// exactTaskCost looks up the upgrade cost of a failed build/upgrade task
// from its gid+slot/fromLevel params, using the external game-data table
// per spec.md §4.8 "look up upgrade cost for its GID + current level".
func exactTaskCost(task *model.Task) (model.ResourceVector, bool) {
	if task == nil {
		return model.ResourceVector{}, false
	}
	gidRaw, ok := task.Params["gid"]
	if !ok {
		return model.ResourceVector{}, false
	}
	gid, ok := toInt(gidRaw)
	if !ok {
		return model.ResourceVector{}, false
	}
	def, ok := gamedata.Buildings[gid]
	if !ok {
		return model.ResourceVector{}, false
	}
	fromLevel := 0
	if raw, ok := task.Params["fromLevel"]; ok {
		if v, ok := toInt(raw); ok {
			fromLevel = v
		}
	}
	return def.CostAtLevel(fromLevel + 1), true
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
