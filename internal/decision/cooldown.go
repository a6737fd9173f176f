package decision

import (
	"strconv"
	"time"
)

// Cooldown durations on task-type success, per spec.md §4.4 "Cooldown
// administration".
var successCooldowns = map[string]time.Duration{
	"upgrade_resource":     60 * time.Second,
	"upgrade_building":     60 * time.Second,
	"build_new":            60 * time.Second,
	"train_troops":         120 * time.Second,
	"send_farm":            5 * time.Minute,
	"send_hero_adventure":  3 * time.Minute,
	"claim_quest":          5 * time.Minute,
	"build_traps":          60 * time.Second,
	"dodge_troops":         5 * time.Minute,
	"npc_trade":            10 * time.Minute,
	"parse_battle_reports": 10 * time.Minute,
}

const defaultSuccessCooldown = 30 * time.Second

// hopelessCooldowns are the long cooldowns applied when a task fails for
// one of the named structural ("hopeless") reasons, per spec.md §4.4.
// Reasons beyond the six spec.md names explicitly (page_mismatch,
// button_not_found, slot_occupied, prerequisites_not_met,
// building_not_in_tab) are treated as the same family with the default
// cooldown, per SPEC_FULL.md's Open Question (iii) resolution.
var hopelessCooldowns = map[string]time.Duration{
	"no_adventure":           10 * time.Minute,
	"hero_unavailable":       5 * time.Minute,
	"insufficient_resources": 3 * time.Minute,
	"queue_full":             2 * time.Minute,
	"building_not_available": 5 * time.Minute,
	"no_items":               1 * time.Minute,
	"page_mismatch":          1 * time.Minute,
	"button_not_found":       1 * time.Minute,
	"slot_occupied":          1 * time.Minute,
	"prerequisites_not_met":  1 * time.Minute,
	"building_not_in_tab":    1 * time.Minute,
}

const defaultHopelessCooldown = 1 * time.Minute

// IsHopelessReason reports whether reason is one of the structural-skip
// reasons spec.md §7 names, which should mark the task terminal rather
// than let it retry through the normal queue backoff ladder.
func IsHopelessReason(reason string) bool {
	_, ok := hopelessCooldowns[reason]
	return ok
}

// cooldownKey builds the map key used by EngineState.Cooldowns: either
// type-wide ("upgrade_resource") or slot-scoped ("upgrade_resource:3"),
// per spec.md §3 "Cooldown".
func cooldownKey(taskType string, slot int, scoped bool) string {
	if !scoped {
		return taskType
	}
	return taskType + ":" + strconv.Itoa(slot)
}

// successCooldownFor returns the cooldown duration applied after taskType
// succeeds.
func successCooldownFor(taskType string) time.Duration {
	if d, ok := successCooldowns[taskType]; ok {
		return d
	}
	return defaultSuccessCooldown
}

// hopelessCooldownFor returns the cooldown duration applied after a task
// fails with a hopeless reason.
func hopelessCooldownFor(reason string) time.Duration {
	if d, ok := hopelessCooldowns[reason]; ok {
		return d
	}
	return defaultHopelessCooldown
}
