package decision

import (
	"fmt"
	"sort"

	"github.com/kaelstrom/travianbot/internal/config"
	"github.com/kaelstrom/travianbot/internal/gamedata"
	"github.com/kaelstrom/travianbot/internal/model"
)

// Phase buckets the estimated game day into a build-priority bias, per
// spec.md §4.4 "biased by phase (early/mid/late)".
type Phase string

const (
	PhaseEarly Phase = "early"
	PhaseMid   Phase = "mid"
	PhaseLate  Phase = "late"
)

// DeterminePhase buckets Config.GameDayEstimate into a Phase. The exact
// day thresholds are this implementation's resolution of spec.md's
// "phase" concept, which names "early/mid/late" without specifying the
// boundaries.
func DeterminePhase(cfg config.Config) Phase {
	switch {
	case cfg.GameDayEstimate < 30:
		return PhaseEarly
	case cfg.GameDayEstimate < 100:
		return PhaseMid
	default:
		return PhaseLate
	}
}

// phaseMultiplier implements SPEC_FULL.md's ROI formula resolution: early
// phase favors resource fields, late phase favors buildings.
func phaseMultiplier(phase Phase, isResource bool) float64 {
	switch phase {
	case PhaseEarly:
		if isResource {
			return 1.5
		}
		return 0.8
	case PhaseLate:
		if isResource {
			return 0.8
		}
		return 1.5
	default:
		return 1.0
	}
}

// topK bounds how many candidates RankBuildCandidates considers, per
// spec.md §4.4 "Iterate top-K (≈20)".
const topK = 20

// Candidate is one ranked build/upgrade opportunity.
type Candidate struct {
	Type        string // "upgrade_resource" or "upgrade_building"
	Slot        int
	GID         int
	FromLevel   int
	Affordable  bool
	Score       float64
	Reason      string
	BuildingKey string // the upgradeTargets map key, "slot:<n>"
}

func buildingKey(slot int) string {
	return fmt.Sprintf("slot:%d", slot)
}

// affordable reports whether resources cover cost.
func affordable(resources, cost model.ResourceVector) bool {
	return resources.Wood >= cost.Wood && resources.Clay >= cost.Clay &&
		resources.Iron >= cost.Iron && resources.Crop >= cost.Crop
}

// RankBuildCandidates scores every non-upgrading, non-cooling-down slot
// in the snapshot and returns them ordered best-first, capped at topK.
func RankBuildCandidates(snap model.Snapshot, cfg config.Config, isCoolingDown func(slotKey string) bool) []Candidate {
	phase := DeterminePhase(cfg)
	var candidates []Candidate

	for _, field := range snap.ResourceFields {
		if field.Upgrading {
			continue
		}
		if isCoolingDown(cooldownKey("upgrade_resource", field.ID, true)) {
			continue
		}
		def, ok := gamedata.Buildings[int(resourceFieldGID(field.Type))]
		if !ok {
			continue
		}
		// cfg.ResourceMaxLevel (spec.md §6 "resourceConfig.maxLevel=10")
		// caps resource fields below gamedata's own ceiling when it's the
		// tighter of the two; zero means "unset", not "cap at zero".
		maxLevel := def.MaxLevel
		if cfg.ResourceMaxLevel > 0 && cfg.ResourceMaxLevel < maxLevel {
			maxLevel = cfg.ResourceMaxLevel
		}
		if field.Level >= maxLevel {
			continue
		}
		cost := def.CostAtLevel(field.Level + 1)
		gainPerHour := float64(field.Level+1) * 5.0 // flat stand-in production curve
		score := gainPerHour / float64(costSum(cost)+1) * phaseMultiplier(phase, true)
		candidates = append(candidates, Candidate{
			Type: "upgrade_resource", Slot: field.ID, GID: int(resourceFieldGID(field.Type)),
			FromLevel: field.Level, Affordable: affordable(snap.Resources, cost),
			Score: score, Reason: "resource_roi", BuildingKey: buildingKey(field.ID),
		})
	}

	for _, b := range snap.Buildings {
		if b.Empty || b.Upgrading {
			continue
		}
		def, ok := gamedata.Buildings[b.GID]
		if !ok || def.IsResource || b.Level >= def.MaxLevel {
			continue
		}
		if isCoolingDown(cooldownKey("upgrade_building", b.Slot, true)) {
			continue
		}
		cost := def.CostAtLevel(b.Level + 1)
		score := def.UtilityScore / float64(costSum(cost)+1) * phaseMultiplier(phase, false) * 1000
		candidates = append(candidates, Candidate{
			Type: "upgrade_building", Slot: b.Slot, GID: b.GID,
			FromLevel: b.Level, Affordable: affordable(snap.Resources, cost),
			Score: score, Reason: "building_roi", BuildingKey: buildingKey(b.Slot),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates
}

func costSum(c model.ResourceVector) int {
	return c.Wood + c.Clay + c.Iron + c.Crop
}

func resourceFieldGID(kind model.ResourceKind) int {
	switch kind {
	case model.ResourceWood:
		return gamedata.GIDWoodcutter
	case model.ResourceClay:
		return gamedata.GIDClayPit
	case model.ResourceIron:
		return gamedata.GIDIronMine
	case model.ResourceCrop:
		return gamedata.GIDCropland
	default:
		return 0
	}
}

// SelectBuildCandidate applies spec.md §4.4's selection rule: restrict to
// the user's upgradeTargets if any are enabled, prefer an affordable
// candidate, and only fall back to the best unaffordable one when no
// affordable candidate exists and the user hasn't constrained the set.
func SelectBuildCandidate(candidates []Candidate, cfg config.Config) *Candidate {
	hasUserTargets := false
	for _, t := range cfg.UpgradeTargets {
		if t.Enabled {
			hasUserTargets = true
			break
		}
	}

	filtered := candidates
	if hasUserTargets {
		filtered = nil
		for _, c := range candidates {
			if t, ok := cfg.UpgradeTargets[c.BuildingKey]; ok && t.Enabled {
				filtered = append(filtered, c)
			}
		}
	}

	var bestAffordable, bestAny *Candidate
	for i := range filtered {
		c := &filtered[i]
		if bestAny == nil || c.Score > bestAny.Score {
			bestAny = c
		}
		if c.Affordable && (bestAffordable == nil || c.Score > bestAffordable.Score) {
			bestAffordable = c
		}
	}

	if bestAffordable != nil {
		return bestAffordable
	}
	if !hasUserTargets {
		return bestAny
	}
	return nil
}
