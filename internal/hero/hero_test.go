package hero

import (
	"testing"

	"github.com/kaelstrom/travianbot/internal/config"
	"github.com/kaelstrom/travianbot/internal/gamedata"
	"github.com/kaelstrom/travianbot/internal/model"
)

func baseSnapshot() model.Snapshot {
	return model.Snapshot{
		Resources:        model.ResourceVector{Wood: 100, Clay: 100, Iron: 100, Crop: 100},
		ResourceCapacity: model.CapacityVector{Warehouse: 1000, Granary: 1000},
		Hero:             model.Hero{IsHome: true},
	}
}

func TestShouldProactivelyClaimBelowThreshold(t *testing.T) {
	m := New()
	heroCfg := config.Hero{ClaimThreshold: 20, ClaimFillTarget: 50}

	snap := baseSnapshot() // 100/1000 = 10% < 20%
	if !m.ShouldProactivelyClaim(snap, heroCfg, 0) {
		t.Fatalf("expected proactive claim to trigger below threshold")
	}
}

func TestShouldProactivelyClaimAboveThresholdIsFalse(t *testing.T) {
	m := New()
	heroCfg := config.Hero{ClaimThreshold: 20, ClaimFillTarget: 50}

	snap := baseSnapshot()
	snap.Resources = model.ResourceVector{Wood: 500, Clay: 500, Iron: 500, Crop: 500}
	if m.ShouldProactivelyClaim(snap, heroCfg, 0) {
		t.Fatalf("expected no proactive claim when every resource is above threshold")
	}
}

func TestShouldProactivelyClaimRequiresHeroHome(t *testing.T) {
	m := New()
	heroCfg := config.Hero{ClaimThreshold: 20, ClaimFillTarget: 50}
	snap := baseSnapshot()
	snap.Hero = model.Hero{IsHome: false}

	if m.ShouldProactivelyClaim(snap, heroCfg, 0) {
		t.Fatalf("expected no claim when hero is not home")
	}
}

func TestProactiveClaimComputesDeficitToFillTarget(t *testing.T) {
	m := New()
	heroCfg := config.Hero{ClaimThreshold: 20, ClaimFillTarget: 50}
	snap := baseSnapshot() // 100 of 1000 capacity, target 50% = 500

	plan := m.ProactiveClaim(snap, heroCfg, 0)
	if plan.Amounts[model.ResourceWood] != 400 {
		t.Fatalf("expected wood deficit of 400, got %d", plan.Amounts[model.ResourceWood])
	}
}

func TestTryClaimForTaskUsesExactGIDCost(t *testing.T) {
	m := New()
	snap := baseSnapshot()

	def := gamedata.Buildings[10] // warehouse
	task := &model.Task{Params: map[string]interface{}{"gid": 10, "fromLevel": 0}}

	plan, attempted := m.TryClaimForTask(task, snap, 0)
	if !attempted {
		t.Fatalf("expected claim attempt to proceed")
	}
	cost := def.CostAtLevel(1)
	if plan.Amounts[model.ResourceWood] != cost.Wood-snap.Resources.Wood {
		t.Fatalf("expected exact-cost deficit %d, got %d", cost.Wood-snap.Resources.Wood, plan.Amounts[model.ResourceWood])
	}
}

func TestTryClaimForTaskFallsBackToFiftyPercentWhenCostUnknown(t *testing.T) {
	m := New()
	snap := baseSnapshot()
	task := &model.Task{Params: map[string]interface{}{}} // no gid: cost can't be resolved

	plan, attempted := m.TryClaimForTask(task, snap, 0)
	if !attempted {
		t.Fatalf("expected claim attempt to proceed even without a resolvable cost")
	}
	want := snap.ResourceCapacity.Warehouse/2 - snap.Resources.Wood
	if plan.Amounts[model.ResourceWood] != want {
		t.Fatalf("expected 50%%-of-capacity fallback deficit %d, got %d", want, plan.Amounts[model.ResourceWood])
	}
}

func TestSharedCooldownSuppressesSecondClaim(t *testing.T) {
	m := New()
	heroCfg := config.Hero{ClaimThreshold: 20, ClaimFillTarget: 50}
	snap := baseSnapshot()

	m.ProactiveClaim(snap, heroCfg, 0)
	if m.ShouldProactivelyClaim(snap, heroCfg, 1000) {
		t.Fatalf("expected cooldown to suppress a second claim within the window")
	}

	_, attempted := m.TryClaimForTask(&model.Task{}, snap, 1000)
	if attempted {
		t.Fatalf("expected shared cooldown to also suppress the reactive claim path")
	}

	if m.ShouldProactivelyClaim(snap, heroCfg, int64(PostClaimCooldown.Milliseconds())+1) == false {
		t.Fatalf("expected claim to be allowed again once the cooldown has elapsed")
	}
}

func TestHasClaimReportsPositiveAmount(t *testing.T) {
	empty := ClaimPlan{Amounts: map[model.ResourceKind]int{model.ResourceWood: 0}}
	if empty.HasClaim() {
		t.Fatalf("expected all-zero plan to report no claim")
	}
	nonEmpty := ClaimPlan{Amounts: map[model.ResourceKind]int{model.ResourceWood: 10}}
	if !nonEmpty.HasClaim() {
		t.Fatalf("expected positive amount to report a claim")
	}
}
