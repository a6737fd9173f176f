// Package gamedata is an explicitly-a-stand-in static data table: building
// GIDs, their prerequisites, a level-based cost curve, and tribe-parameterized
// troop upkeep. spec.md treats the real per-tribe constants as an external
// collaborator out of scope for this system; this package exists only so the
// prerequisite resolver, build ranker, and hero cost lookups in
// internal/decision and internal/hero have a concrete table to run against
// and be tested against. Replacing this table with accurate game constants
// should not require touching any of that consuming code.
package gamedata

import "github.com/kaelstrom/travianbot/internal/model"

// Building GIDs, matching the small named subset spec.md's component
// descriptions actually reference.
const (
	GIDWoodcutter   = 1
	GIDClayPit      = 2
	GIDIronMine     = 3
	GIDCropland     = 4
	GIDWarehouse    = 10
	GIDGranary      = 11
	GIDMainBuilding = 15
	GIDRallyPoint   = 16
	GIDBarracks     = 19
	GIDStable       = 20
	GIDAcademy      = 22
	GIDCranny       = 23
	GIDResidence    = 25
	GIDTrapper      = 36
)

// Prereq is one entry of a building's ordered prerequisite list: the
// prerequisite GID and the minimum level it must reach.
type Prereq struct {
	GID   int
	Level int
}

// BuildingDef describes one building type's prerequisites and base cost.
// Prereqs is ordered (not a map) because the DFS resolver in
// internal/decision must walk prerequisites in a stable, deterministic
// order, per spec.md §4.4 "Look up the ordered list of prerequisites".
type BuildingDef struct {
	GID          int
	Name         string
	Prereqs      []Prereq
	IsResource   bool
	BaseCost     model.ResourceVector // cost of level 1
	CostGrowth   float64              // multiplier applied per additional level
	MaxLevel     int
	UtilityScore float64 // fixed weight used by the non-resource-field ranker
}

// Buildings is the full stand-in table, GID -> definition. Every GID named
// in spec.md's component descriptions (resource fields 1-4, warehouse,
// granary, main building, rally point, barracks, stable, academy, cranny,
// residence, trapper) plus filler entries for the rest of the 1-36 range
// so GID lookups never come back empty.
var Buildings = buildBuildings()

func buildBuildings() map[int]BuildingDef {
	m := map[int]BuildingDef{}

	resourceNames := map[int]string{
		GIDWoodcutter: "Woodcutter", GIDClayPit: "Clay Pit",
		GIDIronMine: "Iron Mine", GIDCropland: "Cropland",
	}
	for gid, name := range resourceNames {
		m[gid] = BuildingDef{
			GID:        gid,
			Name:       name,
			IsResource: true,
			BaseCost:   model.ResourceVector{Wood: 40, Clay: 40, Iron: 50, Crop: 30},
			CostGrowth: 1.28,
			MaxLevel:   20,
		}
	}

	m[GIDWarehouse] = BuildingDef{
		GID: GIDWarehouse, Name: "Warehouse",
		BaseCost: model.ResourceVector{Wood: 130, Clay: 160, Iron: 90, Crop: 40},
		CostGrowth: 1.28, MaxLevel: 20, UtilityScore: 0.6,
	}
	m[GIDGranary] = BuildingDef{
		GID: GIDGranary, Name: "Granary",
		BaseCost: model.ResourceVector{Wood: 80, Clay: 100, Iron: 70, Crop: 20},
		CostGrowth: 1.28, MaxLevel: 20, UtilityScore: 0.6,
	}
	m[GIDMainBuilding] = BuildingDef{
		GID: GIDMainBuilding, Name: "Main Building",
		BaseCost: model.ResourceVector{Wood: 70, Clay: 40, Iron: 60, Crop: 20},
		CostGrowth: 1.28, MaxLevel: 20, UtilityScore: 1.0,
	}
	m[GIDRallyPoint] = BuildingDef{
		GID: GIDRallyPoint, Name: "Rally Point",
		BaseCost: model.ResourceVector{Wood: 110, Clay: 160, Iron: 90, Crop: 70},
		CostGrowth: 1.28, MaxLevel: 20, UtilityScore: 0.7,
	}
	m[GIDBarracks] = BuildingDef{
		GID: GIDBarracks, Name: "Barracks",
		Prereqs:    []Prereq{{GIDMainBuilding, 3}, {GIDRallyPoint, 1}},
		BaseCost:   model.ResourceVector{Wood: 210, Clay: 140, Iron: 260, Crop: 120},
		CostGrowth: 1.28, MaxLevel: 20, UtilityScore: 0.8,
	}
	m[GIDStable] = BuildingDef{
		GID: GIDStable, Name: "Stable",
		Prereqs:    []Prereq{{GIDMainBuilding, 5}, {GIDAcademy, 5}, {GIDBarracks, 3}},
		BaseCost:   model.ResourceVector{Wood: 260, Clay: 140, Iron: 220, Crop: 100},
		CostGrowth: 1.28, MaxLevel: 20, UtilityScore: 0.8,
	}
	m[GIDAcademy] = BuildingDef{
		GID: GIDAcademy, Name: "Academy",
		Prereqs:    []Prereq{{GIDMainBuilding, 3}, {GIDBarracks, 3}},
		BaseCost:   model.ResourceVector{Wood: 220, Clay: 160, Iron: 90, Crop: 40},
		CostGrowth: 1.28, MaxLevel: 20, UtilityScore: 0.6,
	}
	m[GIDCranny] = BuildingDef{
		GID: GIDCranny, Name: "Cranny",
		BaseCost: model.ResourceVector{Wood: 40, Clay: 50, Iron: 30, Crop: 10},
		CostGrowth: 1.28, MaxLevel: 10, UtilityScore: 0.9,
	}
	m[GIDResidence] = BuildingDef{
		GID: GIDResidence, Name: "Residence",
		Prereqs:    []Prereq{{GIDMainBuilding, 5}},
		BaseCost:   model.ResourceVector{Wood: 580, Clay: 460, Iron: 350, Crop: 180},
		CostGrowth: 1.28, MaxLevel: 20, UtilityScore: 0.4,
	}
	m[GIDTrapper] = BuildingDef{
		GID: GIDTrapper, Name: "Trapper",
		Prereqs:    []Prereq{{GIDMainBuilding, 1}},
		BaseCost:   model.ResourceVector{Wood: 80, Clay: 120, Iron: 60, Crop: 30},
		CostGrowth: 1.28, MaxLevel: 20, UtilityScore: 0.5,
	}

	// Filler entries for the remaining named range so every GID 1-36 is
	// present, even though this system never references them by name.
	fillerNames := map[int]string{
		5: "Sawmill", 6: "Brickyard", 7: "Iron Foundry", 8: "Grain Mill", 9: "Bakery",
		12: "Blacksmith", 13: "Armoury", 14: "Tournament Square", 17: "Marketplace",
		18: "Embassy", 21: "Workshop", 24: "Town Hall", 26: "Palace", 27: "Treasury",
		28: "Trade Office", 29: "Great Barracks", 30: "Great Stable", 31: "City Wall",
		32: "Earth Wall", 33: "Palisade", 34: "Stonemason's Lodge", 35: "Brewery",
	}
	for gid, name := range fillerNames {
		m[gid] = BuildingDef{
			GID: gid, Name: name,
			BaseCost:   model.ResourceVector{Wood: 100, Clay: 100, Iron: 100, Crop: 50},
			CostGrowth: 1.28, MaxLevel: 20, UtilityScore: 0.3,
		}
	}
	return m
}

// CostAtLevel returns the resource cost to build/upgrade to targetLevel
// (targetLevel 1 == BaseCost), applying CostGrowth compounded.
func (b BuildingDef) CostAtLevel(targetLevel int) model.ResourceVector {
	if targetLevel < 1 {
		targetLevel = 1
	}
	growth := 1.0
	for i := 1; i < targetLevel; i++ {
		growth *= b.CostGrowth
	}
	return model.ResourceVector{
		Wood: int(float64(b.BaseCost.Wood) * growth),
		Clay: int(float64(b.BaseCost.Clay) * growth),
		Iron: int(float64(b.BaseCost.Iron) * growth),
		Crop: int(float64(b.BaseCost.Crop) * growth),
	}
}

// Tribe parameterizes troop upkeep, since spec.md calls for
// tribe-parameterized troop upkeep rather than a single fixed constant.
type Tribe string

const (
	TribeRoman  Tribe = "roman"
	TribeGaul   Tribe = "gaul"
	TribeTeuton Tribe = "teuton"
)

// UpkeepPerTroop is the crop upkeep of one unit of any troop type for a
// given tribe, a flat stand-in rather than a real per-unit-type table.
var UpkeepPerTroop = map[Tribe]int{
	TribeRoman:  1,
	TribeGaul:   1,
	TribeTeuton: 1,
}

// TroopUpkeep returns the total crop upkeep for count troops of the given
// tribe.
func TroopUpkeep(tribe Tribe, count int) int {
	per, ok := UpkeepPerTroop[tribe]
	if !ok {
		per = 1
	}
	return per * count
}
