package decision

import (
	"github.com/kaelstrom/travianbot/internal/gamedata"
	"github.com/kaelstrom/travianbot/internal/model"
)

// maxPrereqDepth caps DFS recursion, per spec.md §4.4 "depth cap (e.g., 5)".
const maxPrereqDepth = 5

// StateReader is the precomputed view of a snapshot's building state the
// DFS resolver needs: GID -> owned building (if any), plus the list of
// empty slots, per spec.md §4.4.
type StateReader struct {
	bySlot     map[int]model.Building
	byGID      map[int]model.Building
	emptySlots []int
}

// NewStateReader builds a StateReader from a Snapshot.
func NewStateReader(snap model.Snapshot) StateReader {
	sr := StateReader{bySlot: map[int]model.Building{}, byGID: map[int]model.Building{}}
	for _, b := range snap.Buildings {
		sr.bySlot[b.Slot] = b
		if b.Empty {
			sr.emptySlots = append(sr.emptySlots, b.Slot)
			continue
		}
		if existing, ok := sr.byGID[b.GID]; !ok || b.Level > existing.Level {
			sr.byGID[b.GID] = b
		}
	}
	return sr
}

func (sr StateReader) firstEmptySlot() (int, bool) {
	if len(sr.emptySlots) == 0 {
		return 0, false
	}
	best := sr.emptySlots[0]
	for _, s := range sr.emptySlots[1:] {
		if s < best {
			best = s
		}
	}
	return best, true
}

// Resolution is the DFS resolver's result: either a concrete task to make
// progress, or a reason why none could be produced yet.
type Resolution struct {
	Task   *model.Task
	Chain  []int // GIDs visited on the path to the resolution, for observability
	Reason string
}

// ResolvePrerequisite runs the prerequisite DFS from spec.md §4.4: given a
// target GID, find the first actionable task to make progress toward it.
func ResolvePrerequisite(target int, state StateReader) Resolution {
	return resolve(target, state, map[int]bool{}, 0)
}

func resolve(target int, state StateReader, visited map[int]bool, depth int) Resolution {
	if depth > maxPrereqDepth {
		return Resolution{Reason: "depth_cap", Chain: []int{target}}
	}
	if visited[target] {
		return Resolution{Reason: "cycle_break", Chain: []int{target}}
	}
	visited[target] = true

	def, ok := gamedata.Buildings[target]
	if !ok {
		return Resolution{Reason: "unknown_gid", Chain: []int{target}}
	}

	for _, prereq := range def.Prereqs {
		owned, hasOwned := state.byGID[prereq.GID]
		if hasOwned && owned.Level >= prereq.Level {
			continue // this prerequisite is satisfied, check the next one
		}

		if !hasOwned {
			// Prerequisite absent: recurse to see if ITS prerequisites are
			// met first; if so, this function's caller wants a task to
			// build the prerequisite itself.
			subDef, subOK := gamedata.Buildings[prereq.GID]
			if subOK && !subPrereqsMet(subDef, state) {
				sub := resolve(prereq.GID, state, visited, depth+1)
				sub.Chain = append([]int{target}, sub.Chain...)
				return sub
			}
			slot, hasSlot := state.firstEmptySlot()
			if !hasSlot {
				return Resolution{Reason: "no_empty_slot", Chain: []int{target, prereq.GID}}
			}
			return Resolution{
				Task: &model.Task{
					Type:     "build_new",
					Priority: PriorityNewBuild,
					Params:   map[string]interface{}{"gid": prereq.GID, "slot": slot},
				},
				Chain: []int{target, prereq.GID},
			}
		}

		if owned.Upgrading {
			return Resolution{Reason: "awaiting_upgrade", Chain: []int{target, prereq.GID}}
		}

		taskType := "upgrade_building"
		if prereq.GID >= gamedata.GIDWoodcutter && prereq.GID <= gamedata.GIDCropland {
			taskType = "upgrade_resource"
		}
		return Resolution{
			Task: &model.Task{
				Type:     taskType,
				Priority: PriorityNewBuild,
				Params:   map[string]interface{}{"gid": prereq.GID, "slot": owned.Slot},
			},
			Chain: []int{target, prereq.GID},
		}
	}

	// Every prerequisite of target is satisfied. The resolver reports that
	// rather than emitting the target's own build: deciding to actually
	// place the target belongs to the rule that asked.
	return Resolution{Reason: "prereqs_met", Chain: []int{target}}
}

// subPrereqsMet reports whether every prerequisite of def is already at
// its required level, without recursing further (used only to decide
// whether to recurse into a missing prerequisite one level down).
func subPrereqsMet(def gamedata.BuildingDef, state StateReader) bool {
	for _, p := range def.Prereqs {
		owned, ok := state.byGID[p.GID]
		if !ok || owned.Level < p.Level {
			return false
		}
	}
	return true
}
