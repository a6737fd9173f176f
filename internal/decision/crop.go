package decision

import (
	"github.com/kaelstrom/travianbot/internal/config"
	"github.com/kaelstrom/travianbot/internal/gamedata"
)

// CropBalanceOK implements spec.md §4.4's crop-balance gate: reject
// training count new troops of unit/tribe if doing so would push the
// projected crop balance below -cropSafetyMargin.
func CropBalanceOK(cropProduction, existingUpkeep int, count int, tribe gamedata.Tribe, cfg config.Config) bool {
	newUpkeep := gamedata.TroopUpkeep(tribe, count)
	balance := cropProduction - existingUpkeep - newUpkeep
	return balance >= -cfg.CropSafetyMargin
}
