// Package hedge turns raw per-venue positions into hedge groups and keeps
// watch over their integrity.
package hedge

import (
	"math"
	"sort"

	"github.com/gregtusar/fundingarb/pkg/coordinator"
	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/gregtusar/fundingarb/pkg/symbols"
)

// Group folds a two-venue position snapshot into hedge groups keyed by the
// canonical instrument symbol. Stateless and order-independent: a leg is
// contributed only when its absolute size is greater than zero, and the
// side derives from signed size when the venue reports no explicit tag.
func Group(snap *coordinator.PositionSnapshot) map[string]models.HedgeGroup {
	groups := make(map[string]models.HedgeGroup)
	if snap == nil {
		return groups
	}

	venues := make([]models.Venue, 0, len(snap.PerVenue))
	for v := range snap.PerVenue {
		venues = append(venues, v)
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i] < venues[j] })

	for _, venue := range venues {
		vp := snap.PerVenue[venue]
		if !vp.OK {
			continue
		}
		for _, pos := range vp.Positions {
			qty := math.Abs(pos.SignedSize)
			if qty == 0 {
				continue
			}
			key := symbols.Canonical(pos.Instrument)
			g := groups[key]
			g.InstrumentKey = key
			g.Legs = append(g.Legs, models.Leg{
				Venue:            venue,
				Side:             pos.ResolvedSide(),
				EntryPrice:       pos.EntryPrice,
				MarkPrice:        pos.MarkPrice,
				Quantity:         qty,
				LiquidationPrice: pos.LiquidationPrice,
				UnrealizedPnl:    pos.UnrealizedPnl,
			})
			g.NetPnl += pos.UnrealizedPnl
			groups[key] = g
		}
	}
	return groups
}
