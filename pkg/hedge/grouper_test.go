package hedge

import (
	"testing"
	"time"

	"github.com/gregtusar/fundingarb/pkg/coordinator"
	"github.com/gregtusar/fundingarb/pkg/models"
)

func snapshotOf(complete bool, perVenue map[models.Venue][]models.Position) *coordinator.PositionSnapshot {
	snap := &coordinator.PositionSnapshot{
		PerVenue:     make(map[models.Venue]coordinator.VenuePositions, len(perVenue)),
		DataComplete: complete,
		TakenAt:      time.Now(),
	}
	for v, ps := range perVenue {
		snap.PerVenue[v] = coordinator.VenuePositions{OK: true, Positions: ps}
	}
	return snap
}

func TestGroupJoinsAcrossSymbolFormats(t *testing.T) {
	snap := snapshotOf(true, map[models.Venue][]models.Position{
		"alpha": {{Instrument: "BTC/USDT:USDT", SignedSize: 2, EntryPrice: 100, MarkPrice: 101, UnrealizedPnl: 2}},
		"beta":  {{Instrument: "BTCUSDT", SignedSize: -2, EntryPrice: 100, MarkPrice: 101, UnrealizedPnl: -2}},
	})

	groups := Group(snap)
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	g, ok := groups["BTC"]
	if !ok {
		t.Fatal("expected group keyed by canonical symbol BTC")
	}
	if !g.IsFullHedge() {
		t.Fatalf("legs = %d, want full hedge", len(g.Legs))
	}
	if g.NetPnl != 0 {
		t.Fatalf("net pnl = %v, want 0", g.NetPnl)
	}

	long, ok := g.LegBySide(models.SideLong)
	if !ok || long.Venue != "alpha" {
		t.Fatalf("long leg = %+v, want venue alpha", long)
	}
	short, ok := g.LegBySide(models.SideShort)
	if !ok || short.Venue != "beta" || short.Quantity != 2 {
		t.Fatalf("short leg = %+v, want venue beta qty 2", short)
	}
}

func TestGroupSkipsZeroSizeAndFailedVenues(t *testing.T) {
	snap := snapshotOf(false, map[models.Venue][]models.Position{
		"alpha": {
			{Instrument: "BTC/USDT:USDT", SignedSize: 0},
			{Instrument: "ETH/USDT:USDT", SignedSize: 1.5},
		},
	})
	snap.PerVenue["beta"] = coordinator.VenuePositions{OK: false, Err: "timeout"}

	groups := Group(snap)
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want only the nonzero ETH leg", len(groups))
	}
	g := groups["ETH"]
	if len(g.Legs) != 1 || g.Legs[0].Side != models.SideLong {
		t.Fatalf("ETH group = %+v, want one long leg", g)
	}
}

func TestGroupIsDeterministic(t *testing.T) {
	snap := snapshotOf(true, map[models.Venue][]models.Position{
		"alpha": {{Instrument: "SOL/USDT", SignedSize: -3}},
		"beta":  {{Instrument: "SOLUSDT", SignedSize: 3}},
	})
	first := Group(snap)["SOL"]
	for i := 0; i < 20; i++ {
		g := Group(snap)["SOL"]
		if g.Legs[0].Venue != first.Legs[0].Venue {
			t.Fatal("leg order must not depend on map iteration")
		}
	}
}
