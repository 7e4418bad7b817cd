package models

import "math"

// Leg is one side of a hedge, held at one venue. Rebuilt on every poll.
type Leg struct {
	Venue            Venue
	Side             Side
	EntryPrice       float64
	MarkPrice        float64
	Quantity         float64
	LiquidationPrice float64
	UnrealizedPnl    float64
}

// HedgeGroup is the set of legs (0..2) held for one instrument across both
// venues, keyed by the canonical instrument symbol.
type HedgeGroup struct {
	InstrumentKey string
	Legs          []Leg
	NetPnl        float64
}

// IsFullHedge reports whether both legs are present.
func (g HedgeGroup) IsFullHedge() bool {
	return len(g.Legs) == 2
}

// LegAt returns the leg held at the given venue, if any.
func (g HedgeGroup) LegAt(venue Venue) (Leg, bool) {
	for _, l := range g.Legs {
		if l.Venue == venue {
			return l, true
		}
	}
	return Leg{}, false
}

// LegBySide returns the leg on the given side, if any.
func (g HedgeGroup) LegBySide(side Side) (Leg, bool) {
	for _, l := range g.Legs {
		if l.Side == side {
			return l, true
		}
	}
	return Leg{}, false
}

// SizeAsymmetry returns |qtyA-qtyB| relative to the larger leg, for a
// two-leg group. Zero for anything else.
func (g HedgeGroup) SizeAsymmetry() float64 {
	if len(g.Legs) != 2 {
		return 0
	}
	a := math.Abs(g.Legs[0].Quantity)
	b := math.Abs(g.Legs[1].Quantity)
	larger := math.Max(a, b)
	if larger == 0 {
		return 0
	}
	return math.Abs(a-b) / larger
}
