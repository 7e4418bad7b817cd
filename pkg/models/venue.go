package models

import (
	"time"
)

// Venue identifies one of the two derivatives exchanges, by configured name.
type Venue string

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other side of a hedge.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// FundingRate is one venue's funding quote for a perpetual instrument.
type FundingRate struct {
	Instrument    string
	Rate          float64
	MarkPrice     float64
	IntervalHours int // 0 when the venue did not report an interval
	NextFundingAt time.Time
}

// Position is a raw per-venue position as returned by the adapter.
// SignedSize is positive for long, negative for short; Side may be empty
// when the venue only reports signed size.
type Position struct {
	Instrument       string
	Side             Side
	SignedSize       float64
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice float64
	UnrealizedPnl    float64
}

// ResolvedSide derives the position side, preferring the explicit tag.
func (p Position) ResolvedSide() Side {
	if p.Side != "" {
		return p.Side
	}
	if p.SignedSize < 0 {
		return SideShort
	}
	return SideLong
}

// Balance is a venue account balance snapshot.
type Balance struct {
	Total      float64
	UsedMargin float64
}

// Available returns the margin still usable for new positions.
func (b Balance) Available() float64 {
	return b.Total - b.UsedMargin
}

// OrderResult is the normalized fill report for a market order.
type OrderResult struct {
	OrderID   string
	AvgPrice  float64
	FilledQty float64
}
