package models

import (
	"time"
)

type TradeStatus string

const (
	TradeStatusActive TradeStatus = "ACTIVE"
	TradeStatusClosed TradeStatus = "CLOSED"
)

// Exit reasons recorded on trade history rows.
const (
	ExitReasonBrokenHedge     = "broken_hedge"
	ExitReasonStrategyFlipped = "strategy_flipped"
	ExitReasonIntervalChanged = "interval_changed"
	ExitReasonLiquidationRisk = "liquidation_buffer"
	ExitReasonNegativeFunding = "negative_funding"
	ExitReasonStoploss        = "stoploss"
	ExitReasonZombie          = "not_found_on_exchange"
	ExitReasonManual          = "manual"
	ExitReasonEntryRollback   = "entry_rollback"
)

// Trade is a persisted hedged position. Created only after both legs
// confirm fill; never hard-deleted, closed via status flip plus an archive
// row in trade_history.
type Trade struct {
	ID                    string
	InstrumentKey         string
	Status                TradeStatus
	VenueLong             Venue
	VenueShort            Venue
	Quantity              float64
	Leverage              int
	EntryPriceLong        float64
	EntryPriceShort       float64
	LiquidationPriceLong  float64
	LiquidationPriceShort float64
	AllocatedCapital      float64
	AccruedFundingLong    float64
	AccruedFundingShort   float64
	AccruedFundingTotal   float64
	FundingIntervalHours  int
	CreatedAt             time.Time
	ClosedAt              *time.Time
}

// Notional is the position size in quote terms at the given mark price.
func (t Trade) Notional(markPrice float64) float64 {
	return t.Quantity * markPrice
}

// TradeHistory is an append-only closed-trade snapshot. Exit prices are
// nullable: a broken hedge archives with no price for the missing leg.
type TradeHistory struct {
	ID               string
	TradeID          string
	InstrumentKey    string
	VenueLong        Venue
	VenueShort       Venue
	Quantity         float64
	EntryPriceLong   float64
	EntryPriceShort  float64
	ExitPriceLong    *float64
	ExitPriceShort   *float64
	RealizedPnlLong  float64
	RealizedPnlShort float64
	FundingReceived  float64
	ExitReason       string
	Executor         string
	OpenedAt         time.Time
	ClosedAt         time.Time
}

// Opportunity is a ranked cross-venue funding spread, recomputed on every
// screener refresh.
type Opportunity struct {
	InstrumentKey  string
	LongVenue      Venue
	ShortVenue     Venue
	LongRate       float64
	ShortRate      float64
	Spread         float64
	IntervalHours  int
	MarkPriceLong  float64
	MarkPriceShort float64
	NextFundingAt  time.Time
	Score          float64
}
