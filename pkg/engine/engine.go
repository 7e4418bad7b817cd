// Package engine is the autonomous exit decision process: every short poll
// cycle it reconciles persisted state against exchange truth, then runs the
// ordered exit predicates over each ACTIVE trade.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fundingarb/pkg/coordinator"
	"github.com/gregtusar/fundingarb/pkg/hedge"
	"github.com/gregtusar/fundingarb/pkg/metrics"
	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/gregtusar/fundingarb/pkg/symbols"
)

// negFundingWindow is how close the next funding event must be before a
// negative net rate forces an exit.
const negFundingWindow = 5 * time.Second

// Coord is the slice of the coordinator the engine consumes.
type Coord interface {
	RawPositions(ctx context.Context, forceRefresh bool) (*coordinator.PositionSnapshot, error)
	FundingRates(ctx context.Context) map[models.Venue]map[string]models.FundingRate
	AggregatedBalances(ctx context.Context) (*coordinator.AggregatedBalances, error)
	CloseAllPositions(ctx context.Context, instrument string) (*coordinator.CloseResult, error)
}

// Store is the persistence surface the engine writes through.
type Store interface {
	ListActiveTrades(ctx context.Context) ([]models.Trade, error)
	ActiveTradeByInstrument(ctx context.Context, instrumentKey string) (*models.Trade, error)
	InsertTrade(ctx context.Context, t *models.Trade) error
	CloseTrade(ctx context.Context, id string, closedAt time.Time) error
	InsertHistory(ctx context.Context, h *models.TradeHistory) error
	AccrueFunding(ctx context.Context, id string, deltaLong, deltaShort float64) error
	GetSettings(ctx context.Context) (models.Settings, error)
}

type Engine struct {
	coord Coord
	store Store
	log   *logrus.Entry

	// funding intervals per venue by canonical key, refreshed by the
	// rediscovery task; whole map replaced atomically.
	intervalsMu sync.RWMutex
	intervals   map[models.Venue]map[string]int

	// last seen next-funding stamp per trade+venue, for accrual.
	accrualMu  sync.Mutex
	lastStamps map[string]time.Time
}

func New(coord Coord, store Store, logger *logrus.Logger) *Engine {
	return &Engine{
		coord:      coord,
		store:      store,
		log:        logger.WithField("component", "exit-engine"),
		intervals:  make(map[models.Venue]map[string]int),
		lastStamps: make(map[string]time.Time),
	}
}

// Cycle runs one full pass: reconciliation, then the exit predicates for
// every ACTIVE trade. Trades are independent of each other; a predicate
// firing on one never affects the evaluation of the next.
func (e *Engine) Cycle(ctx context.Context) error {
	snap, err := e.coord.RawPositions(ctx, false)
	if err != nil {
		return fmt.Errorf("position snapshot: %w", err)
	}
	groups := hedge.Group(snap)
	rates := e.coord.FundingRates(ctx)

	set, err := e.store.GetSettings(ctx)
	if err != nil {
		return err
	}

	if snap.DataComplete {
		e.reconcile(ctx, groups, set)
	}

	trades, err := e.store.ListActiveTrades(ctx)
	if err != nil {
		return err
	}
	metrics.SetActiveTrades(len(trades))

	for i := range trades {
		trade := trades[i]
		group := groups[trade.InstrumentKey]
		e.evaluate(ctx, trade, group, snap, rates, set)
	}
	return nil
}

// reconcile aligns the trade table with exchange truth. Only runs on a
// complete snapshot: acting on partial data would fabricate zombies.
func (e *Engine) reconcile(ctx context.Context, groups map[string]models.HedgeGroup, set models.Settings) {
	trades, err := e.store.ListActiveTrades(ctx)
	if err != nil {
		e.log.WithError(err).Error("Active trade listing failed")
		return
	}

	// Zombie cleanup: an ACTIVE row with no live hedge anywhere.
	for _, trade := range trades {
		group, ok := groups[trade.InstrumentKey]
		if ok && len(group.Legs) > 0 {
			continue
		}
		e.log.WithFields(logrus.Fields{
			"instrument": trade.InstrumentKey,
			"trade_id":   trade.ID,
		}).Warn("Zombie trade: no position on either exchange, closing record")
		now := time.Now().UTC()
		if err := e.store.CloseTrade(ctx, trade.ID, now); err != nil {
			e.log.WithError(err).WithField("trade_id", trade.ID).Error("Zombie close failed")
			continue
		}
		e.archive(ctx, trade, nil, nil, 0, 0, models.ExitReasonZombie, "exit-engine", now)
		metrics.TradeClosed(models.ExitReasonZombie)
	}

	// Ghost import: a fully hedged group with no matching row becomes a
	// new ACTIVE trade so the exit engine can manage it.
	for key, group := range groups {
		if !group.IsFullHedge() {
			continue
		}
		existing, err := e.store.ActiveTradeByInstrument(ctx, key)
		if err != nil || existing != nil {
			continue
		}
		ghost := e.tradeFromGroup(key, group, set)
		if ghost == nil {
			continue
		}
		if err := e.store.InsertTrade(ctx, ghost); err != nil {
			e.log.WithError(err).WithField("instrument", key).Error("Ghost import failed")
			continue
		}
		e.log.WithFields(logrus.Fields{
			"instrument": key,
			"trade_id":   ghost.ID,
			"qty":        ghost.Quantity,
		}).Warn("Ghost position imported as trade")
	}
}

func (e *Engine) tradeFromGroup(key string, group models.HedgeGroup, set models.Settings) *models.Trade {
	long, okL := group.LegBySide(models.SideLong)
	short, okS := group.LegBySide(models.SideShort)
	if !okL || !okS {
		return nil
	}
	leverage := set.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	qty := math.Min(long.Quantity, short.Quantity)
	return &models.Trade{
		ID:                    uuid.New().String(),
		InstrumentKey:         key,
		Status:                models.TradeStatusActive,
		VenueLong:             long.Venue,
		VenueShort:            short.Venue,
		Quantity:              qty,
		Leverage:              leverage,
		EntryPriceLong:        long.EntryPrice,
		EntryPriceShort:       short.EntryPrice,
		LiquidationPriceLong:  long.LiquidationPrice,
		LiquidationPriceShort: short.LiquidationPrice,
		AllocatedCapital:      qty * long.EntryPrice / float64(leverage),
		FundingIntervalHours:  e.intervalFor(long.Venue, key),
		CreatedAt:             time.Now().UTC(),
	}
}

// evaluate runs the ordered predicates for one trade, first-fire-wins.
func (e *Engine) evaluate(ctx context.Context, trade models.Trade, group models.HedgeGroup, snap *coordinator.PositionSnapshot, rates map[models.Venue]map[string]models.FundingRate, set models.Settings) {
	// 1. Broken hedge. The integrity monitor owns the debounced emergency
	// path; a one-leg group stops evaluation here so no softer predicate
	// acts on a naked position.
	if len(group.Legs) == 1 {
		e.log.WithField("instrument", trade.InstrumentKey).
			Debug("One-leg group, deferring to integrity monitor")
		return
	}

	longRate, okLong := venueRate(rates, trade.VenueLong, trade.InstrumentKey)
	shortRate, okShort := venueRate(rates, trade.VenueShort, trade.InstrumentKey)

	// 2. Strategy flip: the short leg belongs on the higher-rate venue. If
	// live rates say the entry direction is no longer optimal, the spread
	// has inverted and holding on pays the funding instead of earning it.
	if okLong && okShort && longRate.Rate != 0 && shortRate.Rate != 0 && longRate.Rate > shortRate.Rate {
		e.closeTrade(ctx, trade, group, models.ExitReasonStrategyFlipped)
		return
	}

	// 3. Interval change since entry. An unresolved interval is evidence
	// of nothing, never a trigger.
	for _, venue := range []models.Venue{trade.VenueLong, trade.VenueShort} {
		live := e.intervalFor(venue, trade.InstrumentKey)
		if live != 0 && trade.FundingIntervalHours != 0 && live != trade.FundingIntervalHours {
			e.log.WithFields(logrus.Fields{
				"instrument": trade.InstrumentKey,
				"venue":      venue,
				"entry":      trade.FundingIntervalHours,
				"live":       live,
			}).Info("Funding interval changed since entry")
			e.closeTrade(ctx, trade, group, models.ExitReasonIntervalChanged)
			return
		}
	}

	if !set.AutoExit {
		return
	}

	// 4a. Liquidation buffer: min distance across legs.
	if buffer, ok := liquidationBuffer(group); ok && buffer <= set.LiquidationBufferPct {
		e.log.WithFields(logrus.Fields{
			"instrument": trade.InstrumentKey,
			"buffer":     buffer,
		}).Warn("Liquidation buffer exhausted")
		e.closeTrade(ctx, trade, group, models.ExitReasonLiquidationRisk)
		return
	}

	// 4b. Negative net funding with a funding event imminent. A zero rate
	// means no quote for the venue, not a real zero, so it never counts.
	if okLong && okShort && longRate.Rate != 0 && shortRate.Rate != 0 {
		net := shortRate.Rate - longRate.Rate
		next := shortRate.NextFundingAt
		if net < 0 && !next.IsZero() && time.Until(next) <= negFundingWindow {
			e.closeTrade(ctx, trade, group, models.ExitReasonNegativeFunding)
			return
		}
	}

	// 4c. Mark-to-market stoploss as a share of allocated capital.
	if trade.AllocatedCapital > 0 && group.NetPnl < 0 {
		if -group.NetPnl/trade.AllocatedCapital >= set.StoplossPct {
			e.log.WithFields(logrus.Fields{
				"instrument": trade.InstrumentKey,
				"net_pnl":    group.NetPnl,
				"capital":    trade.AllocatedCapital,
			}).Warn("MTM stoploss hit")
			e.closeTrade(ctx, trade, group, models.ExitReasonStoploss)
			return
		}
	}
}

// closeTrade closes all legs and archives. A partial close failure leaves
// the trade ACTIVE so the next cycle retries; if the partial close broke
// the hedge the integrity monitor takes over.
func (e *Engine) closeTrade(ctx context.Context, trade models.Trade, group models.HedgeGroup, reason string) {
	res, err := e.coord.CloseAllPositions(ctx, trade.InstrumentKey)
	if err != nil {
		e.log.WithError(err).WithField("instrument", trade.InstrumentKey).Error("Close failed")
		return
	}
	if !res.Success {
		e.log.WithFields(logrus.Fields{
			"instrument": trade.InstrumentKey,
			"failed":     res.FailedVenues,
			"reason":     reason,
		}).Error("Partial close, trade stays active for retry")
		return
	}

	now := time.Now().UTC()
	if err := e.store.CloseTrade(ctx, trade.ID, now); err != nil {
		e.log.WithError(err).WithField("trade_id", trade.ID).Error("Status flip failed")
	}

	exitLong := res.ExitPrices[trade.VenueLong]
	exitShort := res.ExitPrices[trade.VenueShort]
	var pnlLong, pnlShort float64
	if exitLong != nil && *exitLong > 0 {
		pnlLong = (*exitLong - trade.EntryPriceLong) * trade.Quantity
	}
	if exitShort != nil && *exitShort > 0 {
		pnlShort = (trade.EntryPriceShort - *exitShort) * trade.Quantity
	}
	e.archive(ctx, trade, exitLong, exitShort, pnlLong, pnlShort, reason, "exit-engine", now)

	e.log.WithFields(logrus.Fields{
		"instrument": trade.InstrumentKey,
		"trade_id":   trade.ID,
		"reason":     reason,
		"pnl_long":   pnlLong,
		"pnl_short":  pnlShort,
		"funding":    trade.AccruedFundingTotal,
	}).Info("Trade closed")
	metrics.TradeClosed(reason)
}

func (e *Engine) archive(ctx context.Context, trade models.Trade, exitLong, exitShort *float64, pnlLong, pnlShort float64, reason, executor string, closedAt time.Time) {
	hist := &models.TradeHistory{
		ID:               uuid.New().String(),
		TradeID:          trade.ID,
		InstrumentKey:    trade.InstrumentKey,
		VenueLong:        trade.VenueLong,
		VenueShort:       trade.VenueShort,
		Quantity:         trade.Quantity,
		EntryPriceLong:   trade.EntryPriceLong,
		EntryPriceShort:  trade.EntryPriceShort,
		ExitPriceLong:    exitLong,
		ExitPriceShort:   exitShort,
		RealizedPnlLong:  pnlLong,
		RealizedPnlShort: pnlShort,
		FundingReceived:  trade.AccruedFundingTotal,
		ExitReason:       reason,
		Executor:         executor,
		OpenedAt:         trade.CreatedAt,
		ClosedAt:         closedAt,
	}
	if err := e.store.InsertHistory(ctx, hist); err != nil {
		// The exchange-side close already happened; this is a reporting
		// gap, not a reason to fail the exit.
		e.log.WithError(err).WithField("trade_id", trade.ID).Error("Archive write failed")
	}
}

func venueRate(rates map[models.Venue]map[string]models.FundingRate, venue models.Venue, instrumentKey string) (models.FundingRate, bool) {
	venueRates, ok := rates[venue]
	if !ok {
		return models.FundingRate{}, false
	}
	for sym, fr := range venueRates {
		if symbols.Canonical(sym) == instrumentKey {
			return fr, true
		}
	}
	return models.FundingRate{}, false
}

// liquidationBuffer returns the minimum |mark-liq|/mark across legs.
func liquidationBuffer(group models.HedgeGroup) (float64, bool) {
	min := math.Inf(1)
	for _, leg := range group.Legs {
		if leg.MarkPrice <= 0 || leg.LiquidationPrice <= 0 {
			continue
		}
		b := math.Abs(leg.MarkPrice-leg.LiquidationPrice) / leg.MarkPrice
		if b < min {
			min = b
		}
	}
	if math.IsInf(min, 1) {
		return 0, false
	}
	return min, true
}

func (e *Engine) intervalFor(venue models.Venue, instrumentKey string) int {
	e.intervalsMu.RLock()
	defer e.intervalsMu.RUnlock()
	if m, ok := e.intervals[venue]; ok {
		return m[instrumentKey]
	}
	return 0
}
