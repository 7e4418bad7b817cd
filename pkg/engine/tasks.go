package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fundingarb/pkg/metrics"
	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/gregtusar/fundingarb/pkg/symbols"
)

// RefreshIntervals re-reads each venue's funding intervals so the
// interval-change predicate sees venue-side changes. The per-venue maps are
// rebuilt and swapped whole.
func (e *Engine) RefreshIntervals(ctx context.Context) error {
	rates := e.coord.FundingRates(ctx)
	fresh := make(map[models.Venue]map[string]int, len(rates))
	for venue, venueRates := range rates {
		m := make(map[string]int, len(venueRates))
		for sym, fr := range venueRates {
			if fr.IntervalHours > 0 {
				m[symbols.Canonical(sym)] = fr.IntervalHours
			}
		}
		if len(m) > 0 {
			fresh[venue] = m
		}
	}

	e.intervalsMu.Lock()
	// A venue that contributed nothing keeps its previous map: an empty
	// read is evidence of nothing.
	for venue, m := range fresh {
		e.intervals[venue] = m
	}
	e.intervalsMu.Unlock()
	return nil
}

// AccrueFunding credits each ACTIVE trade with the funding paid or
// received at every elapsed funding event. Events are detected by the
// venue's next-funding stamp rolling forward.
func (e *Engine) AccrueFunding(ctx context.Context) error {
	trades, err := e.store.ListActiveTrades(ctx)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		return nil
	}
	rates := e.coord.FundingRates(ctx)

	e.accrualMu.Lock()
	defer e.accrualMu.Unlock()

	live := make(map[string]bool, len(trades)*2)
	for _, trade := range trades {
		for _, side := range []models.Side{models.SideLong, models.SideShort} {
			venue := trade.VenueLong
			if side == models.SideShort {
				venue = trade.VenueShort
			}
			key := trade.ID + "|" + string(venue)
			live[key] = true

			fr, ok := venueRate(rates, venue, trade.InstrumentKey)
			if !ok || fr.NextFundingAt.IsZero() {
				continue
			}
			last, seen := e.lastStamps[key]
			e.lastStamps[key] = fr.NextFundingAt
			if !seen || !fr.NextFundingAt.After(last) {
				continue
			}

			// The stamp rolled forward: one funding event settled. A
			// positive rate means longs pay shorts.
			notional := trade.Quantity * fr.MarkPrice
			var deltaLong, deltaShort float64
			if side == models.SideLong {
				deltaLong = -fr.Rate * notional
			} else {
				deltaShort = fr.Rate * notional
			}
			if err := e.store.AccrueFunding(ctx, trade.ID, deltaLong, deltaShort); err != nil {
				e.log.WithError(err).WithFields(logrus.Fields{
					"trade_id": trade.ID,
					"venue":    venue,
				}).Error("Funding accrual write failed")
				continue
			}
			e.log.WithFields(logrus.Fields{
				"instrument": trade.InstrumentKey,
				"venue":      venue,
				"side":       side,
				"rate":       fr.Rate,
				"delta":      deltaLong + deltaShort,
			}).Debug("Funding event accrued")
		}
	}

	for key := range e.lastStamps {
		if !live[key] {
			delete(e.lastStamps, key)
		}
	}
	return nil
}

// DailyRollover logs the daily equity and carry summary and refreshes the
// equity gauge.
func (e *Engine) DailyRollover(ctx context.Context) error {
	balances, err := e.coord.AggregatedBalances(ctx)
	if err != nil {
		return fmt.Errorf("rollover balances: %w", err)
	}
	metrics.SetEquity(balances.Total)

	trades, err := e.store.ListActiveTrades(ctx)
	if err != nil {
		return err
	}
	var funding float64
	for _, t := range trades {
		funding += t.AccruedFundingTotal
	}
	e.log.WithFields(logrus.Fields{
		"equity":          balances.Total,
		"data_complete":   balances.DataComplete,
		"active_trades":   len(trades),
		"accrued_funding": funding,
	}).Info("Daily rollover")
	return nil
}

// ManualClose closes one hedge on operator request, bypassing predicates
// but using the same close-and-archive path.
func (e *Engine) ManualClose(ctx context.Context, instrument, executor string) error {
	key := symbols.Canonical(instrument)
	trade, err := e.store.ActiveTradeByInstrument(ctx, key)
	if err != nil {
		return err
	}
	if trade == nil {
		return fmt.Errorf("no active trade for %s", key)
	}

	res, err := e.coord.CloseAllPositions(ctx, key)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("partial close of %s, failing venues %v", key, res.FailedVenues)
	}

	now := time.Now().UTC()
	if err := e.store.CloseTrade(ctx, trade.ID, now); err != nil {
		return err
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
	if executor == "" {
		executor = "manual"
	}
	e.archive(ctx, *trade, exitLong, exitShort, pnlLong, pnlShort, models.ExitReasonManual, executor, now)
	metrics.TradeClosed(models.ExitReasonManual)
	return nil
}
