// Package trader wires the components into the running strategy: screener
// feeding the allocator feeding the coordinator on the entry side, monitor
// and exit engine guarding the open book.
package trader

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fundingarb/pkg/allocator"
	"github.com/gregtusar/fundingarb/pkg/cache"
	"github.com/gregtusar/fundingarb/pkg/coordinator"
	"github.com/gregtusar/fundingarb/pkg/engine"
	"github.com/gregtusar/fundingarb/pkg/hedge"
	"github.com/gregtusar/fundingarb/pkg/metrics"
	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/gregtusar/fundingarb/pkg/scheduler"
	"github.com/gregtusar/fundingarb/pkg/screener"
	"github.com/gregtusar/fundingarb/pkg/store"
)

// Intervals are the timer periods for the named tasks.
type Intervals struct {
	ExitCheck           time.Duration
	SlotRefill          time.Duration
	OpportunityRescan   time.Duration
	IntervalRediscovery time.Duration
	FundingAccrual      time.Duration
	DailyRollover       time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		ExitCheck:           2 * time.Second,
		SlotRefill:          10 * time.Second,
		OpportunityRescan:   30 * time.Second,
		IntervalRediscovery: 15 * time.Minute,
		FundingAccrual:      time.Minute,
		DailyRollover:       24 * time.Hour,
	}
}

// TradeDetail is an ACTIVE trade joined with its live legs, for the API.
type TradeDetail struct {
	Trade  models.Trade
	Legs   []models.Leg
	NetPnl float64
}

type Trader struct {
	log       *logrus.Entry
	store     *store.Store
	coord     *coordinator.Coordinator
	monitor   *hedge.Monitor
	engine    *engine.Engine
	screener  *screener.Screener
	allocator *allocator.Allocator
	sched     *scheduler.Scheduler
	intervals Intervals

	opportunities *cache.Snapshot[[]models.Opportunity]
}

func New(st *store.Store, coord *coordinator.Coordinator, mon *hedge.Monitor, eng *engine.Engine, scr *screener.Screener, alloc *allocator.Allocator, intervals Intervals, logger *logrus.Logger) *Trader {
	return &Trader{
		log:           logger.WithField("component", "trader"),
		store:         st,
		coord:         coord,
		monitor:       mon,
		engine:        eng,
		screener:      scr,
		allocator:     alloc,
		sched:         scheduler.New(logger),
		intervals:     intervals,
		opportunities: cache.NewSnapshot[[]models.Opportunity](5 * time.Minute),
	}
}

// Start seeds settings, primes the interval map and launches the periodic
// tasks. Returns immediately; tasks run until the context is cancelled.
func (t *Trader) Start(ctx context.Context, seed models.Settings) error {
	if err := t.store.SeedSettings(ctx, seed); err != nil {
		return err
	}
	// Prime intervals so the first entries record a scored interval.
	if err := t.engine.RefreshIntervals(ctx); err != nil {
		t.log.WithError(err).Warn("Initial interval discovery failed")
	}

	t.sched.Add("exit-risk", t.intervals.ExitCheck, t.runExitCycle)
	t.sched.Add("slot-refill", t.intervals.SlotRefill, t.runRefill)
	t.sched.Add("opportunity-rescan", t.intervals.OpportunityRescan, t.runRescan)
	t.sched.Add("interval-rediscovery", t.intervals.IntervalRediscovery, t.engine.RefreshIntervals)
	t.sched.Add("funding-accrual", t.intervals.FundingAccrual, t.engine.AccrueFunding)
	t.sched.Add("daily-rollover", t.intervals.DailyRollover, t.engine.DailyRollover)
	t.sched.Start(ctx)

	t.log.Info("Trader started")
	return nil
}

// Wait blocks until all scheduled tasks have stopped.
func (t *Trader) Wait() { t.sched.Wait() }

// runExitCycle is the short poll: positions -> groups -> integrity monitor,
// then the exit decision engine.
func (t *Trader) runExitCycle(ctx context.Context) error {
	snap, err := t.coord.RawPositions(ctx, false)
	if err != nil {
		if errors.Is(err, coordinator.ErrNoSnapshot) {
			t.log.WithError(err).Warn("No position snapshot yet, skipping cycle")
			return nil
		}
		return err
	}
	groups := hedge.Group(snap)
	t.monitor.Check(ctx, snap, groups)
	return t.engine.Cycle(ctx)
}

// runRescan recomputes the ranked opportunity list.
func (t *Trader) runRescan(ctx context.Context) error {
	rates := t.coord.FundingRates(ctx)
	opps := t.screener.Screen(rates)
	t.opportunities.Put(opps)
	metrics.SetOpportunities(len(opps))
	return nil
}

// runRefill fills open slots from the latest opportunity ranking.
func (t *Trader) runRefill(ctx context.Context) error {
	set, err := t.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	if !set.AutoEntry {
		return nil
	}

	trades, err := t.store.ListActiveTrades(ctx)
	if err != nil {
		return err
	}
	openSlots := set.MaxSlots - len(trades)
	if openSlots <= 0 {
		return nil
	}

	opps, ok := t.opportunities.Last()
	if !ok {
		return nil
	}
	held := make([]string, 0, len(trades))
	for _, tr := range trades {
		held = append(held, tr.InstrumentKey)
	}
	candidates := t.screener.SelectCandidates(opps, held, openSlots)
	if len(candidates) == 0 {
		return nil
	}

	balances, err := t.coord.AggregatedBalances(ctx)
	if err != nil {
		return err
	}
	if !balances.DataComplete {
		t.log.Warn("Balance snapshot incomplete, skipping refill")
		return nil
	}

	activeCount := len(trades)
	for _, opp := range candidates {
		if err := t.allocator.Validate(opp, activeCount, held, set); err != nil {
			t.log.WithError(err).WithField("instrument", opp.InstrumentKey).Debug("Entry rejected")
			continue
		}
		plan, err := t.allocator.Size(opp, balances.PerVenue, set)
		if err != nil {
			t.log.WithError(err).WithField("instrument", opp.InstrumentKey).Debug("Sizing rejected")
			continue
		}

		trade, err := t.coord.ExecuteDualTrade(ctx, coordinator.DualTradeRequest{
			InstrumentKey:        opp.InstrumentKey,
			VenueLong:            opp.LongVenue,
			VenueShort:           opp.ShortVenue,
			Quantity:             plan.Quantity,
			Leverage:             plan.Leverage,
			AllocatedCapital:     plan.AllocatedCapital,
			FundingIntervalHours: opp.IntervalHours,
		})
		if err != nil {
			t.log.WithError(err).WithField("instrument", opp.InstrumentKey).Error("Entry failed")
			continue
		}
		metrics.TradeOpened()
		activeCount++
		held = append(held, trade.InstrumentKey)
	}
	return nil
}

// ActiveTrades joins ACTIVE trade rows with their live legs.
func (t *Trader) ActiveTrades(ctx context.Context) ([]TradeDetail, error) {
	trades, err := t.store.ListActiveTrades(ctx)
	if err != nil {
		return nil, err
	}
	var groups map[string]models.HedgeGroup
	if snap, err := t.coord.RawPositions(ctx, false); err == nil {
		groups = hedge.Group(snap)
	}

	out := make([]TradeDetail, 0, len(trades))
	for _, trade := range trades {
		detail := TradeDetail{Trade: trade}
		if g, ok := groups[trade.InstrumentKey]; ok {
			detail.Legs = g.Legs
			detail.NetPnl = g.NetPnl
		}
		out = append(out, detail)
	}
	return out, nil
}

// Opportunities returns the latest screener ranking.
func (t *Trader) Opportunities() []models.Opportunity {
	opps, _ := t.opportunities.Last()
	return opps
}

// CloseInstrument closes one hedge on operator request.
func (t *Trader) CloseInstrument(ctx context.Context, instrument, executor string) error {
	return t.engine.ManualClose(ctx, instrument, executor)
}

// Settings returns the live settings row.
func (t *Trader) Settings(ctx context.Context) (models.Settings, error) {
	return t.store.GetSettings(ctx)
}

// UpdateSettings persists operator changes, which take effect on the next
// cycle of each task.
func (t *Trader) UpdateSettings(ctx context.Context, set models.Settings) error {
	return t.store.SaveSettings(ctx, set)
}

// History returns recent closed-trade archive rows.
func (t *Trader) History(ctx context.Context, limit int) ([]models.TradeHistory, error) {
	return t.store.ListHistory(ctx, limit)
}
