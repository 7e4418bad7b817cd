// Package coordinator fans out to both venue adapters in parallel with
// timeouts, caching and partial-failure tolerance, and owns the only code
// path that places the two legs of a hedge.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fundingarb/pkg/cache"
	"github.com/gregtusar/fundingarb/pkg/exchange"
	"github.com/gregtusar/fundingarb/pkg/metrics"
	"github.com/gregtusar/fundingarb/pkg/models"
)

var (
	// ErrInsufficientMargin means the pre-trade margin check failed on at
	// least one venue; no orders were placed.
	ErrInsufficientMargin = errors.New("insufficient margin")

	// ErrNoSnapshot means a venue failed and no fallback snapshot exists
	// yet, so the caller has nothing safe to act on.
	ErrNoSnapshot = errors.New("no venue snapshot available")
)

// TradeStore is the slice of persistence the coordinator needs: a trade row
// on double fill, an archive row on entry rollback.
type TradeStore interface {
	InsertTrade(ctx context.Context, t *models.Trade) error
	InsertHistory(ctx context.Context, h *models.TradeHistory) error
}

// AggregatedBalances is the cross-venue balance view. DataComplete=false
// means at least one venue's figure is a stale fallback.
type AggregatedBalances struct {
	PerVenue     map[models.Venue]models.Balance
	Total        float64
	DataComplete bool
}

// VenuePositions is one venue's slice of a position snapshot.
type VenuePositions struct {
	OK        bool
	Positions []models.Position
	Err       string
}

// PositionSnapshot is the two-venue raw position view. DataComplete=false
// means at least one venue's list is stale or missing; destructive
// decisions must not be taken on it.
type PositionSnapshot struct {
	PerVenue     map[models.Venue]VenuePositions
	DataComplete bool
	TakenAt      time.Time
}

// DualTradeRequest describes the hedge to open.
type DualTradeRequest struct {
	InstrumentKey        string
	VenueLong            models.Venue
	VenueShort           models.Venue
	Quantity             float64
	Leverage             int
	AllocatedCapital     float64
	FundingIntervalHours int
}

// CloseResult reports a two-leg close. A venue that still fails after the
// retry lands in FailedVenues: the hedge is broken, not silently dropped.
type CloseResult struct {
	Success      bool
	ExitPrices   map[models.Venue]*float64
	FailedVenues []models.Venue
}

type Coordinator struct {
	venueA exchange.Adapter // order placement strictly starts here
	venueB exchange.Adapter
	store  TradeStore
	log    *logrus.Entry

	callTimeout time.Duration

	positions *cache.Snapshot[*PositionSnapshot]

	balMu        sync.RWMutex
	lastBalances map[models.Venue]models.Balance
}

func New(venueA, venueB exchange.Adapter, store TradeStore, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		venueA:       venueA,
		venueB:       venueB,
		store:        store,
		log:          logger.WithField("component", "coordinator"),
		callTimeout:  30 * time.Second,
		positions:    cache.NewSnapshot[*PositionSnapshot](time.Second),
		lastBalances: make(map[models.Venue]models.Balance),
	}
}

// VenueA returns the name of the venue that always receives the first leg.
func (c *Coordinator) VenueA() models.Venue { return c.venueA.Name() }

// VenueB returns the name of the second-leg venue.
func (c *Coordinator) VenueB() models.Venue { return c.venueB.Name() }

func (c *Coordinator) adapters() []exchange.Adapter {
	return []exchange.Adapter{c.venueA, c.venueB}
}

func (c *Coordinator) adapter(v models.Venue) (exchange.Adapter, error) {
	for _, a := range c.adapters() {
		if a.Name() == v {
			return a, nil
		}
	}
	return nil, fmt.Errorf("unknown venue %q", v)
}

func (c *Coordinator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

// FundingRates fetches both venues' funding quotes in parallel. A failing
// venue contributes an empty map; this call never returns an error.
func (c *Coordinator) FundingRates(ctx context.Context) map[models.Venue]map[string]models.FundingRate {
	out := make(map[models.Venue]map[string]models.FundingRate, 2)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, a := range c.adapters() {
		wg.Add(1)
		go func(a exchange.Adapter) {
			defer wg.Done()
			cctx, cancel := c.callCtx(ctx)
			defer cancel()
			rates, err := a.FetchFundingRates(cctx)
			if err != nil {
				c.log.WithError(err).WithField("venue", a.Name()).
					Warn("Funding rate fetch failed, venue contributes nothing this cycle")
				metrics.VenueError(string(a.Name()), "funding_rates")
				rates = map[string]models.FundingRate{}
			}
			mu.Lock()
			out[a.Name()] = rates
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return out
}

// AggregatedBalances fetches both venue balances in parallel. A failing
// venue falls back to its last known-good balance with DataComplete=false;
// only the very first call with no fallback at all returns an error.
func (c *Coordinator) AggregatedBalances(ctx context.Context) (*AggregatedBalances, error) {
	type result struct {
		venue models.Venue
		bal   models.Balance
		err   error
	}
	results := make(chan result, 2)
	for _, a := range c.adapters() {
		go func(a exchange.Adapter) {
			cctx, cancel := c.callCtx(ctx)
			defer cancel()
			bal, err := a.GetBalanceWithMargin(cctx)
			results <- result{venue: a.Name(), bal: bal, err: err}
		}(a)
	}

	agg := &AggregatedBalances{
		PerVenue:     make(map[models.Venue]models.Balance, 2),
		DataComplete: true,
	}
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			c.log.WithError(r.err).WithField("venue", r.venue).Warn("Balance fetch failed")
			metrics.VenueError(string(r.venue), "balance")
			c.balMu.RLock()
			last, ok := c.lastBalances[r.venue]
			c.balMu.RUnlock()
			if !ok {
				return nil, fmt.Errorf("venue %s balance: %w: %w", r.venue, ErrNoSnapshot, r.err)
			}
			agg.PerVenue[r.venue] = last
			agg.DataComplete = false
			continue
		}
		agg.PerVenue[r.venue] = r.bal
		c.balMu.Lock()
		c.lastBalances[r.venue] = r.bal
		c.balMu.Unlock()
	}
	for _, b := range agg.PerVenue {
		agg.Total += b.Total
	}
	return agg, nil
}

// RawPositions returns the two-venue position snapshot, served from a short
// TTL cache unless forceRefresh is set. A failing venue reuses its previous
// per-venue data with DataComplete=false; if a venue has never been read
// successfully the call fails.
func (c *Coordinator) RawPositions(ctx context.Context, forceRefresh bool) (*PositionSnapshot, error) {
	if !forceRefresh {
		if snap, ok := c.positions.Get(); ok {
			return snap, nil
		}
	}

	type result struct {
		venue     models.Venue
		positions []models.Position
		err       error
	}
	results := make(chan result, 2)
	for _, a := range c.adapters() {
		go func(a exchange.Adapter) {
			cctx, cancel := c.callCtx(ctx)
			defer cancel()
			ps, err := a.FetchPositions(cctx)
			results <- result{venue: a.Name(), positions: ps, err: err}
		}(a)
	}

	prev, _ := c.positions.Last()
	snap := &PositionSnapshot{
		PerVenue:     make(map[models.Venue]VenuePositions, 2),
		DataComplete: true,
		TakenAt:      time.Now(),
	}
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			c.log.WithError(r.err).WithField("venue", r.venue).Warn("Position fetch failed")
			metrics.VenueError(string(r.venue), "positions")
			if prev != nil {
				if vp, ok := prev.PerVenue[r.venue]; ok && vp.OK {
					vp.Err = r.err.Error()
					snap.PerVenue[r.venue] = vp
					snap.DataComplete = false
					continue
				}
			}
			return nil, fmt.Errorf("venue %s positions: %w: %w", r.venue, ErrNoSnapshot, r.err)
		}
		snap.PerVenue[r.venue] = VenuePositions{OK: true, Positions: r.positions}
	}

	c.positions.Put(snap)
	return snap, nil
}

// ExecuteDualTrade opens both legs of a hedge. Venue A placement strictly
// precedes venue B so the rollback direction is always known: a venue B
// failure triggers a best-effort compensating opposite-side order on venue
// A for the filled quantity, and no Trade row is persisted.
func (c *Coordinator) ExecuteDualTrade(ctx context.Context, req DualTradeRequest) (*models.Trade, error) {
	sideA, sideB := c.legSides(req)

	marks, balances, err := c.preTradeSnapshot(ctx, req.InstrumentKey)
	if err != nil {
		return nil, err
	}

	// Margin check on both venues before anything hits the book.
	for _, a := range c.adapters() {
		v := a.Name()
		required := req.Quantity * marks[v] / float64(req.Leverage)
		if avail := balances[v].Available(); required > avail {
			return nil, fmt.Errorf("venue %s needs %.2f margin, has %.2f: %w",
				v, required, avail, ErrInsufficientMargin)
		}
	}

	if err := c.setLeverageBoth(ctx, req.Leverage, req.InstrumentKey); err != nil {
		return nil, err
	}

	// Leg 1: venue A. Failure here aborts with nothing to roll back.
	actxA, cancelA := c.callCtx(ctx)
	fillA, err := c.venueA.CreateMarketOrder(actxA, req.InstrumentKey, sideA, req.Quantity)
	cancelA()
	if err != nil {
		return nil, fmt.Errorf("venue %s order for %s: %w", c.venueA.Name(), req.InstrumentKey, err)
	}

	// Leg 2: venue B. Failure here compensates leg 1 before re-raising.
	actxB, cancelB := c.callCtx(ctx)
	fillB, err := c.venueB.CreateMarketOrder(actxB, req.InstrumentKey, sideB, req.Quantity)
	cancelB()
	if err != nil {
		c.compensateLegA(ctx, req, sideA, fillA)
		return nil, fmt.Errorf("venue %s order for %s: %w", c.venueB.Name(), req.InstrumentKey, err)
	}

	trade := c.buildTrade(req, sideA, fillA, fillB)
	if err := c.store.InsertTrade(ctx, trade); err != nil {
		// Both legs are live on-exchange; the next reconciliation pass will
		// import the hedge as a ghost if this row never lands.
		c.log.WithError(err).WithFields(logrus.Fields{
			"instrument": req.InstrumentKey,
			"trade_id":   trade.ID,
		}).Error("Trade persisted on exchange but row insert failed")
	}
	c.log.WithFields(logrus.Fields{
		"instrument": req.InstrumentKey,
		"trade_id":   trade.ID,
		"qty":        req.Quantity,
		"long":       req.VenueLong,
		"short":      req.VenueShort,
	}).Info("Dual trade executed")
	return trade, nil
}

func (c *Coordinator) legSides(req DualTradeRequest) (sideA, sideB models.Side) {
	sideA = models.SideShort
	if req.VenueLong == c.venueA.Name() {
		sideA = models.SideLong
	}
	return sideA, sideA.Opposite()
}

// preTradeSnapshot concurrently fetches both venues' balance and mark
// price. Any failure fails the entry before orders are placed.
func (c *Coordinator) preTradeSnapshot(ctx context.Context, instrument string) (map[models.Venue]float64, map[models.Venue]models.Balance, error) {
	marks := make(map[models.Venue]float64, 2)
	balances := make(map[models.Venue]models.Balance, 2)
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make(chan error, 4)

	for _, a := range c.adapters() {
		wg.Add(2)
		go func(a exchange.Adapter) {
			defer wg.Done()
			cctx, cancel := c.callCtx(ctx)
			defer cancel()
			bal, err := a.GetBalanceWithMargin(cctx)
			if err != nil {
				errs <- fmt.Errorf("venue %s balance: %w", a.Name(), err)
				return
			}
			mu.Lock()
			balances[a.Name()] = bal
			mu.Unlock()
		}(a)
		go func(a exchange.Adapter) {
			defer wg.Done()
			cctx, cancel := c.callCtx(ctx)
			defer cancel()
			mark, err := a.GetMarkPrice(cctx, instrument)
			if err != nil {
				errs <- fmt.Errorf("venue %s mark price for %s: %w", a.Name(), instrument, err)
				return
			}
			mu.Lock()
			marks[a.Name()] = mark
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return nil, nil, err
	}
	return marks, balances, nil
}

func (c *Coordinator) setLeverageBoth(ctx context.Context, leverage int, instrument string) error {
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, a := range c.adapters() {
		wg.Add(1)
		go func(a exchange.Adapter) {
			defer wg.Done()
			cctx, cancel := c.callCtx(ctx)
			defer cancel()
			if err := a.SetLeverage(cctx, leverage, instrument); err != nil {
				errs <- fmt.Errorf("venue %s set leverage: %w", a.Name(), err)
			}
		}(a)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// compensateLegA submits the opposite-side order on venue A for the filled
// quantity. Best effort: a compensation failure is logged, never re-raised,
// and the integrity monitor picks up whatever remains. A zero-P&L rollback
// record is archived either way.
func (c *Coordinator) compensateLegA(ctx context.Context, req DualTradeRequest, sideA models.Side, fillA *models.OrderResult) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	if _, err := c.venueA.CreateMarketOrder(cctx, req.InstrumentKey, sideA.Opposite(), fillA.FilledQty); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"instrument": req.InstrumentKey,
			"venue":      c.venueA.Name(),
			"qty":        fillA.FilledQty,
		}).Error("Compensating order failed, naked leg remains")
	} else {
		c.log.WithFields(logrus.Fields{
			"instrument": req.InstrumentKey,
			"venue":      c.venueA.Name(),
			"qty":        fillA.FilledQty,
		}).Warn("Entry rolled back with compensating order")
	}

	now := time.Now().UTC()
	price := fillA.AvgPrice
	hist := &models.TradeHistory{
		ID:              uuid.New().String(),
		InstrumentKey:   req.InstrumentKey,
		VenueLong:       req.VenueLong,
		VenueShort:      req.VenueShort,
		Quantity:        fillA.FilledQty,
		EntryPriceLong:  price,
		EntryPriceShort: price,
		ExitPriceLong:   &price,
		ExitPriceShort:  &price,
		ExitReason:      models.ExitReasonEntryRollback,
		Executor:        "coordinator",
		OpenedAt:        now,
		ClosedAt:        now,
	}
	if err := c.store.InsertHistory(ctx, hist); err != nil {
		c.log.WithError(err).WithField("instrument", req.InstrumentKey).
			Error("Rollback archive write failed")
	}
}

func (c *Coordinator) buildTrade(req DualTradeRequest, sideA models.Side, fillA, fillB *models.OrderResult) *models.Trade {
	entryLong, entryShort := fillA.AvgPrice, fillB.AvgPrice
	if sideA == models.SideShort {
		entryLong, entryShort = fillB.AvgPrice, fillA.AvgPrice
	}
	move := func(p float64) float64 { return p / float64(req.Leverage) }
	return &models.Trade{
		ID:                    uuid.New().String(),
		InstrumentKey:         req.InstrumentKey,
		Status:                models.TradeStatusActive,
		VenueLong:             req.VenueLong,
		VenueShort:            req.VenueShort,
		Quantity:              req.Quantity,
		Leverage:              req.Leverage,
		EntryPriceLong:        entryLong,
		EntryPriceShort:       entryShort,
		LiquidationPriceLong:  entryLong - move(entryLong),
		LiquidationPriceShort: entryShort + move(entryShort),
		AllocatedCapital:      req.AllocatedCapital,
		FundingIntervalHours:  req.FundingIntervalHours,
		CreatedAt:             time.Now().UTC(),
	}
}

// CloseAllPositions closes both legs independently. A failing leg is
// retried exactly once; a leg that still fails is reported in FailedVenues
// so the caller can treat the hedge as broken rather than dropped.
func (c *Coordinator) CloseAllPositions(ctx context.Context, instrument string) (*CloseResult, error) {
	res := &CloseResult{
		Success:    true,
		ExitPrices: make(map[models.Venue]*float64, 2),
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, a := range c.adapters() {
		wg.Add(1)
		go func(a exchange.Adapter) {
			defer wg.Done()
			price, err := c.closeWithRetry(ctx, a, instrument)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Success = false
				res.FailedVenues = append(res.FailedVenues, a.Name())
				return
			}
			res.ExitPrices[a.Name()] = &price
		}(a)
	}
	wg.Wait()
	return res, nil
}

func (c *Coordinator) closeWithRetry(ctx context.Context, a exchange.Adapter, instrument string) (float64, error) {
	cctx, cancel := c.callCtx(ctx)
	price, err := a.ClosePosition(cctx, instrument)
	cancel()
	if err == nil {
		return price, nil
	}
	c.log.WithError(err).WithFields(logrus.Fields{
		"venue":      a.Name(),
		"instrument": instrument,
	}).Warn("Close failed, retrying once")

	cctx, cancel = c.callCtx(ctx)
	defer cancel()
	price, err = a.ClosePosition(cctx, instrument)
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"venue":      a.Name(),
			"instrument": instrument,
		}).Error("Close failed after retry, leg remains open")
		metrics.VenueError(string(a.Name()), "close_position")
		return 0, err
	}
	return price, nil
}

// CloseLeg closes exactly one named leg; used by the integrity monitor and
// reconciliation paths.
func (c *Coordinator) CloseLeg(ctx context.Context, instrument string, venue models.Venue) (float64, error) {
	a, err := c.adapter(venue)
	if err != nil {
		return 0, err
	}
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	price, err := a.ClosePosition(cctx, instrument)
	if err != nil {
		return 0, fmt.Errorf("close %s leg on %s: %w", instrument, venue, err)
	}
	return price, nil
}
