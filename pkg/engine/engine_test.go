package engine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fundingarb/pkg/coordinator"
	"github.com/gregtusar/fundingarb/pkg/models"
)

type stubCoord struct {
	snap       *coordinator.PositionSnapshot
	rates      map[models.Venue]map[string]models.FundingRate
	closeCalls []string
	closeFail  bool
	balances   coordinator.AggregatedBalances
}

func (s *stubCoord) RawPositions(ctx context.Context, forceRefresh bool) (*coordinator.PositionSnapshot, error) {
	return s.snap, nil
}

func (s *stubCoord) FundingRates(ctx context.Context) map[models.Venue]map[string]models.FundingRate {
	if s.rates == nil {
		return map[models.Venue]map[string]models.FundingRate{}
	}
	return s.rates
}

func (s *stubCoord) AggregatedBalances(ctx context.Context) (*coordinator.AggregatedBalances, error) {
	return &s.balances, nil
}

func (s *stubCoord) CloseAllPositions(ctx context.Context, instrument string) (*coordinator.CloseResult, error) {
	s.closeCalls = append(s.closeCalls, instrument)
	if s.closeFail {
		return &coordinator.CloseResult{Success: false, FailedVenues: []models.Venue{"beta"}}, nil
	}
	price := 100.0
	return &coordinator.CloseResult{
		Success: true,
		ExitPrices: map[models.Venue]*float64{
			"alpha": &price,
			"beta":  &price,
		},
	}, nil
}

type stubStore struct {
	set      models.Settings
	trades   []*models.Trade
	inserted []*models.Trade
	history  []*models.TradeHistory
	accruals []float64
}

func (s *stubStore) ListActiveTrades(ctx context.Context) ([]models.Trade, error) {
	var out []models.Trade
	for _, t := range s.trades {
		if t.Status == models.TradeStatusActive {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *stubStore) ActiveTradeByInstrument(ctx context.Context, instrumentKey string) (*models.Trade, error) {
	for _, t := range s.trades {
		if t.Status == models.TradeStatusActive && t.InstrumentKey == instrumentKey {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *stubStore) InsertTrade(ctx context.Context, t *models.Trade) error {
	s.trades = append(s.trades, t)
	s.inserted = append(s.inserted, t)
	return nil
}

func (s *stubStore) CloseTrade(ctx context.Context, id string, closedAt time.Time) error {
	for _, t := range s.trades {
		if t.ID == id {
			t.Status = models.TradeStatusClosed
			t.ClosedAt = &closedAt
			return nil
		}
	}
	return nil
}

func (s *stubStore) InsertHistory(ctx context.Context, h *models.TradeHistory) error {
	s.history = append(s.history, h)
	return nil
}

func (s *stubStore) AccrueFunding(ctx context.Context, id string, deltaLong, deltaShort float64) error {
	s.accruals = append(s.accruals, deltaLong+deltaShort)
	return nil
}

func (s *stubStore) GetSettings(ctx context.Context) (models.Settings, error) {
	return s.set, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func activeSettings() models.Settings {
	set := models.DefaultSettings()
	set.AutoExit = true
	return set
}

func hedgedSnapshot(netPnl float64, liqLong, liqShort float64) *coordinator.PositionSnapshot {
	return &coordinator.PositionSnapshot{
		DataComplete: true,
		TakenAt:      time.Now(),
		PerVenue: map[models.Venue]coordinator.VenuePositions{
			"alpha": {OK: true, Positions: []models.Position{{
				Instrument: "BTC/USDT:USDT", SignedSize: 2,
				EntryPrice: 100, MarkPrice: 100,
				LiquidationPrice: liqLong, UnrealizedPnl: netPnl / 2,
			}}},
			"beta": {OK: true, Positions: []models.Position{{
				Instrument: "BTCUSDT", SignedSize: -2,
				EntryPrice: 100, MarkPrice: 100,
				LiquidationPrice: liqShort, UnrealizedPnl: netPnl / 2,
			}}},
		},
	}
}

func activeBTCTrade() *models.Trade {
	return &models.Trade{
		ID:                   "trade-1",
		InstrumentKey:        "BTC",
		Status:               models.TradeStatusActive,
		VenueLong:            "alpha",
		VenueShort:           "beta",
		Quantity:             2,
		Leverage:             3,
		EntryPriceLong:       100,
		EntryPriceShort:      100,
		AllocatedCapital:     100,
		FundingIntervalHours: 8,
		CreatedAt:            time.Now().UTC().Add(-time.Hour),
	}
}

func btcRates(longRate, shortRate float64, next time.Time) map[models.Venue]map[string]models.FundingRate {
	return map[models.Venue]map[string]models.FundingRate{
		"alpha": {"BTC/USDT:USDT": {Instrument: "BTC/USDT:USDT", Rate: longRate, MarkPrice: 100, IntervalHours: 8, NextFundingAt: next}},
		"beta":  {"BTCUSDT": {Instrument: "BTCUSDT", Rate: shortRate, MarkPrice: 100, IntervalHours: 8, NextFundingAt: next}},
	}
}

func TestStrategyFlipFiresBeforeRiskPredicates(t *testing.T) {
	ctx := context.Background()
	next := time.Now().Add(time.Hour)
	coord := &stubCoord{
		// Deep loss that would also trip the stoploss; the flip must win.
		snap:  hedgedSnapshot(-50, 0, 0),
		rates: btcRates(0.0005, 0.0001, next),
	}
	st := &stubStore{set: activeSettings(), trades: []*models.Trade{activeBTCTrade()}}
	e := New(coord, st, quietLogger())

	if err := e.Cycle(ctx); err != nil {
		t.Fatal(err)
	}

	if len(coord.closeCalls) != 1 {
		t.Fatalf("close calls = %v, want exactly one", coord.closeCalls)
	}
	if len(st.history) != 1 || st.history[0].ExitReason != models.ExitReasonStrategyFlipped {
		t.Fatalf("history = %+v, want one strategy_flipped row", st.history)
	}
	if st.trades[0].Status != models.TradeStatusClosed {
		t.Fatal("trade row must be CLOSED after the exit")
	}
}

func TestOneLegGroupDefersToIntegrityMonitor(t *testing.T) {
	ctx := context.Background()
	snap := &coordinator.PositionSnapshot{
		DataComplete: true,
		TakenAt:      time.Now(),
		PerVenue: map[models.Venue]coordinator.VenuePositions{
			"alpha": {OK: true, Positions: []models.Position{{
				Instrument: "BTC/USDT:USDT", SignedSize: 2, EntryPrice: 100, MarkPrice: 50,
			}}},
			"beta": {OK: true},
		},
	}
	coord := &stubCoord{snap: snap, rates: btcRates(0.0005, 0.0001, time.Now().Add(time.Hour))}
	st := &stubStore{set: activeSettings(), trades: []*models.Trade{activeBTCTrade()}}
	e := New(coord, st, quietLogger())

	if err := e.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(coord.closeCalls) != 0 {
		t.Fatal("a one-leg group must never be closed by the exit engine")
	}
	if st.trades[0].Status != models.TradeStatusActive {
		t.Fatal("the trade must stay ACTIVE for the integrity monitor")
	}
}

func TestZombieTradeIsClosedWithoutExchangeCalls(t *testing.T) {
	ctx := context.Background()
	coord := &stubCoord{
		snap: &coordinator.PositionSnapshot{
			DataComplete: true,
			TakenAt:      time.Now(),
			PerVenue: map[models.Venue]coordinator.VenuePositions{
				"alpha": {OK: true},
				"beta":  {OK: true},
			},
		},
	}
	st := &stubStore{set: activeSettings(), trades: []*models.Trade{activeBTCTrade()}}
	e := New(coord, st, quietLogger())

	if err := e.Cycle(ctx); err != nil {
		t.Fatal(err)
	}

	if len(coord.closeCalls) != 0 {
		t.Fatal("zombie cleanup is record-only, no exchange close")
	}
	if st.trades[0].Status != models.TradeStatusClosed {
		t.Fatal("zombie row must be CLOSED")
	}
	if len(st.history) != 1 || st.history[0].ExitReason != models.ExitReasonZombie {
		t.Fatalf("history = %+v, want one not_found_on_exchange row", st.history)
	}
}

func TestZombieCleanupSkippedOnIncompleteSnapshot(t *testing.T) {
	ctx := context.Background()
	coord := &stubCoord{
		snap: &coordinator.PositionSnapshot{
			DataComplete: false,
			TakenAt:      time.Now(),
			PerVenue: map[models.Venue]coordinator.VenuePositions{
				"alpha": {OK: true},
				"beta":  {OK: false, Err: "timeout"},
			},
		},
	}
	st := &stubStore{set: activeSettings(), trades: []*models.Trade{activeBTCTrade()}}
	e := New(coord, st, quietLogger())

	if err := e.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if st.trades[0].Status != models.TradeStatusActive {
		t.Fatal("partial data must never fabricate a zombie")
	}
}

func TestGhostHedgeIsImported(t *testing.T) {
	ctx := context.Background()
	coord := &stubCoord{snap: hedgedSnapshot(0, 0, 0)}
	st := &stubStore{set: activeSettings()}
	e := New(coord, st, quietLogger())

	if err := e.Cycle(ctx); err != nil {
		t.Fatal(err)
	}

	if len(st.inserted) != 1 {
		t.Fatalf("inserted = %d, want the ghost imported as one trade", len(st.inserted))
	}
	ghost := st.inserted[0]
	if ghost.InstrumentKey != "BTC" || ghost.VenueLong != "alpha" || ghost.VenueShort != "beta" {
		t.Fatalf("ghost = %+v, want BTC long alpha short beta", ghost)
	}
	if ghost.Quantity != 2 || ghost.Status != models.TradeStatusActive {
		t.Fatalf("ghost = %+v, want qty 2 ACTIVE", ghost)
	}
}

func TestIntervalChangeTriggersExit(t *testing.T) {
	ctx := context.Background()
	next := time.Now().Add(time.Hour)
	rates := map[models.Venue]map[string]models.FundingRate{
		"alpha": {"BTC/USDT:USDT": {Rate: 0.0001, MarkPrice: 100, IntervalHours: 4, NextFundingAt: next}},
		"beta":  {"BTCUSDT": {Rate: 0.0005, MarkPrice: 100, IntervalHours: 4, NextFundingAt: next}},
	}
	coord := &stubCoord{snap: hedgedSnapshot(0, 0, 0), rates: rates}
	st := &stubStore{set: activeSettings(), trades: []*models.Trade{activeBTCTrade()}}
	e := New(coord, st, quietLogger())

	if err := e.RefreshIntervals(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Cycle(ctx); err != nil {
		t.Fatal(err)
	}

	if len(st.history) != 1 || st.history[0].ExitReason != models.ExitReasonIntervalChanged {
		t.Fatalf("history = %+v, want one interval_changed row", st.history)
	}
}

func TestMissingRateQuoteNeverCountsAsNegativeFunding(t *testing.T) {
	ctx := context.Background()
	// The short venue stopped quoting a rate. The apparent net is negative
	// and the event is imminent, but a zero rate is missing data, not a
	// real zero, so the trade holds.
	rates := btcRates(0.0003, 0, time.Now().Add(3*time.Second))
	coord := &stubCoord{snap: hedgedSnapshot(0, 0, 0), rates: rates}
	st := &stubStore{set: activeSettings(), trades: []*models.Trade{activeBTCTrade()}}
	e := New(coord, st, quietLogger())

	if err := e.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(coord.closeCalls) != 0 {
		t.Fatalf("close calls = %v, a missing quote must not trigger an exit", coord.closeCalls)
	}
}

func TestInvertedSpreadExitsEvenNearFundingEvent(t *testing.T) {
	ctx := context.Background()
	// Both venues quote and the long leg out-earns the short leg: the flip
	// predicate fires before the negative-funding backstop.
	rates := btcRates(0.0005, 0.0001, time.Now().Add(3*time.Second))
	coord := &stubCoord{snap: hedgedSnapshot(0, 0, 0), rates: rates}
	st := &stubStore{set: activeSettings(), trades: []*models.Trade{activeBTCTrade()}}
	e := New(coord, st, quietLogger())

	if err := e.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(st.history) != 1 || st.history[0].ExitReason != models.ExitReasonStrategyFlipped {
		t.Fatalf("history = %+v, want one strategy_flipped row", st.history)
	}
}

func TestStoplossOnAllocatedCapital(t *testing.T) {
	ctx := context.Background()
	rates := btcRates(0.0003, 0.0003, time.Now().Add(time.Hour))
	// -15 on 100 allocated with a 10% stoploss.
	coord := &stubCoord{snap: hedgedSnapshot(-15, 0, 0), rates: rates}
	st := &stubStore{set: activeSettings(), trades: []*models.Trade{activeBTCTrade()}}
	e := New(coord, st, quietLogger())

	if err := e.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(st.history) != 1 || st.history[0].ExitReason != models.ExitReasonStoploss {
		t.Fatalf("history = %+v, want one stoploss row", st.history)
	}
}

func TestLiquidationBufferExhaustedExits(t *testing.T) {
	ctx := context.Background()
	rates := btcRates(0.0003, 0.0003, time.Now().Add(time.Hour))
	// Long leg liquidates at 97 with mark 100: 3% buffer against a 5% floor.
	coord := &stubCoord{snap: hedgedSnapshot(0, 97, 200), rates: rates}
	st := &stubStore{set: activeSettings(), trades: []*models.Trade{activeBTCTrade()}}
	e := New(coord, st, quietLogger())

	if err := e.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(st.history) != 1 || st.history[0].ExitReason != models.ExitReasonLiquidationRisk {
		t.Fatalf("history = %+v, want one liquidation_buffer row", st.history)
	}
}

func TestAutoExitOffGatesRiskPredicatesOnly(t *testing.T) {
	ctx := context.Background()
	rates := btcRates(0.0003, 0.0003, time.Now().Add(time.Hour))
	coord := &stubCoord{snap: hedgedSnapshot(-50, 97, 200), rates: rates}
	set := activeSettings()
	set.AutoExit = false
	st := &stubStore{set: set, trades: []*models.Trade{activeBTCTrade()}}
	e := New(coord, st, quietLogger())

	if err := e.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(coord.closeCalls) != 0 {
		t.Fatal("risk exits must not fire with auto-exit off")
	}
}

func TestPartialCloseLeavesTradeActive(t *testing.T) {
	ctx := context.Background()
	rates := btcRates(0.0005, 0.0001, time.Now().Add(time.Hour))
	coord := &stubCoord{snap: hedgedSnapshot(0, 0, 0), rates: rates, closeFail: true}
	st := &stubStore{set: activeSettings(), trades: []*models.Trade{activeBTCTrade()}}
	e := New(coord, st, quietLogger())

	if err := e.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if st.trades[0].Status != models.TradeStatusActive {
		t.Fatal("a partial close must leave the row ACTIVE for retry")
	}
	if len(st.history) != 0 {
		t.Fatal("no archive row until the close fully succeeds")
	}
}

func TestManualCloseArchivesWithExecutor(t *testing.T) {
	ctx := context.Background()
	coord := &stubCoord{snap: hedgedSnapshot(0, 0, 0)}
	st := &stubStore{set: activeSettings(), trades: []*models.Trade{activeBTCTrade()}}
	e := New(coord, st, quietLogger())

	if err := e.ManualClose(ctx, "BTC/USDT:USDT", "ops"); err != nil {
		t.Fatal(err)
	}
	if len(coord.closeCalls) != 1 || coord.closeCalls[0] != "BTC" {
		t.Fatalf("close calls = %v, want canonical BTC", coord.closeCalls)
	}
	if len(st.history) != 1 {
		t.Fatalf("history rows = %d, want 1", len(st.history))
	}
	h := st.history[0]
	if h.ExitReason != models.ExitReasonManual || h.Executor != "ops" {
		t.Fatalf("history = %+v, want manual close by ops", h)
	}
}

func TestManualCloseUnknownInstrument(t *testing.T) {
	ctx := context.Background()
	coord := &stubCoord{snap: hedgedSnapshot(0, 0, 0)}
	st := &stubStore{set: activeSettings()}
	e := New(coord, st, quietLogger())

	if err := e.ManualClose(ctx, "DOGE/USDT", "ops"); err == nil {
		t.Fatal("expected an error for an unknown instrument")
	}
}

func TestAccrueFundingOnStampRoll(t *testing.T) {
	ctx := context.Background()
	first := time.Now().Add(time.Hour).Truncate(time.Second)
	coord := &stubCoord{snap: hedgedSnapshot(0, 0, 0), rates: btcRates(0.0001, 0.0005, first)}
	st := &stubStore{set: activeSettings(), trades: []*models.Trade{activeBTCTrade()}}
	e := New(coord, st, quietLogger())

	// First pass only records the stamps.
	if err := e.AccrueFunding(ctx); err != nil {
		t.Fatal(err)
	}
	if len(st.accruals) != 0 {
		t.Fatalf("accruals after first pass = %v, want none", st.accruals)
	}

	// The stamp rolling forward means one event settled on each venue.
	coord.rates = btcRates(0.0001, 0.0005, first.Add(8*time.Hour))
	if err := e.AccrueFunding(ctx); err != nil {
		t.Fatal(err)
	}
	if len(st.accruals) != 2 {
		t.Fatalf("accruals = %v, want one per leg", st.accruals)
	}
	// Long leg pays 0.0001*2*100, short leg receives 0.0005*2*100.
	var total float64
	for _, a := range st.accruals {
		total += a
	}
	if diff := total - 0.08; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("net accrual = %v, want 0.08", total)
	}

	// Unchanged stamps accrue nothing.
	if err := e.AccrueFunding(ctx); err != nil {
		t.Fatal(err)
	}
	if len(st.accruals) != 2 {
		t.Fatalf("accruals = %v, want no double counting", st.accruals)
	}
}

func TestRefreshIntervalsKeepsPreviousOnEmptyRead(t *testing.T) {
	ctx := context.Background()
	coord := &stubCoord{rates: btcRates(0.0001, 0.0005, time.Now().Add(time.Hour))}
	st := &stubStore{set: activeSettings()}
	e := New(coord, st, quietLogger())

	if err := e.RefreshIntervals(ctx); err != nil {
		t.Fatal(err)
	}
	if got := e.intervalFor("alpha", "BTC"); got != 8 {
		t.Fatalf("interval = %d, want 8", got)
	}

	coord.rates = map[models.Venue]map[string]models.FundingRate{"alpha": {}, "beta": {}}
	if err := e.RefreshIntervals(ctx); err != nil {
		t.Fatal(err)
	}
	if got := e.intervalFor("alpha", "BTC"); got != 8 {
		t.Fatalf("interval after empty read = %d, want previous 8 kept", got)
	}
}
