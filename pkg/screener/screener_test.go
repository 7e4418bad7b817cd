package screener

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fundingarb/pkg/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestScreener() *Screener {
	return New("alpha", "beta", 15*time.Minute, quietLogger())
}

func quote(rate float64, interval int, next time.Time) models.FundingRate {
	return models.FundingRate{Rate: rate, MarkPrice: 100, IntervalHours: interval, NextFundingAt: next}
}

func TestScreenDirectionShortsTheHigherRateVenue(t *testing.T) {
	next := time.Now().Add(time.Hour)
	rates := map[models.Venue]map[string]models.FundingRate{
		"alpha": {"BTC/USDT:USDT": quote(0.0001, 8, next)},
		"beta":  {"BTCUSDT": quote(0.0005, 8, next)},
	}

	opps := newTestScreener().Screen(rates)
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}
	opp := opps[0]
	if opp.InstrumentKey != "BTC" {
		t.Fatalf("key = %q, want canonical BTC", opp.InstrumentKey)
	}
	if opp.ShortVenue != "beta" || opp.LongVenue != "alpha" {
		t.Fatalf("direction = long %s short %s, want long alpha short beta", opp.LongVenue, opp.ShortVenue)
	}
	if want := 0.0004; opp.Spread < want-1e-12 || opp.Spread > want+1e-12 {
		t.Fatalf("spread = %v, want %v", opp.Spread, want)
	}
}

func TestScreenRejections(t *testing.T) {
	next := time.Now().Add(time.Hour)
	cases := []struct {
		name  string
		rateA models.FundingRate
		rateB models.FundingRate
	}{
		{"zero rate is missing data", quote(0, 8, next), quote(0.0005, 8, next)},
		{"interval mismatch", quote(0.0001, 4, next), quote(0.0005, 8, next)},
		{"unreported interval", quote(0.0001, 0, next), quote(0.0005, 0, next)},
		{"next funding skew beyond limit", quote(0.0001, 8, next), quote(0.0005, 8, next.Add(20*time.Minute))},
		{"unset next funding stamp on one venue", quote(0.0001, 8, time.Time{}), quote(0.0005, 8, next)},
		{"unset next funding stamp on both venues", quote(0.0001, 8, time.Time{}), quote(0.0005, 8, time.Time{})},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rates := map[models.Venue]map[string]models.FundingRate{
				"alpha": {"BTC/USDT:USDT": c.rateA},
				"beta":  {"BTCUSDT": c.rateB},
			}
			if opps := newTestScreener().Screen(rates); len(opps) != 0 {
				t.Fatalf("opportunities = %v, want rejection", opps)
			}
		})
	}
}

func TestScreenRankingFasterIntervalBeatsWiderSpread(t *testing.T) {
	next := time.Now().Add(time.Hour)
	rates := map[models.Venue]map[string]models.FundingRate{
		"alpha": {
			"BTC/USDT:USDT": quote(0.0001, 8, next),
			"ETH/USDT:USDT": quote(0.0001, 1, next),
			"SOL/USDT:USDT": quote(0.0001, 1, next),
		},
		"beta": {
			"BTCUSDT": quote(0.0100, 8, next), // widest spread, slowest interval
			"ETHUSDT": quote(0.0003, 1, next),
			"SOLUSDT": quote(0.0008, 1, next),
		},
	}

	opps := newTestScreener().Screen(rates)
	if len(opps) != 3 {
		t.Fatalf("opportunities = %d, want 3", len(opps))
	}
	// 1h instruments first, ordered by spread descending, then the 8h one.
	if opps[0].InstrumentKey != "SOL" || opps[1].InstrumentKey != "ETH" || opps[2].InstrumentKey != "BTC" {
		t.Fatalf("ranking = %s, %s, %s; want SOL, ETH, BTC",
			opps[0].InstrumentKey, opps[1].InstrumentKey, opps[2].InstrumentKey)
	}
}

func TestSelectCandidatesFiltersHeldAndCapsSlots(t *testing.T) {
	opps := []models.Opportunity{
		{InstrumentKey: "BTC"},
		{InstrumentKey: "ETH"},
		{InstrumentKey: "ETH/USDT:USDT"}, // duplicate base instrument
		{InstrumentKey: "SOL"},
		{InstrumentKey: "DOGE"},
	}
	s := newTestScreener()

	// Held in a different symbol format still excludes the instrument.
	got := s.SelectCandidates(opps, []string{"BTC/USDT:USDT"}, 2)
	if len(got) != 2 || got[0].InstrumentKey != "ETH" || got[1].InstrumentKey != "SOL" {
		t.Fatalf("candidates = %+v, want ETH then SOL", got)
	}

	if got := s.SelectCandidates(opps, nil, 0); got != nil {
		t.Fatalf("candidates with no open slot = %+v, want none", got)
	}
}
