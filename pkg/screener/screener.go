// Package screener ranks cross-venue funding spreads and selects the
// candidates used to refill open slots.
package screener

import (
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/gregtusar/fundingarb/pkg/symbols"
)

// DefaultMaxFundingSkew is how far apart the two venues' next-funding
// timestamps may be before the pair is considered unalignable.
const DefaultMaxFundingSkew = 15 * time.Minute

type Screener struct {
	venueA, venueB models.Venue
	maxSkew        time.Duration
	log            *logrus.Entry
}

func New(venueA, venueB models.Venue, maxSkew time.Duration, logger *logrus.Logger) *Screener {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxFundingSkew
	}
	return &Screener{
		venueA:  venueA,
		venueB:  venueB,
		maxSkew: maxSkew,
		log:     logger.WithField("component", "screener"),
	}
}

// Screen evaluates every instrument common to both venues and returns the
// surviving opportunities ranked best-first: interval priority (faster
// funding cycles compound faster), then spread descending.
func (s *Screener) Screen(rates map[models.Venue]map[string]models.FundingRate) []models.Opportunity {
	ratesA := byCanonical(rates[s.venueA])
	ratesB := byCanonical(rates[s.venueB])

	var opps []models.Opportunity
	for key, ra := range ratesA {
		rb, ok := ratesB[key]
		if !ok {
			continue
		}
		// A rate of exactly zero is missing data, not a real quote.
		if ra.Rate == 0 || rb.Rate == 0 {
			continue
		}
		if ra.IntervalHours == 0 || ra.IntervalHours != rb.IntervalHours {
			continue
		}
		// An unset next-funding stamp would pass the skew check trivially.
		if ra.NextFundingAt.IsZero() || rb.NextFundingAt.IsZero() {
			continue
		}
		if skew := ra.NextFundingAt.Sub(rb.NextFundingAt); skew > s.maxSkew || skew < -s.maxSkew {
			continue
		}

		opp := models.Opportunity{
			InstrumentKey: key,
			Spread:        math.Abs(ra.Rate - rb.Rate),
			IntervalHours: ra.IntervalHours,
			NextFundingAt: ra.NextFundingAt,
		}
		// The higher-rate venue pays funding to shorts: short there, long
		// on the other venue.
		if ra.Rate > rb.Rate {
			opp.ShortVenue, opp.LongVenue = s.venueA, s.venueB
			opp.ShortRate, opp.LongRate = ra.Rate, rb.Rate
			opp.MarkPriceShort, opp.MarkPriceLong = ra.MarkPrice, rb.MarkPrice
		} else {
			opp.ShortVenue, opp.LongVenue = s.venueB, s.venueA
			opp.ShortRate, opp.LongRate = rb.Rate, ra.Rate
			opp.MarkPriceShort, opp.MarkPriceLong = rb.MarkPrice, ra.MarkPrice
		}
		// Daily carry estimate, for reporting.
		opp.Score = opp.Spread * 24 / float64(opp.IntervalHours)
		opps = append(opps, opp)
	}

	sort.SliceStable(opps, func(i, j int) bool {
		ri, rj := intervalRank(opps[i].IntervalHours), intervalRank(opps[j].IntervalHours)
		if ri != rj {
			return ri < rj
		}
		return opps[i].Spread > opps[j].Spread
	})
	return opps
}

// SelectCandidates filters out instruments already held (normalized across
// symbol-format variants), deduplicates to one opportunity per base
// instrument, and returns at most openSlots candidates.
func (s *Screener) SelectCandidates(opps []models.Opportunity, heldInstruments []string, openSlots int) []models.Opportunity {
	if openSlots <= 0 {
		return nil
	}
	held := make(map[string]bool, len(heldInstruments))
	for _, h := range heldInstruments {
		held[symbols.Canonical(h)] = true
	}

	seen := make(map[string]bool)
	var out []models.Opportunity
	for _, opp := range opps {
		key := symbols.Canonical(opp.InstrumentKey)
		if held[key] || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, opp)
		if len(out) == openSlots {
			break
		}
	}
	return out
}

func byCanonical(rates map[string]models.FundingRate) map[string]models.FundingRate {
	out := make(map[string]models.FundingRate, len(rates))
	for sym, fr := range rates {
		out[symbols.Canonical(sym)] = fr
	}
	return out
}

// intervalRank orders funding intervals by compounding speed: 1h beats 2h
// beats 4h beats 8h; anything else ranks last.
func intervalRank(hours int) int {
	switch hours {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 4
	}
}
