// Package allocator sizes a new hedge and runs the guard checks that must
// pass before any order is placed.
package allocator

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/gregtusar/fundingarb/pkg/symbols"
)

var (
	ErrAutoEntryDisabled = errors.New("auto entry disabled")
	ErrNoFreeSlot        = errors.New("no free slot")
	ErrAlreadyHeld       = errors.New("instrument already held")
	ErrSpreadTooThin     = errors.New("spread below minimum")
	ErrBelowMinNotional  = errors.New("allocation below minimum notional")
)

// Plan is a sized, validated entry ready for the coordinator.
type Plan struct {
	Opportunity      models.Opportunity
	Quantity         float64
	AllocatedCapital float64
	Leverage         int
}

type Allocator struct {
	qtyStep decimal.Decimal
	log     *logrus.Entry
}

func New(qtyStep float64, logger *logrus.Logger) *Allocator {
	if qtyStep <= 0 {
		qtyStep = 0.001
	}
	return &Allocator{
		qtyStep: decimal.NewFromFloat(qtyStep),
		log:     logger.WithField("component", "allocator"),
	}
}

// Validate runs the pre-entry guards: auto-entry toggle, slot ceiling,
// instrument uniqueness among ACTIVE trades, minimum spread.
func (a *Allocator) Validate(opp models.Opportunity, activeCount int, heldInstruments []string, set models.Settings) error {
	if !set.AutoEntry {
		return ErrAutoEntryDisabled
	}
	if activeCount >= set.MaxSlots {
		return fmt.Errorf("%w: %d of %d in use", ErrNoFreeSlot, activeCount, set.MaxSlots)
	}
	for _, held := range heldInstruments {
		if symbols.SameInstrument(held, opp.InstrumentKey) {
			return fmt.Errorf("%w: %s", ErrAlreadyHeld, opp.InstrumentKey)
		}
	}
	if opp.Spread < set.MinSpread {
		return fmt.Errorf("%w: %.6f < %.6f", ErrSpreadTooThin, opp.Spread, set.MinSpread)
	}
	return nil
}

// Size allocates capital-pct of the smaller venue balance and converts it
// to a quantity at the more conservative of the two mark prices, rounded
// down to the venue quantity step.
func (a *Allocator) Size(opp models.Opportunity, balances map[models.Venue]models.Balance, set models.Settings) (*Plan, error) {
	minAvail := math.Inf(1)
	for _, b := range balances {
		if avail := b.Available(); avail < minAvail {
			minAvail = avail
		}
	}
	if math.IsInf(minAvail, 1) || minAvail <= 0 {
		return nil, errors.New("no available balance on either venue")
	}

	capital := set.CapitalPct * minAvail
	mark := math.Max(opp.MarkPriceLong, opp.MarkPriceShort)
	if mark <= 0 {
		return nil, fmt.Errorf("no usable mark price for %s", opp.InstrumentKey)
	}

	raw := decimal.NewFromFloat(capital * float64(set.Leverage) / mark)
	qty := raw.Div(a.qtyStep).Floor().Mul(a.qtyStep)
	qtyF, _ := qty.Float64()
	if qtyF*mark < set.MinNotional {
		return nil, fmt.Errorf("%w: %.2f < %.2f", ErrBelowMinNotional, qtyF*mark, set.MinNotional)
	}

	a.log.WithFields(logrus.Fields{
		"instrument": opp.InstrumentKey,
		"capital":    capital,
		"qty":        qtyF,
		"leverage":   set.Leverage,
	}).Debug("Sized entry")

	return &Plan{
		Opportunity:      opp,
		Quantity:         qtyF,
		AllocatedCapital: capital,
		Leverage:         set.Leverage,
	}, nil
}
