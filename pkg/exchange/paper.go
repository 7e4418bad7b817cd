package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/gregtusar/fundingarb/pkg/symbols"
)

// PaperVenue is an in-memory venue simulation. Orders never touch an
// exchange; fills happen at the configured mark price. Used for dry runs
// and as the deterministic venue in tests. Failure injection lets tests
// exercise the partial-failure paths.
type PaperVenue struct {
	name models.Venue

	mu        sync.Mutex
	rates     map[string]models.FundingRate
	marks     map[string]float64
	positions map[string]*models.Position
	balance   models.Balance
	leverage  map[string]int

	// failure injection: when an op name is present, the next n calls of
	// that op fail before the flag clears.
	failNext map[string]*injectedFailure
}

type injectedFailure struct {
	err error
	n   int
}

func NewPaperVenue(name models.Venue, startingBalance float64) *PaperVenue {
	return &PaperVenue{
		name:      name,
		rates:     make(map[string]models.FundingRate),
		marks:     make(map[string]float64),
		positions: make(map[string]*models.Position),
		balance:   models.Balance{Total: startingBalance},
		leverage:  make(map[string]int),
		failNext:  make(map[string]*injectedFailure),
	}
}

func (p *PaperVenue) Name() models.Venue { return p.name }

// SetFundingRate seeds or updates a funding quote.
func (p *PaperVenue) SetFundingRate(instrument string, fr models.FundingRate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fr.Instrument = instrument
	p.rates[instrument] = fr
	if fr.MarkPrice > 0 {
		p.marks[instrument] = fr.MarkPrice
	}
}

// SetMarkPrice seeds or moves an instrument's mark price.
func (p *PaperVenue) SetMarkPrice(instrument string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[instrument] = price
	if pos, ok := p.positions[instrument]; ok {
		pos.MarkPrice = price
	}
}

// SetBalance overrides the simulated account balance.
func (p *PaperVenue) SetBalance(b models.Balance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance = b
}

// FailNext makes the next call of the named operation fail once.
// Operation names: funding_rates, positions, balance, mark_price,
// set_leverage, create_order, close_position.
func (p *PaperVenue) FailNext(op string, err error) {
	p.FailNextN(op, 1, err)
}

// FailNextN makes the next n calls of the named operation fail.
func (p *PaperVenue) FailNextN(op string, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		err = errors.New("injected failure")
	}
	p.failNext[op] = &injectedFailure{err: err, n: n}
}

// RemovePosition drops a position without a fill, simulating an external
// close (used to fabricate broken hedges in tests).
func (p *PaperVenue) RemovePosition(instrument string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, instrument)
}

// resolve maps a canonical or native instrument key to the venue-native
// symbol, preferring an exact match. Callers hold p.mu.
func (p *PaperVenue) resolve(instrument string) string {
	if _, ok := p.marks[instrument]; ok {
		return instrument
	}
	if _, ok := p.positions[instrument]; ok {
		return instrument
	}
	want := symbols.Canonical(instrument)
	for sym := range p.marks {
		if symbols.Canonical(sym) == want {
			return sym
		}
	}
	for sym := range p.positions {
		if symbols.Canonical(sym) == want {
			return sym
		}
	}
	return instrument
}

func (p *PaperVenue) takeFailure(op string) error {
	f, ok := p.failNext[op]
	if !ok {
		return nil
	}
	f.n--
	if f.n <= 0 {
		delete(p.failNext, op)
	}
	return f.err
}

func (p *PaperVenue) FetchFundingRates(ctx context.Context) (map[string]models.FundingRate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("funding_rates"); err != nil {
		return nil, err
	}
	out := make(map[string]models.FundingRate, len(p.rates))
	for k, v := range p.rates {
		out[k] = v
	}
	return out, nil
}

func (p *PaperVenue) FetchPositions(ctx context.Context) ([]models.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("positions"); err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		cp := *pos
		cp.UnrealizedPnl = unrealized(cp)
		out = append(out, cp)
	}
	return out, nil
}

func (p *PaperVenue) GetBalanceWithMargin(ctx context.Context) (models.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("balance"); err != nil {
		return models.Balance{}, err
	}
	return p.balance, nil
}

func (p *PaperVenue) GetMarkPrice(ctx context.Context, instrument string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("mark_price"); err != nil {
		return 0, err
	}
	price, ok := p.marks[p.resolve(instrument)]
	if !ok {
		return 0, fmt.Errorf("paper venue %s: no mark price for %s", p.name, instrument)
	}
	return price, nil
}

func (p *PaperVenue) SetLeverage(ctx context.Context, leverage int, instrument string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("set_leverage"); err != nil {
		return err
	}
	p.leverage[p.resolve(instrument)] = leverage
	return nil
}

func (p *PaperVenue) CreateMarketOrder(ctx context.Context, instrument string, side models.Side, qty float64) (*models.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("create_order"); err != nil {
		return nil, err
	}
	if qty <= 0 {
		return nil, errors.New("qty must be > 0")
	}
	instrument = p.resolve(instrument)
	price, ok := p.marks[instrument]
	if !ok {
		return nil, fmt.Errorf("paper venue %s: no mark price for %s", p.name, instrument)
	}

	signed := qty
	if side == models.SideShort {
		signed = -qty
	}

	pos, exists := p.positions[instrument]
	if !exists {
		lev := p.leverage[instrument]
		if lev <= 0 {
			lev = 1
		}
		liq := liquidationEstimate(price, side, lev)
		p.positions[instrument] = &models.Position{
			Instrument:       instrument,
			Side:             side,
			SignedSize:       signed,
			EntryPrice:       price,
			MarkPrice:        price,
			LiquidationPrice: liq,
		}
		p.balance.UsedMargin += qty * price / float64(lev)
	} else {
		lev := p.leverage[instrument]
		if lev <= 0 {
			lev = 1
		}
		prevAbs := math.Abs(pos.SignedSize)
		wasLong := pos.SignedSize > 0
		pos.SignedSize += signed
		newAbs := math.Abs(pos.SignedSize)
		if newAbs < prevAbs {
			// Reducing realizes P&L on the closed quantity and releases
			// its margin, same as ClosePosition.
			reduced := prevAbs - newAbs
			dir := 1.0
			if !wasLong {
				dir = -1.0
			}
			p.balance.Total += (price - pos.EntryPrice) * reduced * dir
			p.balance.UsedMargin -= reduced * pos.EntryPrice / float64(lev)
			if p.balance.UsedMargin < 0 {
				p.balance.UsedMargin = 0
			}
		} else {
			p.balance.UsedMargin += (newAbs - prevAbs) * price / float64(lev)
		}
		if pos.SignedSize == 0 {
			delete(p.positions, instrument)
		} else {
			pos.Side = ""
			if pos.SignedSize < 0 {
				pos.Side = models.SideShort
			} else {
				pos.Side = models.SideLong
			}
		}
	}

	return &models.OrderResult{
		OrderID:   uuid.New().String(),
		AvgPrice:  price,
		FilledQty: qty,
	}, nil
}

func (p *PaperVenue) ClosePosition(ctx context.Context, instrument string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("close_position"); err != nil {
		return 0, err
	}
	instrument = p.resolve(instrument)
	pos, ok := p.positions[instrument]
	if !ok {
		return 0, nil
	}
	price := p.marks[instrument]
	lev := p.leverage[instrument]
	if lev <= 0 {
		lev = 1
	}
	p.balance.Total += unrealized(*pos)
	p.balance.UsedMargin -= math.Abs(pos.SignedSize) * pos.EntryPrice / float64(lev)
	if p.balance.UsedMargin < 0 {
		p.balance.UsedMargin = 0
	}
	delete(p.positions, instrument)
	return price, nil
}

func unrealized(pos models.Position) float64 {
	return (pos.MarkPrice - pos.EntryPrice) * pos.SignedSize
}

// liquidationEstimate is a coarse cross-margin approximation, good enough
// for simulation: full adverse move of 1/leverage from entry.
func liquidationEstimate(entry float64, side models.Side, leverage int) float64 {
	move := entry / float64(leverage)
	if side == models.SideShort {
		return entry + move
	}
	liq := entry - move
	if liq < 0 {
		liq = 0
	}
	return liq
}
