// Package exchange defines the per-venue capability surface the trading
// system consumes. Concrete wire clients (REST/websocket protocol, request
// signing) live behind this interface; the in-repo PaperVenue simulates one
// for dry runs and tests.
package exchange

import (
	"context"
	"errors"

	"github.com/gregtusar/fundingarb/pkg/models"
)

// ErrNotSupported is returned by adapters for capabilities a venue lacks.
var ErrNotSupported = errors.New("operation not supported by venue")

// Adapter is the minimal surface the coordinator needs from one venue.
// Every call is independently fallible with variable latency; callers bound
// each call with a timeout. Instrument arguments may be canonical keys or
// venue-native symbols; the adapter resolves them to its own market.
type Adapter interface {
	Name() models.Venue

	// FetchFundingRates returns the venue's funding quotes keyed by the
	// venue-native instrument symbol.
	FetchFundingRates(ctx context.Context) (map[string]models.FundingRate, error)

	// FetchPositions returns all open positions on the venue.
	FetchPositions(ctx context.Context) ([]models.Position, error)

	// GetBalanceWithMargin returns the account balance and used margin.
	GetBalanceWithMargin(ctx context.Context) (models.Balance, error)

	// GetMarkPrice returns the current mark price for one instrument.
	GetMarkPrice(ctx context.Context, instrument string) (float64, error)

	// SetLeverage sets position leverage. Idempotent: "already set" is
	// success.
	SetLeverage(ctx context.Context, leverage int, instrument string) error

	// CreateMarketOrder places a market order and reports the fill.
	CreateMarketOrder(ctx context.Context, instrument string, side models.Side, qty float64) (*models.OrderResult, error)

	// ClosePosition closes whatever position is open for the instrument and
	// returns the obtained exit price, 0 if nothing was open.
	ClosePosition(ctx context.Context, instrument string) (float64, error)
}
