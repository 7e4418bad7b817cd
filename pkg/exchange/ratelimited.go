package exchange

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/gregtusar/fundingarb/pkg/models"
)

// RateLimited wraps an Adapter with a per-venue token-bucket limiter and a
// hard per-call timeout, so a hung remote call cannot stall a poll cycle.
type RateLimited struct {
	inner   Adapter
	limiter *rate.Limiter
	timeout time.Duration
}

func NewRateLimited(inner Adapter, rps float64, burst int, timeout time.Duration) *RateLimited {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		timeout: timeout,
	}
}

func (r *RateLimited) Name() models.Venue { return r.inner.Name() }

func (r *RateLimited) acquire(ctx context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	if err := r.limiter.Wait(ctx); err != nil {
		cancel()
		return nil, nil, err
	}
	return ctx, cancel, nil
}

func (r *RateLimited) FetchFundingRates(ctx context.Context) (map[string]models.FundingRate, error) {
	ctx, cancel, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return r.inner.FetchFundingRates(ctx)
}

func (r *RateLimited) FetchPositions(ctx context.Context) ([]models.Position, error) {
	ctx, cancel, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return r.inner.FetchPositions(ctx)
}

func (r *RateLimited) GetBalanceWithMargin(ctx context.Context) (models.Balance, error) {
	ctx, cancel, err := r.acquire(ctx)
	if err != nil {
		return models.Balance{}, err
	}
	defer cancel()
	return r.inner.GetBalanceWithMargin(ctx)
}

func (r *RateLimited) GetMarkPrice(ctx context.Context, instrument string) (float64, error) {
	ctx, cancel, err := r.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	return r.inner.GetMarkPrice(ctx, instrument)
}

func (r *RateLimited) SetLeverage(ctx context.Context, leverage int, instrument string) error {
	ctx, cancel, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return r.inner.SetLeverage(ctx, leverage, instrument)
}

func (r *RateLimited) CreateMarketOrder(ctx context.Context, instrument string, side models.Side, qty float64) (*models.OrderResult, error) {
	ctx, cancel, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return r.inner.CreateMarketOrder(ctx, instrument, side, qty)
}

func (r *RateLimited) ClosePosition(ctx context.Context, instrument string) (float64, error) {
	ctx, cancel, err := r.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	return r.inner.ClosePosition(ctx, instrument)
}
