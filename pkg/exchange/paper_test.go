package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/gregtusar/fundingarb/pkg/models"
)

func TestPaperVenueOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	p := NewPaperVenue("paper-a", 1000)
	p.SetMarkPrice("BTC/USDT:USDT", 100)

	if err := p.SetLeverage(ctx, 4, "BTC/USDT:USDT"); err != nil {
		t.Fatal(err)
	}
	fill, err := p.CreateMarketOrder(ctx, "BTC/USDT:USDT", models.SideLong, 2)
	if err != nil {
		t.Fatal(err)
	}
	if fill.AvgPrice != 100 || fill.FilledQty != 2 {
		t.Fatalf("fill = %+v, want price 100 qty 2", fill)
	}

	bal, err := p.GetBalanceWithMargin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if bal.UsedMargin != 50 {
		t.Fatalf("used margin = %v, want 2*100/4 = 50", bal.UsedMargin)
	}

	// Price moves up 10; closing a 2-lot long realizes +20.
	p.SetMarkPrice("BTC/USDT:USDT", 110)
	exit, err := p.ClosePosition(ctx, "BTC/USDT:USDT")
	if err != nil {
		t.Fatal(err)
	}
	if exit != 110 {
		t.Fatalf("exit price = %v, want 110", exit)
	}
	bal, _ = p.GetBalanceWithMargin(ctx)
	if bal.Total != 1020 {
		t.Fatalf("total after close = %v, want 1020", bal.Total)
	}
	if bal.UsedMargin != 0 {
		t.Fatalf("used margin after close = %v, want 0", bal.UsedMargin)
	}

	positions, _ := p.FetchPositions(ctx)
	if len(positions) != 0 {
		t.Fatalf("positions after close = %d, want 0", len(positions))
	}
}

func TestPaperVenueOppositeOrderReleasesMargin(t *testing.T) {
	ctx := context.Background()
	p := NewPaperVenue("paper-a", 1000)
	p.SetMarkPrice("BTC/USDT:USDT", 100)

	if err := p.SetLeverage(ctx, 4, "BTC/USDT:USDT"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.CreateMarketOrder(ctx, "BTC/USDT:USDT", models.SideLong, 2); err != nil {
		t.Fatal(err)
	}

	// Flattening through an opposite-side order releases margin the same
	// way ClosePosition does.
	if _, err := p.CreateMarketOrder(ctx, "BTC/USDT:USDT", models.SideShort, 2); err != nil {
		t.Fatal(err)
	}
	bal, err := p.GetBalanceWithMargin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if bal.UsedMargin != 0 {
		t.Fatalf("used margin after flatten = %v, want 0", bal.UsedMargin)
	}
	if bal.Total != 1000 {
		t.Fatalf("total after flat round trip = %v, want 1000", bal.Total)
	}
	positions, _ := p.FetchPositions(ctx)
	if len(positions) != 0 {
		t.Fatalf("positions after flatten = %d, want 0", len(positions))
	}
}

func TestPaperVenuePartialReduceReleasesProportionalMargin(t *testing.T) {
	ctx := context.Background()
	p := NewPaperVenue("paper-a", 1000)
	p.SetMarkPrice("ETH/USDT:USDT", 200)

	if err := p.SetLeverage(ctx, 4, "ETH/USDT:USDT"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.CreateMarketOrder(ctx, "ETH/USDT:USDT", models.SideShort, 4); err != nil {
		t.Fatal(err)
	}
	bal, _ := p.GetBalanceWithMargin(ctx)
	if bal.UsedMargin != 200 {
		t.Fatalf("used margin = %v, want 4*200/4 = 200", bal.UsedMargin)
	}

	// Price drops 10; buying back half the short realizes +20 and frees
	// half the margin.
	p.SetMarkPrice("ETH/USDT:USDT", 190)
	if _, err := p.CreateMarketOrder(ctx, "ETH/USDT:USDT", models.SideLong, 2); err != nil {
		t.Fatal(err)
	}
	bal, _ = p.GetBalanceWithMargin(ctx)
	if bal.UsedMargin != 100 {
		t.Fatalf("used margin after reduce = %v, want 100", bal.UsedMargin)
	}
	if bal.Total != 1020 {
		t.Fatalf("total after reduce = %v, want 1020", bal.Total)
	}
}

func TestPaperVenueCloseWithoutPosition(t *testing.T) {
	p := NewPaperVenue("paper-a", 1000)
	price, err := p.ClosePosition(context.Background(), "ETH/USDT:USDT")
	if err != nil {
		t.Fatal(err)
	}
	if price != 0 {
		t.Fatalf("price = %v, want 0 when nothing was open", price)
	}
}

func TestPaperVenueFailureInjectionFiresOnce(t *testing.T) {
	ctx := context.Background()
	p := NewPaperVenue("paper-a", 1000)
	p.SetMarkPrice("BTC/USDT:USDT", 100)

	boom := errors.New("boom")
	p.FailNext("create_order", boom)

	if _, err := p.CreateMarketOrder(ctx, "BTC/USDT:USDT", models.SideLong, 1); !errors.Is(err, boom) {
		t.Fatalf("first order err = %v, want injected failure", err)
	}
	if _, err := p.CreateMarketOrder(ctx, "BTC/USDT:USDT", models.SideLong, 1); err != nil {
		t.Fatalf("second order err = %v, want nil", err)
	}
}
