package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/fundingarb/pkg/models"
)

const tradeColumns = `id, instrument_key, status, venue_long, venue_short, quantity, leverage,
entry_price_long, entry_price_short, liq_price_long, liq_price_short,
allocated_capital, accrued_funding_long, accrued_funding_short, accrued_funding_total,
funding_interval_hours, created_at, closed_at`

func (s *Store) InsertTrade(ctx context.Context, t *models.Trade) error {
	var closedAt *string
	if t.ClosedAt != nil {
		v := t.ClosedAt.Format(time.RFC3339Nano)
		closedAt = &v
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO trades (`+tradeColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, t.ID, t.InstrumentKey, string(t.Status), string(t.VenueLong), string(t.VenueShort),
		t.Quantity, t.Leverage, t.EntryPriceLong, t.EntryPriceShort,
		t.LiquidationPriceLong, t.LiquidationPriceShort, t.AllocatedCapital,
		t.AccruedFundingLong, t.AccruedFundingShort, t.AccruedFundingTotal,
		t.FundingIntervalHours, t.CreatedAt.Format(time.RFC3339Nano), closedAt)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.InstrumentKey, err)
	}
	return nil
}

// CloseTrade flips the row to CLOSED. The row itself is never deleted.
func (s *Store) CloseTrade(ctx context.Context, id string, closedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE trades SET status=?, closed_at=? WHERE id=? AND status=?
`, string(models.TradeStatusClosed), closedAt.Format(time.RFC3339Nano), id, string(models.TradeStatusActive))
	if err != nil {
		return fmt.Errorf("close trade %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("close trade %s: no active row", id)
	}
	return nil
}

// AccrueFunding increments the funding columns by the given deltas.
func (s *Store) AccrueFunding(ctx context.Context, id string, deltaLong, deltaShort float64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE trades SET
  accrued_funding_long = accrued_funding_long + ?,
  accrued_funding_short = accrued_funding_short + ?,
  accrued_funding_total = accrued_funding_total + ?
WHERE id=?
`, deltaLong, deltaShort, deltaLong+deltaShort, id)
	if err != nil {
		return fmt.Errorf("accrue funding for trade %s: %w", id, err)
	}
	return nil
}

func (s *Store) ListActiveTrades(ctx context.Context) ([]models.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+tradeColumns+` FROM trades WHERE status=? ORDER BY created_at
`, string(models.TradeStatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ActiveTradeByInstrument returns the ACTIVE trade for the canonical
// instrument key, or nil when none exists.
func (s *Store) ActiveTradeByInstrument(ctx context.Context, instrumentKey string) (*models.Trade, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+tradeColumns+` FROM trades WHERE status=? AND instrument_key=?
`, string(models.TradeStatusActive), instrumentKey)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *Store) CountActiveTrades(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE status=?`,
		string(models.TradeStatusActive)).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(r rowScanner) (*models.Trade, error) {
	var t models.Trade
	var status, venueLong, venueShort, createdAt string
	var closedAt sql.NullString
	err := r.Scan(&t.ID, &t.InstrumentKey, &status, &venueLong, &venueShort,
		&t.Quantity, &t.Leverage, &t.EntryPriceLong, &t.EntryPriceShort,
		&t.LiquidationPriceLong, &t.LiquidationPriceShort, &t.AllocatedCapital,
		&t.AccruedFundingLong, &t.AccruedFundingShort, &t.AccruedFundingTotal,
		&t.FundingIntervalHours, &createdAt, &closedAt)
	if err != nil {
		return nil, err
	}
	t.Status = models.TradeStatus(status)
	t.VenueLong = models.Venue(venueLong)
	t.VenueShort = models.Venue(venueShort)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if closedAt.Valid {
		v, _ := time.Parse(time.RFC3339Nano, closedAt.String)
		t.ClosedAt = &v
	}
	return &t, nil
}
