package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gregtusar/fundingarb/pkg/models"
)

func (s *Store) InsertHistory(ctx context.Context, h *models.TradeHistory) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO trade_history (id, trade_id, instrument_key, venue_long, venue_short, quantity,
  entry_price_long, entry_price_short, exit_price_long, exit_price_short,
  realized_pnl_long, realized_pnl_short, funding_received, exit_reason, executor,
  opened_at, closed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, h.ID, h.TradeID, h.InstrumentKey, string(h.VenueLong), string(h.VenueShort), h.Quantity,
		h.EntryPriceLong, h.EntryPriceShort, h.ExitPriceLong, h.ExitPriceShort,
		h.RealizedPnlLong, h.RealizedPnlShort, h.FundingReceived, h.ExitReason, h.Executor,
		h.OpenedAt.Format(time.RFC3339Nano), h.ClosedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert history for %s: %w", h.InstrumentKey, err)
	}
	return nil
}

func (s *Store) ListHistory(ctx context.Context, limit int) ([]models.TradeHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, trade_id, instrument_key, venue_long, venue_short, quantity,
  entry_price_long, entry_price_short, exit_price_long, exit_price_short,
  realized_pnl_long, realized_pnl_short, funding_received, exit_reason, executor,
  opened_at, closed_at
FROM trade_history ORDER BY closed_at DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TradeHistory
	for rows.Next() {
		var h models.TradeHistory
		var venueLong, venueShort sql.NullString
		var exitLong, exitShort sql.NullFloat64
		var openedAt, closedAt string
		if err := rows.Scan(&h.ID, &h.TradeID, &h.InstrumentKey, &venueLong, &venueShort,
			&h.Quantity, &h.EntryPriceLong, &h.EntryPriceShort, &exitLong, &exitShort,
			&h.RealizedPnlLong, &h.RealizedPnlShort, &h.FundingReceived, &h.ExitReason,
			&h.Executor, &openedAt, &closedAt); err != nil {
			return nil, err
		}
		h.VenueLong = models.Venue(venueLong.String)
		h.VenueShort = models.Venue(venueShort.String)
		if exitLong.Valid {
			v := exitLong.Float64
			h.ExitPriceLong = &v
		}
		if exitShort.Valid {
			v := exitShort.Float64
			h.ExitPriceShort = &v
		}
		h.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt)
		h.ClosedAt, _ = time.Parse(time.RFC3339Nano, closedAt)
		out = append(out, h)
	}
	return out, rows.Err()
}
