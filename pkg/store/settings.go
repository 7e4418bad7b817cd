package store

import (
	"context"
	"fmt"

	"github.com/gregtusar/fundingarb/pkg/models"
)

// SeedSettings writes the given settings only when no row exists yet, so
// operator changes survive restarts.
func (s *Store) SeedSettings(ctx context.Context, set models.Settings) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO settings (id, auto_entry, auto_exit, max_slots, capital_pct,
  leverage, liq_buffer_pct, stoploss_pct, min_spread, min_notional, max_funding_skew_min)
VALUES (1,?,?,?,?,?,?,?,?,?,?)
`, boolInt(set.AutoEntry), boolInt(set.AutoExit), set.MaxSlots, set.CapitalPct,
		set.Leverage, set.LiquidationBufferPct, set.StoplossPct, set.MinSpread,
		set.MinNotional, set.MaxFundingSkewMin)
	if err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	return nil
}

func (s *Store) GetSettings(ctx context.Context) (models.Settings, error) {
	var set models.Settings
	var autoEntry, autoExit int
	err := s.db.QueryRowContext(ctx, `
SELECT auto_entry, auto_exit, max_slots, capital_pct, leverage, liq_buffer_pct,
  stoploss_pct, min_spread, min_notional, max_funding_skew_min
FROM settings WHERE id=1
`).Scan(&autoEntry, &autoExit, &set.MaxSlots, &set.CapitalPct, &set.Leverage,
		&set.LiquidationBufferPct, &set.StoplossPct, &set.MinSpread,
		&set.MinNotional, &set.MaxFundingSkewMin)
	if err != nil {
		return models.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	set.AutoEntry = autoEntry != 0
	set.AutoExit = autoExit != 0
	return set, nil
}

func (s *Store) SaveSettings(ctx context.Context, set models.Settings) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE settings SET auto_entry=?, auto_exit=?, max_slots=?, capital_pct=?,
  leverage=?, liq_buffer_pct=?, stoploss_pct=?, min_spread=?, min_notional=?,
  max_funding_skew_min=?
WHERE id=1
`, boolInt(set.AutoEntry), boolInt(set.AutoExit), set.MaxSlots, set.CapitalPct,
		set.Leverage, set.LiquidationBufferPct, set.StoplossPct, set.MinSpread,
		set.MinNotional, set.MaxFundingSkewMin)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
