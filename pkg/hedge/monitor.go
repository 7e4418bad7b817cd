package hedge

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fundingarb/pkg/coordinator"
	"github.com/gregtusar/fundingarb/pkg/metrics"
	"github.com/gregtusar/fundingarb/pkg/models"
)

// Coord is the slice of the coordinator the monitor needs.
type Coord interface {
	RawPositions(ctx context.Context, forceRefresh bool) (*coordinator.PositionSnapshot, error)
	CloseLeg(ctx context.Context, instrument string, venue models.Venue) (float64, error)
}

// TradeStore is the persistence surface for confirming and archiving a
// broken hedge.
type TradeStore interface {
	ActiveTradeByInstrument(ctx context.Context, instrumentKey string) (*models.Trade, error)
	CloseTrade(ctx context.Context, id string, closedAt time.Time) error
	InsertHistory(ctx context.Context, h *models.TradeHistory) error
}

// Monitor detects single-leg and size-mismatched hedges. A one-sided read
// is common and a false positive (closing a healthy hedge) is costly, so a
// break is only declared after the grace period and three consecutive
// confirmations over forced re-checks.
type Monitor struct {
	coord Coord
	store TradeStore
	log   *logrus.Entry

	gracePeriod   time.Duration
	confirmations int
	asymmetryWarn float64

	breakCounts map[string]int
}

func NewMonitor(coord Coord, store TradeStore, logger *logrus.Logger) *Monitor {
	return &Monitor{
		coord:         coord,
		store:         store,
		log:           logger.WithField("component", "hedge-monitor"),
		gracePeriod:   60 * time.Second,
		confirmations: 3,
		asymmetryWarn: 0.20,
		breakCounts:   make(map[string]int),
	}
}

// Check runs one integrity pass over the given groups. It is a no-op when
// the snapshot is incomplete: the monitor never acts on partial
// information.
func (m *Monitor) Check(ctx context.Context, snap *coordinator.PositionSnapshot, groups map[string]models.HedgeGroup) {
	if snap == nil || !snap.DataComplete {
		return
	}

	seen := make(map[string]bool, len(groups))
	for key, group := range groups {
		seen[key] = true
		switch len(group.Legs) {
		case 1:
			m.checkSingleLeg(ctx, key, group)
		case 2:
			if asym := group.SizeAsymmetry(); asym > m.asymmetryWarn {
				m.log.WithFields(logrus.Fields{
					"instrument": key,
					"asymmetry":  asym,
				}).Warn("Hedge legs are size-mismatched")
			}
			m.breakCounts[key] = 0
		default:
			m.breakCounts[key] = 0
		}
	}

	// Instruments that no longer appear at all are healthy from the
	// monitor's point of view; clear their counters.
	for key := range m.breakCounts {
		if !seen[key] {
			delete(m.breakCounts, key)
		}
	}
}

func (m *Monitor) checkSingleLeg(ctx context.Context, key string, group models.HedgeGroup) {
	trade, err := m.store.ActiveTradeByInstrument(ctx, key)
	if err != nil {
		m.log.WithError(err).WithField("instrument", key).Error("Trade lookup failed")
		return
	}

	// Settlement lag: one leg routinely shows up before the other right
	// after entry.
	if trade != nil && time.Since(trade.CreatedAt) < m.gracePeriod {
		m.breakCounts[key] = 0
		return
	}

	// Escalate only on a live re-check, never on the possibly stale cached
	// snapshot.
	fresh, err := m.coord.RawPositions(ctx, true)
	if err != nil || !fresh.DataComplete {
		m.log.WithField("instrument", key).Debug("Re-check incomplete, skipping")
		return
	}
	freshGroup, ok := Group(fresh)[key]
	if !ok || len(freshGroup.Legs) != 1 {
		m.breakCounts[key] = 0
		return
	}

	m.breakCounts[key]++
	m.log.WithFields(logrus.Fields{
		"instrument":    key,
		"confirmations": m.breakCounts[key],
		"venue":         freshGroup.Legs[0].Venue,
	}).Warn("Single-leg hedge confirmed on forced re-check")
	if m.breakCounts[key] < m.confirmations {
		return
	}

	m.declareBroken(ctx, key, freshGroup, trade)
	m.breakCounts[key] = 0
}

// declareBroken closes the remaining leg at market and archives the trade
// with nullable pricing for the missing leg.
func (m *Monitor) declareBroken(ctx context.Context, key string, group models.HedgeGroup, trade *models.Trade) {
	leg := group.Legs[0]
	m.log.WithFields(logrus.Fields{
		"instrument": key,
		"venue":      leg.Venue,
		"qty":        leg.Quantity,
	}).Error("Broken hedge declared, closing remaining leg")
	metrics.BrokenHedgeDeclared()

	exitPrice, err := m.coord.CloseLeg(ctx, key, leg.Venue)
	if err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"instrument": key,
			"venue":      leg.Venue,
		}).Error("Emergency close failed, will retry next cycle")
		return
	}

	now := time.Now().UTC()
	hist := &models.TradeHistory{
		ID:            uuid.New().String(),
		InstrumentKey: key,
		Quantity:      leg.Quantity,
		ExitReason:    models.ExitReasonBrokenHedge,
		Executor:      "hedge-monitor",
		ClosedAt:      now,
		OpenedAt:      now,
	}
	if leg.Side == models.SideLong {
		hist.ExitPriceLong = &exitPrice
		hist.RealizedPnlLong = leg.UnrealizedPnl
	} else {
		hist.ExitPriceShort = &exitPrice
		hist.RealizedPnlShort = leg.UnrealizedPnl
	}
	if trade != nil {
		hist.TradeID = trade.ID
		hist.VenueLong = trade.VenueLong
		hist.VenueShort = trade.VenueShort
		hist.EntryPriceLong = trade.EntryPriceLong
		hist.EntryPriceShort = trade.EntryPriceShort
		hist.FundingReceived = trade.AccruedFundingTotal
		hist.OpenedAt = trade.CreatedAt
		if err := m.store.CloseTrade(ctx, trade.ID, now); err != nil {
			m.log.WithError(err).WithField("trade_id", trade.ID).Error("Status flip failed")
		}
	}
	if err := m.store.InsertHistory(ctx, hist); err != nil {
		m.log.WithError(err).WithField("instrument", key).Error("Broken hedge archive write failed")
	}
	metrics.TradeClosed(models.ExitReasonBrokenHedge)
}
