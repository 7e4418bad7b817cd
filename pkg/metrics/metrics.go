// Package metrics exposes the Prometheus series updated during operation.
// Served at /metrics by the API server in text exposition format.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	tradesOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arb_trades_opened_total",
			Help: "Hedged trades opened",
		},
	)

	tradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_trades_closed_total",
			Help: "Hedged trades closed, split by exit reason",
		},
		[]string{"reason"},
	)

	brokenHedges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arb_broken_hedges_total",
			Help: "Broken hedges declared after debounce",
		},
	)

	venueErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_venue_errors_total",
			Help: "Venue call failures by venue and operation",
		},
		[]string{"venue", "op"},
	)

	equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arb_equity_usd",
			Help: "Aggregated cross-venue equity in USD",
		},
	)

	activeTrades = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arb_active_trades",
			Help: "Currently ACTIVE hedged trades",
		},
	)

	opportunities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arb_opportunities",
			Help: "Opportunities surviving the screener on the last rescan",
		},
	)
)

func init() {
	prometheus.MustRegister(
		tradesOpened,
		tradesClosed,
		brokenHedges,
		venueErrors,
		equity,
		activeTrades,
		opportunities,
	)
}

func TradeOpened()                { tradesOpened.Inc() }
func TradeClosed(reason string)   { tradesClosed.WithLabelValues(reason).Inc() }
func BrokenHedgeDeclared()        { brokenHedges.Inc() }
func VenueError(venue, op string) { venueErrors.WithLabelValues(venue, op).Inc() }
func SetEquity(usd float64)       { equity.Set(usd) }
func SetActiveTrades(n int)       { activeTrades.Set(float64(n)) }
func SetOpportunities(n int)      { opportunities.Set(float64(n)) }
