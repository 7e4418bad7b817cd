package models

// Settings are the operator-tunable strategy parameters, persisted in the
// settings table and adjustable at runtime through the API.
type Settings struct {
	AutoEntry bool
	AutoExit  bool

	MaxSlots   int
	CapitalPct float64 // fraction of min venue balance allocated per trade
	Leverage   int

	LiquidationBufferPct float64 // exit when min leg buffer falls to this
	StoplossPct          float64 // exit when negative MTM reaches this share of capital
	MinSpread            float64
	MinNotional          float64
	MaxFundingSkewMin    int // max minutes between the venues' next-funding stamps
}

// DefaultSettings are the seed values written on first start; config-file
// values override them.
func DefaultSettings() Settings {
	return Settings{
		AutoEntry:            false,
		AutoExit:             true,
		MaxSlots:             3,
		CapitalPct:           0.25,
		Leverage:             3,
		LiquidationBufferPct: 0.05,
		StoplossPct:          0.10,
		MinSpread:            0.0001,
		MinNotional:          10,
		MaxFundingSkewMin:    15,
	}
}
