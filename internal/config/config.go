package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/gregtusar/fundingarb/pkg/secrets"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Venues   VenuesConfig   `mapstructure:"venues"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type VenuesConfig struct {
	// Paper runs both venues as in-memory simulations.
	Paper                bool        `mapstructure:"paper"`
	PaperStartingBalance float64     `mapstructure:"paper_starting_balance"`
	A                    VenueConfig `mapstructure:"a"`
	B                    VenueConfig `mapstructure:"b"`
}

type VenueConfig struct {
	Name            string  `mapstructure:"name"`
	APIKey          string  `mapstructure:"api_key"`
	APISecret       string  `mapstructure:"api_secret"`
	RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec"`
	RateBurst       int     `mapstructure:"rate_burst"`
	CallTimeoutSec  int     `mapstructure:"call_timeout_sec"`
}

type TradingConfig struct {
	AutoEntry            bool    `mapstructure:"auto_entry"`
	AutoExit             bool    `mapstructure:"auto_exit"`
	MaxSlots             int     `mapstructure:"max_slots"`
	CapitalPct           float64 `mapstructure:"capital_pct"`
	Leverage             int     `mapstructure:"leverage"`
	LiquidationBufferPct float64 `mapstructure:"liquidation_buffer_pct"`
	StoplossPct          float64 `mapstructure:"stoploss_pct"`
	MinSpread            float64 `mapstructure:"min_spread"`
	MinNotional          float64 `mapstructure:"min_notional"`
	MaxFundingSkewMin    int     `mapstructure:"max_funding_skew_min"`
	QtyStep              float64 `mapstructure:"qty_step"`

	ExitCheckSec           int `mapstructure:"exit_check_sec"`
	SlotRefillSec          int `mapstructure:"slot_refill_sec"`
	OpportunityRescanSec   int `mapstructure:"opportunity_rescan_sec"`
	IntervalRediscoveryMin int `mapstructure:"interval_rediscovery_min"`
	FundingAccrualSec      int `mapstructure:"funding_accrual_sec"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type GCPConfig struct {
	ProjectID   string              `mapstructure:"project_id"`
	UseSecrets  bool                `mapstructure:"use_secrets"`
	SecretNames secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/funding-trader")
	}

	v.SetEnvPrefix("FUNDING")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

// SeedSettings maps the trading section onto the settings row written on
// first start.
func (c *Config) SeedSettings() models.Settings {
	set := models.DefaultSettings()
	set.AutoEntry = c.Trading.AutoEntry
	set.AutoExit = c.Trading.AutoExit
	if c.Trading.MaxSlots > 0 {
		set.MaxSlots = c.Trading.MaxSlots
	}
	if c.Trading.CapitalPct > 0 {
		set.CapitalPct = c.Trading.CapitalPct
	}
	if c.Trading.Leverage > 0 {
		set.Leverage = c.Trading.Leverage
	}
	if c.Trading.LiquidationBufferPct > 0 {
		set.LiquidationBufferPct = c.Trading.LiquidationBufferPct
	}
	if c.Trading.StoplossPct > 0 {
		set.StoplossPct = c.Trading.StoplossPct
	}
	if c.Trading.MinSpread > 0 {
		set.MinSpread = c.Trading.MinSpread
	}
	if c.Trading.MinNotional > 0 {
		set.MinNotional = c.Trading.MinNotional
	}
	if c.Trading.MaxFundingSkewMin > 0 {
		set.MaxFundingSkewMin = c.Trading.MaxFundingSkewMin
	}
	return set
}

// TaskIntervals maps the trading section onto the scheduler periods.
func (c *Config) TaskIntervals() (exit, refill, rescan, rediscovery, accrual time.Duration) {
	sec := func(n, def int) time.Duration {
		if n <= 0 {
			n = def
		}
		return time.Duration(n) * time.Second
	}
	exit = sec(c.Trading.ExitCheckSec, 2)
	refill = sec(c.Trading.SlotRefillSec, 10)
	rescan = sec(c.Trading.OpportunityRescanSec, 30)
	rediscovery = time.Duration(c.Trading.IntervalRediscoveryMin) * time.Minute
	if rediscovery <= 0 {
		rediscovery = 15 * time.Minute
	}
	accrual = sec(c.Trading.FundingAccrualSec, 60)
	return
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)

	// Venue defaults
	v.SetDefault("venues.paper", true)
	v.SetDefault("venues.paper_starting_balance", 10000.0)
	v.SetDefault("venues.a.name", "venue-a")
	v.SetDefault("venues.a.rate_limit_per_sec", 10.0)
	v.SetDefault("venues.a.rate_burst", 20)
	v.SetDefault("venues.a.call_timeout_sec", 30)
	v.SetDefault("venues.b.name", "venue-b")
	v.SetDefault("venues.b.rate_limit_per_sec", 10.0)
	v.SetDefault("venues.b.rate_burst", 20)
	v.SetDefault("venues.b.call_timeout_sec", 30)

	// Trading defaults
	v.SetDefault("trading.auto_entry", false)
	v.SetDefault("trading.auto_exit", true)
	v.SetDefault("trading.max_slots", 3)
	v.SetDefault("trading.capital_pct", 0.25)
	v.SetDefault("trading.leverage", 3)
	v.SetDefault("trading.liquidation_buffer_pct", 0.05)
	v.SetDefault("trading.stoploss_pct", 0.10)
	v.SetDefault("trading.min_spread", 0.0001)
	v.SetDefault("trading.min_notional", 10.0)
	v.SetDefault("trading.max_funding_skew_min", 15)
	v.SetDefault("trading.qty_step", 0.001)
	v.SetDefault("trading.exit_check_sec", 2)
	v.SetDefault("trading.slot_refill_sec", 10)
	v.SetDefault("trading.opportunity_rescan_sec", 30)
	v.SetDefault("trading.interval_rediscovery_min", 15)
	v.SetDefault("trading.funding_accrual_sec", 60)

	// Database defaults
	v.SetDefault("database.path", "./data/funding_trader.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)

	// GCP defaults
	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.venue_a_api_key", secretNames.VenueAAPIKey)
	v.SetDefault("gcp.secret_names.venue_a_api_secret", secretNames.VenueAAPISecret)
	v.SetDefault("gcp.secret_names.venue_b_api_key", secretNames.VenueBAPIKey)
	v.SetDefault("gcp.secret_names.venue_b_api_secret", secretNames.VenueBAPISecret)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("VENUE_A_API_KEY"); apiKey != "" {
		config.Venues.A.APIKey = apiKey
	}
	if apiSecret := os.Getenv("VENUE_A_API_SECRET"); apiSecret != "" {
		config.Venues.A.APISecret = apiSecret
	}
	if apiKey := os.Getenv("VENUE_B_API_KEY"); apiKey != "" {
		config.Venues.B.APIKey = apiKey
	}
	if apiSecret := os.Getenv("VENUE_B_API_SECRET"); apiSecret != "" {
		config.Venues.B.APISecret = apiSecret
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Only load secrets that are not already set
	if config.Venues.A.APIKey == "" {
		config.Venues.A.APIKey = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.VenueAAPIKey, "")
	}
	if config.Venues.A.APISecret == "" {
		config.Venues.A.APISecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.VenueAAPISecret, "")
	}
	if config.Venues.B.APIKey == "" {
		config.Venues.B.APIKey = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.VenueBAPIKey, "")
	}
	if config.Venues.B.APISecret == "" {
		config.Venues.B.APISecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.VenueBAPISecret, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}
