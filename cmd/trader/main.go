package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gregtusar/fundingarb/api"
	"github.com/gregtusar/fundingarb/internal/config"
	"github.com/gregtusar/fundingarb/pkg/allocator"
	"github.com/gregtusar/fundingarb/pkg/coordinator"
	"github.com/gregtusar/fundingarb/pkg/engine"
	"github.com/gregtusar/fundingarb/pkg/exchange"
	"github.com/gregtusar/fundingarb/pkg/hedge"
	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/gregtusar/fundingarb/pkg/screener"
	"github.com/gregtusar/fundingarb/pkg/store"
	"github.com/gregtusar/fundingarb/pkg/trader"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "funding-trader",
		Short: "Cross-venue funding rate arbitrage system",
		Long:  `A delta-neutral trading system that holds opposite perpetual positions on two venues and collects the funding rate spread between them`,
		Run:   runTrader,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runTrader(cmd *cobra.Command, args []string) {
	// Local .env overrides are optional
	_ = godotenv.Load()

	// Initialize logger
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if cfg.Logging.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   true,
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, rotated))
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the trade database
	if dir := filepath.Dir(cfg.Database.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.WithError(err).Fatal("Failed to create database directory")
		}
	}
	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open database")
	}
	defer st.Close()

	// Build the venue adapters
	venueA, venueB := buildVenues(cfg)

	coord := coordinator.New(venueA, venueB, st, logger)
	monitor := hedge.NewMonitor(coord, st, logger)
	exitEngine := engine.New(coord, st, logger)
	scr := screener.New(venueA.Name(), venueB.Name(),
		time.Duration(cfg.Trading.MaxFundingSkewMin)*time.Minute, logger)
	alloc := allocator.New(cfg.Trading.QtyStep, logger)

	intervals := trader.DefaultIntervals()
	intervals.ExitCheck, intervals.SlotRefill, intervals.OpportunityRescan,
		intervals.IntervalRediscovery, intervals.FundingAccrual = cfg.TaskIntervals()

	fundingTrader := trader.New(st, coord, monitor, exitEngine, scr, alloc, intervals, logger)

	// Start the trader
	if err := fundingTrader.Start(ctx, cfg.SeedSettings()); err != nil {
		logger.WithError(err).Fatal("Failed to start funding trader")
	}

	// Start API server
	apiServer := api.NewServer(fundingTrader, logger, cfg.Server.Port)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Funding trader is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	// Graceful shutdown
	cancel()
	fundingTrader.Wait()

	logger.Info("Funding trader stopped")
}

// buildVenues constructs the two venue adapters, wrapped in rate limiters.
// Paper mode replaces live connectivity with in-memory simulations.
func buildVenues(cfg *config.Config) (exchange.Adapter, exchange.Adapter) {
	var innerA, innerB exchange.Adapter
	if cfg.Venues.Paper {
		innerA = exchange.NewPaperVenue(models.Venue(cfg.Venues.A.Name), cfg.Venues.PaperStartingBalance)
		innerB = exchange.NewPaperVenue(models.Venue(cfg.Venues.B.Name), cfg.Venues.PaperStartingBalance)
	} else {
		// Live venue adapters plug in here with cfg.Venues.A/B credentials.
		logger.Warn("No live venue adapter configured, falling back to paper venues")
		innerA = exchange.NewPaperVenue(models.Venue(cfg.Venues.A.Name), cfg.Venues.PaperStartingBalance)
		innerB = exchange.NewPaperVenue(models.Venue(cfg.Venues.B.Name), cfg.Venues.PaperStartingBalance)
	}

	venueA := exchange.NewRateLimited(innerA,
		cfg.Venues.A.RateLimitPerSec, cfg.Venues.A.RateBurst,
		time.Duration(cfg.Venues.A.CallTimeoutSec)*time.Second)
	venueB := exchange.NewRateLimited(innerB,
		cfg.Venues.B.RateLimitPerSec, cfg.Venues.B.RateBurst,
		time.Duration(cfg.Venues.B.CallTimeoutSec)*time.Second)
	return venueA, venueB
}
