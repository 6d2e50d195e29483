package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"marketpulse/config"
	"marketpulse/internal/api"
	"marketpulse/internal/catalog"
	"marketpulse/internal/fetch"
	"marketpulse/internal/model"
	"marketpulse/internal/resolver"
	"marketpulse/internal/scheduler"
	"marketpulse/internal/store"
	"marketpulse/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	backfill := flag.Bool("backfill", false, "recompute all aggregate buckets from stored candles and exit")
	flag.Parse()

	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.GetLogger()
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	mainLog := log.WithComponent("main")
	mainLog.WithFields(logger.Fields{
		"service": cfg.Service.Name,
		"version": cfg.Service.Version,
	}).Info("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		mainLog.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx, cfg.Bucket.WidthMs); err != nil {
		mainLog.WithError(err).Error("failed to ensure schema")
		os.Exit(1)
	}

	if *backfill {
		runBackfill(ctx, db, cfg.Bucket.WidthMs)
		return
	}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		mainLog.WithError(err).WithFields(logger.Fields{"path": cfg.Catalog.Path}).Error("failed to load symbol catalog")
		os.Exit(1)
	}
	mainLog.WithFields(logger.Fields{
		"symbols": cat.Len(),
		"hot":     len(cat.TierSymbols(model.TierHigh, model.TierUltra)),
	}).Info("symbol catalog loaded")

	spotClient := binance.NewClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	futuresClient := futures.NewClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	if cfg.Exchange.SpotURL != "" {
		spotClient.BaseURL = cfg.Exchange.SpotURL
	}
	if cfg.Exchange.FuturesURL != "" {
		futuresClient.BaseURL = cfg.Exchange.FuturesURL
	}

	// One account-wide limiter across all exchange fetchers.
	limiter := rate.NewLimiter(
		rate.Limit(cfg.Exchange.RateLimit.RequestsPerSecond),
		cfg.Exchange.RateLimit.BurstSize,
	)
	res := resolver.New()

	timeout := cfg.Exchange.Timeout.Std()
	macroFetcher := fetch.NewMacroFetcher(timeout, macroSources(cfg.Macro.Indices))

	schedulers := []*scheduler.Scheduler{
		scheduler.New(
			scheduler.Config{
				Interval:      cfg.Poll.Candles.Interval.Std(),
				Concurrency:   cfg.Poll.Candles.Concurrency,
				Timeout:       timeout,
				BucketWidthMs: cfg.Bucket.WidthMs,
			},
			fetch.NewCandleFetcher(spotClient, limiter, cfg.Poll.Candles.CandleLimit),
			cat.Symbols(),
			res,
			db,
		),
		scheduler.New(
			scheduler.Config{
				Interval:    cfg.Poll.Futures.Interval.Std(),
				Concurrency: cfg.Poll.Futures.Concurrency,
				Timeout:     timeout,
			},
			fetch.NewFuturesFetcher(futuresClient, limiter),
			cat.TierSymbols(model.TierHigh, model.TierUltra),
			res,
			db,
		),
		scheduler.New(
			scheduler.Config{
				Interval:    cfg.Poll.Depth.Interval.Std(),
				Concurrency: cfg.Poll.Depth.Concurrency,
				Timeout:     timeout,
			},
			fetch.NewDepthFetcher(spotClient, limiter, cfg.Poll.Depth.DepthLevels),
			cat.TierSymbols(model.TierHigh, model.TierUltra),
			res,
			db,
		),
		scheduler.New(
			scheduler.Config{
				Interval:    cfg.Poll.Macro.Interval.Std(),
				Concurrency: cfg.Poll.Macro.Concurrency,
				Timeout:     timeout,
			},
			macroFetcher,
			macroFetcher.Indices(),
			nil,
			db,
		),
	}

	started := 0
	for _, s := range schedulers {
		if err := s.Start(ctx); err != nil {
			mainLog.WithError(err).Warn("scheduler not started")
			continue
		}
		started++
	}
	if started == 0 {
		mainLog.Error("no schedulers started, nothing to poll")
		os.Exit(1)
	}

	server := api.NewServer(api.Config{
		Addr:         cfg.API.Addr,
		Key:          cfg.API.Key,
		Freshness:    cfg.API.Freshness.Std(),
		DefaultLimit: cfg.API.DefaultLimit,
		AggWidthMs:   cfg.Bucket.WidthMs,
	}, db)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		mainLog.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			mainLog.WithError(err).Error("api server failed")
		}
	}

	for _, s := range schedulers {
		s.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		mainLog.WithError(err).Warn("api server shutdown incomplete")
	}
	mainLog.Info("stopped")
}

func macroSources(indices []config.MacroIndexConfig) []fetch.MacroSource {
	out := make([]fetch.MacroSource, 0, len(indices))
	for _, idx := range indices {
		out = append(out, fetch.MacroSource{
			Name:        idx.Name,
			URL:         idx.URL,
			FallbackURL: idx.FallbackURL,
		})
	}
	return out
}

// runBackfill recomputes every aggregate bucket from the stored raw candles.
// Used after bulk imports or a bucket-width change.
func runBackfill(ctx context.Context, db *store.Store, widthMs int64) {
	log := logger.GetLogger().WithComponent("backfill")
	start := time.Now()
	n, err := db.RecomputeAll(ctx, widthMs)
	if err != nil {
		log.WithError(err).Error("backfill failed")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{
		"buckets":  n,
		"duration": time.Since(start).String(),
	}).Info("backfill complete")
}
