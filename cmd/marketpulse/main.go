package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"MarketPulse/internal/board"
	"MarketPulse/internal/catalog"
	"MarketPulse/internal/collector"
	"MarketPulse/internal/config"
	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"
	"MarketPulse/internal/notifier"
	"MarketPulse/internal/ratelimit"
	"MarketPulse/internal/recorder"
	"MarketPulse/internal/scheduler"
	"MarketPulse/internal/server"
	"MarketPulse/internal/subscription"
	"MarketPulse/internal/ticker"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "path to YAML or TOML config")
	once := flag.Bool("once", false, "sync every subscribed symbol once, print a table and exit")
	flag.Parse()

	_ = godotenv.Load()
	if v := os.Getenv("CONFIG_PATH"); v != "" && !isFlagSet("config") {
		*cfgPath = v
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config validation: %v", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	logger.Infof("MarketPulse starting...")

	// Fetch path: limiter -> fetcher -> batch sync
	limiter := ratelimit.New(cfg.RateLimit.Count, cfg.RateWindow())
	defer limiter.Close()

	var fetcher collector.Fetcher
	switch {
	case cfg.DataSource.Mock:
		fetcher = &collector.StaticFetcher{BasePrice: 100}
	case cfg.DataSource.Provider == "yahoo":
		fetcher = collector.NewYahooFetcher(cfg.DataSource.YahooURL, cfg.Proxy)
	default:
		fetcher = collector.NewCoinbaseFetcher(cfg.DataSource.BaseURL, cfg.Proxy)
	}
	logger.Infof("data source: %s", fetcher.Name())

	batch := collector.NewBatchSync(fetcher, limiter)
	batch.Window = collector.Window{
		Granularity: cfg.Granularity(),
		StartOffset: cfg.StartOffset(),
		EndOffset:   cfg.EndOffset(),
	}
	batch.Timeout = cfg.FetchTimeout()

	subFile := cfg.SubscriptionFile
	if *once {
		subFile = ""
	}
	subs, err := subscription.NewStore(subFile, cfg.Symbols)
	if err != nil {
		logger.Fatalf("init subscription: %v", err)
	}

	if *once {
		if failed := runOnce(batch, subs, cfg); failed > 0 {
			os.Exit(1)
		}
		return
	}

	// Init recorder
	var rec recorder.Recorder
	if cfg.Database.SQLitePath != "" {
		sr, err := recorder.NewSQLiteRecorder(cfg.Database.SQLitePath)
		if err != nil {
			logger.Warnf("init sqlite recorder failed, using noop: %v", err)
			rec = recorder.NewNoopRecorder()
		} else {
			rec = sr
		}
	} else {
		rec = recorder.NewNoopRecorder()
	}
	defer rec.Close()

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pub board.Publisher
	if cfg.Redis.Addr != "" {
		pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
		rp, err := notifier.NewRedisPublisher(pctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.RedisTTL())
		pcancel()
		if err != nil {
			logger.Warnf("redis unavailable, publishing disabled: %v", err)
		} else {
			pub = rp
			defer rp.Close()
		}
	}

	merger := ticker.NewMerger()
	var feed *ticker.Feed
	if !cfg.DataSource.Mock {
		feed = ticker.NewFeed(ticker.FeedConfig{URL: cfg.DataSource.FeedURL, Proxy: cfg.Proxy}, subs)
	}

	opts := board.Options{
		Subs:      subs,
		Syncer:    batch,
		Merger:    merger,
		Publisher: pub,
		Recorder:  rec,
		StaleTime: cfg.StaleTime(),
	}
	if feed != nil {
		opts.Feed = feed
	}
	b := board.New(opts)
	b.WarmStart()

	var wg sync.WaitGroup
	if feed != nil {
		ticks := make(chan model.Tick, 256)
		wg.Add(2)
		go func() {
			defer wg.Done()
			merger.Run(ctx, ticks)
		}()
		go func() {
			defer wg.Done()
			if err := feed.Run(ctx, ticks); err != nil && ctx.Err() == nil {
				logger.Errorf("live feed stopped: %v", err)
			}
		}()
	}

	var cat *catalog.Catalog
	if !cfg.DataSource.Mock {
		cat = catalog.New(cfg.DataSource.BaseURL, cfg.Proxy)
	}

	var catRefresher scheduler.CatalogRefresher
	if cat != nil {
		catRefresher = cat
	}
	sched := scheduler.NewScheduler(ctx, b.Cache(), catRefresher)
	if err := sched.RegisterAll(scheduler.Intervals{
		RefreshEvery: cfg.RefreshInterval(),
		RefreshCron:  cfg.Schedule.RefreshCron,
		CatalogEvery: cfg.CatalogInterval(),
	}); err != nil {
		logger.Fatalf("register cron tasks: %v", err)
	}
	sched.Start()
	go sched.RunCatalogNow()

	gin.SetMode(gin.ReleaseMode)
	var catAPI server.Catalog
	if cat != nil {
		catAPI = cat
	}
	var feedAPI server.FeedStatus
	if feed != nil {
		feedAPI = feed
	}
	router := server.NewRouter(server.NewHandler(b, catAPI, feedAPI), cfg.HTTP.CORSOrigins)
	srv := server.New(cfg.HTTP.Addr, router)
	srv.Start()

	logger.Infof("MarketPulse is running with %d symbols. Press Ctrl+C to stop.", len(subs.CurrentSymbols()))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("shutdown signal received, stopping...")
	cancel()
	sched.Stop()
	limiter.Close()
	b.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	wg.Wait()
	logger.Infof("MarketPulse stopped")
}

// runOnce fetches every subscribed symbol through the limiter, prints an
// overview and returns the number of failed symbols.
func runOnce(batch *collector.BatchSync, subs *subscription.Store, cfg *config.Config) int {
	b := board.New(board.Options{
		Subs:      subs,
		Syncer:    batch,
		Merger:    ticker.NewMerger(),
		StaleTime: cfg.StaleTime(),
	})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.FetchTimeout()+time.Duration(len(subs.CurrentSymbols()))*cfg.RateWindow())
	defer cancel()
	report := b.Cache().RefreshNow(ctx, "once")

	fmt.Println(notifier.RenderTable(board.Rows(b.Overview())))
	failed := report.Failed()
	if failed > 0 {
		logger.Warnf("%d of %d symbols failed", failed, len(report.Results))
	}
	return failed
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
