package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentinel/internal/alerts"
	"sentinel/internal/api"
	"sentinel/internal/config"
	"sentinel/internal/ingest"
	"sentinel/internal/logging"
	"sentinel/internal/monitor"
	"sentinel/internal/ratelimit"
	"sentinel/internal/scheduler"
	"sentinel/internal/storage"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("sentineld", version)
		return
	}

	var mgr *config.Manager
	if *configPath != "" {
		m, err := config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}
		mgr = m
	} else {
		mgr = config.NewStaticManager(config.DefaultConfig())
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("open storage", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := store.Init(initCtx); err != nil {
		cancel()
		logger.Error("init storage", "err", err)
		os.Exit(1)
	}
	cancel()

	cache := monitor.NewRecentCache(4096, cfg.Sweep.CacheMaxAge)
	feed := alerts.NewFeed(cfg.Dashboard.FeedLimit)
	dispatcher := alerts.NewDispatcher(store, cache, mgr, feed, logger)

	tracker := monitor.NewTracker(store, mgr, logger)
	tracker.Register(monitor.NewIPBurstDetector(cache, mgr))
	if err := tracker.Hydrate(ctx); err != nil {
		logger.Warn("hydrate indicators", "err", err)
	}

	service := monitor.NewService(store, cache, tracker, dispatcher, mgr, logger)
	limiter := ratelimit.NewLimiter(ratelimit.Limits{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window,
		BurstLimit:  cfg.RateLimit.BurstLimit,
	})

	sweep := scheduler.New(store, cache, dispatcher, limiter, service.Counters(), mgr, logger)
	go sweep.Run(ctx)

	ingest.StartREST(ctx, mgr, service, limiter, logger)
	ingest.StartKafka(ctx, mgr, service, logger)
	api.Start(ctx, mgr, service, feed, sweep, logger, version)

	if mgr.Path() != "" {
		go mgr.Watch(3*time.Second,
			func(*config.Config) {
				logger.Info("config reloaded")
				sweep.Restart()
			},
			func(err error) { logger.Warn("config watch", "err", err) },
			ctx.Done(),
		)
	}

	logger.Info("sentineld started", "version", version)
	<-ctx.Done()
	dispatcher.Wait()
	logger.Info("sentineld stopped")
}
