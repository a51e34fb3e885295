package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"MarketPulse/internal/alert"
	"MarketPulse/internal/alertstore"
	"MarketPulse/internal/api"
	"MarketPulse/internal/collector"
	"MarketPulse/internal/config"
	"MarketPulse/internal/insight"
	"MarketPulse/internal/logger"
	"MarketPulse/internal/monitor"
	"MarketPulse/internal/notifier"
	"MarketPulse/internal/pipeline"
	"MarketPulse/internal/recorder"
	"MarketPulse/internal/scheduler"
	"MarketPulse/internal/state"
)

func main() {
	if err := config.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load env: %v\n", err)
		os.Exit(1)
	}

	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	root, err := logger.New(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		MaxAge: cfg.Log.MaxAge,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, root); err != nil {
		root.WithError(err).Fatal("MarketPulse stopped with error")
	}
}

func newFetcher(cfg *config.Config) collector.Fetcher {
	ds := cfg.DataSource
	switch ds.Provider {
	case "rest":
		return collector.NewRESTFetcher(ds.BaseURL, ds.APIKey, cfg.Proxy, ds.RequestTimeout)
	case "ssi":
		return collector.NewSSIFetcher(ds.BaseURL, ds.APIKey, ds.APISecret, cfg.Proxy, ds.RequestTimeout)
	case "alpaca":
		return collector.NewAlpacaFetcher(ds.APIKey, ds.APISecret, ds.BaseURL)
	case "mock":
		return &collector.MockFetcher{Price: 100}
	default:
		f := collector.NewYahooFetcher(ds.BaseURL, cfg.Proxy, ds.RequestTimeout)
		f.Suffix = ds.SymbolSuffix
		return f
	}
}

func newCooldownStore(cfg *config.Config) (alert.CooldownStore, func() error) {
	if cfg.Alert.CooldownStore == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ttl := 2 * max(cfg.Alert.CooldownDefault, cfg.Alert.CooldownHigh)
		return alert.NewRedisCooldownStore(client, cfg.Redis.Key, ttl), client.Close
	}
	return alert.FileCooldownStore{Path: cfg.Alert.CooldownFile}, func() error { return nil }
}

func newRecorder(cfg *config.Config, log *logrus.Entry) recorder.Recorder {
	if cfg.Database.SQLitePath == "" {
		return recorder.NewNoopRecorder()
	}
	r, err := recorder.NewSQLiteRecorder(cfg.Database.SQLitePath, log)
	if err != nil {
		log.WithError(err).Warn("init sqlite recorder failed, using noop")
		return recorder.NewNoopRecorder()
	}
	return r
}

func openAudit(path string, maxAge int) (io.WriteCloser, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return logger.RotatingFile(path, maxAge), nil
}

func run(cfg *config.Config, root *logrus.Logger) error {
	log := logger.Component(root, "main")
	log.Info("MarketPulse starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher := newFetcher(cfg)
	log.WithField("provider", fetcher.Name()).Info("data source ready")
	col := collector.NewCollector(fetcher, collector.Options{
		IntradayLimit: cfg.DataSource.IntradayLimit,
		DailyLimit:    cfg.DataSource.DailyLimit,
		DailyRefresh:  cfg.DataSource.DailyRefresh,
	}, logger.Component(root, "collector"))

	store := state.NewStore(state.Options{
		IntradayWindow: cfg.State.IntradayWindow,
		DailyWindow:    cfg.State.DailyWindow,
		StaleAfter:     cfg.State.StaleAfter,
	}, logger.Component(root, "state"))

	audit, err := openAudit(cfg.Insight.AuditLog, cfg.Log.MaxAge)
	if err != nil {
		return err
	}
	insightOpts := insight.Options{DedupWindow: cfg.Insight.DedupWindow}
	if audit != nil {
		insightOpts.Audit = audit
		defer audit.Close()
	}
	engine := insight.NewEngine(insightOpts, logger.Component(root, "insight"))

	var (
		source       alert.AlertSource
		alertSymbols []string
	)
	switch cfg.Alert.Source {
	case "postgres":
		pg, err := alertstore.Open(ctx, cfg.Postgres.DSN, logger.Component(root, "alertstore"))
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		if alertSymbols, err = pg.Symbols(ctx); err != nil {
			log.WithError(err).Warn("load alert symbols failed")
		}
		source = pg
	default:
		mem := alert.NewMemoryStore(cfg.Alert.Static...)
		alertSymbols = mem.Symbols()
		source = mem
	}

	rec := newRecorder(cfg, logger.Component(root, "recorder"))
	mon := monitor.New(cfg.Monitor.Window, nil)

	router := alert.NewRouter(source, alert.Options{
		Warmup:          cfg.Alert.Warmup,
		CooldownDefault: cfg.Alert.CooldownDefault,
		CooldownHigh:    cfg.Alert.CooldownHigh,
		MaxPerUserDay:   cfg.Alert.MaxPerUserDay,
		HistorySize:     cfg.Alert.HistorySize,
		Locale:          cfg.Alert.Locale,
		Sink:            rec,
		Observer:        mon,
	}, logger.Component(root, "alert"))

	cooldowns, closeCooldowns := newCooldownStore(cfg)
	defer closeCooldowns()
	if n, err := router.RestoreCooldowns(ctx, cooldowns); err != nil {
		log.WithError(err).Warn("restore cooldowns failed")
	} else {
		log.WithField("entries", n).Info("cooldowns restored")
	}

	var (
		dispatcher pipeline.Dispatcher
		tn         *notifier.TelegramNotifier
	)
	if cfg.Telegram.BotToken != "" {
		tn = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy, logger.Component(root, "telegram"))
		tn.Recipients = cfg.Telegram.Recipients
		dispatcher = tn
	} else {
		log.Warn("telegram not configured, notifications stay in history only")
	}

	pipe := pipeline.New(store, engine, router, mon, dispatcher, rec, pipeline.Options{}, logger.Component(root, "pipeline"))

	poller := scheduler.NewPoller(col, pipe.HandleBars, scheduler.Options{
		DefaultInterval:   cfg.Polling.DefaultInterval,
		WatchlistInterval: cfg.Polling.WatchlistInterval,
		HotInterval:       cfg.Polling.HotInterval,
		RequestDelay:      cfg.Polling.RequestDelay,
	}, logger.Component(root, "scheduler"))
	tiers := []struct {
		tier    scheduler.Tier
		symbols []string
	}{
		{scheduler.TierDefault, append(append([]string(nil), cfg.Polling.DefaultSymbols...), alertSymbols...)},
		{scheduler.TierWatchlist, cfg.Polling.WatchlistSymbols},
		{scheduler.TierHot, cfg.Polling.HotSymbols},
	}
	for _, t := range tiers {
		if err := poller.SetSymbols(t.tier, t.symbols); err != nil {
			return err
		}
	}
	mon.Register(poller, store, engine, router)

	pipeCtx, stopPipe := context.WithCancel(context.Background())
	var pipeWG sync.WaitGroup
	pipeWG.Add(1)
	go func() {
		defer pipeWG.Done()
		pipe.Run(pipeCtx)
	}()

	cl := cron.PrintfLogger(logger.Component(root, "cron"))
	flusher := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	flusher.Schedule(cron.Every(cfg.Alert.FlushInterval), cron.FuncJob(func() {
		if err := router.PersistCooldowns(ctx, cooldowns); err != nil {
			log.WithError(err).Warn("flush cooldowns failed")
		}
	}))
	flusher.Start()

	if err := poller.Start(ctx); err != nil {
		return err
	}

	if tn != nil {
		go tn.StartPolling(ctx, pipe.HandleCommand)
		log.Info("telegram polling started")
	}

	httpCtx, stopHTTP := context.WithCancel(context.Background())
	srv := api.NewServer(cfg.HTTP.Addr, cfg.HTTP.Mode, api.Deps{
		Monitor:  mon,
		Store:    store,
		Pipeline: pipe,
	}, logger.Component(root, "http"))
	httpErr := make(chan error, 1)
	go func() { httpErr <- srv.Run(httpCtx) }()

	log.WithField("symbols", len(poller.AllSymbols())).Info("MarketPulse is running")

	httpDone := false
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, stopping")
	case err := <-httpErr:
		httpDone = true
		if err != nil {
			log.WithError(err).Error("http server failed")
		}
		stop()
	}

	poller.Stop()
	<-flusher.Stop().Done()
	if err := router.PersistCooldowns(context.Background(), cooldowns); err != nil {
		log.WithError(err).Warn("persist cooldowns failed")
	}
	stopPipe()
	pipeWG.Wait()
	stopHTTP()
	if !httpDone {
		if err := <-httpErr; err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	}
	if err := rec.Close(); err != nil {
		log.WithError(err).Warn("close recorder")
	}
	log.Info("MarketPulse stopped")
	return nil
}
