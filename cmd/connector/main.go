package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fxbridge/internal/application/calendar"
	"fxbridge/internal/application/contract"
	"fxbridge/internal/application/service/commandbus"
	"fxbridge/internal/application/service/derived"
	"fxbridge/internal/application/service/history"
	"fxbridge/internal/application/service/ingest"
	"fxbridge/internal/application/service/preview"
	"fxbridge/internal/application/service/publish"
	"fxbridge/internal/application/service/reconcile"
	"fxbridge/internal/application/service/republish"
	"fxbridge/internal/application/service/session"
	"fxbridge/internal/application/service/status"
	"fxbridge/internal/application/service/tailguard"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
	"fxbridge/internal/infrastructure/bus"
	"fxbridge/internal/infrastructure/feed"
	"fxbridge/internal/infrastructure/store"
	infrahttp "fxbridge/internal/interfaces/http"
	"fxbridge/internal/observability/metrics"
)

const httpCacheTTL = 3 * time.Second

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}

	cal := calendar.New(calendar.Config{
		Tag:               cfg.Calendar.Tag,
		TZName:            cfg.Calendar.TZName,
		WeeklyOpen:        cfg.Calendar.WeeklyOpen,
		WeeklyClose:       cfg.Calendar.WeeklyClose,
		DailyBreakStart:   cfg.Calendar.DailyBreakStart,
		DailyBreakMinutes: cfg.Calendar.DailyBreakMinutes,
	})

	repo, err := store.NewRepository(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatalf("failed to init bar store: %v", err)
	}
	defer repo.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		if cfg.Redis.Required {
			logger.Fatalf("failed to connect to redis: %v", err)
		}
		logger.Warnf("redis unavailable at start: %v", err)
	}
	defer redisClient.Close()

	rbus := bus.NewRedisBus(redisClient)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	validator := contract.NewValidator(cal)
	st := status.NewManager(cfg, cal, rbus, m, logger)
	publisher := publish.NewPublisher(cfg, rbus, validator, m, logger)
	publisher.SetStatus(st)

	hist := history.NewService(cfg, feed.NewSimHistoryProvider(cal), st, m, logger)
	der := derived.NewCoordinator(cfg, repo, st, m, publisher, logger)
	ing := ingest.NewRunner(cfg, repo, hist, st, m, publisher, der, logger)
	repub := republish.NewService(cfg, repo, rbus, publisher, st, m, logger)
	guard := tailguard.NewGuard(cfg, repo, hist, publisher, repub, st, m, logger)
	finalizer := reconcile.NewFinalizer(cfg, repo, hist, publisher, st, m, logger)

	previewCache := preview.NewCache(cfg.Preview.CacheMaxBars)
	builder := preview.NewBuilder(cfg, cal, previewCache, st, m)

	tickHandler := func(ctx context.Context, tick marketdata.Tick) {
		builder.OnTick(tick.Symbol, marketdata.MidOf(tick.Bid, tick.Ask), tick.TickTSMS)
		if err := publisher.PublishTick(ctx, tick); err != nil {
			logger.WithError(err).Debug("tick publish failed")
		}
		nowMS := time.Now().UnixMilli()
		if !builder.ShouldPublish(nowMS) {
			return
		}
		for _, symbol := range cfg.Symbols {
			for tf, bars := range builder.Batches(symbol, cfg.Republish.MaxBarsPerMessage) {
				if err := publisher.PublishPreviewBatch(ctx, symbol, tf, bars); err != nil {
					logger.WithError(err).WithFields(logrus.Fields{"symbol": symbol, "tf": tf}).
						Warn("preview publish failed")
				}
			}
		}
		builder.MarkPublished(nowMS)
	}

	var adapter session.Adapter
	switch cfg.Session.Backend {
	case "sim":
		adapter = feed.NewSimAdapter(cfg, cal)
	case "replay":
		adapter = feed.NewReplayAdapter(cfg, st)
	case "disabled":
		adapter = nil
	default:
		logger.Fatalf("unknown session backend %q", cfg.Session.Backend)
	}

	cmdBus := commandbus.NewBus(cfg, validator, st, m, rbus, rbus, logger)
	commandbus.NewHandlers(cfg, repo, ing, guard, repub, der).RegisterAll(cmdBus)

	handler := infrahttp.NewHandler(cfg, repo, previewCache, st, redisClient, httpCacheTTL)
	httpServer := &http.Server{Addr: cfg.HTTP.Addr(), Handler: handler}

	scheduler := cron.New()
	registerJobs(ctx, scheduler, cfg, logger, repo, guard, finalizer)
	scheduler.Start()
	defer scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return st.Run(gctx) })
	g.Go(func() error { return cmdBus.Run(gctx) })
	if adapter != nil {
		sess := session.NewManager(cfg, cal, adapter, st, m, logger, session.TickHandler(tickHandler))
		g.Go(func() error { return sess.Run(gctx) })
	} else {
		logger.Info("session backend disabled, running command-only mode")
	}

	g.Go(func() error { return serve(gctx, httpServer, logger, "http") })
	if cfg.Metrics.Enabled {
		metricsServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		}
		g.Go(func() error { return serve(gctx, metricsServer, logger, "metrics") })
	}

	if cfg.Bootstrap.Enabled {
		g.Go(func() error {
			runBootstrap(gctx, cfg, logger, st, ing, repub, guard)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("connector stopped: %v", err)
		return
	}
	logger.Info("connector stopped")
}

// serve runs one HTTP listener until the context ends, then drains it.
func serve(ctx context.Context, server *http.Server, logger *logrus.Logger, name string) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("%s server listening on %s", name, server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("%s server shutdown error: %v", name, err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	}
}

func registerJobs(ctx context.Context, scheduler *cron.Cron, cfg *config.Config, logger *logrus.Logger, repo *store.Repository, guard *tailguard.Guard, finalizer *reconcile.Finalizer) {
	nearEvery := cfg.TailGuard.NearIntervalMinutes
	if nearEvery <= 0 {
		nearEvery = 10
	}
	_, err := scheduler.AddFunc(fmt.Sprintf("@every %dm", nearEvery), func() {
		for _, symbol := range cfg.Symbols {
			req := tailguard.Request{
				Symbol:               symbol,
				Tier:                 tailguard.TierNear,
				Repair:               true,
				RepublishAfterRepair: true,
				ReqID:                "tail_guard_near_" + uuid.NewString(),
			}
			if _, err := guard.Run(ctx, req); err != nil {
				logger.WithError(err).WithField("symbol", symbol).Warn("near tail guard failed")
			}
		}
	})
	if err != nil {
		logger.Fatalf("schedule near tail guard: %v", err)
	}

	if cfg.Reconcile.Enabled && cfg.Reconcile.AutoEnabled {
		if _, err := scheduler.AddFunc("@every 1m", func() {
			for _, symbol := range cfg.Symbols {
				finalizer.RunAuto(ctx, symbol)
			}
		}); err != nil {
			logger.Fatalf("schedule reconcile: %v", err)
		}
	}

	if cfg.RetentionDays > 0 {
		if _, err := scheduler.AddFunc("@every 24h", func() {
			for _, symbol := range cfg.Symbols {
				removed, err := repo.Trim(ctx, symbol, cfg.RetentionDays)
				if err != nil {
					logger.WithError(err).WithField("symbol", symbol).Warn("retention trim failed")
					continue
				}
				if removed > 0 {
					logger.WithFields(logrus.Fields{"symbol": symbol, "removed": removed}).
						Info("retention trim done")
				}
			}
		}); err != nil {
			logger.Fatalf("schedule retention trim: %v", err)
		}
	}
}

// runBootstrap performs the optional startup chain: warmup history,
// republish tails, then a far tail guard pass. Each step is recorded
// in the status snapshot and a failed step stops the chain.
func runBootstrap(ctx context.Context, cfg *config.Config, logger *logrus.Logger, st *status.Manager, ing *ingest.Runner, repub *republish.Service, guard *tailguard.Guard) {
	if cfg.Bootstrap.AutoWarmupOnStart {
		st.RecordBootstrapStep("warmup", "running", "")
		err := ing.Warmup(ctx, cfg.Symbols, cfg.History.WarmupLookbackDays, cfg.Derived.DefaultTFs)
		if err != nil {
			st.RecordBootstrapStep("warmup", "error", err.Error())
			logger.WithError(err).Error("bootstrap warmup failed")
			return
		}
		st.RecordBootstrapStep("warmup", "ok", "")
	}

	if cfg.Bootstrap.AutoRepublishOnStart {
		st.RecordBootstrapStep("republish", "running", "")
		for _, symbol := range cfg.Symbols {
			req := republish.Request{
				Symbol:      symbol,
				TFs:         []string{marketdata.TF1m},
				WindowHours: cfg.Republish.DefaultWindowHours,
				Force:       true,
				ReqID:       "bootstrap_republish_" + uuid.NewString(),
			}
			if _, err := repub.RepublishTail(ctx, req); err != nil {
				st.RecordBootstrapStep("republish", "error", err.Error())
				logger.WithError(err).WithField("symbol", symbol).Error("bootstrap republish failed")
				return
			}
		}
		st.RecordBootstrapStep("republish", "ok", "")
	}

	if cfg.Bootstrap.TailGuardAfter {
		st.RecordBootstrapStep("tail_guard", "running", "")
		for _, symbol := range cfg.Symbols {
			req := tailguard.Request{
				Symbol:               symbol,
				Tier:                 tailguard.TierFar,
				Repair:               true,
				RepublishAfterRepair: true,
				ReqID:                "bootstrap_tail_guard_" + uuid.NewString(),
			}
			if _, err := guard.Run(ctx, req); err != nil {
				st.RecordBootstrapStep("tail_guard", "error", err.Error())
				logger.WithError(err).WithField("symbol", symbol).Error("bootstrap tail guard failed")
				return
			}
		}
		st.RecordBootstrapStep("tail_guard", "ok", "")
	}

	logger.Info("bootstrap chain finished")
}
