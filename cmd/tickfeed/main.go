package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fxbridge/internal/application/calendar"
	"fxbridge/internal/application/contract"
	"fxbridge/internal/application/service/publish"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
	"fxbridge/internal/infrastructure/bus"
	"fxbridge/internal/infrastructure/feed"
)

// tickfeed is a standalone tick source. It runs the simulated feed and
// either publishes validated ticks on the Redis price channel (default)
// or appends them as JSONL replay records to FXCM_TICKFEED_OUT, in the
// format the replay session backend reads back.
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

	adapter := feed.NewSimAdapter(cfg, cal)
	if err := adapter.Connect(ctx); err != nil {
		logger.Fatalf("connect sim feed: %v", err)
	}
	defer adapter.Close()
	if err := adapter.SubscribeOffers(ctx); err != nil {
		logger.Fatalf("subscribe sim feed: %v", err)
	}

	outPath := strings.TrimSpace(os.Getenv("FXCM_TICKFEED_OUT"))

	var sink func(ctx context.Context, tick marketdata.Tick) error
	if outPath != "" {
		file, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Fatalf("open replay file: %v", err)
		}
		defer file.Close()
		writer := bufio.NewWriter(file)
		defer writer.Flush()
		sink = jsonlSink(writer)
		logger.WithField("path", outPath).Info("tickfeed writing replay file")
	} else {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()

		publisher := publish.NewPublisher(cfg, bus.NewRedisBus(redisClient), contract.NewValidator(cal), nil, logger)
		sink = publisher.PublishTick
		logger.WithField("channel", cfg.ChPriceTick()).Info("tickfeed publishing to redis")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case tick, ok := <-adapter.Ticks():
				if !ok {
					return nil
				}
				if err := sink(gctx, tick); err != nil {
					logger.WithError(err).Warn("tick sink failed")
				}
			}
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Errorf("tickfeed stopped: %v", err)
		return
	}
	logger.Info("tickfeed stopped")
}

type replayRecord struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Mid    float64 `json:"mid"`
	TickTS int64   `json:"tick_ts"`
	SnapTS int64   `json:"snap_ts"`
}

func jsonlSink(writer *bufio.Writer) func(ctx context.Context, tick marketdata.Tick) error {
	return func(_ context.Context, tick marketdata.Tick) error {
		record := replayRecord{
			Symbol: tick.Symbol,
			Bid:    tick.Bid,
			Ask:    tick.Ask,
			Mid:    marketdata.MidOf(tick.Bid, tick.Ask),
			TickTS: tick.TickTSMS,
			SnapTS: tick.SnapTSMS,
		}
		line, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			return err
		}
		return writer.Flush()
	}
}
