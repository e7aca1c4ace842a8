package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cctv-monitor/pkg/cachedstats"
	"cctv-monitor/pkg/config"
	"cctv-monitor/pkg/database"
	"cctv-monitor/pkg/eventstore"
	"cctv-monitor/pkg/handlers"
	"cctv-monitor/pkg/jobs"
	"cctv-monitor/pkg/logger"
	"cctv-monitor/pkg/models"
	"cctv-monitor/pkg/notify"
	"cctv-monitor/pkg/server"
	"cctv-monitor/pkg/services/events"
	"cctv-monitor/pkg/services/matcher"
	"cctv-monitor/pkg/services/retention"
	"cctv-monitor/pkg/videoindex"
	"cctv-monitor/pkg/worker"
)

const statsInterval = 30 * time.Second

func main() {
	if err := config.LoadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := config.AppConfig

	log, err := logger.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("Monitor stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.InitDB(cfg.DataDir); err != nil {
		return err
	}
	if err := database.EnsureAdmin(cfg.AdminPassword); err != nil {
		return err
	}

	queue := jobs.NewQueue(database.GetDB())
	if n, err := queue.ResetRunning(); err != nil {
		return err
	} else if n > 0 {
		log.Info("Requeued interrupted jobs", zap.Int64("count", n))
	}

	index := videoindex.New(cfg.DataDir, cfg.VideosDir, cfg.VideoExtension, cfg.VideoLookbackDays)
	index.Workers = cfg.ScanWorkers
	store := eventstore.New(cfg.EventsPath(), log.Named("eventstore"))
	hub := notify.NewHub(log.Named("notify"))

	m := matcher.New(index, store, log.Named("matcher"),
		matcher.WithTolerance(cfg.MatchTolerance(), cfg.FallbackTolerance()),
		matcher.WithOnAttach(func(ev models.Event) {
			hub.Publish(notify.EventNotification(models.NotifyVideoAttached, ev))
		}))

	sweeper := retention.New(index, m, store, log.Named("retention"))
	sweeper.OnDelete = func(ev models.Event) {
		hub.Publish(notify.EventNotification(models.NotifyEventDeleted, ev))
	}

	svc := events.New(store, m, sweeper, hub, queue, events.Options{
		LateResponse:  time.Duration(cfg.LateResponseMinutes) * time.Minute,
		RetentionDays: cfg.RetentionDays,
		MatchTimeout:  cfg.MatchTimeout(),
		SweepTimeout:  cfg.SweepTimeout(),
	}, log.Named("events"))

	// Start background workers and schedulers
	stats := cachedstats.New(store, cfg.DataDir, filepath.Join(cfg.DataDir, cfg.VideosDir), cfg.VideoExtension)
	stats.RunUpdater(ctx, statsInterval)

	w := worker.New(queue, svc, time.Duration(cfg.WorkerPollSec)*time.Second, log.Named("worker"))
	go w.Start(ctx)
	go worker.RunScheduler(ctx, queue, cfg.SweepHour, log.Named("scheduler"))

	if cfg.WebhookURL != "" {
		go notify.NewWebhook(cfg.WebhookURL, log.Named("webhook")).Run(ctx, hub)
	}

	log.Info("Monitor started",
		zap.String("data_dir", cfg.DataDir),
		zap.String("events_file", cfg.EventsPath()),
		zap.Int("retention_days", cfg.RetentionDays),
		zap.Int("sweep_hour", cfg.SweepHour))

	router := server.SetupRouter(&handlers.Handlers{
		Events: svc,
		Hub:    hub,
		Stats:  stats,
		Logger: log.Named("http"),
	}, log.Named("http"))
	return server.StartServer(ctx, cfg.ListenAddr, router, log)
}
