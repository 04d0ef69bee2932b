package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/streamer-status/internal/cache"
	"github.com/weiawesome/streamer-status/internal/checker"
	"github.com/weiawesome/streamer-status/internal/config"
	"github.com/weiawesome/streamer-status/internal/domain"
	"github.com/weiawesome/streamer-status/internal/events"
	"github.com/weiawesome/streamer-status/internal/handler"
	"github.com/weiawesome/streamer-status/internal/metrics"
	"github.com/weiawesome/streamer-status/internal/platform"
	"github.com/weiawesome/streamer-status/internal/queue"
	"github.com/weiawesome/streamer-status/internal/repository"
	"github.com/weiawesome/streamer-status/internal/scheduler"
	"github.com/weiawesome/streamer-status/internal/service"
	"github.com/weiawesome/streamer-status/pkg/database"
	pkglog "github.com/weiawesome/streamer-status/pkg/log"
	"github.com/weiawesome/streamer-status/pkg/pubsub"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "status-worker",
		InstanceID:  cfg.Server.InstanceID,
	})
	logger := pkglog.L()
	if err := config.WatchLogLevel("./config", "config", pkglog.SetLevel); err != nil {
		logger.Debug().Err(err).Msg("config file not watched")
	}
	logger.Info().Strs("platforms", platformNames(cfg.EnabledPlatforms())).Msg("starting status-worker")

	m := metrics.New()

	rdb, err := cache.Dial(context.Background(), cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()

	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	repo := repository.NewGormStreamerRepository(db)
	if err := repo.Migrate(); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	bus, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create event bus")
	}
	defer bus.Close()

	statusCache := cache.NewRedisStatusCache(rdb, cfg.Redis.KeyPrefix)
	clients := platform.NewClients(cfg.Platforms, platform.NewHTTPClient(cfg.Platforms.Timeout))

	scheduleQueue := queue.New(rdb, queueConfig(cfg.Queue.Schedule, cfg.Redis.KeyPrefix), m)
	checkQueue := queue.New(rdb, queueConfig(cfg.Queue.Check, cfg.Redis.KeyPrefix), m)

	sched := scheduler.New(repo, checkQueue, scheduler.Config{OnlyIDs: cfg.Scheduler.OnlyIDs})
	check := checker.New(repo, statusCache, clients, events.NewPublisher(bus), m, checker.Config{
		PlatformTimeout:   cfg.Checker.PlatformTimeout,
		ObservationTTL:    cfg.Checker.ObservationTTL,
		Priority:          cfg.Checker.Priority,
		PublishAllChanges: cfg.Checker.PublishAllChanges,
	})

	ctx, cancel := context.WithCancel(context.Background())
	ctx = pkglog.WithLogger(ctx, logger)

	recurring := queue.NewRecurring(rdb, cfg.Redis.KeyPrefix)
	if err := recurring.Register(ctx, queue.Schedule{
		Name:  domain.TaskScheduleCheck,
		Every: cfg.Scheduler.Interval,
		Queue: scheduleQueue,
	}); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("failed to register check schedule")
	}

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	run(recurring.Run)
	run(queue.NewWorker(scheduleQueue, sched.Handle, m).Run)
	run(queue.NewWorker(checkQueue, check.Handle, m).Run)

	health := service.NewStatusService(repo, statusCache, map[string]service.Pinger{
		"redis":    service.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		"database": repo,
	}, service.Config{ListingTTL: cfg.Cache.ListingTTL})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), pkglog.GinMiddleware(logger))
	handler.NewAdminHandler([]*queue.Queue{scheduleQueue, checkQueue}, health, m.Handler()).RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.AdminPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("status-worker admin listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("admin server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down status-worker")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		cancel() // stop polling; in-flight tasks finish
		wg.Wait()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("admin server shutdown error")
		}
	}()

	select {
	case <-shutdownDone:
		logger.Info().Msg("status-worker stopped")
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn().Dur("timeout", cfg.Server.ShutdownTimeout).Msg("shutdown timed out")
	}
}

func queueConfig(q config.QueueConfig, prefix string) queue.Config {
	return queue.Config{
		Name:          q.Name,
		KeyPrefix:     prefix,
		Concurrency:   q.Concurrency,
		RatePerSecond: q.RatePerSecond,
		MaxAttempts:   q.MaxAttempts,
		BackoffBase:   q.BackoffBase,
		BackoffMax:    q.BackoffMax,
		TaskTimeout:   q.TaskTimeout,
		PollTimeout:   q.PollTimeout,
	}
}

func platformNames(ps []domain.Platform) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
