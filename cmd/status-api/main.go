package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/weiawesome/streamer-status/internal/cache"
	"github.com/weiawesome/streamer-status/internal/config"
	"github.com/weiawesome/streamer-status/internal/handler"
	"github.com/weiawesome/streamer-status/internal/hub"
	"github.com/weiawesome/streamer-status/internal/metrics"
	"github.com/weiawesome/streamer-status/internal/repository"
	"github.com/weiawesome/streamer-status/internal/service"
	"github.com/weiawesome/streamer-status/internal/subscriber"
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
		ServiceName: "status-api",
		InstanceID:  cfg.Server.InstanceID,
	})
	logger := pkglog.L()
	if err := config.WatchLogLevel("./config", "config", pkglog.SetLevel); err != nil {
		logger.Debug().Err(err).Msg("config file not watched")
	}
	logger.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("starting status-api")

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

	// The bus gets its own connection: a subscribed Redis connection
	// cannot run other commands.
	bus, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create event bus")
	}
	defer bus.Close()

	h := hub.NewHub(hub.Config{
		PingInterval:   cfg.Hub.PingInterval,
		PongTimeout:    cfg.Hub.PongTimeout,
		SweepInterval:  cfg.Hub.SweepInterval,
		WriteWait:      cfg.Hub.WriteWait,
		MaxMessageSize: cfg.Hub.MaxMessageSize,
		SendBuffer:     cfg.Hub.SendBuffer,
	}, m)

	ctx, cancel := context.WithCancel(context.Background())
	ctx = pkglog.WithLogger(ctx, logger)

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		h.Run(ctx)
	}()

	sub := subscriber.New(bus, repo, h, m)
	go sub.Run(ctx)

	svc := service.NewStatusService(repo, cache.NewRedisStatusCache(rdb, cfg.Redis.KeyPrefix), map[string]service.Pinger{
		"redis":    service.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		"database": repo,
	}, service.Config{ListingTTL: cfg.Cache.ListingTTL})

	wsHandler := handler.NewWSHandler(h)
	httpHandler := handler.NewHTTPHandler(svc)

	router := mux.NewRouter()
	router.HandleFunc("/ws", wsHandler.HandleWebSocket)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	httpHandler.RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     pkglog.HTTPMiddleware(logger)(router),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("status-api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down status-api")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		cancel()     // 1. stop the bus subscriber and the hub
		<-sub.Done() // 2. no more broadcasts
		<-hubDone    // 3. every client send channel closed

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	select {
	case <-shutdownDone:
		logger.Info().Msg("status-api stopped")
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn().Dur("timeout", cfg.Server.ShutdownTimeout).Msg("shutdown timed out")
	}
}
