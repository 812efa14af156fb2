package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callline-platform/internal/calls"
	"callline-platform/internal/config"
	"callline-platform/internal/dialogue"
	"callline-platform/internal/engine"
	"callline-platform/internal/live"
	"callline-platform/internal/recap"
	"callline-platform/internal/reporting"
	"callline-platform/internal/telephony"
	"callline-platform/pkg/logger"
	"callline-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional .env for local development; real deployments set env directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store := calls.NewPostgresStore(db, rdb)
	if err := store.EnsureSchema(rootCtx); err != nil {
		log.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	ctrl := telephony.NewTwilioController(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)
	generator := recap.NewHTTPGenerator(cfg.Recap.GeneratorURL)

	metrics := engine.NewMetrics(prometheus.DefaultRegisterer)
	engines := engine.NewManager(store, generator, engine.Config{
		ReconcileInterval: cfg.Engine.ReconcileInterval,
		StaleAfter:        cfg.Engine.StaleAfter,
		AnsweredTooLong:   cfg.Engine.AnsweredTooLong,
	}, log, metrics)
	defer engines.Close()

	turns := dialogue.NewTurnService(store, ctrl, log)
	turns.SilenceTimeout = cfg.Engine.SilenceTimeout

	deps := &apiDeps{
		cfg:     cfg,
		log:     log,
		store:   store,
		ctrl:    ctrl,
		engines: engines,
		turns:   turns,
		reports: reporting.NewService(store),
		feed:    live.NewFeedHandler(store, log),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
