// Package app wires configuration into a ready scraper and HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fare-scraper/internal/api"
	"fare-scraper/internal/config"
	"fare-scraper/internal/database"
	"fare-scraper/internal/lock"
	"fare-scraper/internal/logger"
	"fare-scraper/internal/metrics"
	"fare-scraper/internal/notify"
	"fare-scraper/internal/schedule"
	"fare-scraper/internal/services/monitor"
	"fare-scraper/internal/services/obilet"
	"fare-scraper/internal/services/scraper"
	"fare-scraper/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const shutdownTimeout = 30 * time.Second

// App holds the wired components of one process.
type App struct {
	Config   *config.Config
	Log      logger.Logger
	DB       *gorm.DB
	Store    store.Store
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Hub      *notify.Hub
	Scraper  *scraper.Scraper

	redis *redis.Client
}

// New builds every component from cfg. A configured but unreachable Redis
// is an error.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, err := database.Initialize(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	mon := monitor.New(m, log)
	client := obilet.NewClient(obilet.Config{
		APIKey:         cfg.ScrapingBeeAPIKey,
		ProxyURL:       cfg.ScrapingBeeURL,
		BaseURL:        cfg.ObiletBaseURL,
		Timeout:        cfg.RequestTimeout,
		RequestsPerSec: cfg.RateLimitRPS,
	}, mon, log)

	hub := notify.NewHub(log)
	telegram := notify.NewTelegram(notify.TelegramConfig{
		APIURL:         cfg.TelegramAPIURL,
		BotToken:       cfg.TelegramBotToken,
		OperatorChatID: cfg.TelegramChatID,
		Timeout:        30 * time.Second,
	}, log)
	if !telegram.Enabled() {
		log.Warn("TELEGRAM_BOT_TOKEN not set, alerts are stored and broadcast only")
	}

	s := store.NewGormStore(db)
	sc := scraper.New(scraper.Config{
		MaxWorkers:           cfg.MaxWorkers,
		MaxRetries:           cfg.MaxRetries,
		RetryBaseDelay:       cfg.RetryBaseDelay,
		HistoryRetentionDays: cfg.HistoryRetentionDays,
		PreserveOnEmpty:      cfg.PreserveOnEmpty,
		Location:             cfg.Location(),
	}, s, client, mon, notify.Multi{telegram, hub}, m, log)

	a := &App{
		Config:   cfg,
		Log:      log,
		DB:       db,
		Store:    s,
		Registry: reg,
		Metrics:  m,
		Hub:      hub,
		Scraper:  sc,
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			a.closeDB()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		a.redis = rdb
		sc.SetLocker(lock.NewRedisLocker(rdb, cfg.RunLockTTL, log))
		log.Info("Cross-process run lock enabled", logger.String("redis", cfg.RedisAddr))
	}

	return a, nil
}

// Router builds the HTTP surface; runs it starts end with runCtx.
func (a *App) Router(runCtx context.Context) *gin.Engine {
	if a.Config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return api.NewRouter(api.RouterOptions{
		Options: api.Options{
			Runner:   a.Scraper,
			Store:    a.Store,
			Location: a.Config.Location(),
			Log:      a.Log,
			RunCtx:   runCtx,
		},
		Gatherer:  a.Registry,
		WebSocket: a.Hub,
	})
}

// NewScheduler registers the configured cron expression.
func (a *App) NewScheduler(ctx context.Context) (*schedule.Scheduler, error) {
	sched := schedule.New(ctx, a.Scraper, a.Config.Location(), a.Log)
	if _, err := sched.Schedule(a.Config.Schedule); err != nil {
		return nil, err
	}
	return sched, nil
}

// Serve runs the HTTP server and the scheduler until ctx is cancelled, then
// shuts both down and waits for an in-flight run to stop.
func (a *App) Serve(ctx context.Context) error {
	sched, err := a.NewScheduler(ctx)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + a.Config.Port,
		Handler:           a.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Log.Info("Server starting", logger.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	sched.Start()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		sched.Stop()
		return fmt.Errorf("http server: %w", err)
	}

	a.Log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Log.Warn("HTTP shutdown failed", logger.Error(err))
	}
	sched.Stop()
	return nil
}

// Close releases Redis and the database pool.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Log.Warn("Closing redis failed", logger.Error(err))
		}
	}
	a.closeDB()
}

func (a *App) closeDB() {
	if a.DB == nil {
		return
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// LoadEnv reads .env when present, then the process environment, and builds
// the logger for the resulting config.
func LoadEnv() (*config.Config, logger.Logger, error) {
	envErr := godotenv.Load()

	cfg := config.Load()
	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.Environment != "production",
	})
	if err != nil {
		return nil, nil, err
	}
	if envErr != nil {
		log.Debug("No .env file found")
	}
	return cfg, log, nil
}
