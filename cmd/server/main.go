package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"vehicle-tracking-service/internal/config"
	"vehicle-tracking-service/internal/db"
	httpapi "vehicle-tracking-service/internal/http"
	"vehicle-tracking-service/internal/notify"
	"vehicle-tracking-service/internal/repository"
	"vehicle-tracking-service/internal/store"
	"vehicle-tracking-service/internal/tracker"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("failed to load config")
	}

	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store backend is fixed at startup. An unreachable shared store is a
	// startup failure, never a silent switch to the in-memory store.
	var st store.Store
	switch cfg.Store.Backend {
	case config.StoreBackendRedis:
		st, err = store.NewRedisStore(ctx, cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB, log)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Store.Redis.Addr).Msg("shared store unavailable")
		}
	case config.StoreBackendMemory:
		st = store.NewMemoryStore()
		log.Warn().Msg("using single-process in-memory store, state is not shared across instances")
	}
	defer st.Close()

	var owners *repository.OwnerRepository
	if cfg.Database.DSN != "" {
		gdb, err := db.Open(cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open owner registry database")
		}
		owners = repository.NewOwnerRepository(gdb)
	} else {
		log.Info().Msg("owner registry disabled, notifications use the default chat only")
	}

	var resolver notify.OwnerResolver
	if owners != nil {
		resolver = owners
	}
	notifier := notify.NewMultiNotifier(log, resolver,
		notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, cfg.NotifyTimeout()),
		notify.NewWebhookSender(cfg.Notify.WebhookURL, cfg.NotifyTimeout()),
	)

	eng := tracker.NewTracker(st, notifier, log, cfg.TrackingWindow(), cfg.Tracking.EntryCamera, cfg.ArchiveRetention())

	reaper := tracker.NewReaper(eng, st, cfg.ReaperInterval(), log)
	reaper.Start(ctx)
	defer reaper.Stop()

	listener := tracker.NewExpiryListener(eng, st, log)
	if err := listener.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("push expiry listener unavailable, reaper polling only")
	} else {
		defer listener.Stop()
	}

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
	}))

	handler := httpapi.NewHandler(eng, owners, cfg, log)
	handler.Register(router, httpapi.JWTAuth(cfg.Auth.JWTSecret))

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("store", cfg.Store.Backend).
			Str("entry_camera", cfg.Tracking.EntryCamera).
			Dur("window", cfg.TrackingWindow()).
			Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.Log.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger
}
