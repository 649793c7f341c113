package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/handler"
	"rollcall/internal/logger"
	"rollcall/internal/queue"
	"rollcall/internal/ratelimit"
	"rollcall/internal/scan"
	"rollcall/internal/store"
	"rollcall/internal/validator"
)

func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	validator.Setup()

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("api server failed")
	}
}

func run(cfg config.App, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Error().Err(err).Msg("store close failed")
		}
	}()

	repo := attendance.NewRepository(s, log)
	sum, err := repo.Migrate(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("scanned", sum.Scanned).Int("upgraded", sum.Upgraded).Int("failed", len(sum.Failed)).Msg("student records checked")

	var rdb *store.Redis
	if cfg.QueueBackend == "redis" || cfg.DebounceBackend == "redis" {
		rdb = store.NewRedis(cfg.RedisAddr)
		defer rdb.Close()
		if !rdb.Healthy(ctx) {
			log.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable, will keep retrying")
		}
	}


	var debouncer scan.Debouncer
	if cfg.DebounceBackend == "redis" {
		debouncer = scan.NewRedisDebouncer(rdb.Client, cfg.DebounceWindow)
	} else {
		debouncer = scan.NewMemoryDebouncer(cfg.DebounceWindow)
	}

	reconciler := attendance.NewReconciler(repo, cfg.Location(), cfg.LateThresholdMinutes, log)
	registry := attendance.NewRegistry(repo, log)
	service := attendance.NewService(repo, reconciler, registry, log)
	processor := scan.NewProcessor(debouncer, service, log)

	pumpDone := make(chan struct{})
	if q := scanQueue(cfg, rdb); q != nil {
		go func() {
			defer close(pumpDone)
			if err := scan.NewPump(q, processor, log).Run(ctx); err != nil {
				log.Error().Err(err).Msg("scan pump failed")
			}
		}()
	} else {
		close(pumpDone)
		log.Info().Msg("no shared scan queue, scans arrive over HTTP only")
	}

	h := handler.New(handler.Deps{
		Config:     cfg,
		Accounts:   auth.NewAccounts(s, log),
		Registry:   registry,
		Reconciler: reconciler,
		Transfer:   attendance.NewTransfer(repo, log),
		Reports:    attendance.NewReports(repo),
		Service:    service,
		Scans:      processor,
		Health: func(ctx context.Context) map[string]bool {
			_, _, err := s.Get(ctx, store.Users, "")
			checks := map[string]bool{"store": err == nil}
			if rdb != nil {
				checks["redis"] = rdb.Healthy(ctx)
			}
			return checks
		},
		Log: log,
	})
	router := handler.NewRouter(h, ratelimit.New(0, cfg.RateLimitPerMin))

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.HTTPPort).Str("store", cfg.StoreDriver).Str("queue", cfg.QueueBackend).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	log.Info().Msg("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced shutdown")
	}
	<-pumpDone

	log.Info().Msg("server exited")
	return nil
}


// scanQueue returns the queue relays publish to. Only the redis backend is
// shared with other processes; with the memory backend nothing could publish
// to it, so there is no pump.
func scanQueue(cfg config.App, rdb *store.Redis) queue.Queue {
	if cfg.QueueBackend != "redis" || rdb == nil {
		return nil
	}
	return queue.NewRedisQueue(rdb.Client, cfg.QueueKey)
}
