package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"qms/clinic-queue/internal/config"
	"qms/clinic-queue/internal/display"
	"qms/clinic-queue/internal/httpapi"
	"qms/clinic-queue/internal/hub"
	"qms/clinic-queue/internal/logging"
	"qms/clinic-queue/internal/notify"
	"qms/clinic-queue/internal/queue"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/postgres"
	"qms/clinic-queue/internal/store/sqlite"
	"qms/clinic-queue/internal/telemetry"
	"qms/clinic-queue/internal/view"
)

const serviceName = "clinic-queue"

func main() {
	cfg := config.Load()
	logging.Init(serviceName, cfg.Env, cfg.LogLevel)

	shutdownTelemetry := telemetry.Setup(telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Env,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticketStore, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open ticket store")
	}
	defer closeStore()

	live := view.New(ticketStore, view.Options{
		Window:       cfg.ViewWindow,
		PollInterval: cfg.ViewPollInterval,
	})
	engine := queue.NewEngine(ticketStore, live)

	h := hub.New()
	expvar.Publish("realtime_clients", expvar.Func(func() interface{} { return h.ClientCount() }))
	announcer := display.NewAnnouncer(h, cfg.HistoryLimit)
	detach := announcer.Attach(live)
	defer detach()

	viewDone := make(chan struct{})
	go func() {
		defer close(viewDone)
		if err := live.Run(ctx); err != nil {
			log.Error().Err(err).Msg("live view stopped")
		}
	}()

	if cfg.Retention > 0 && cfg.RetentionScanInterval > 0 {
		go runRetention(ctx, ticketStore, cfg.Retention, cfg.RetentionScanInterval)
	}

	handler := httpapi.NewHandler(engine, httpapi.Options{
		HistoryLimit: cfg.HistoryLimit,
		Realtime:     httpapi.NewRealtimeHandler("/realtime", h),
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:      cfg.RateLimitPerMinute,
		IPBurst:          cfg.RateLimitBurst,
		StationPerMinute: cfg.StationRateLimitPerMinute,
		StationBurst:     cfg.StationRateLimitBurst,
	})

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(handler.Routes())), serviceName),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Str("driver", cfg.StoreDriver).Msg("clinic-queue listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	<-viewDone
}

// openStore builds the configured ticket store and its change notification
// path. The returned close function releases everything it opened.
func openStore(ctx context.Context, cfg config.Config) (store.TicketStore, func(), error) {
	var notifier notify.Notifier
	switch cfg.NotifyBackend {
	case config.NotifyBackendStore:
	case config.NotifyBackendRedis:
		redisNotifier, err := notify.NewRedis(ctx, notify.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.RedisChannel,
		})
		if err != nil {
			return nil, nil, err
		}
		notifier = redisNotifier
	default:
		return nil, nil, fmt.Errorf("unknown notify backend %q", cfg.NotifyBackend)
	}
	closeNotifier := func() {
		if notifier != nil {
			_ = notifier.Close()
		}
	}

	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			closeNotifier()
			return nil, nil, errors.New("DB_DSN is required for the postgres store")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			closeNotifier()
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		var st store.TicketStore = postgres.NewStore(pool, postgres.Options{})
		if notifier != nil {
			st = notify.Wrap(st, notifier)
		}
		return st, func() {
			closeNotifier()
			pool.Close()
		}, nil
	case config.StoreDriverSQLite:
		st, err := sqlite.Open(cfg.SQLitePath, notifier)
		if err != nil {
			closeNotifier()
			return nil, nil, err
		}
		return st, func() {
			closeNotifier()
			_ = st.Close()
		}, nil
	default:
		closeNotifier()
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// runRetention periodically drops finished tickets older than retention.
func runRetention(ctx context.Context, st store.TicketStore, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneOnce(ctx, st, retention)
		}
	}
}

func pruneOnce(ctx context.Context, st store.TicketStore, retention time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	removed, err := st.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		log.Error().Err(err).Msg("retention prune")
		return
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("retention prune")
	}
}
