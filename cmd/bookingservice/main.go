package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/fixly/internal/booking/domain"
	bookinghandler "github.com/example/fixly/internal/booking/handler"
	"github.com/example/fixly/internal/booking/otp"
	"github.com/example/fixly/internal/booking/repository"
	bookingservice "github.com/example/fixly/internal/booking/service"
	"github.com/example/fixly/internal/dispatch"
	"github.com/example/fixly/internal/notify"
	"github.com/example/fixly/internal/outbox"
	"github.com/example/fixly/internal/presence"
	"github.com/example/fixly/internal/provider"
	providerhandler "github.com/example/fixly/internal/provider/handler"
	"github.com/example/fixly/internal/rating"
	ratinghandler "github.com/example/fixly/internal/rating/handler"
	"github.com/example/fixly/pkg/observability"
)

type appConfig struct {
	HTTPAddr         string
	PostgresDSN      string
	RedisAddr        string
	NATSURL          string
	DispatchRadiusKM float64
	SearchRadiusKM   float64
	CandidateLimit   int
	PresenceTTL      time.Duration
	OtpTTL           time.Duration
	OutboxPoll       time.Duration
	OutboxBatch      int
	OutboxRetry      int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("booking-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "booking-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := loadConfig()

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		if err := repository.Migrate(ctx, db); err != nil {
			logger.Fatal("postgres migrate", zap.Error(err))
		}
		defer db.Close()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("bookingservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	bookings, providers, reviews := buildRepositories(db)
	index, registry := buildPresence(redisClient, cfg.PresenceTTL)
	codes := buildOtpStore(redisClient, cfg.OtpTTL)
	publisher := buildPublisher(db, natsConn)

	hub := notify.NewHub(logger.Named("hub"))
	notifier := notify.Fanout{hub, notify.NewNatsNotifier(natsConn)}
	lookup := provider.NewLookup(providers)

	engine, err := dispatch.New(index, registry, lookup, notifier, logger.Named("dispatch"), dispatch.Config{
		DispatchRadiusKM: cfg.DispatchRadiusKM,
		SearchRadiusKM:   cfg.SearchRadiusKM,
		CandidateLimit:   cfg.CandidateLimit,
	})
	if err != nil {
		logger.Fatal("dispatch engine", zap.Error(err))
	}

	bookingSvc := bookingservice.New(bookings, providers, engine, codes, publisher, domain.SystemClock{})
	providerSvc := provider.NewService(providers, index, registry, logger.Named("provider"), domain.SystemClock{})
	ledger := rating.NewLedger(reviews, bookings, providers, logger.Named("rating"), domain.SystemClock{})

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Logger, chimiddleware.Recoverer)
	bookinghandler.NewHTTP(bookingSvc).Mount(r)
	providerhandler.NewHTTP(providerSvc, engine).Mount(r)
	ratinghandler.NewHTTP(ledger).Mount(r)
	r.Handle("/v1/ws", hub)
	r.Mount("/observability", observability.MetricsRouter())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if db != nil && natsConn != nil {
		worker := outbox.NewWorker(db, natsConn, logger.Named("outbox"), outbox.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	go func() {
		logger.Info("booking service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func buildRepositories(db *sql.DB) (domain.BookingRepository, domain.ProviderRepository, domain.ReviewRepository) {
	if db == nil {
		return repository.NewMemoryBookingRepository(), repository.NewMemoryProviderRepository(), repository.NewMemoryReviewRepository()
	}
	return repository.NewPostgresBookingRepository(db), repository.NewPostgresProviderRepository(db), repository.NewPostgresReviewRepository(db)
}

func buildPresence(client *redis.Client, ttl time.Duration) (presence.Index, presence.Registry) {
	if client == nil {
		return presence.NewMemoryIndex(ttl, nil), presence.NewMemoryRegistry()
	}
	return presence.NewRedisIndex(client, ttl), presence.NewRedisRegistry(client)
}

func buildOtpStore(client *redis.Client, ttl time.Duration) otp.Store {
	if client == nil {
		return otp.NewMemoryStore(ttl, nil)
	}
	return otp.NewRedisStore(client, ttl)
}

// buildPublisher prefers the transactional outbox; without a database events
// go straight to NATS, and without NATS they are dropped.
func buildPublisher(db *sql.DB, natsConn *nats.Conn) domain.EventPublisher {
	if db != nil {
		return repository.NewOutboxPublisher(db, "booking.events")
	}
	return notify.NewEventPublisher(natsConn, "booking.events")
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		PostgresDSN:      firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		NATSURL:          os.Getenv("NATS_URL"),
		DispatchRadiusKM: parseFloatEnv("DISPATCH_RADIUS_KM", 3),
		SearchRadiusKM:   parseFloatEnv("SEARCH_RADIUS_KM", 5),
		CandidateLimit:   parseIntEnv("CANDIDATE_LIMIT", 50),
		PresenceTTL:      time.Duration(parseIntEnv("PRESENCE_TTL_SEC", 60)) * time.Second,
		OtpTTL:           time.Duration(parseIntEnv("OTP_TTL_HOURS", 24)) * time.Hour,
		OutboxPoll:       time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch:      parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry:      parseIntEnv("OUTBOX_RETRY_MAX", 3),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
