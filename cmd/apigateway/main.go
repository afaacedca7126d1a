package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/fixly/internal/auth"
	ratelimitmw "github.com/example/fixly/internal/http/middleware"
	"github.com/example/fixly/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("api-gateway")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "api-gateway")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	bookingURL := getenv("BOOKING_SERVICE_URL", "http://localhost:8080")
	locationURL := getenv("LOCATION_SERVICE_URL", "http://localhost:8081")
	jwtSecret := getenv("JWT_SECRET", "dev-secret")
	issuer := auth.NewIssuer(jwtSecret, 24*time.Hour)

	redisClient := newRedisClient(ctx, logger)
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	var limiter *ratelimitmw.RateLimiter
	if redisClient != nil {
		limiter = ratelimitmw.NewRateLimiter(redisClient, ratelimitmw.RateConfig{
			Rate:  parseFloatEnv("RATE_READ_RPS", 50),
			Burst: parseFloatEnv("RATE_READ_BURST", 100),
		}, ratelimitmw.RateConfig{
			Rate:  parseFloatEnv("RATE_WRITE_RPS", 10),
			Burst: parseFloatEnv("RATE_WRITE_BURST", 20),
		})
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Logger, chimiddleware.Recoverer)
	if limiter != nil {
		r.Use(limiter.Middleware)
	}
	r.Mount("/observability", observability.MetricsRouter())
	r.Get("/docs", swaggerHandler)
	r.Get("/docs/", swaggerHandler)
	r.Get("/docs/index.html", swaggerHandler)
	r.Get("/docs/openapi.yaml", openAPIHandler)
	r.Post("/v1/auth/token", tokenHandler(issuer))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwtSecret, auth.RoleCustomer, auth.RoleProvider))
		r.Mount("/v1/bookings", http.StripPrefix("/v1/bookings", proxy(bookingURL+"/v1/bookings")))
		r.Mount("/v1/providers", http.StripPrefix("/v1/providers", proxy(bookingURL+"/v1/providers")))
		r.Mount("/v1/reviews", http.StripPrefix("/v1/reviews", proxy(bookingURL+"/v1/reviews")))
		r.Mount("/v1/locations", http.StripPrefix("/v1/locations", proxy(locationURL+"/v1/locations")))
	})

	srv := &http.Server{Addr: getenv("HTTP_ADDR", ":8088"), Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("api gateway listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// tokenHandler mints dev tokens. Production deployments put a real identity
// provider in front and disable this route.
func tokenHandler(issuer *auth.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			UserID string `json:"user_id"`
			Role   string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		userID, err := uuid.Parse(payload.UserID)
		if err != nil {
			http.Error(w, "invalid user_id", http.StatusBadRequest)
			return
		}
		if payload.Role != auth.RoleCustomer && payload.Role != auth.RoleProvider {
			http.Error(w, "invalid role", http.StatusBadRequest)
			return
		}
		token, err := issuer.Sign(userID, payload.Role)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
	}
}

func proxy(target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url := target + r.URL.Path
		if r.URL.RawQuery != "" {
			url += "?" + r.URL.RawQuery
		}
		req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		req.Header = r.Header.Clone()
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}

func copyHeader(dst, src http.Header) {
	for k, v := range src {
		vv := make([]string, len(v))
		copy(vv, v)
		dst[k] = vv
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
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

func newRedisClient(ctx context.Context, logger *zap.Logger) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
