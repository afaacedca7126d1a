package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/fixly/internal/booking/repository"
	"github.com/example/fixly/internal/location"
	"github.com/example/fixly/internal/presence"
	"github.com/example/fixly/internal/provider"
	"github.com/example/fixly/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("location-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "location-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	index, registry := buildPresence(ctx, logger)
	providers := repository.NewMemoryProviderRepository()
	sink := provider.NewService(providers, index, registry, logger.Named("provider"), nil)
	observer := location.NewObserver(sink)

	go runREST(logger, observer)
	go runGRPC(logger, observer)

	<-ctx.Done()
	logger.Info("shutdown signal received")
}

func runREST(logger *zap.Logger, observer *location.Observer) {
	r := chi.NewRouter()
	r.Get("/v1/locations/{userID}", func(w http.ResponseWriter, req *http.Request) {
		userID, err := uuid.Parse(chi.URLParam(req, "userID"))
		if err != nil {
			http.Error(w, "invalid userID", http.StatusBadRequest)
			return
		}
		snap, ok := observer.Latest(userID)
		if !ok {
			http.Error(w, "no location", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lat":` + formatFloat(snap.Point.Lat) + `,"lng":` + formatFloat(snap.Point.Lng) + `}`))
	})
	r.Mount("/observability", observability.MetricsRouter())

	srv := &http.Server{Addr: getenv("HTTP_ADDR", ":8081"), Handler: r, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("location REST listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("location rest server", zap.Error(err))
	}
}

func runGRPC(logger *zap.Logger, observer *location.Observer) {
	lis, err := net.Listen("tcp", getenv("GRPC_ADDR", ":9090"))
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}

	srv := grpc.NewServer()
	location.RegisterLocationServer(srv, location.NewServer(observer, logger.Named("stream")))
	logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil {
		logger.Fatal("grpc serve", zap.Error(err))
	}
}

func buildPresence(ctx context.Context, logger *zap.Logger) (presence.Index, presence.Registry) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return presence.NewMemoryIndex(presence.DefaultTTL, nil), presence.NewMemoryRegistry()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed, using in-memory presence", zap.Error(err))
		_ = client.Close()
		return presence.NewMemoryIndex(presence.DefaultTTL, nil), presence.NewMemoryRegistry()
	}
	return presence.NewRedisIndex(client, presence.DefaultTTL), presence.NewRedisRegistry(client)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
