package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"messageexchange/api/internal/app"
	"messageexchange/api/internal/config"
	"messageexchange/api/internal/sequence"
	"messageexchange/api/internal/store"
	"messageexchange/api/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Setup(telemetry.Settings{
		Exporter:       cfg.OTelExporter,
		ServiceName:    "messageexchange-api",
		MetricInterval: cfg.OTelMetricInterval,
		Writer:         os.Stdout,
	})
	if err != nil {
		log.Fatalf("telemetry setup failed: %v", err)
	}
	log.Printf("OpenTelemetry exporter: %s", cfg.OTelExporter)

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	log.Printf("Applied %d migration(s)", applied)

	dataStore := store.NewPostgresStore(db)

	var allocator sequence.Allocator
	switch cfg.SequenceBackend {
	case config.SequenceBackendRedis:
		log.Printf("Using Redis for sequence allocation")
		redisAllocator, err := sequence.NewRedisAllocator(cfg.RedisURL, sequence.WithFloor(
			func(ctx context.Context, tenant sequence.TenantKey) (int64, error) {
				return dataStore.MaxSequenceNumber(ctx, tenant.Namespace, tenant.MunicipalityID)
			},
		))
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisAllocator.Close()
		allocator = redisAllocator
	case config.SequenceBackendPostgres:
		log.Printf("Using PostgreSQL for sequence allocation (max %d attempts)", cfg.SequenceMaxAttempts)
		allocator = sequence.NewPostgresAllocator(db, cfg.SequenceMaxAttempts)
	default:
		log.Fatalf("unknown SEQUENCE_BACKEND %q", cfg.SequenceBackend)
	}

	service := app.New(cfg, dataStore, allocator)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Message exchange API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Printf("telemetry shutdown error: %v", err)
	}
}
