package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/maneesh/drivebridge/internal/bridge"
	"github.com/maneesh/drivebridge/internal/config"
	"github.com/maneesh/drivebridge/internal/dav"
	"github.com/maneesh/drivebridge/internal/metrics"
	"github.com/maneesh/drivebridge/internal/quota"
	"github.com/maneesh/drivebridge/internal/session"
	"github.com/maneesh/drivebridge/internal/storage"
	"github.com/maneesh/drivebridge/internal/tracing"
)

func main() {
	log.Println("Starting drivebridge service...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Service: %s, Port: %s", cfg.ServiceName, cfg.ServicePort)

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	// Initialize MinIO client
	log.Println("Connecting to MinIO...")
	blobStore, err := storage.NewMinioClient(
		cfg.MinIOEndpoint,
		cfg.MinIOAccessKey,
		cfg.MinIOSecretKey,
		cfg.MinIOBucketName,
		cfg.MinIOUseSSL,
	)
	if err != nil {
		log.Fatalf("Failed to initialize MinIO client: %v", err)
	}
	log.Println("MinIO client initialized")

	// Initialize MySQL client
	log.Println("Connecting to MySQL...")
	repo, err := storage.NewMySQLClient(cfg.GetDSN())
	if err != nil {
		log.Fatalf("Failed to initialize MySQL client: %v", err)
	}
	defer repo.Close()
	repo.SetDefaultQuota(int64(cfg.DefaultQuotaGB) << 30)
	log.Println("MySQL client initialized")

	// Initialize Redis client
	log.Println("Connecting to Redis...")
	redisClient, err := storage.NewRedisClient(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Failed to initialize Redis client: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis client initialized")

	// Wire the bridge components
	enforcer := quota.NewEnforcer(repo, redisClient)
	sessions := session.NewManager(repo, cfg.SessionCeiling, time.Duration(cfg.SessionIdleMinutes)*time.Minute)
	coordinator := bridge.NewCoordinator(repo, blobStore, redisClient, redisClient, enforcer, bridge.Options{
		PresignThresholdBytes:   int64(cfg.PresignThresholdMB) << 20,
		PresignTTL:              time.Duration(cfg.PresignTTLMinutes) * time.Minute,
		ResumableThresholdBytes: int64(cfg.ResumableThresholdMB) << 20,
		UploadTTL:               time.Duration(cfg.UploadTTLHours) * time.Hour,
	})

	// Setup HTTP router
	router := mux.NewRouter()
	router.Use(metrics.Middleware)

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	// Protocol tree
	dav.NewHandler(coordinator, repo, sessions).Register(router)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server listening on port %s", cfg.ServicePort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
