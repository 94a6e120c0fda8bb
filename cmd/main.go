package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsgw "github.com/vendorhub/review-engine/internal/adapter/gateway/natsgw"
	natsAdapter "github.com/vendorhub/review-engine/internal/adapter/messaging/nats"
	mongoStore "github.com/vendorhub/review-engine/internal/adapter/repository/mongodb"

	"github.com/vendorhub/review-engine/internal/config"
	"github.com/vendorhub/review-engine/internal/engine"
	"github.com/vendorhub/review-engine/internal/mutation"
	"github.com/vendorhub/review-engine/internal/platform/logger"
	"github.com/vendorhub/review-engine/internal/platform/metrics"
	"github.com/vendorhub/review-engine/internal/platform/tracer"
	syncengine "github.com/vendorhub/review-engine/internal/sync"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const serviceName = "review-engine"

func main() {
	// Load .env file (optional, for local development).
	if err := godotenv.Load(); err != nil {
		fmt.Printf("INFO: .env file not found or error loading: %v. Relying on OS environment variables.\n", err)
	}

	// 1. Initialize Logger
	appLogger := logger.NewLogger(nil)
	appLogger.Info("Application starting...", zap.String("service_name", serviceName))

	// 2. Load Configuration
	cfg, err := config.LoadConfig(appLogger)
	if err != nil {
		appLogger.Fatal("Failed to load configuration", zap.Error(err))
	}
	appLogger.Info("Configuration loaded successfully",
		zap.Bool("mongo_uri_set", cfg.MongoURI != ""),
		zap.String("nats_url", cfg.NATSURL),
		zap.String("prometheus_port", cfg.PrometheusMetricsPort),
		zap.Strings("vendors", cfg.VendorIDs()),
	)

	// 3. Initialize OpenTelemetry Tracer
	if cfg.OTLPEndpoint != "" {
		tp := tracer.InitTracer(serviceName, cfg.OTLPEndpoint, appLogger)
		defer func() {
			appLogger.Info("Shutting down tracer provider...")
			ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			if err := tp.Shutdown(ctxShutdown); err != nil {
				appLogger.Error("Failed to shutdown tracer provider", zap.Error(err))
			}
		}()
		appLogger.Info("OpenTelemetry Tracer initialized.")
	} else {
		appLogger.Info("OpenTelemetry Tracer not initialized (OTEL_EXPORTER_OTLP_ENDPOINT not set).")
	}

	// 4. Connect to MongoDB (the local cache)
	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		appLogger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	defer func() {
		appLogger.Info("Disconnecting from MongoDB...")
		if err = mongoClient.Disconnect(context.Background()); err != nil {
			appLogger.Error("Error disconnecting from MongoDB", zap.Error(err))
		}
	}()
	ctxPing, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err = mongoClient.Ping(ctxPing, nil); err != nil {
		appLogger.Fatal("Failed to ping MongoDB", zap.Error(err))
	}
	appLogger.Info("Successfully connected and pinged MongoDB.")
	db := mongoClient.Database(cfg.MongoDatabase)

	// 5. Initialize NATS: notice publisher + remote gateway connection
	natsPublisher, err := natsAdapter.NewPublisher(cfg.NATSURL, appLogger, serviceName)
	if err != nil {
		appLogger.Fatal("Failed to initialize NATS publisher", zap.Error(err))
	}
	defer natsPublisher.Close()

	gatewayConn, err := nats.Connect(cfg.NATSURL, nats.Name(serviceName+" remote gateway"))
	if err != nil {
		appLogger.Fatal("Failed to connect NATS remote gateway", zap.Error(err))
	}
	defer gatewayConn.Close()
	gateway := natsgw.NewGateway(gatewayConn, cfg.SyncPageSize, appLogger)
	appLogger.Info("NATS publisher and remote gateway initialized.")

	// 6. Initialize the Review Store
	reviewStore, err := mongoStore.NewStore(db, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize review store", zap.Error(err))
	}
	appLogger.Info("Review store initialized.")

	// 7. Metrics
	metricsManager := metrics.NewMetricsManager(cfg.ServiceName)

	// 8. Wire the engine
	eng := engine.New(engine.Options{
		Store:     reviewStore,
		Gateway:   gateway,
		Logger:    appLogger,
		Metrics:   metricsManager,
		Publisher: natsPublisher,
		Sync: syncengine.Options{
			PageSize:          cfg.SyncPageSize,
			BackoffInitial:    cfg.BackoffInitial,
			BackoffMax:        cfg.BackoffMax,
			BackoffMaxElapsed: cfg.BackoffMaxElapsed,
		},
		Mutation: mutation.Options{
			BackoffInitial: cfg.BackoffInitial,
			BackoffMax:     cfg.BackoffMax,
		},
	})
	appLogger.Info("Review engine initialized.")

	// 9. Background sync for the configured vendors
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	if vendors := cfg.VendorIDs(); len(vendors) > 0 {
		go eng.RunPeriodicSync(runCtx, vendors, cfg.SyncInterval)
		appLogger.Info("Periodic sync started", zap.Duration("interval", cfg.SyncInterval))
	} else {
		appLogger.Warn("No vendors configured, engine will only sync on demand.")
	}

	// Drain notices into the log; the NATS publisher already forwards them
	// to interested consumers.
	go func() {
		for notice := range eng.Notices() {
			appLogger.Info("Engine notice",
				zap.String("kind", string(notice.Kind)),
				zap.String("vendor_id", notice.VendorID),
				zap.String("review_id", notice.ReviewID),
				zap.String("reason", notice.Reason))
		}
	}()

	// 10. Start Prometheus Metrics Server
	if cfg.PrometheusMetricsPort != "" {
		go func() {
			appLogger.Info("Starting Prometheus metrics server", zap.String("port", cfg.PrometheusMetricsPort))
			if err := metrics.StartMetricsServer(cfg.PrometheusMetricsPort, appLogger, metricsManager.Registry); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error("Prometheus metrics server failed", zap.Error(err))
			}
		}()
	}

	// 11. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	appLogger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	cancelRun()
	ctxClose, cancelClose := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelClose()
	if err := eng.Close(ctxClose); err != nil {
		appLogger.Error("Engine shutdown error", zap.Error(err))
	}
	appLogger.Info("Application shutting down...")
}
