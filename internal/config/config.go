package config

import (
	"strings"
	"time"

	"github.com/vendorhub/review-engine/internal/platform/logger"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration for the review engine daemon.
type Config struct {
	ServiceName           string        `mapstructure:"SERVICE_NAME"`
	MongoURI              string        `mapstructure:"MONGO_URI"`
	MongoDatabase         string        `mapstructure:"MONGO_DATABASE"`
	NATSURL               string        `mapstructure:"NATS_URL"`
	PrometheusMetricsPort string        `mapstructure:"PROMETHEUS_METRICS_PORT"`
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
	LogFormat             string        `mapstructure:"LOG_FORMAT"`
	OTLPEndpoint          string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	SyncInterval          time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncPageSize          int32         `mapstructure:"SYNC_PAGE_SIZE"`
	BackoffInitial        time.Duration `mapstructure:"BACKOFF_INITIAL"`
	BackoffMax            time.Duration `mapstructure:"BACKOFF_MAX"`
	BackoffMaxElapsed     time.Duration `mapstructure:"BACKOFF_MAX_ELAPSED"`
	Vendors               string        `mapstructure:"VENDORS"` // comma-separated vendor IDs to sync
}

// VendorIDs splits the configured vendor list.
func (c *Config) VendorIDs() []string {
	var out []string
	for _, v := range strings.Split(c.Vendors, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadConfig reads configuration from environment variables.
func LoadConfig(appLogger *logger.Logger) (*Config, error) {
	viper.SetDefault("SERVICE_NAME", "review_engine")
	viper.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	viper.SetDefault("MONGO_DATABASE", "vendor_review_cache")
	viper.SetDefault("NATS_URL", "nats://localhost:4222")
	viper.SetDefault("PROMETHEUS_METRICS_PORT", "9095")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	viper.SetDefault("SYNC_INTERVAL", "30s")
	viper.SetDefault("SYNC_PAGE_SIZE", 100)
	viper.SetDefault("BACKOFF_INITIAL", "500ms")
	viper.SetDefault("BACKOFF_MAX", "30s")
	viper.SetDefault("BACKOFF_MAX_ELAPSED", "5m")
	viper.SetDefault("VENDORS", "")

	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		appLogger.Error("Failed to unmarshal configuration", zap.Error(err))
		return nil, err
	}

	if cfg.MongoURI == "" {
		appLogger.Fatal("MONGO_URI is not set. This is required.")
	}
	if cfg.MongoDatabase == "" {
		appLogger.Fatal("MONGO_DATABASE is not set. This is required.")
	}
	if cfg.SyncPageSize < 1 {
		appLogger.Warn("SYNC_PAGE_SIZE below 1, using 100", zap.Int32("configured", cfg.SyncPageSize))
		cfg.SyncPageSize = 100
	}

	appLogger.Debug("Configuration loaded",
		zap.String("service_name", cfg.ServiceName),
		zap.Bool("mongo_uri_present", cfg.MongoURI != ""),
		zap.String("mongo_database", cfg.MongoDatabase),
		zap.String("nats_url", cfg.NATSURL),
		zap.String("prometheus_port", cfg.PrometheusMetricsPort),
		zap.Duration("sync_interval", cfg.SyncInterval),
		zap.Int32("sync_page_size", cfg.SyncPageSize),
	)

	return &cfg, nil
}
