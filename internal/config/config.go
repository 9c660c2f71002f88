package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap/zapcore"

	"github.com/i474232898/netatmo-telemetry/internal/netatmo"
)

// Sink names accepted in TELEMETRY_SINKS.
const (
	SinkMemory   = "memory"
	SinkPostgres = "postgres"
	SinkMQTT     = "mqtt"
	SinkKafka    = "kafka"
)

type AppConfig struct {
	// Netatmo account. A missing password is reported by the poller at startup.
	Credentials netatmo.Credentials
	StationName string
	APIBaseURL  string `validate:"required,url"`
	HTTPTimeout time.Duration

	// PollInterval controls how often the station is polled.
	PollInterval   time.Duration `validate:"gte=1s"`
	AuthAttempts   int           `validate:"gte=1,lte=10"`
	AuthRetryDelay time.Duration `validate:"gte=0s"`

	Service  string `validate:"required"`
	Language string

	// Registered location names readings are resolved against.
	Locations []string

	// In-memory store retention.
	StoreMaxHistory int           // max number of records per label (0 = unlimited)
	StoreMaxAge     time.Duration // max age of records (0 = unlimited)

	Sinks []string `validate:"dive,oneof=memory postgres mqtt kafka"`

	PostgresURL     string `validate:"required_if_sink=postgres"`
	MQTTBroker      string `validate:"required_if_sink=mqtt"`
	MQTTClientID    string
	MQTTTopicPrefix string
	KafkaBrokers    []string
	KafkaTopic      string `validate:"required_if_sink=kafka"`

	Port     string `validate:"required,numeric"`
	LogLevel zapcore.Level
	AppEnv   string
}

// HasSink reports whether name is enabled.
func (c *AppConfig) HasSink(name string) bool {
	for _, s := range c.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// required_if_sink=<name> requires the field only when that sink is enabled.
	_ = v.RegisterValidation("required_if_sink", func(fl validator.FieldLevel) bool {
		cfg, ok := fl.Top().Interface().(*AppConfig)
		if !ok || !cfg.HasSink(fl.Param()) {
			return true
		}
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Load reads configuration from environment with sensible defaults.
// Loading a .env file is the caller's job.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{}

	cfg.Credentials = netatmo.Credentials{
		ClientID:     os.Getenv("NETATMO_CLIENT_ID"),
		ClientSecret: os.Getenv("NETATMO_CLIENT_SECRET"),
		Username:     os.Getenv("NETATMO_USERNAME"),
		Password:     os.Getenv("NETATMO_PASSWORD"),
	}
	cfg.StationName = os.Getenv("NETATMO_STATION")
	cfg.APIBaseURL = getenvDefault("NETATMO_API_URL", netatmo.DefaultBaseURL)

	var err error
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", "15s"); err != nil {
		return nil, err
	}
	// The host cadence is one poll per full minute.
	if cfg.PollInterval, err = getenvDuration("POLL_INTERVAL", "1m"); err != nil {
		return nil, err
	}
	cfg.AuthAttempts = getenvInt("AUTH_ATTEMPTS", 3)
	if cfg.AuthRetryDelay, err = getenvDuration("AUTH_RETRY_DELAY", "1s"); err != nil {
		return nil, err
	}

	cfg.Service = getenvDefault("SERVICE_NAME", "Netatmo")
	cfg.Language = getenvDefault("LANGUAGE", "en")
	cfg.Locations = splitList(os.Getenv("LOCATIONS"))

	// Store retention.
	cfg.StoreMaxHistory = getenvInt("STORE_MAX_HISTORY", 1440) // roughly 24h of one-minute polls
	if cfg.StoreMaxAge, err = getenvDuration("STORE_MAX_AGE", "24h"); err != nil {
		return nil, err
	}

	cfg.Sinks = splitList(getenvDefault("TELEMETRY_SINKS", SinkMemory))
	cfg.PostgresURL = os.Getenv("POSTGRES_URL")
	cfg.MQTTBroker = os.Getenv("MQTT_BROKER")
	cfg.MQTTClientID = getenvDefault("MQTT_CLIENT_ID", "netatmo-telemetry")
	cfg.MQTTTopicPrefix = getenvDefault("MQTT_TOPIC_PREFIX", "netatmo")
	cfg.KafkaBrokers = splitList(getenvDefault("KAFKA_BROKERS", "localhost:9092"))
	cfg.KafkaTopic = os.Getenv("KAFKA_TOPIC")

	cfg.Port = getenvDefault("PORT", "8080")
	cfg.AppEnv = getenvDefault("APP_ENV", "production")
	if err := cfg.LogLevel.UnmarshalText([]byte(getenvDefault("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
