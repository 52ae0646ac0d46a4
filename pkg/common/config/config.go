package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64
	// AppEnv selects development behaviour (local, development, dev).
	AppEnv string
	// TrustForwardedFor makes the IP allow-list use the first X-Forwarded-For hop.
	TrustForwardedFor bool
	// AdminToken guards /admin; empty closes it outside development.
	AdminToken string

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers  []string
	KafkaGroupID  string
	DeliveryTopic string

	// Backends: "postgres"|"memory", "kafka"|"memory", "memory"|"redis"
	StoreBackend     string
	QueueBackend     string
	RateLimitBackend string

	// Suppliers
	SuppliersFile string

	// Delivery
	DeliveryTimeout     time.Duration
	DeliveryMaxAttempts int
	DeliveryBackoffBase time.Duration
	DeliveryBackoffMax  time.Duration
	DeliveryWorkers     int

	// Scheduler
	FetchInterval   time.Duration
	ForwardInterval time.Duration
	FetchLookback   time.Duration
	RecoverAfter    time.Duration

	// Observability
	TracingEndpoint string
	ServiceName     string
}

func Load() *Config {
	return &Config{
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		ServerHost:        getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:       getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody:    int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 4*1024*1024)),
		AppEnv:            getEnv("APP_ENV", "production"),
		TrustForwardedFor: getBoolEnv("TRUST_FORWARDED_FOR", false),
		AdminToken:        getEnv("ADMIN_TOKEN", ""),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "machinehub"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "machinehub"),
		PostgresDB:       getEnv("POSTGRES_DB", "machinehub"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:  getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:  getEnv("KAFKA_GROUP_ID", "machinehub-delivery"),
		DeliveryTopic: getEnv("DELIVERY_TOPIC", "machinehub.deliveries"),

		StoreBackend:     getEnv("STORE_BACKEND", "postgres"),
		QueueBackend:     getEnv("QUEUE_BACKEND", "kafka"),
		RateLimitBackend: getEnv("RATE_LIMIT_BACKEND", "memory"),

		SuppliersFile: getEnv("SUPPLIERS_FILE", "config/suppliers.yaml"),

		DeliveryTimeout:     getDuration("DELIVERY_TIMEOUT", 30*time.Second),
		DeliveryMaxAttempts: getIntEnv("DELIVERY_MAX_ATTEMPTS", 3),
		DeliveryBackoffBase: getDuration("DELIVERY_BACKOFF_BASE", 10*time.Second),
		DeliveryBackoffMax:  getDuration("DELIVERY_BACKOFF_MAX", 5*time.Minute),
		DeliveryWorkers:     getIntEnv("DELIVERY_WORKERS", 4),

		FetchInterval:   getDuration("FETCH_INTERVAL", 5*time.Minute),
		ForwardInterval: getDuration("FORWARD_INTERVAL", 2*time.Minute),
		FetchLookback:   getDuration("FETCH_LOOKBACK", 60*time.Minute),
		RecoverAfter:    getDuration("RECOVER_AFTER", 10*time.Minute),

		TracingEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:     getEnv("SERVICE_NAME", "machinehub"),
	}
}

// IsDevelopment reports whether outbound deliveries should be short-circuited.
func (c *Config) IsDevelopment() bool {
	switch strings.ToLower(c.AppEnv) {
	case "local", "development", "dev":
		return true
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
