package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are primarily loaded from environment variables with sane
// defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	// OfferTimeout bounds how long a driver may sit on an offer before
	// it is treated as a rejection.
	OfferTimeout     time.Duration
	DispatchRadiusKm float64
	NearbyRadiusKm   float64
	NearbyLimit      int

	TripRatePerKm     float64
	ApproachRatePerKm float64
	Currency          string

	StripeAPIKey string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RedisGeoKey:       "drivers_geo",
		KafkaTopic:        "driver-locations",
		OfferTimeout:      20 * time.Second,
		DispatchRadiusKm:  10,
		NearbyRadiusKm:    5,
		NearbyLimit:       5,
		TripRatePerKm:     0.9,
		ApproachRatePerKm: 0.3,
		Currency:          "tnd",
		LogLevel:          "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setDurationFromEnv(&cfg.OfferTimeout, "OFFER_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.DispatchRadiusKm, "DISPATCH_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.NearbyRadiusKm, "NEARBY_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.NearbyLimit, "NEARBY_LIMIT", &errs)

	setFloatFromEnv(&cfg.TripRatePerKm, "TRIP_RATE_PER_KM", &errs)
	setFloatFromEnv(&cfg.ApproachRatePerKm, "APPROACH_RATE_PER_KM", &errs)
	setStringFromEnv(&cfg.Currency, "CURRENCY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if cfg.DispatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_KM must be > 0"))
	}
	if cfg.NearbyLimit <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_LIMIT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
