package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MatchingPolicy tunes the expanding-radius search and the sweeps.
type MatchingPolicy struct {
	InitialRadiusKm     float64
	RadiusIncrementKm   float64
	MaxRadiusKm         float64
	MaxAttempts         int
	ExpansionInterval   time.Duration
	ResponseTimeout     time.Duration
	CandidateLimit      int
	OneActiveRequest    bool
	ExpandOnAllRejected bool
	MinMoveMeters       float64
	OfflineThreshold    time.Duration
	RequestRetention    time.Duration
	SweepInterval       time.Duration
	StoreRetryAttempts  int
}

func DefaultMatchingPolicy() MatchingPolicy {
	return MatchingPolicy{
		InitialRadiusKm:    5,
		RadiusIncrementKm:  3,
		MaxRadiusKm:        15,
		MaxAttempts:        10,
		ExpansionInterval:  5 * time.Second,
		ResponseTimeout:    30 * time.Second,
		CandidateLimit:     10,
		OneActiveRequest:   true,
		MinMoveMeters:      10,
		OfflineThreshold:   5 * time.Minute,
		RequestRetention:   10 * time.Minute,
		SweepInterval:      30 * time.Second,
		StoreRetryAttempts: 3,
	}
}

// Validate reports every inconsistent field at once.
func (p MatchingPolicy) Validate() error {
	var errs []error
	if p.InitialRadiusKm <= 0 || p.MaxRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("radii must be > 0"))
	}
	if p.InitialRadiusKm > p.MaxRadiusKm {
		errs = append(errs, fmt.Errorf("MATCH_INITIAL_RADIUS_KM must be <= MATCH_MAX_RADIUS_KM"))
	}
	if p.RadiusIncrementKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_INCREMENT_KM must be > 0"))
	}
	if p.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_MAX_ATTEMPTS must be > 0"))
	}
	if p.ExpansionInterval <= 0 || p.ResponseTimeout <= 0 || p.OfflineThreshold <= 0 ||
		p.RequestRetention <= 0 || p.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("matching durations must be > 0"))
	}
	if p.StoreRetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("STORE_RETRY_ATTEMPTS must be > 0"))
	}
	if p.MinMoveMeters < 0 {
		errs = append(errs, fmt.Errorf("MATCH_MIN_MOVE_METERS must be >= 0"))
	}
	return errors.Join(errs...)
}

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string
	KafkaGroup       string

	PGDSN string

	StripeAPIKey string
	FareCurrency string

	OSRMEndpoint    string
	ETACacheTTL     time.Duration
	DefaultSpeedMps float64

	PushEndpoint string
	PushKey      string

	Matching MatchingPolicy

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "drivers_geo",
		KafkaTopic:       "driver-locations",
		KafkaEventsTopic: "ride-events",
		KafkaGroup:       "ride-dispatch",
		FareCurrency:     "usd",
		ETACacheTTL:      30 * time.Second,
		DefaultSpeedMps:  8,
		Matching:         DefaultMatchingPolicy(),
		LogLevel:         "info",
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
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	setStringFromEnv(&cfg.FareCurrency, "FARE_CURRENCY")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	m := &cfg.Matching
	setFloatFromEnv(&m.InitialRadiusKm, "MATCH_INITIAL_RADIUS_KM", &errs)
	setFloatFromEnv(&m.RadiusIncrementKm, "MATCH_RADIUS_INCREMENT_KM", &errs)
	setFloatFromEnv(&m.MaxRadiusKm, "MATCH_MAX_RADIUS_KM", &errs)
	setIntFromEnv(&m.MaxAttempts, "MATCH_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&m.ExpansionInterval, "MATCH_EXPANSION_INTERVAL", &errs)
	setDurationFromEnv(&m.ResponseTimeout, "MATCH_RESPONSE_TIMEOUT", &errs)
	setIntFromEnv(&m.CandidateLimit, "MATCH_CANDIDATE_LIMIT", &errs)
	setBoolFromEnv(&m.OneActiveRequest, "MATCH_ONE_ACTIVE_REQUEST", &errs)
	setBoolFromEnv(&m.ExpandOnAllRejected, "MATCH_EXPAND_ON_ALL_REJECTED", &errs)
	setFloatFromEnv(&m.MinMoveMeters, "MATCH_MIN_MOVE_METERS", &errs)
	setDurationFromEnv(&m.OfflineThreshold, "DRIVER_OFFLINE_THRESHOLD", &errs)
	setDurationFromEnv(&m.RequestRetention, "REQUEST_RETENTION", &errs)
	setDurationFromEnv(&m.SweepInterval, "SWEEP_INTERVAL", &errs)
	setIntFromEnv(&m.StoreRetryAttempts, "STORE_RETRY_ATTEMPTS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if err := m.Validate(); err != nil {
		errs = append(errs, err)
	}

	return cfg, errors.Join(errs...)
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
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
