package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
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

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	// Matching engine tunables.
	InitialRadiusM   float64
	MaxRadiusM       float64
	ProximityWeight  float64
	RatingWeight     float64
	RecencyWeight    float64
	OfferTTL         time.Duration
	StaleAfter       time.Duration
	DefaultSpeedMps  float64
	FareBaseCents    float64
	FarePerKmCents   float64

	// How long a safety event may sit in Reported before the clock
	// escalates it. Zero disables automatic escalation.
	SafetyEscalateAfter time.Duration

	// Broadcast hub per-connection queue depth. A connection that falls
	// this many events behind is disconnected.
	HubBufferSize int

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		KafkaTopic:          "driver-locations",
		InitialRadiusM:      1000,
		MaxRadiusM:          16000,
		ProximityWeight:     0.6,
		RatingWeight:        0.3,
		RecencyWeight:       0.1,
		OfferTTL:            15 * time.Second,
		StaleAfter:          90 * time.Second,
		DefaultSpeedMps:     10,
		FareBaseCents:       250,
		FarePerKmCents:      120,
		SafetyEscalateAfter: 2 * time.Minute,
		HubBufferSize:       64,
		LogLevel:            "info",
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

	setFloatFromEnv(&cfg.InitialRadiusM, "MATCH_INITIAL_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.MaxRadiusM, "MATCH_MAX_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.ProximityWeight, "MATCH_WEIGHT_PROXIMITY", &errs)
	setFloatFromEnv(&cfg.RatingWeight, "MATCH_WEIGHT_RATING", &errs)
	setFloatFromEnv(&cfg.RecencyWeight, "MATCH_WEIGHT_RECENCY", &errs)
	setDurationFromEnv(&cfg.OfferTTL, "MATCH_OFFER_TTL", &errs)
	setDurationFromEnv(&cfg.StaleAfter, "DRIVER_STALE_AFTER", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setFloatFromEnv(&cfg.FareBaseCents, "FARE_BASE_CENTS", &errs)
	setFloatFromEnv(&cfg.FarePerKmCents, "FARE_PER_KM_CENTS", &errs)
	setDurationFromEnv(&cfg.SafetyEscalateAfter, "SAFETY_ESCALATE_AFTER", &errs)
	setIntFromEnv(&cfg.HubBufferSize, "HUB_BUFFER_SIZE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.InitialRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_INITIAL_RADIUS_M must be > 0"))
	}
	if cfg.MaxRadiusM < cfg.InitialRadiusM {
		errs = append(errs, fmt.Errorf("MATCH_MAX_RADIUS_M must be >= MATCH_INITIAL_RADIUS_M"))
	}
	if cfg.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_OFFER_TTL must be > 0"))
	}
	if cfg.HubBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("HUB_BUFFER_SIZE must be > 0"))
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
