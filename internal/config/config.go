package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName          = "Vera"
	defaultAppEnv           = "development"
	defaultPort             = "8080"
	defaultLogLevel         = "info"
	defaultShutdownDelay    = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultSessionTTL       = 72 * time.Hour
	defaultMediaRoot        = "./storage/media"
	defaultMediaBaseURL     = "http://localhost:8080/media"
	defaultSelfieMaxWidth   = 900
	defaultSelfieQuality    = 72
	defaultSMSCodeTTL       = 10 * time.Minute
	defaultSMSAutoRetrieval = 60 * time.Second
	defaultSMSSendLimit     = 3
	defaultGateTimeout      = 5 * time.Second
	defaultCaptureTTL       = 15 * time.Minute
	defaultFlowIdleTTL      = 30 * time.Minute
	devJWTSecret            = "vera-development-only-secret-change-me"
	idemTTLSecondsEnvVar    = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar        = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar   = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar  = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from the
// environment and an optional .env file.
type Config struct {
	AppName     string
	AppEnv      string
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	SessionTTL  time.Duration

	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	MediaRoot    string
	MediaBaseURL string

	SelfieMaxWidth    int
	SelfieJPEGQuality int
	// SelfieCaptureTTL bounds how long an uncommitted capture is held.
	SelfieCaptureTTL time.Duration

	SMSCodeTTL          time.Duration
	SMSAutoRetrieval    time.Duration
	SMSSendLimitPerMin  int
	GateDecisionTimeout time.Duration
	// PhoneFlowIdleTTL evicts per-identity phone flows nobody has touched.
	PhoneFlowIdleTTL time.Duration
}

// Load reads envFile (when present) and then the process environment.
// Variables already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Config{
		AppName:      getEnv("APP_NAME", defaultAppName),
		AppEnv:       strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:         getEnv("PORT", defaultPort),
		LogLevel:     strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		MediaRoot:    getEnv("MEDIA_ROOT", defaultMediaRoot),
		MediaBaseURL: strings.TrimRight(getEnv("MEDIA_BASE_URL", defaultMediaBaseURL), "/"),
	}

	var err error
	if cfg.ShutdownPeriod, err = secondsOrDuration(shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = secondsOrDuration(idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = duration("SESSION_TTL", defaultSessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.SMSCodeTTL, err = duration("SMS_CODE_TTL", defaultSMSCodeTTL); err != nil {
		return Config{}, err
	}
	if cfg.SMSAutoRetrieval, err = duration("SMS_AUTO_RETRIEVAL_TIMEOUT", defaultSMSAutoRetrieval); err != nil {
		return Config{}, err
	}
	if cfg.GateDecisionTimeout, err = duration("GATE_DECISION_TIMEOUT", defaultGateTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SelfieCaptureTTL, err = duration("SELFIE_CAPTURE_TTL", defaultCaptureTTL); err != nil {
		return Config{}, err
	}
	if cfg.PhoneFlowIdleTTL, err = duration("PHONE_FLOW_IDLE_TTL", defaultFlowIdleTTL); err != nil {
		return Config{}, err
	}
	if cfg.SelfieMaxWidth, err = integer("SELFIE_MAX_WIDTH", defaultSelfieMaxWidth); err != nil {
		return Config{}, err
	}
	if cfg.SelfieJPEGQuality, err = integer("SELFIE_JPEG_QUALITY", defaultSelfieQuality); err != nil {
		return Config{}, err
	}
	if cfg.SMSSendLimitPerMin, err = integer("SMS_SEND_LIMIT_PER_MINUTE", defaultSMSSendLimit); err != nil {
		return Config{}, err
	}

	if cfg.SelfieJPEGQuality < 1 || cfg.SelfieJPEGQuality > 100 {
		return Config{}, fmt.Errorf("SELFIE_JPEG_QUALITY must be within 1..100, got %d", cfg.SelfieJPEGQuality)
	}
	if cfg.SelfieMaxWidth <= 0 {
		return Config{}, fmt.Errorf("SELFIE_MAX_WIDTH must be positive, got %d", cfg.SelfieMaxWidth)
	}

	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}

	if !cfg.IsDevelopment() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if len(cfg.JWTSecret) < 32 {
			return Config{}, fmt.Errorf("JWT_SECRET must be at least 32 characters when APP_ENV=%s", cfg.AppEnv)
		}
	} else if cfg.JWTSecret == "" {
		cfg.JWTSecret = devJWTSecret
	}

	return cfg, nil
}

// IsDevelopment reports whether in-memory fallbacks may replace Postgres.
func (c Config) IsDevelopment() bool {
	switch c.AppEnv {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func secondsOrDuration(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	return duration(durationKey, fallback)
}

func duration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func integer(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
