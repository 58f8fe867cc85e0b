package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Spok95/adsum/internal/proximity"
	"github.com/Spok95/adsum/internal/session"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

type Config struct {
	DatabaseURL  string
	StoreBackend string // postgres|memory
	FeedBackend  string // postgres|redis|memory
	RedisAddr    string
	HTTPAddr     string
	WSOrigins    []string
	LogLevel     string
	Env          string // dev|prod
	SentryDSN    string
	Location     *time.Location
	// SeedFile — JSON со справочниками, заливается при старте.
	SeedFile string

	JWTIssuer     string
	JWTSigningKey string
	AccessTTL     time.Duration

	BeaconServiceID    string
	CodeRotationPeriod time.Duration
	SessionLeaseTTL    time.Duration
	GeofenceRadiusM    float64
	BeaconScanWindow   time.Duration
	GPSTimeout         time.Duration
}

func Load() (*Config, error) {
	tz := getenv("TZ", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.Local
	}

	var errs []error
	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StoreBackend:    strings.ToLower(getenv("STORE_BACKEND", BackendPostgres)),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		Env:             getenv("ENV", "dev"),
		SentryDSN:       os.Getenv("SENTRY_DSN"),
		SeedFile:        os.Getenv("SEED_FILE"),
		Location:        loc,
		JWTIssuer:       getenv("JWT_ISSUER", "adsum"),
		JWTSigningKey:   os.Getenv("JWT_SIGNING_KEY"),
		BeaconServiceID: getenv("BEACON_SERVICE_ID", proximity.DefaultServiceID),
	}
	cfg.FeedBackend = strings.ToLower(getenv("FEED_BACKEND", cfg.StoreBackend))
	for _, o := range strings.Split(os.Getenv("WS_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.WSOrigins = append(cfg.WSOrigins, o)
		}
	}

	cfg.AccessTTL = durationEnv("ACCESS_TTL", 12*time.Hour, &errs)
	cfg.CodeRotationPeriod = durationEnv("CODE_ROTATION_PERIOD", session.DefaultPeriod, &errs)
	cfg.SessionLeaseTTL = durationEnv("SESSION_LEASE_TTL", session.DefaultLeaseTTL, &errs)
	cfg.BeaconScanWindow = durationEnv("BEACON_SCAN_WINDOW", proximity.DefaultScanWindow, &errs)
	cfg.GPSTimeout = durationEnv("GPS_TIMEOUT", proximity.DefaultGPSTimeout, &errs)
	cfg.GeofenceRadiusM = floatEnv("GEOFENCE_RADIUS_M", proximity.DefaultRadiusMeter, &errs)

	errs = append(errs, cfg.validate()...)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for STORE_BACKEND=postgres"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND: unknown backend %q", c.StoreBackend))
	}
	switch c.FeedBackend {
	case BackendPostgres:
		if c.StoreBackend != BackendPostgres {
			errs = append(errs, errors.New("FEED_BACKEND=postgres needs STORE_BACKEND=postgres"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for FEED_BACKEND=redis"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("FEED_BACKEND: unknown backend %q", c.FeedBackend))
	}
	// у хранилища в памяти своя лента, внешняя его событий не увидит
	if c.StoreBackend == BackendMemory && c.FeedBackend != BackendMemory {
		errs = append(errs, errors.New("STORE_BACKEND=memory works only with FEED_BACKEND=memory"))
	}
	if c.JWTSigningKey == "" {
		errs = append(errs, errors.New("JWT_SIGNING_KEY is required"))
	}
	if c.CodeRotationPeriod < time.Second {
		errs = append(errs, fmt.Errorf("CODE_ROTATION_PERIOD %s is shorter than one tick", c.CodeRotationPeriod))
	}
	// аренда продлевается раз в треть срока, а чаще тика ротатор не просыпается
	if c.SessionLeaseTTL < 3*time.Second {
		errs = append(errs, fmt.Errorf("SESSION_LEASE_TTL %s is shorter than three ticks", c.SessionLeaseTTL))
	}
	if c.GeofenceRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("GEOFENCE_RADIUS_M must be positive, got %v", c.GeofenceRadiusM))
	}
	return errs
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func durationEnv(k string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// голое число — секунды
		if n, nerr := strconv.Atoi(v); nerr == nil {
			return time.Duration(n) * time.Second
		}
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return d
}

func floatEnv(k string, def float64, errs *[]error) float64 {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return f
}
