// Package config loads service settings from an optional .env file, an
// optional YAML file and the process environment, in that order of
// precedence (environment wins).
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
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        string        `yaml:"port"`
	DatabaseURL string        `yaml:"databaseUrl"`
	RedisURL    string        `yaml:"redisUrl"`
	Auth        AuthConfig    `yaml:"auth"`
	Rate        RateConfig    `yaml:"rate"`
	Webhooks    WebhookConfig `yaml:"webhooks"`
	Log         LogConfig     `yaml:"log"`
	Forms       FormsConfig   `yaml:"forms"`
	Trips       TripsConfig   `yaml:"trips"`
}

type AuthConfig struct {
	Mode        string `yaml:"mode"` // dev, hmac, jwks
	HMACSecret  string `yaml:"hmacSecret"`
	JWKSURL     string `yaml:"jwksUrl"`
	TenantClaim string `yaml:"tenantClaim"`
	RoleClaim   string `yaml:"roleClaim"`
	DriverClaim string `yaml:"driverClaim"`
}

type RateConfig struct {
	RPS   float64 `yaml:"rps"` // 0 disables limiting
	Burst int     `yaml:"burst"`
}

type WebhookConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	BaseBackoff  time.Duration `yaml:"baseBackoff"`
	PollInterval time.Duration `yaml:"pollInterval"`
	BatchSize    int           `yaml:"batchSize"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // json, text
	Environment string `yaml:"environment"`
}

// FormsConfig holds the fmt templates for the uncompleted-forms message.
// OneStop takes the stop name (%s), ManyStops the distinct stop count (%d).
type FormsConfig struct {
	OneStopTemplate   string `yaml:"oneStopTemplate"`
	ManyStopsTemplate string `yaml:"manyStopsTemplate"`
}

type TripsConfig struct {
	// SaveRetries bounds the optimistic-concurrency retries per operation.
	SaveRetries int `yaml:"saveRetries"`
	// GeofenceMeters is the arrival radius around a stop location; 0 disables
	// geofence arrivals from location pings.
	GeofenceMeters float64 `yaml:"geofenceMeters"`
}

func Default() Config {
	return Config{
		Port: "8080",
		Auth: AuthConfig{Mode: "dev", TenantClaim: "tenant", RoleClaim: "role", DriverClaim: "sub"},
		Rate: RateConfig{RPS: 0, Burst: 20},
		Webhooks: WebhookConfig{
			MaxAttempts:  8,
			BaseBackoff:  2 * time.Second,
			PollInterval: time.Second,
			BatchSize:    50,
		},
		Log: LogConfig{Level: "info", Format: "json", Environment: "development"},
		Forms: FormsConfig{
			OneStopTemplate:   "You have uncompleted forms for %s.",
			ManyStopsTemplate: "You have uncompleted forms for %d stops.",
		},
		Trips: TripsConfig{SaveRetries: 3, GeofenceMeters: 50},
	}
}

// Load reads .env (if present), then the YAML file at path (or TRIPNAV_CONFIG,
// or config.yaml; a missing file is not an error), then env overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	cfg := Default()
	if path == "" {
		path = envOr("TRIPNAV_CONFIG", "config.yaml")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.Auth.Mode = strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.Auth.Mode, "AUTH_MODE")
	setString(&c.Auth.HMACSecret, "AUTH_HMAC_SECRET")
	setString(&c.Auth.JWKSURL, "AUTH_JWKS_URL")
	setString(&c.Auth.TenantClaim, "AUTH_TENANT_CLAIM")
	setString(&c.Auth.RoleClaim, "AUTH_ROLE_CLAIM")
	setString(&c.Auth.DriverClaim, "AUTH_DRIVER_CLAIM")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Log.Environment, "ENVIRONMENT")
	setString(&c.Forms.OneStopTemplate, "FORMS_ONE_STOP_TEMPLATE")
	setString(&c.Forms.ManyStopsTemplate, "FORMS_MANY_STOPS_TEMPLATE")
	if v := os.Getenv("RATE_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: RATE_RPS: %w", err)
		}
		c.Rate.RPS = f
	}
	if err := setInt(&c.Rate.Burst, "RATE_BURST"); err != nil {
		return err
	}
	if err := setInt(&c.Webhooks.MaxAttempts, "WEBHOOK_MAX_ATTEMPTS"); err != nil {
		return err
	}
	if v := os.Getenv("TRIP_GEOFENCE_METERS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: TRIP_GEOFENCE_METERS: %w", err)
		}
		c.Trips.GeofenceMeters = f
	}
	return setInt(&c.Trips.SaveRetries, "TRIP_SAVE_RETRIES")
}

func (c Config) Validate() error {
	switch c.Auth.Mode {
	case "dev", "jwks":
	case "hmac":
		if c.Auth.HMACSecret == "" {
			return errors.New("config: auth.hmacSecret is required in hmac mode")
		}
	default:
		return fmt.Errorf("config: unknown auth mode %q", c.Auth.Mode)
	}
	if c.Webhooks.MaxAttempts <= 0 {
		return errors.New("config: webhooks.maxAttempts must be positive")
	}
	if c.Trips.GeofenceMeters < 0 {
		return errors.New("config: trips.geofenceMeters must not be negative")
	}
	if c.Rate.RPS < 0 {
		return errors.New("config: rate.rps must not be negative")
	}
	if !strings.Contains(c.Forms.OneStopTemplate, "%s") || !strings.Contains(c.Forms.ManyStopsTemplate, "%d") {
		return errors.New("config: forms templates need %s (one stop) and %d (many stops)")
	}
	return nil
}

// Addr is the listen address derived from Port.
func (c Config) Addr() string { return ":" + c.Port }

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}
