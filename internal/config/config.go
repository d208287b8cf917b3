// Package config loads the litfinder server configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config holds the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Presence PresenceConfig `yaml:"presence"`
	Activity ActivityConfig `yaml:"activity"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type StoreConfig struct {
	// Backend is one of memory, nats, postgres, sqlite.
	Backend string `yaml:"backend"`

	NatsURL  string `yaml:"nats_url"`
	Bucket   string `yaml:"bucket"`
	Codec    string `yaml:"codec"`
	Replicas int    `yaml:"replicas"`

	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

type PresenceConfig struct {
	// ClearOnStop removes a user's location record when their session ends.
	ClearOnStop bool `yaml:"clear_on_stop"`
	// NearbyRadiusKm is the radius used when a nearby filter names none.
	NearbyRadiusKm float64 `yaml:"nearby_radius_km"`
}

type ActivityConfig struct {
	// Enabled publishes workflow actions to the LITFINDER stream on
	// store.nats_url.
	Enabled bool   `yaml:"enabled"`
	Source  string `yaml:"source"`
}

// Default returns the configuration for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			ReadTimeout: 15 * time.Second,
			IdleTimeout: 60 * time.Second,
		},
		Store: StoreConfig{
			Backend:    BackendMemory,
			NatsURL:    "nats://localhost:4222",
			Bucket:     "litfinder",
			Codec:      "proto",
			Replicas:   1,
			SQLitePath: "litfinder.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Presence: PresenceConfig{
			ClearOnStop:    true,
			NearbyRadiusKm: 5,
		},
		Activity: ActivityConfig{
			Source: "litfinder",
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Store.NatsURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("LITFINDER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("LITFINDER_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("LITFINDER_BUCKET"); v != "" {
		c.Store.Bucket = v
	}
	if v := os.Getenv("LITFINDER_SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("LITFINDER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LITFINDER_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("LITFINDER_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("LITFINDER_CLEAR_LOCATION_ON_STOP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Presence.ClearOnStop = b
		}
	}
	if v := os.Getenv("LITFINDER_ACTIVITY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Activity.Enabled = b
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.Store.NatsURL == "" {
			return fmt.Errorf("store.nats_url is required for the nats backend")
		}
		if c.Store.Bucket == "" {
			return fmt.Errorf("store.bucket is required for the nats backend")
		}
		if c.Store.Codec != "proto" && c.Store.Codec != "json" {
			return fmt.Errorf("store.codec must be proto or json, got %q", c.Store.Codec)
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for the postgres backend")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Presence.NearbyRadiusKm < 0 {
		return fmt.Errorf("presence.nearby_radius_km must not be negative")
	}
	if c.Activity.Enabled && c.Store.NatsURL == "" {
		return fmt.Errorf("activity needs store.nats_url")
	}
	return nil
}
