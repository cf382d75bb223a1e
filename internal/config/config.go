package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Pixel       PixelConfig       `yaml:"pixel"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Attribution AttributionConfig `yaml:"attribution"`
	CDN         CDNConfig         `yaml:"cdn"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis configuration (site-token cache, scheduler lock)
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// PixelConfig holds tracking pixel configuration
type PixelConfig struct {
	// ServerIP is the public IP the A record of a custom pixel domain
	// must point at.
	ServerIP string `yaml:"server_ip"`
	// PlatformDomain is the default event endpoint host when a site has
	// no verified custom domain, e.g. "px.opticdata.io".
	PlatformDomain string `yaml:"platform_domain"`
	// ScriptCacheSeconds is the CDN cache lifetime for /t/pixel.js.
	ScriptCacheSeconds int `yaml:"script_cache_seconds"`
	// SiteCacheSeconds bounds how long a resolved site may be served
	// from the Redis cache.
	SiteCacheSeconds int `yaml:"site_cache_seconds"`
}

// SchedulerConfig holds the attribution scheduler configuration
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// DailyAtHour is the UTC hour of the single global computation slot.
	DailyAtHour int `yaml:"daily_at_hour"`
	// PollIntervalSeconds is how often the scheduler checks whether the
	// slot has arrived.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// WindowDays is how far back the computation window starts.
	WindowDays int `yaml:"window_days"`
}

// PollInterval returns the scheduler poll interval as a duration
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// AttributionConfig holds attribution engine tunables
type AttributionConfig struct {
	EpsilonCredit   float64 `yaml:"epsilon_credit"`
	EpsilonRevenue  float64 `yaml:"epsilon_revenue"`
	HalfLifeDays    float64 `yaml:"half_life_days"`
	BatchSize       int     `yaml:"batch_size"`
	ParamLimit      int     `yaml:"param_limit"`
	DefaultModel    string  `yaml:"default_model"`
	DefaultLookback int     `yaml:"default_lookback_days"`
	ValidLookbacks  []int   `yaml:"valid_lookbacks"`
}

// CDNConfig holds optional AWS first-party CDN provisioning settings.
// When disabled, custom domains are served directly by the pixel server.
type CDNConfig struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Pixel.ScriptCacheSeconds == 0 {
		cfg.Pixel.ScriptCacheSeconds = 300
	}
	if cfg.Pixel.SiteCacheSeconds == 0 {
		cfg.Pixel.SiteCacheSeconds = 60
	}
	if cfg.Scheduler.DailyAtHour == 0 {
		cfg.Scheduler.DailyAtHour = 3
	}
	if cfg.Scheduler.PollIntervalSeconds == 0 {
		cfg.Scheduler.PollIntervalSeconds = 300
	}
	if cfg.Scheduler.WindowDays == 0 {
		cfg.Scheduler.WindowDays = 90
	}
	if cfg.Attribution.EpsilonCredit == 0 {
		cfg.Attribution.EpsilonCredit = 1e-4
	}
	if cfg.Attribution.EpsilonRevenue == 0 {
		cfg.Attribution.EpsilonRevenue = 0.01
	}
	if cfg.Attribution.HalfLifeDays == 0 {
		cfg.Attribution.HalfLifeDays = 7
	}
	if cfg.Attribution.BatchSize == 0 {
		cfg.Attribution.BatchSize = 500
	}
	if cfg.Attribution.ParamLimit == 0 {
		cfg.Attribution.ParamLimit = 60000
	}
	if cfg.Attribution.DefaultModel == "" {
		cfg.Attribution.DefaultModel = "last_click"
	}
	if cfg.Attribution.DefaultLookback == 0 {
		cfg.Attribution.DefaultLookback = 30
	}
	if len(cfg.Attribution.ValidLookbacks) == 0 {
		cfg.Attribution.ValidLookbacks = []int{7, 14, 30, 60, 90, 180, 365, 0}
	}
	if cfg.CDN.Region == "" {
		cfg.CDN.Region = "us-east-1"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if os.IsNotExist(err) {
		// No config file: run on env vars and defaults alone.
		cfg = &Config{}
		cfg.applyDefaults()
	} else if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
		cfg.Redis.Enabled = true
	}
	if ip := os.Getenv("PIXEL_SERVER_IP"); ip != "" {
		cfg.Pixel.ServerIP = ip
	}
	if domain := os.Getenv("PIXEL_PLATFORM_DOMAIN"); domain != "" {
		cfg.Pixel.PlatformDomain = domain
	}
	if v := os.Getenv("SCHEDULER_DAILY_AT_HOUR"); v != "" {
		if hour, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.DailyAtHour = hour
		}
	}
	if v := os.Getenv("CDN_ENABLED"); v != "" {
		cfg.CDN.Enabled = v == "true" || v == "1"
	}

	return cfg, nil
}

// ValidLookback reports whether days is an accepted lookback window.
func (c AttributionConfig) ValidLookback(days int) bool {
	for _, d := range c.ValidLookbacks {
		if d == days {
			return true
		}
	}
	return false
}

// Validate checks required settings for the server binary.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (or DATABASE_URL)")
	}
	if c.Pixel.PlatformDomain == "" {
		return fmt.Errorf("pixel.platform_domain is required")
	}
	return nil
}
