package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
	Backplane BackplaneConfig `yaml:"backplane"`
	Presence  PresenceConfig  `yaml:"presence"`
	Typing    TypingConfig    `yaml:"typing"`
	Rooms     RoomsConfig     `yaml:"rooms"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig configures the built-in JWT identity resolver
type AuthConfig struct {
	SecretKey string `yaml:"secret_key"`
	Issuer    string `yaml:"issuer"`
}

// BackplaneConfig selects and configures the pub/sub backplane
type BackplaneConfig struct {
	// Driver is one of "redis", "nats" or "memory". Memory keeps the
	// gateway fully functional in single-instance mode.
	Driver        string        `yaml:"driver"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisDB       int           `yaml:"redis_db"`
	NATSURL       string        `yaml:"nats_url"`
	ReconnectMin  time.Duration `yaml:"reconnect_min"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
	ChannelPrefix string        `yaml:"channel_prefix"`
}

// PresenceConfig holds the liveness windows. These were deliberately left
// configurable instead of baked-in constants.
type PresenceConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	DisconnectGrace time.Duration `yaml:"disconnect_grace"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// TypingConfig holds the typing indicator windows
type TypingConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RoomsConfig holds the room name allow-list
type RoomsConfig struct {
	// AllowedPrefixes whitelists room name patterns as "<prefix>:<id>".
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
}

// GatewayConfig holds connection-level tunables
type GatewayConfig struct {
	SendBuffer     int           `yaml:"send_buffer"`
	MaxViolations  int           `yaml:"max_violations"`
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReadDeadline   time.Duration `yaml:"read_deadline"`
	WriteDeadline  time.Duration `yaml:"write_deadline"`
}

// RateLimitConfig holds the per-command window settings
type RateLimitConfig struct {
	Limit           int           `yaml:"limit"`
	Window          time.Duration `yaml:"window"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a configuration with default values
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: AuthConfig{
			SecretKey: "change-me-in-production",
			Issuer:    "relay",
		},
		Backplane: BackplaneConfig{
			Driver:        "memory",
			RedisAddr:     "localhost:6379",
			NATSURL:       "nats://localhost:4222",
			ReconnectMin:  250 * time.Millisecond,
			ReconnectMax:  10 * time.Second,
			ChannelPrefix: "relay",
		},
		Presence: PresenceConfig{
			TTL:             60 * time.Second,
			DisconnectGrace: 10 * time.Second,
			SweepInterval:   2 * time.Second,
		},
		Typing: TypingConfig{
			TTL:           5 * time.Second,
			SweepInterval: time.Second,
		},
		Rooms: RoomsConfig{
			AllowedPrefixes: []string{"user", "post", "live"},
		},
		Gateway: GatewayConfig{
			SendBuffer:     256,
			MaxViolations:  5,
			CleanupTimeout: 5 * time.Second,
			PingInterval:   30 * time.Second,
			ReadDeadline:   60 * time.Second,
			WriteDeadline:  10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Limit:           30,
			Window:          10 * time.Second,
			JanitorInterval: time.Minute,
		},
	}
}

// getConfigPath returns the configuration file path
func getConfigPath() string {
	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		return path
	}
	return "config.yaml"
}

// applyEnv overrides configuration with environment variables
func (c *Config) applyEnv() {
	setString(&c.Server.Host, "RELAY_SERVER_HOST")
	setInt(&c.Server.Port, "RELAY_SERVER_PORT")
	setDuration(&c.Server.ReadTimeout, "RELAY_SERVER_READ_TIMEOUT")
	setDuration(&c.Server.WriteTimeout, "RELAY_SERVER_WRITE_TIMEOUT")

	setString(&c.Logging.Level, "RELAY_LOGGING_LEVEL")
	setString(&c.Logging.Format, "RELAY_LOGGING_FORMAT")

	setString(&c.Auth.SecretKey, "RELAY_AUTH_SECRET_KEY")
	setString(&c.Auth.Issuer, "RELAY_AUTH_ISSUER")

	setString(&c.Backplane.Driver, "RELAY_BACKPLANE_DRIVER")
	setString(&c.Backplane.RedisAddr, "RELAY_BACKPLANE_REDIS_ADDR")
	setInt(&c.Backplane.RedisDB, "RELAY_BACKPLANE_REDIS_DB")
	setString(&c.Backplane.NATSURL, "RELAY_BACKPLANE_NATS_URL")
	setDuration(&c.Backplane.ReconnectMin, "RELAY_BACKPLANE_RECONNECT_MIN")
	setDuration(&c.Backplane.ReconnectMax, "RELAY_BACKPLANE_RECONNECT_MAX")
	setString(&c.Backplane.ChannelPrefix, "RELAY_BACKPLANE_CHANNEL_PREFIX")

	setDuration(&c.Presence.TTL, "RELAY_PRESENCE_TTL")
	setDuration(&c.Presence.DisconnectGrace, "RELAY_PRESENCE_DISCONNECT_GRACE")
	setDuration(&c.Presence.SweepInterval, "RELAY_PRESENCE_SWEEP_INTERVAL")

	setDuration(&c.Typing.TTL, "RELAY_TYPING_TTL")
	setDuration(&c.Typing.SweepInterval, "RELAY_TYPING_SWEEP_INTERVAL")

	if prefixes := os.Getenv("RELAY_ROOMS_ALLOWED_PREFIXES"); prefixes != "" {
		c.Rooms.AllowedPrefixes = strings.Split(prefixes, ",")
	}

	setInt(&c.Gateway.SendBuffer, "RELAY_GATEWAY_SEND_BUFFER")
	setInt(&c.Gateway.MaxViolations, "RELAY_GATEWAY_MAX_VIOLATIONS")
	setDuration(&c.Gateway.CleanupTimeout, "RELAY_GATEWAY_CLEANUP_TIMEOUT")
	setDuration(&c.Gateway.PingInterval, "RELAY_GATEWAY_PING_INTERVAL")
	setDuration(&c.Gateway.ReadDeadline, "RELAY_GATEWAY_READ_DEADLINE")
	setDuration(&c.Gateway.WriteDeadline, "RELAY_GATEWAY_WRITE_DEADLINE")

	setInt(&c.RateLimit.Limit, "RELAY_RATELIMIT_LIMIT")
	setDuration(&c.RateLimit.Window, "RELAY_RATELIMIT_WINDOW")
	setDuration(&c.RateLimit.JanitorInterval, "RELAY_RATELIMIT_JANITOR_INTERVAL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	switch c.Backplane.Driver {
	case "redis", "nats", "memory":
	default:
		return fmt.Errorf("invalid backplane driver: %s", c.Backplane.Driver)
	}

	if c.Presence.TTL <= 0 {
		return fmt.Errorf("presence ttl must be positive")
	}
	if c.Presence.DisconnectGrace < 0 {
		return fmt.Errorf("disconnect grace cannot be negative")
	}
	if c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence sweep interval must be positive")
	}
	if c.Typing.TTL <= 0 || c.Typing.SweepInterval <= 0 {
		return fmt.Errorf("typing ttl and sweep interval must be positive")
	}
	if len(c.Rooms.AllowedPrefixes) == 0 {
		return fmt.Errorf("at least one allowed room prefix is required")
	}
	if c.Gateway.SendBuffer < 1 {
		return fmt.Errorf("send buffer must be at least 1")
	}
	if c.Gateway.MaxViolations < 1 {
		return fmt.Errorf("max violations must be at least 1")
	}
	if c.RateLimit.Limit < 1 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit and window must be positive")
	}

	return nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Server: %s:%d, Backplane: %s, Presence: ttl=%s grace=%s, Logging: %s/%s}",
		c.Server.Host, c.Server.Port,
		c.Backplane.Driver,
		c.Presence.TTL, c.Presence.DisconnectGrace,
		c.Logging.Level, c.Logging.Format,
	)
}
