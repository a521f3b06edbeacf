// Package config provides Viper-based configuration loading for the arena
// gateway server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// ConnectTimeout bounds both dialing a connection and the startup ping,
	// so an unreachable database fails fast instead of hanging the gateway.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	// Host is the bind address for the HTTP/WebSocket listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP/WebSocket listener.
	Port int `mapstructure:"port"`
	// AuthTimeout is how long an upgraded connection may sit unauthenticated
	// before it is closed.
	AuthTimeout time.Duration `mapstructure:"auth_timeout"`
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PongWait is the read deadline extension applied after each pong or
	// heartbeat frame.
	PongWait time.Duration `mapstructure:"pong_wait"`
	// SendQueueSize is the per-connection outbound queue capacity. A
	// connection whose queue overflows is forcibly disconnected.
	SendQueueSize int `mapstructure:"send_queue_size"`
	// MaxMessageBytes caps the size of a single inbound frame.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// AuthConfig holds token verification settings.
type AuthConfig struct {
	// Secret is the HMAC shared secret used to verify tokens.
	Secret string `mapstructure:"secret"`
	// Issuer, when non-empty, must match the token's iss claim.
	Issuer string `mapstructure:"issuer"`
	// Leeway is the clock skew tolerance applied to exp/nbf claims.
	Leeway time.Duration `mapstructure:"leeway"`
}

// RoomConfig holds room lifecycle defaults.
type RoomConfig struct {
	// GracePeriod is how long a seat is held open after an involuntary
	// disconnect before the player forfeits.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// DefaultCapacity is the member cap used when a room is created without
	// an explicit capacity.
	DefaultCapacity int `mapstructure:"default_capacity"`
	// DefaultMinPlayers is the minimum member count for a match to start or
	// continue.
	DefaultMinPlayers int `mapstructure:"default_min_players"`
	// PresetsDir is an optional directory of YAML room presets.
	PresetsDir string `mapstructure:"presets_dir"`
	// InboxSize is the per-room command inbox capacity.
	InboxSize int `mapstructure:"inbox_size"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Room     RoomConfig     `mapstructure:"room"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateGateway(c.Gateway); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAuth(c.Auth); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRoom(c.Room); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if d.ConnectTimeout < 0 {
		errs = append(errs, "database.connect_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGateway(g GatewayConfig) error {
	var errs []string
	if g.Port < 1 || g.Port > 65535 {
		errs = append(errs, fmt.Sprintf("gateway.port must be 1-65535, got %d", g.Port))
	}
	if g.AuthTimeout <= 0 {
		errs = append(errs, "gateway.auth_timeout must be positive")
	}
	if g.WriteTimeout < 0 {
		errs = append(errs, "gateway.write_timeout must not be negative")
	}
	if g.PongWait <= 0 {
		errs = append(errs, "gateway.pong_wait must be positive")
	}
	if g.SendQueueSize < 1 {
		errs = append(errs, fmt.Sprintf("gateway.send_queue_size must be >= 1, got %d", g.SendQueueSize))
	}
	if g.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Sprintf("gateway.max_message_bytes must be >= 1, got %d", g.MaxMessageBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	var errs []string
	if a.Secret == "" {
		errs = append(errs, "auth.secret must not be empty")
	}
	if a.Leeway < 0 {
		errs = append(errs, "auth.leeway must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRoom(r RoomConfig) error {
	var errs []string
	if r.GracePeriod < 0 {
		errs = append(errs, "room.grace_period must not be negative")
	}
	if r.DefaultCapacity < 1 {
		errs = append(errs, fmt.Sprintf("room.default_capacity must be >= 1, got %d", r.DefaultCapacity))
	}
	if r.DefaultMinPlayers < 1 {
		errs = append(errs, fmt.Sprintf("room.default_min_players must be >= 1, got %d", r.DefaultMinPlayers))
	}
	if r.DefaultMinPlayers > r.DefaultCapacity {
		errs = append(errs, "room.default_min_players must not exceed room.default_capacity")
	}
	if r.InboxSize < 1 {
		errs = append(errs, fmt.Sprintf("room.inbox_size must be >= 1, got %d", r.InboxSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with ARENA_ prefix
	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "arena")
	v.SetDefault("database.password", "arena")
	v.SetDefault("database.name", "arena")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.connect_timeout", "5s")

	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.auth_timeout", "10s")
	v.SetDefault("gateway.write_timeout", "10s")
	v.SetDefault("gateway.pong_wait", "60s")
	v.SetDefault("gateway.send_queue_size", 64)
	v.SetDefault("gateway.max_message_bytes", 65536)

	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.leeway", "30s")

	v.SetDefault("room.grace_period", "30s")
	v.SetDefault("room.default_capacity", 2)
	v.SetDefault("room.default_min_players", 2)
	v.SetDefault("room.inbox_size", 128)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
