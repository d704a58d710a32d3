// Package config loads service configuration from YAML, .env files and
// RIVALS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/narivals/rivals-ledger/internal/bot"
	"github.com/narivals/rivals-ledger/internal/challonge"
	"github.com/narivals/rivals-ledger/internal/events"
)

// ServiceName scopes the per-service env file and config search path.
const ServiceName = "rivals"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// BaseConfig holds base configuration
type BaseConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	AdminAPIKey  string        `mapstructure:"admin_api_key"` // empty disables /api/v1/admin
	CORSOrigin   string        `mapstructure:"cors_origin"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig selects and tunes the persistence backend
type StoreConfig struct {
	Backend     string        `mapstructure:"backend"`
	Timeout     time.Duration `mapstructure:"timeout"`
	AutoMigrate bool          `mapstructure:"auto_migrate"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// SQLiteConfig holds SQLite configuration
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig holds the optional cache configuration. An empty Addr
// disables the cache.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// DiscordConfig holds the bot token and command policy
type DiscordConfig struct {
	Token      string `mapstructure:"token"`
	bot.Config `mapstructure:",squash"`
}

// AwardConfig holds award worker configuration
type AwardConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// Config is the full service configuration.
type Config struct {
	BaseConfig `mapstructure:",squash"`
	Server     ServerConfig      `mapstructure:"server"`
	Store      StoreConfig       `mapstructure:"store"`
	Database   DatabaseConfig    `mapstructure:"database"`
	SQLite     SQLiteConfig      `mapstructure:"sqlite"`
	Redis      RedisConfig       `mapstructure:"redis"`
	NATS       events.NATSConfig `mapstructure:"nats"`
	Discord    DiscordConfig     `mapstructure:"discord"`
	Challonge  challonge.Config  `mapstructure:"challonge"`
	Award      AwardConfig       `mapstructure:"award"`
}

// Load reads configuration. A missing config file is not an error; values
// then come from defaults and the environment.
func Load(configFile string, envPath string) (*Config, error) {
	v := configureViper(ServiceName, configFile, envPath)

	v.SetDefault("log_level", "info")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.cors_origin", "*")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.timeout", "5s")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("sqlite.path", "rivals.db")
	v.SetDefault("redis.ttl", "30s")
	v.SetDefault("nats.subject", "rivals.ledger")
	v.SetDefault("nats.connection_name", "rivals-ledger")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("discord.channels", []string{"mordor", "rivals-tokens", "bot-testing-in-progress-dnd"})
	v.SetDefault("discord.links_channel", "tournament-links")
	v.SetDefault("discord.bracket_base", "http://narivals.challonge.com")
	v.SetDefault("challonge.base_url", challonge.DefaultBaseURL)
	v.SetDefault("challonge.subdomain", "narivals")
	v.SetDefault("challonge.timeout", "10s")
	v.SetDefault("challonge.max_elapsed", "1m")
	v.SetDefault("award.concurrency", 4)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the %s backend", BackendPostgres)
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required for the %s backend", BackendSQLite)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

func configureViper(service string, configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath, service)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(fmt.Sprintf("cmd/%s/", service))
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix("RIVALS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars makes every key visible to Unmarshal even when it is only
// set in the environment.
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug",
		"log_level",
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		"server.admin_api_key",
		"server.cors_origin",
		// Store
		"store.backend",
		"store.timeout",
		"store.auto_migrate",
		"database.url",
		"database.max_conns",
		"sqlite.path",
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.ttl",
		// NATS
		"nats.url",
		"nats.subject",
		"nats.connection_name",
		"nats.max_reconnects",
		"nats.reconnect_wait",
		// Discord
		"discord.token",
		"discord.channels",
		"discord.links_channel",
		"discord.admins",
		"discord.bracket_base",
		// Challonge
		"challonge.base_url",
		"challonge.api_key",
		"challonge.subdomain",
		"challonge.timeout",
		"challonge.max_elapsed",
		"award.concurrency",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

func loadEnv(envPath string, service string) {
	envFiles := []string{".env", ".env.local"}
	if service != "" {
		envFiles = append(envFiles, ".env."+service+".local")
	}

	if envPath == "" {
		envPath = "config/"
	}

	for _, envFile := range envFiles {
		_ = godotenv.Overload(filepath.Join(envPath, envFile)) // later files win
	}
}
