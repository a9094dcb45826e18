package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

var (
	ErrEmptyBotToken   = errors.New("telegram bot token is required")
	ErrEmptyDBPassword = errors.New("database password is required")
	ErrUnknownDriver   = errors.New("unknown database driver")
	ErrBadInterval     = errors.New("notifier interval must be positive")
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const defaultConfigPath = "configs/config.yaml"

type Config struct {
	App      AppConfig      `yaml:"app" env-prefix:"APP_"`
	Database DatabaseConfig `yaml:"database" env-prefix:"DB_"`
	Bot      BotConfig      `yaml:"bot" env-prefix:"BOT_"`
	Notifier NotifierConfig `yaml:"notifier" env-prefix:"NOTIFIER_"`
	NATS     NATSConfig     `yaml:"nats" env-prefix:"NATS_"`
	Health   HealthConfig   `yaml:"health" env-prefix:"HEALTH_"`
	Dump     DumpConfig     `yaml:"dump" env-prefix:"DUMP_"`
}

type AppConfig struct {
	Name        string `yaml:"name" env:"NAME" env-default:"joke-bot"`
	Environment string `yaml:"environment" env:"ENVIRONMENT" env-default:"production"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	LogFormat   string `yaml:"log_format" env:"LOG_FORMAT" env-default:"json"`
}

type DatabaseConfig struct {
	Driver         string        `yaml:"driver" env:"DRIVER" env-default:"sqlite"`
	Path           string        `yaml:"path" env:"PATH" env-default:"jokes.db"`
	Host           string        `yaml:"host" env:"HOST" env-default:"localhost"`
	Port           int           `yaml:"port" env:"PORT" env-default:"5432"`
	User           string        `yaml:"user" env:"USER" env-default:"jokebot"`
	Password       string        `yaml:"password" env:"PASSWORD"`
	Name           string        `yaml:"name" env:"NAME" env-default:"jokebot"`
	SSLMode        string        `yaml:"ssl_mode" env:"SSLMODE" env-default:"disable"`
	MaxConnections int           `yaml:"max_connections" env:"MAX_CONNECTIONS" env-default:"10"`
	MinConnections int           `yaml:"min_connections" env:"MIN_CONNECTIONS" env-default:"1"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT" env-default:"10s"`
	QueryTimeout   time.Duration `yaml:"query_timeout" env:"QUERY_TIMEOUT" env-default:"5s"`
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// Addr is the human-readable location of the database, used in errors and logs.
func (d DatabaseConfig) Addr() string {
	if d.Driver == DriverSQLite {
		return d.Path
	}
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

type BotConfig struct {
	Token       string        `yaml:"token" env:"TOKEN"`
	OwnerID     int64         `yaml:"owner_id" env:"OWNER_ID"`
	PollTimeout time.Duration `yaml:"poll_timeout" env:"POLL_TIMEOUT" env-default:"10s"`
	SendRate    float64       `yaml:"send_rate" env:"SEND_RATE" env-default:"25"`
	SendRetries uint64        `yaml:"send_retries" env:"SEND_RETRIES" env-default:"3"`
}

type NotifierConfig struct {
	Enabled         bool          `yaml:"enabled" env:"ENABLED" env-default:"true"`
	Interval        time.Duration `yaml:"interval" env:"INTERVAL" env-default:"1m"`
	DrainOnShutdown bool          `yaml:"drain_on_shutdown" env:"DRAIN_ON_SHUTDOWN" env-default:"false"`
}

// NATSConfig enables JetStream fan-out when URL is non-empty.
type NATSConfig struct {
	URL        string `yaml:"url" env:"URL"`
	StreamName string `yaml:"stream_name" env:"STREAM_NAME" env-default:"JOKES"`
}

type HealthConfig struct {
	Port     int    `yaml:"port" env:"PORT" env-default:"8080"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT" env-default:"/healthz"`
	Metrics  string `yaml:"metrics" env:"METRICS" env-default:"/metrics"`
}

type DumpConfig struct {
	Dir string `yaml:"dir" env:"DIR" env-default:"dumps"`
}

// Read loads .env, the optional YAML file and the environment, without
// validating. The migrator uses it because it needs no bot token.
func Read() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	configPath := os.Getenv("CONFIG_PATH")
	explicit := configPath != ""
	if !explicit {
		configPath = defaultConfigPath
	}

	var cfg Config

	if _, err := os.Stat(configPath); err == nil {
		if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from %s: %w", configPath, err)
		}
		return &cfg, nil
	} else if explicit {
		return nil, fmt.Errorf("failed to read config from %s: %w", configPath, err)
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from environment: %w", err)
	}

	return &cfg, nil
}

func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Bot.Token == "" {
		return ErrEmptyBotToken
	}
	if c.Notifier.Enabled && c.Notifier.Interval <= 0 {
		return fmt.Errorf("%w: %v", ErrBadInterval, c.Notifier.Interval)
	}
	return c.Database.Validate()
}

func (d DatabaseConfig) Validate() error {
	switch d.Driver {
	case DriverSQLite:
		return nil
	case DriverPostgres:
		if d.Password == "" {
			return ErrEmptyDBPassword
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, d.Driver)
	}
}
