package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/0xPuncker/undertaker/internal/agent"
	"github.com/0xPuncker/undertaker/pkg/types"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Storage       StorageConfig      `yaml:"storage"`
	Agent         AgentConfig        `yaml:"agent"`
	Notifications NotificationConfig `yaml:"notifications"`
	Cron          types.CronConfig   `yaml:"cron"`
	LogLevel      string             `yaml:"log_level"`
}

type ServerConfig struct {
	Port         string `yaml:"port"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

type StorageConfig struct {
	// Driver is one of memory, sqlite3 or postgres.
	Driver         string `yaml:"driver"`
	DSN            string `yaml:"dsn"`
	ReclaimTimeout string `yaml:"reclaim_timeout"`
	Owns           bool   `yaml:"owns"`
}

type AgentConfig struct {
	Workers int `yaml:"workers"`
}

type NotificationConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	NotifyOnSuccess bool   `yaml:"notify_on_success"`
}

// Load reads the YAML file at configPath. When the file cannot be read
// the configuration comes from UNDERTAKER_* environment variables, after
// loading .env or .env.local if present.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if err := godotenv.Load(); err != nil {
			_ = godotenv.Load(".env.local")
		}
		return fromEnv()
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func fromEnv() (*Config, error) {
	defaults := DefaultConfig()
	config := &Config{
		Server: ServerConfig{
			Port:         getEnv("UNDERTAKER_PORT", defaults.Server.Port),
			ReadTimeout:  getEnv("UNDERTAKER_READ_TIMEOUT", defaults.Server.ReadTimeout),
			WriteTimeout: getEnv("UNDERTAKER_WRITE_TIMEOUT", defaults.Server.WriteTimeout),
		},
		Storage: StorageConfig{
			Driver:         getEnv("UNDERTAKER_STORAGE_DRIVER", defaults.Storage.Driver),
			DSN:            getEnv("UNDERTAKER_STORAGE_DSN", defaults.Storage.DSN),
			ReclaimTimeout: getEnv("UNDERTAKER_RECLAIM_TIMEOUT", defaults.Storage.ReclaimTimeout),
			Owns:           defaults.Storage.Owns,
		},
		Notifications: NotificationConfig{
			SlackWebhookURL: getEnv("UNDERTAKER_SLACK_WEBHOOK_URL", ""),
		},
		LogLevel: getEnv("UNDERTAKER_LOG_LEVEL", defaults.LogLevel),
	}

	var err error
	if config.Agent.Workers, err = strconv.Atoi(getEnv("UNDERTAKER_WORKERS", strconv.Itoa(defaults.Agent.Workers))); err != nil {
		return nil, fmt.Errorf("invalid UNDERTAKER_WORKERS: %w", err)
	}
	if config.Notifications.NotifyOnSuccess, err = strconv.ParseBool(getEnv("UNDERTAKER_NOTIFY_ON_SUCCESS", "false")); err != nil {
		return nil, fmt.Errorf("invalid UNDERTAKER_NOTIFY_ON_SUCCESS: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  "15s",
			WriteTimeout: "15s",
		},
		Storage: StorageConfig{
			Driver:         "memory",
			ReclaimTimeout: "5m",
			Owns:           true,
		},
		Agent: AgentConfig{
			Workers: agent.DefaultWorkers,
		},
		LogLevel: "info",
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "sqlite3", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage driver %s requires a dsn", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Agent.Workers < agent.MinWorkers || c.Agent.Workers > agent.MaxWorkers {
		return fmt.Errorf("agent.workers must be between %d and %d, got %d", agent.MinWorkers, agent.MaxWorkers, c.Agent.Workers)
	}

	for name, value := range map[string]string{
		"storage.reclaim_timeout": c.Storage.ReclaimTimeout,
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// Duration parses value, returning fallback when it is empty. Values are
// checked by Validate.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
