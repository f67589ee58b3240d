package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Engine    EngineConfig   `mapstructure:"engine"`
	JWTSecret string         `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

type EngineConfig struct {
	EvaluationTimeoutMs int    `mapstructure:"evaluation_timeout_ms"`
	DefaultPageSize     int    `mapstructure:"default_page_size"`
	MaxPageSize         int    `mapstructure:"max_page_size"`
	ScheduledCron       string `mapstructure:"scheduled_cron"`
	ScheduledBatchSize  int    `mapstructure:"scheduled_batch_size"`
}

// EvaluationTimeout returns the rule evaluation budget for one operation.
func (e EngineConfig) EvaluationTimeout() time.Duration {
	return time.Duration(e.EvaluationTimeoutMs) * time.Millisecond
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	switch d.Driver {
	case "sqlite":
		return d.Path + "/" + d.Name + ".db"
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			d.User, d.Password, d.Host, d.Port, d.Name)
	default:
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			d.User, d.Password, d.Host, d.Port, d.Name)
	}
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../..")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "mdm")
	viper.SetDefault("database.pool_size", 10)
	viper.SetDefault("database.path", "./data")
	viper.SetDefault("jwt_secret", "changeme-secret")
	viper.SetDefault("engine.evaluation_timeout_ms", 5000)
	viper.SetDefault("engine.default_page_size", 25)
	viper.SetDefault("engine.max_page_size", 100)
	viper.SetDefault("engine.scheduled_cron", "@every 15m")
	viper.SetDefault("engine.scheduled_batch_size", 200)

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// defaults plus env are enough to run; only a malformed file is fatal
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
