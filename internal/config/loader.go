package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Environment names.
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// EnvPrefix prefixes every environment override, e.g. BIOSENSE_AUTH_SECRET.
const EnvPrefix = "BIOSENSE"

// ConfigPaths defines the directories searched for <environment>.yaml.
var ConfigPaths = []string{
	"./configs",
	"../configs",
	"../../configs",
}

// DotEnvPaths defines the .env files tried, first match wins.
var DotEnvPaths = []string{
	".env",
	"../.env",
	"./configs/.env",
}

// Load reads configuration from defaults, the optional YAML file for the
// current environment, a .env file and BIOSENSE_* environment variables,
// in increasing order of precedence.
func Load() (*Config, error) {
	loadDotEnv()
	return LoadFrom(ConfigPaths...)
}

// LoadFrom is Load without .env handling and with explicit search paths.
func LoadFrom(paths ...string) (*Config, error) {
	env := environment()

	v := viper.New()
	v.SetConfigName(env)
	v.SetConfigType("yaml")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	cfg.Environment = env

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_upload_bytes", 10<<20)

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "biosense.db?_foreign_keys=on&_busy_timeout=5000")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prediction_ttl", 10*time.Minute)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.key_id", "primary")
	v.SetDefault("auth.previous_keys", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 10)

	v.SetDefault("inference.backend", BackendLocal)
	v.SetDefault("inference.weights_path", "models/biosense_classifier.json")
	v.SetDefault("inference.labels_path", "models/class_names.json")
	v.SetDefault("inference.addr", "")
	v.SetDefault("inference.dial_timeout", 5*time.Second)
	v.SetDefault("inference.max_pixels", 40_000_000)

	v.SetDefault("logger.level", "info")
}

func environment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(EnvPrefix + "_ENV")))
	if env == "" {
		return Development
	}
	return env
}

// loadDotEnv loads the first .env file found. Variables already set in the
// process environment are never overwritten.
func loadDotEnv() {
	for _, path := range DotEnvPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
}
