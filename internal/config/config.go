package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds all configuration for the service and its companion commands.
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Inference   InferenceConfig `mapstructure:"inference"`
	Logger      LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes    int64         `mapstructure:"max_upload_bytes"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"`
}

// RedisConfig contains prediction cache settings. An empty Addr disables the cache.
type RedisConfig struct {
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	PredictionTTL time.Duration `mapstructure:"prediction_ttl"`
}

// AuthConfig contains token signing and password hashing settings.
type AuthConfig struct {
	Secret string `mapstructure:"secret"`
	KeyID  string `mapstructure:"key_id"`
	// PreviousKeys lists retired signing keys as "kid:secret" pairs separated by commas.
	PreviousKeys string        `mapstructure:"previous_keys"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	BcryptCost   int           `mapstructure:"bcrypt_cost"`
}

// InferenceConfig selects and configures the classifier backend.
type InferenceConfig struct {
	Backend     string        `mapstructure:"backend"`
	WeightsPath string        `mapstructure:"weights_path"`
	LabelsPath  string        `mapstructure:"labels_path"`
	Addr        string        `mapstructure:"addr"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	MaxPixels   int           `mapstructure:"max_pixels"`
}

// LoggerConfig contains logger settings.
type LoggerConfig struct {
	Level string `mapstructure:"level"`
}

// Supported values for DatabaseConfig.Driver and InferenceConfig.Backend.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	BackendLocal = "local"
	BackendGRPC  = "grpc"
)

// Validate reports configuration that would keep the service from starting.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unsupported database.driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	switch c.Inference.Backend {
	case BackendLocal:
		if c.Inference.WeightsPath == "" || c.Inference.LabelsPath == "" {
			errs = append(errs, errors.New("inference.weights_path and inference.labels_path are required for the local backend"))
		}
	case BackendGRPC:
		if c.Inference.Addr == "" {
			errs = append(errs, errors.New("inference.addr is required for the grpc backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported inference.backend %q", c.Inference.Backend))
	}
	if _, err := c.Auth.Keys(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Keys returns every configured signing secret by key id, the active one included.
func (a AuthConfig) Keys() (map[string]string, error) {
	keys := map[string]string{a.KeyID: a.Secret}
	for _, pair := range strings.Split(a.PreviousKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, secret, ok := strings.Cut(pair, ":")
		kid, secret = strings.TrimSpace(kid), strings.TrimSpace(secret)
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("malformed auth.previous_keys entry %q", pair)
		}
		if kid == a.KeyID {
			return nil, fmt.Errorf("auth.previous_keys reuses the active key id %q", kid)
		}
		keys[kid] = secret
	}
	return keys, nil
}
