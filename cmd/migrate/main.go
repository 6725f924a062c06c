package main

import (
	"embed"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"

	"github.com/example/biosense/internal/config"
	"github.com/example/biosense/internal/logging"
)

//go:embed migrations/*.sql
var migrations embed.FS

func main() {
	var (
		dsn     = flag.String("dsn", "", "PostgreSQL connection URL (defaults to database.dsn from configuration)")
		up      = flag.Bool("up", false, "Run all up migrations")
		down    = flag.Bool("down", false, "Run all down migrations")
		steps   = flag.Int("steps", 0, "Number of migrations (positive=up, negative=down)")
		version = flag.Bool("version", false, "Print current migration version")
		force   = flag.Int("force", -1, "Force set version (use with caution)")
	)
	flag.Parse()

	forceSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "force" {
			forceSet = true
		}
	})

	logger, err := logging.NewLogger("info")
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if *dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			logger.Fatal("failed to load configuration", zap.Error(err))
		}
		if cfg.Database.Driver != config.DriverPostgres {
			logger.Fatal("migrations target PostgreSQL; pass -dsn or set BIOSENSE_DATABASE_DRIVER=postgres", zap.String("driver", cfg.Database.Driver))
		}
		*dsn = cfg.Database.DSN
	}
	sourceURL, err := migrationURL(*dsn)
	if err != nil {
		logger.Fatal("invalid dsn", zap.Error(err))
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		logger.Fatal("failed to create migration source", zap.Error(err))
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, sourceURL)
	if err != nil {
		logger.Fatal("failed to create migrator", zap.Error(err))
	}
	defer m.Close()

	switch {
	case *version:
		v, dirty, err := m.Version()
		if err != nil {
			logger.Fatal("failed to get version", zap.Error(err))
		}
		fmt.Printf("version: %d, dirty: %v\n", v, dirty)
	case forceSet:
		if err := m.Force(*force); err != nil {
			logger.Fatal("failed to force version", zap.Error(err))
		}
		logger.Info("forced migration version", zap.Int("version", *force))
	case *up:
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("failed to run up migrations", zap.Error(err))
		}
		logger.Info("migrations applied successfully")
	case *down:
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("failed to run down migrations", zap.Error(err))
		}
		logger.Info("migrations reverted successfully")
	case *steps != 0:
		if err := m.Steps(*steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
		logger.Info("applied migration steps", zap.Int("steps", *steps))
	default:
		fmt.Println("usage: migrate [-dsn <postgres-url>] [-up|-down|-steps N|-version|-force N]")
		flag.PrintDefaults()
		os.Exit(2)
	}
}

// migrationURL accepts either a postgres:// URL or a key=value DSN as used
// by the API server and returns the URL form golang-migrate expects.
func migrationURL(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return dsn, nil
	}

	params := map[string]string{}
	for _, field := range strings.Fields(dsn) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return "", fmt.Errorf("malformed dsn field %q", field)
		}
		params[key] = value
	}
	if params["host"] == "" || params["dbname"] == "" {
		return "", errors.New("dsn must name host and dbname")
	}

	port := params["port"]
	if port == "" {
		port = "5432"
	}
	sslmode := params["sslmode"]
	if sslmode == "" {
		sslmode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     params["host"] + ":" + port,
		Path:     "/" + params["dbname"],
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	if user := params["user"]; user != "" {
		if pw, ok := params["password"]; ok {
			u.User = url.UserPassword(user, pw)
		} else {
			u.User = url.User(user)
		}
	}
	return u.String(), nil
}
