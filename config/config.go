// Package config loads the tool configuration from an optional YAML file,
// with every value overridable through SURREALIGRATE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DriverSurreal  = "surreal"
	DriverMysql    = "mysql"
	DriverPostgres = "postgres"
)

// DefaultFileName is looked up in the working directory when no explicit
// config path is given.
const DefaultFileName = "surrealigrate.yaml"

type Config struct {
	Driver    string           `yaml:"driver"`
	URL       string           `yaml:"url"`
	Username  string           `yaml:"username"`
	Password  string           `yaml:"password"`
	Namespace string           `yaml:"namespace"`
	Database  string           `yaml:"database"`
	Migrations MigrationsConfig `yaml:"migrations"`
}

type MigrationsConfig struct {
	Dir   string `yaml:"dir"`
	Table string `yaml:"table"`
}

// Load reads path (when non-empty), applies environment overrides and
// validates the result. A missing file at an explicitly given path is an
// error; defaults cover everything a local SurrealDB needs.
func Load(path string) (Config, error) {
	cfg := Config{
		Driver: DriverSurreal,
		URL:    "ws://localhost:8000/rpc",
		Migrations: MigrationsConfig{
			Dir:   "./migrations",
			Table: "migrations",
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		name   string
		target *string
	}{
		{"SURREALIGRATE_DRIVER", &cfg.Driver},
		{"SURREALIGRATE_URL", &cfg.URL},
		{"SURREALIGRATE_USERNAME", &cfg.Username},
		{"SURREALIGRATE_PASSWORD", &cfg.Password},
		{"SURREALIGRATE_NAMESPACE", &cfg.Namespace},
		{"SURREALIGRATE_DATABASE", &cfg.Database},
		{"SURREALIGRATE_MIGRATIONS_DIR", &cfg.Migrations.Dir},
		{"SURREALIGRATE_MIGRATIONS_TABLE", &cfg.Migrations.Table},
	}

	for _, override := range overrides {
		if value := strings.TrimSpace(os.Getenv(override.name)); value != "" {
			*override.target = value
		}
	}
}

func validate(cfg Config) error {
	missing := make([]string, 0, 2)
	invalid := make([]string, 0, 1)

	switch cfg.Driver {
	case DriverSurreal:
		if cfg.Namespace == "" {
			missing = append(missing, "namespace")
		}
		if cfg.Database == "" {
			missing = append(missing, "database")
		}
	case DriverMysql:
		if cfg.Database == "" {
			missing = append(missing, "database")
		}
	case DriverPostgres:
		// the DSN carries the database name
	default:
		invalid = append(invalid, "driver")
	}

	if cfg.URL == "" {
		missing = append(missing, "url")
	}
	if cfg.Migrations.Dir == "" {
		missing = append(missing, "migrations.dir")
	}
	if cfg.Migrations.Table == "" {
		missing = append(missing, "migrations.table")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration values: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid configuration values: %s", strings.Join(invalid, ", "))
	}

	return nil
}
