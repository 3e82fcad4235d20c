package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	surrealdb "github.com/surrealdb/surrealdb.go"

	"github.com/Flying-Pillow/surrealigrate"
	"github.com/Flying-Pillow/surrealigrate/config"
	"github.com/Flying-Pillow/surrealigrate/driver"
	mysqldriver "github.com/Flying-Pillow/surrealigrate/driver/mysql"
	postgresdriver "github.com/Flying-Pillow/surrealigrate/driver/postgres"
	surrealdriver "github.com/Flying-Pillow/surrealigrate/driver/surreal"
	"github.com/Flying-Pillow/surrealigrate/migration"
	"github.com/Flying-Pillow/surrealigrate/source/files"
)

const usageText = `usage: surrealigrate [-config <file>] [-dir <directory>] <command> [options]

commands:
  migrate  [-to <version>]  apply pending migrations, optionally up to <version>
  rollback [-to <version>]  revert applied migrations, by default one step back
  info                      show current, latest and pending migrations
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	global := flag.NewFlagSet("surrealigrate", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", "", "path to the config file (default: "+config.DefaultFileName+" if present)")
	dir := global.String("dir", "", "migrations directory (overrides the config file)")

	if err := global.Parse(args); err != nil {
		return 2
	}

	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprint(stderr, usageText)
		return 2
	}

	command := rest[0]
	switch command {
	case "migrate", "rollback", "info":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		fmt.Fprint(stderr, usageText)
		return 2
	}

	target, ok := parseTarget(command, rest[1:], stderr)
	if !ok {
		return 2
	}

	cfg, err := config.Load(pickConfigPath(*configPath))
	if err != nil {
		logger.Error("configuration failed", "error", err)
		return 1
	}
	if *dir != "" {
		cfg.Migrations.Dir = *dir
	}

	src, err := files.NewFilesSource(os.DirFS(cfg.Migrations.Dir), ".")
	if err != nil {
		logger.Error("failed to open migrations directory", "dir", cfg.Migrations.Dir, "error", err)
		return 1
	}

	drv, closeConn, err := openDriver(cfg)
	if err != nil {
		logger.Error("failed to connect to the database", "driver", cfg.Driver, "error", err)
		return 1
	}
	defer closeConn()

	migrator := surrealigrate.New(src, drv, logger)

	switch command {
	case "migrate":
		err = migrator.Migrate(target)
	case "rollback":
		err = migrator.Rollback(target)
	case "info":
		var status *surrealigrate.Status
		status, err = migrator.Info()
		if err == nil {
			printInfo(stdout, status)
		}
	}

	if errors.Is(err, surrealigrate.ErrDirectionMismatch) {
		logger.Warn("nothing was executed", "reason", err)
		return 0
	}
	if err != nil {
		logger.Error(command+" failed", "error", err)
		return 1
	}

	return 0
}

// parseTarget reads the optional -to flag of migrate and rollback. A nil
// result means no target was given.
func parseTarget(command string, args []string, stderr io.Writer) (*migration.Version, bool) {
	sub := flag.NewFlagSet(command, flag.ContinueOnError)
	sub.SetOutput(stderr)

	var rawTarget uint64
	if command != "info" {
		sub.Uint64Var(&rawTarget, "to", 0, "target version")
	}

	if err := sub.Parse(args); err != nil {
		return nil, false
	}

	var target *migration.Version
	sub.Visit(func(f *flag.Flag) {
		if f.Name == "to" {
			v := migration.Version(rawTarget)
			target = &v
		}
	})

	return target, true
}

func pickConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if _, err := os.Stat(config.DefaultFileName); err == nil {
		return config.DefaultFileName
	}
	return ""
}

func openDriver(cfg config.Config) (driver.Driver, func(), error) {
	switch cfg.Driver {
	case config.DriverSurreal:
		db, err := surrealdb.New(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to SurrealDB at %s: %w", cfg.URL, err)
		}
		if cfg.Username != "" {
			if _, err = db.Signin(map[string]interface{}{
				"user": cfg.Username,
				"pass": cfg.Password,
			}); err != nil {
				db.Close()
				return nil, nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
			}
		}
		if _, err = db.Use(cfg.Namespace, cfg.Database); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to select namespace %s / database %s: %w", cfg.Namespace, cfg.Database, err)
		}
		drv := surrealdriver.NewDriver(db, surrealdriver.DriverConfig{
			LedgerTableName: cfg.Migrations.Table,
		})
		return drv, func() { db.Close() }, nil

	case config.DriverMysql:
		dsn, err := gomysql.ParseDSN(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse mysql DSN: %w", err)
		}
		dsn.MultiStatements = true // a script is one transaction with many statements
		conn, err := sql.Open("mysql", dsn.FormatDSN())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open mysql connection: %w", err)
		}
		if err = conn.Ping(); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("failed to reach mysql at %s: %w", dsn.Addr, err)
		}
		drv := mysqldriver.NewDriver(conn, mysqldriver.DriverConfig{
			DatabaseName:    cfg.Database,
			LedgerTableName: cfg.Migrations.Table,
		})
		return drv, func() { _ = conn.Close() }, nil

	case config.DriverPostgres:
		conn, err := sqlx.Connect("postgres", cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		drv := postgresdriver.NewDriver(conn, postgresdriver.DriverConfig{
			LedgerTableName: cfg.Migrations.Table,
		})
		return drv, func() { _ = conn.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

func printInfo(w io.Writer, status *surrealigrate.Status) {
	fmt.Fprintf(w, "current version: %d (%s)\n", status.Current.Version, status.Current.Title)

	if status.LatestKnown {
		fmt.Fprintf(w, "latest version:  %d\n", status.Latest)
	} else {
		fmt.Fprintf(w, "latest version:  none (no migration files found)\n")
	}

	pending := status.Pending()
	fmt.Fprintf(w, "pending:         %d\n", len(pending))
	for _, m := range pending {
		fmt.Fprintf(w, "  %d  %s\n", m.Version, m.DisplayTitle())
	}

	if status.MissingCount > 0 {
		fmt.Fprintf(w, "missing files:   %d (applied versions without a script on disk)\n", status.MissingCount)
		for _, state := range status.Migrations {
			if state.Status == migration.Missing {
				fmt.Fprintf(w, "  %d  %s\n", state.Version, state.DisplayTitle())
			}
		}
	}
}
