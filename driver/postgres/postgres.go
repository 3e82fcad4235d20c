// Package postgres implements the migration driver for PostgreSQL.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/Flying-Pillow/surrealigrate/driver"
	"github.com/Flying-Pillow/surrealigrate/migration"
)

type DriverConfig struct {
	LedgerTableName string
}

type postgresDriver struct {
	conn   *sqlx.DB
	config DriverConfig
}

func NewDriver(conn *sqlx.DB, config DriverConfig) driver.Driver {
	return &postgresDriver{
		conn:   conn,
		config: config,
	}
}

const uniqueViolationCode = "23505"

type ledgerRow struct {
	Version   uint64       `db:"version"`
	Title     string       `db:"title"`
	AppliedAt sql.NullTime `db:"applied_at"`
}

func (r ledgerRow) toEntry() migration.LedgerEntry {
	entry := migration.LedgerEntry{
		Migration: migration.Migration{
			Version: migration.Version(r.Version),
			Title:   r.Title,
		},
	}
	if r.AppliedAt.Valid {
		entry.AppliedAt = r.AppliedAt.Time
	}
	return entry
}

func (drv *postgresDriver) CurrentVersion() (migration.Version, error) {
	info, err := drv.CurrentVersionInfo()
	if err != nil {
		return 0, err
	}
	return info.Version, nil
}

func (drv *postgresDriver) CurrentVersionInfo() (*migration.LedgerEntry, error) {
	tableName := drv.quotedLedgerTableName()

	if err := drv.ensureLedgerTableExists(tableName); err != nil {
		return nil, fmt.Errorf("failed to query current version: %w", err)
	}

	var row ledgerRow
	err := drv.conn.Get(&row, fmt.Sprintf(
		"SELECT version, title, applied_at FROM %s ORDER BY version DESC LIMIT 1",
		tableName,
	))
	if errors.Is(err, sql.ErrNoRows) {
		none := migration.NoneApplied()
		return &none, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query current version: %w", err)
	}

	entry := row.toEntry()
	return &entry, nil
}

func (drv *postgresDriver) ListEntries() (*[]migration.LedgerEntry, error) {
	tableName := drv.quotedLedgerTableName()

	if err := drv.ensureLedgerTableExists(tableName); err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}

	var rows []ledgerRow
	err := drv.conn.Select(&rows, fmt.Sprintf(
		"SELECT version, title, applied_at FROM %s ORDER BY version ASC",
		tableName,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}

	result := make([]migration.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toEntry())
	}

	return &result, nil
}

func (drv *postgresDriver) RecordApplied(m migration.Migration) error {
	tableName := drv.quotedLedgerTableName()

	if err := drv.ensureLedgerTableExists(tableName); err != nil {
		return fmt.Errorf("failed to record applied version %d: %w", m.Version, err)
	}

	_, err := drv.conn.Exec(fmt.Sprintf(
		"INSERT INTO %s (version, title) VALUES ($1, $2)",
		tableName,
	), uint64(m.Version), m.Title)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolationCode {
		return fmt.Errorf("%w: version %d", driver.ErrDuplicateVersion, m.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to record applied version %d: %w", m.Version, err)
	}

	return nil
}

func (drv *postgresDriver) RecordReverted(v migration.Version) error {
	tableName := drv.quotedLedgerTableName()

	if err := drv.ensureLedgerTableExists(tableName); err != nil {
		return fmt.Errorf("failed to record reverted version %d: %w", v, err)
	}

	_, err := drv.conn.Exec(fmt.Sprintf(
		"DELETE FROM %s WHERE version = $1",
		tableName,
	), uint64(v))
	if err != nil {
		return fmt.Errorf("failed to record reverted version %d: %w", v, err)
	}

	return nil
}

func (drv *postgresDriver) RunScript(script string) error {
	tx, err := drv.conn.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err = tx.Exec(script); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("script execution failed: %w (rollback also failed: %v)", err, rollbackErr)
		}
		return fmt.Errorf("script execution failed: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit script transaction: %w", err)
	}

	return nil
}

// ---

func (drv *postgresDriver) quotedLedgerTableName() string {
	return pq.QuoteIdentifier(drv.config.LedgerTableName)
}

func (drv *postgresDriver) ensureLedgerTableExists(quotedTableName string) error {
	_, err := drv.conn.Exec(fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"version    bigint primary key, "+
			"title      text not null default '', "+
			"applied_at timestamptz not null default now()"+
			")",
		quotedTableName,
	))

	if err != nil {
		return fmt.Errorf("failed to create ledger table %s: %w", quotedTableName, err)
	}

	return nil
}
