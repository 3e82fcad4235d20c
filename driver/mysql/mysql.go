// Package mysql implements the migration driver for MySQL and MariaDB.
//
// The connection must be opened with multiStatements=true so that a script
// containing several statements runs inside one transaction.
package mysql

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/Flying-Pillow/surrealigrate/driver"
	"github.com/Flying-Pillow/surrealigrate/migration"
)

type DriverConfig struct {
	DatabaseName    string
	LedgerTableName string
}

type mysqlDriver struct {
	conn   *sql.DB
	config DriverConfig
}

func NewDriver(conn *sql.DB, config DriverConfig) driver.Driver {
	return &mysqlDriver{
		conn:   conn,
		config: config,
	}
}

const duplicateEntryErrNumber = 1062

func (drv *mysqlDriver) CurrentVersion() (migration.Version, error) {
	info, err := drv.CurrentVersionInfo()
	if err != nil {
		return 0, err
	}
	return info.Version, nil
}

func (drv *mysqlDriver) CurrentVersionInfo() (*migration.LedgerEntry, error) {
	tableName := drv.makeEscapedLedgerTableName()

	if err := drv.ensureLedgerTableExists(&tableName); err != nil {
		return nil, fmt.Errorf("failed to query current version: %w", err)
	}

	var entry migration.LedgerEntry
	row := drv.conn.QueryRow(fmt.Sprintf(
		"SELECT version, title FROM %s ORDER BY version DESC LIMIT 1",
		tableName,
	))

	err := row.Scan(&entry.Version, &entry.Title)
	if errors.Is(err, sql.ErrNoRows) {
		none := migration.NoneApplied()
		return &none, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query current version: %w", err)
	}

	return &entry, nil
}

func (drv *mysqlDriver) ListEntries() (*[]migration.LedgerEntry, error) {
	tableName := drv.makeEscapedLedgerTableName()

	if err := drv.ensureLedgerTableExists(&tableName); err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}

	rows, err := drv.query(fmt.Sprintf(
		"SELECT version, title, applied_at FROM %s ORDER BY version ASC",
		tableName,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	result, err := drv.fetchLedgerEntries(rows)
	if err != nil {
		return nil, err
	}

	return &result, nil
}

func (drv *mysqlDriver) RecordApplied(m migration.Migration) error {
	tableName := drv.makeEscapedLedgerTableName()

	if err := drv.ensureLedgerTableExists(&tableName); err != nil {
		return fmt.Errorf("failed to record applied version %d: %w", m.Version, err)
	}

	_, err := drv.conn.Exec(fmt.Sprintf(
		"INSERT INTO %s (version, title) VALUES (?, ?)",
		tableName,
	), uint64(m.Version), m.Title)

	var mysqlErr *gomysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == duplicateEntryErrNumber {
		return fmt.Errorf("%w: version %d", driver.ErrDuplicateVersion, m.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to record applied version %d: %w", m.Version, err)
	}

	return nil
}

func (drv *mysqlDriver) RecordReverted(v migration.Version) error {
	tableName := drv.makeEscapedLedgerTableName()

	if err := drv.ensureLedgerTableExists(&tableName); err != nil {
		return fmt.Errorf("failed to record reverted version %d: %w", v, err)
	}

	_, err := drv.conn.Exec(fmt.Sprintf(
		"DELETE FROM %s WHERE version = ?",
		tableName,
	), uint64(v))
	if err != nil {
		return fmt.Errorf("failed to record reverted version %d: %w", v, err)
	}

	return nil
}

func (drv *mysqlDriver) RunScript(script string) error {
	tx, err := drv.conn.Begin()
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

func (drv *mysqlDriver) fetchLedgerEntries(rows *sql.Rows) ([]migration.LedgerEntry, error) {
	result := make([]migration.LedgerEntry, 0)
	for rows.Next() {
		var entry migration.LedgerEntry
		var appliedAt string

		err := rows.Scan(
			&entry.Version,
			&entry.Title,
			&appliedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to query ledger table: %w", err)
		}
		if err = rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to query ledger table: %w", err)
		}

		entry.AppliedAt, err = time.Parse("2006-01-02 15:04:05", appliedAt)
		if err != nil {
			entry.AppliedAt = time.Time{}
		}

		result = append(result, entry)
	}

	return result, nil
}

func (drv *mysqlDriver) query(query string) (*sql.Rows, error) {
	rows, err := drv.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute a query: %w", err)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to execute a query: %w", err)
	}
	return rows, nil
}

func (drv *mysqlDriver) makeEscapedLedgerTableName() string {
	return fmt.Sprintf(
		"`%s`.`%s`",
		escapeMysqlString(drv.config.DatabaseName),
		escapeMysqlString(drv.config.LedgerTableName),
	)
}

func (drv *mysqlDriver) ensureLedgerTableExists(escapedTableName *string) error {
	_, err := drv.conn.Exec(fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"version    bigint unsigned not null, "+
			"title      varchar(255) not null default '', "+
			"applied_at datetime default CURRENT_TIMESTAMP not null, "+
			"primary key (version)"+
			") default charset utf8",
		*escapedTableName,
	))

	if err != nil {
		return fmt.Errorf("failed to create ledger table %s: %w", *escapedTableName, err)
	}

	return nil
}

// originally from https://gist.github.com/siddontang/8875771
func escapeMysqlString(sql string) string { //nolint:cyclop
	const prealloc = 2
	dest := make([]rune, 0, prealloc*len(sql))

	for _, character := range sql {
		var escape rune

		switch character {
		case 0:
			escape = '0'
		case '\n':
			escape = 'n'
		case '\r':
			escape = 'r'
		case '\\':
			escape = '\\'
		case '\'':
			escape = '\''
		case '"':
			escape = '"'
		case '`':
			escape = '`'
		case '\032':
			escape = 'Z'
		}

		if escape != 0 {
			dest = append(dest, '\\', escape)
		} else {
			dest = append(dest, character)
		}
	}

	return string(dest)
}
