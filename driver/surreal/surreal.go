// Package surreal implements the migration driver for SurrealDB.
//
// Ledger entries are stored as records whose id is the migration version
// (type::thing(table, version)), which gives the at-most-one-entry-per-version
// invariant for free. Scripts run wrapped in BEGIN/COMMIT TRANSACTION.
package surreal

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Flying-Pillow/surrealigrate/driver"
	"github.com/Flying-Pillow/surrealigrate/migration"
)

// Conn is the slice of the SurrealDB client this driver needs.
// *surrealdb.DB satisfies it.
type Conn interface {
	Query(sql string, vars interface{}) (interface{}, error)
}

type DriverConfig struct {
	LedgerTableName string
}

type surrealDriver struct {
	conn   Conn
	config DriverConfig
}

func NewDriver(conn Conn, config DriverConfig) driver.Driver {
	return &surrealDriver{
		conn:   conn,
		config: config,
	}
}

func (drv *surrealDriver) CurrentVersion() (migration.Version, error) {
	info, err := drv.CurrentVersionInfo()
	if err != nil {
		return 0, err
	}
	return info.Version, nil
}

func (drv *surrealDriver) CurrentVersionInfo() (*migration.LedgerEntry, error) {
	rows, err := drv.queryRows(
		"SELECT version, title, applied_at FROM type::table($table) ORDER BY version DESC LIMIT 1",
		drv.vars(nil),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query current version: %w", err)
	}

	if len(rows) == 0 {
		entry := migration.NoneApplied()
		return &entry, nil
	}

	entry, err := parseLedgerRow(rows[0])
	if err != nil {
		return nil, err
	}

	return entry, nil
}

func (drv *surrealDriver) ListEntries() (*[]migration.LedgerEntry, error) {
	rows, err := drv.queryRows(
		"SELECT version, title, applied_at FROM type::table($table) ORDER BY version ASC",
		drv.vars(nil),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}

	result := make([]migration.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := parseLedgerRow(row)
		if err != nil {
			return nil, err
		}
		result = append(result, *entry)
	}

	return &result, nil
}

func (drv *surrealDriver) RecordApplied(m migration.Migration) error {
	_, err := drv.queryRows(
		"CREATE type::thing($table, $version) SET version = $version, title = $title, applied_at = time::now()",
		drv.vars(map[string]interface{}{
			"version": uint64(m.Version),
			"title":   m.Title,
		}),
	)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("%w: version %d", driver.ErrDuplicateVersion, m.Version)
		}
		return fmt.Errorf("failed to record applied version %d: %w", m.Version, err)
	}

	return nil
}

func (drv *surrealDriver) RecordReverted(v migration.Version) error {
	_, err := drv.queryRows(
		"DELETE type::thing($table, $version)",
		drv.vars(map[string]interface{}{
			"version": uint64(v),
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to record reverted version %d: %w", v, err)
	}

	return nil
}

func (drv *surrealDriver) RunScript(script string) error {
	wrapped := "BEGIN TRANSACTION;\n" + script + "\nCOMMIT TRANSACTION;"

	raw, err := drv.conn.Query(wrapped, nil)
	if err == nil {
		err = firstStatementError(raw)
	}

	if err != nil {
		// the server cancels an erroring transaction on its own; the
		// explicit cancel covers partially submitted batches
		_, _ = drv.conn.Query("CANCEL TRANSACTION;", nil)
		return fmt.Errorf("script execution failed: %w", err)
	}

	return nil
}

// ---

func (drv *surrealDriver) vars(extra map[string]interface{}) map[string]interface{} {
	vars := map[string]interface{}{
		"table": drv.config.LedgerTableName,
	}
	for k, v := range extra {
		vars[k] = v
	}
	return vars
}

// queryRows runs a single-statement query and returns its result rows.
func (drv *surrealDriver) queryRows(sql string, vars map[string]interface{}) ([]map[string]interface{}, error) {
	raw, err := drv.conn.Query(sql, vars)
	if err != nil {
		return nil, err
	}

	responses, ok := raw.([]interface{})
	if !ok || len(responses) == 0 {
		return nil, fmt.Errorf("%w: unexpected response shape %T", driver.ErrInvalidLedger, raw)
	}

	response, ok := responses[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: unexpected response shape %T", driver.ErrInvalidLedger, responses[0])
	}

	if status, _ := response["status"].(string); status != "OK" {
		detail, _ := response["detail"].(string)
		if detail == "" {
			detail, _ = response["result"].(string)
		}
		return nil, fmt.Errorf("query failed with status %q: %s", status, detail)
	}

	rawRows, ok := response["result"].([]interface{})
	if !ok {
		// statements like DELETE may return a null result
		return nil, nil
	}

	rows := make([]map[string]interface{}, 0, len(rawRows))
	for _, rawRow := range rawRows {
		row, ok := rawRow.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: unexpected row shape %T", driver.ErrInvalidLedger, rawRow)
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// firstStatementError surfaces the first non-OK statement status of a
// multi-statement response.
func firstStatementError(raw interface{}) error {
	responses, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for _, r := range responses {
		response, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		if status, _ := response["status"].(string); status != "" && status != "OK" {
			detail, _ := response["detail"].(string)
			if detail == "" {
				detail, _ = response["result"].(string)
			}
			return fmt.Errorf("statement failed with status %q: %s", status, detail)
		}
	}

	return nil
}

func parseLedgerRow(row map[string]interface{}) (*migration.LedgerEntry, error) {
	var entry migration.LedgerEntry

	version, ok := asVersion(row["version"])
	if !ok {
		return nil, fmt.Errorf("%w: version %v is not numeric", driver.ErrInvalidLedger, row["version"])
	}
	entry.Version = version

	entry.Title, _ = row["title"].(string)

	if appliedAt, ok := row["applied_at"].(string); ok {
		parsed, err := time.Parse(time.RFC3339, appliedAt)
		if err != nil {
			parsed = time.Time{}
		}
		entry.AppliedAt = parsed
	}

	return &entry, nil
}

func asVersion(v interface{}) (migration.Version, bool) {
	switch n := v.(type) {
	case float64:
		return migration.Version(n), true
	case int64:
		return migration.Version(n), true
	case uint64:
		return migration.Version(n), true
	case int:
		return migration.Version(n), true
	case string:
		parsed, err := strconv.ParseUint(n, 10, migration.VersionBits)
		if err != nil {
			return 0, false
		}
		return migration.Version(parsed), true
	default:
		return 0, false
	}
}
