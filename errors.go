package surrealigrate

import (
	"errors"
	"fmt"

	"github.com/Flying-Pillow/surrealigrate/migration"
)

var (
	// ErrDirectionMismatch means the requested target version lies on the
	// other side of the current version; the opposite command would reach
	// it. Nothing has been executed when it is returned.
	ErrDirectionMismatch = errors.New("target version requires the opposite command")

	// ErrMissingScript means a migration inside the requested range has no
	// script for the requested direction. Nothing has been executed when it
	// is returned.
	ErrMissingScript = errors.New("migration has no script for this direction")

	// ErrLedgerWrite means a script transaction committed but the matching
	// ledger update failed, so the ledger no longer reflects the database.
	// Manual reconciliation is required before the next run.
	ErrLedgerWrite = errors.New("ledger update failed after the script transaction committed")
)

// ExecutionError reports a script that failed inside its transaction. The
// transaction was rolled back; earlier steps of the same run stay committed.
type ExecutionError struct {
	Migration migration.Migration
	Direction migration.Direction
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf(
		"migration %d (%s, %s) failed: %v",
		e.Migration.Version, e.Migration.DisplayTitle(), e.Direction, e.Err,
	)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
