package driver

import (
	"errors"

	"github.com/Flying-Pillow/surrealigrate/migration"
)

// Ledger is the durable record of applied versions: one row per applied
// version, inserted on apply and deleted on revert.
type Ledger interface {
	// CurrentVersion returns the highest recorded version, or 0 when the
	// ledger is empty.
	CurrentVersion() (migration.Version, error)
	// CurrentVersionInfo is CurrentVersion with the entry's title; for an
	// empty ledger it returns migration.NoneApplied().
	CurrentVersionInfo() (*migration.LedgerEntry, error)
	ListEntries() (*[]migration.LedgerEntry, error)
	// RecordApplied fails with ErrDuplicateVersion if an entry for the
	// version already exists.
	RecordApplied(m migration.Migration) error
	// RecordReverted is a no-op when no entry for the version exists.
	RecordReverted(v migration.Version) error
}

// Executor runs one script inside one transaction. The script may contain
// multiple statements; they commit or roll back together. Content is passed
// through verbatim.
type Executor interface {
	RunScript(script string) error
}

type Driver interface {
	Ledger
	Executor
}

var (
	ErrDuplicateVersion = errors.New("ledger already contains an entry for this version")
	ErrInvalidLedger    = errors.New("an error has occurred when reading the ledger table")
)
