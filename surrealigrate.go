// Package surrealigrate applies and reverts ordered, versioned schema-change
// scripts against a database, tracking applied versions in a ledger so that
// repeated invocations are idempotent and interrupted runs can be resumed.
package surrealigrate

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/Flying-Pillow/surrealigrate/driver"
	"github.com/Flying-Pillow/surrealigrate/migration"
	source2 "github.com/Flying-Pillow/surrealigrate/source"
)

// ---

type Migrator interface {
	// Migrate applies every pending migration up to target (latest available
	// when target is nil). Returns ErrDirectionMismatch when target is below
	// the current version.
	Migrate(target *migration.Version) error
	// Rollback reverts every applied migration down to, but not including,
	// target (one step back when target is nil). Returns ErrDirectionMismatch
	// when target is not below the current version.
	Rollback(target *migration.Version) error
	Info() (*Status, error)
}

// Status combines the ledger with the discovered migrations.
type Status struct {
	// Current is the newest ledger entry, or migration.NoneApplied().
	Current migration.LedgerEntry
	// Latest is the highest discovered version; 0 when no migration files
	// exist (LatestKnown reports which of the two it is).
	Latest      migration.Version
	LatestKnown bool
	// Migrations lists every known migration in ascending version order.
	Migrations   []migration.State
	AppliedCount uint
	PendingCount uint
	MissingCount uint
}

// Pending returns the migrations from Status that still wait to be applied,
// ascending.
func (s *Status) Pending() []migration.Migration {
	pending := make([]migration.Migration, 0, s.PendingCount)
	for _, state := range s.Migrations {
		if state.Status == migration.Pending {
			pending = append(pending, state.Migration)
		}
	}
	return pending
}

// ---

type migratorImpl struct {
	source source2.Source
	driver driver.Driver
	log    *slog.Logger
}

// ---

func New(source source2.Source, driver driver.Driver, log *slog.Logger) Migrator {
	if log == nil {
		log = slog.Default()
	}
	return &migratorImpl{
		source: source,
		driver: driver,
		log:    log,
	}
}

// ---

func (m *migratorImpl) Migrate(target *migration.Version) error {
	available, current, err := m.loadPlanInputs()
	if err != nil {
		return err
	}

	plan, err := PlanApply(*available, current, target)
	if err != nil {
		return err
	}

	if len(plan) == 0 {
		m.log.Info("database is up to date", "currentVersion", uint64(current))
		return nil
	}

	return m.run(plan)
}

func (m *migratorImpl) Rollback(target *migration.Version) error {
	available, current, err := m.loadPlanInputs()
	if err != nil {
		return err
	}

	plan, err := PlanRevert(*available, current, target)
	if err != nil {
		return err
	}

	if len(plan) == 0 {
		m.log.Info("nothing to roll back", "currentVersion", uint64(current))
		return nil
	}

	return m.run(plan)
}

func (m *migratorImpl) Info() (*Status, error) {
	availableMigrations, err := m.source.GetAvailableMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to get the list of available migrations: %w", err)
	}

	appliedEntries, err := m.driver.ListEntries()
	if err != nil {
		return nil, fmt.Errorf("failed to get the list of applied migrations: %w", err)
	}

	currentInfo, err := m.driver.CurrentVersionInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get the current version: %w", err)
	}

	appliedByVersion := make(map[migration.Version]migration.LedgerEntry, len(*appliedEntries))
	for _, entry := range *appliedEntries {
		appliedByVersion[entry.Version] = entry
	}

	status := Status{
		Current:    *currentInfo,
		Migrations: make([]migration.State, 0, len(*availableMigrations)),
	}
	status.Latest, status.LatestKnown = migration.LatestVersion(*availableMigrations)

	for _, availableMigration := range *availableMigrations {
		entry, applied := appliedByVersion[availableMigration.Version]

		if applied {
			status.AppliedCount++
			status.Migrations = append(status.Migrations, migration.State{
				Description: availableMigration,
				Status:      migration.Applied,
				AppliedAt:   entry.AppliedAt,
			})
		} else {
			status.PendingCount++
			status.Migrations = append(status.Migrations, migration.State{
				Description: availableMigration,
				Status:      migration.Pending,
			})
		}

		delete(appliedByVersion, availableMigration.Version)
	}

	// whatever is left in the ledger has no file on disk anymore
	for _, entry := range appliedByVersion {
		status.Migrations = append(status.Migrations, migration.State{
			Description: migration.Description{Migration: entry.Migration},
			Status:      migration.Missing,
			AppliedAt:   entry.AppliedAt,
		})
		status.MissingCount++
	}

	sort.Slice(status.Migrations, func(i, j int) bool {
		return status.Migrations[i].Version < status.Migrations[j].Version
	})

	return &status, nil
}

// ---

func (m *migratorImpl) loadPlanInputs() (*[]migration.Description, migration.Version, error) {
	available, err := m.source.GetAvailableMigrations()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get the list of available migrations: %w", err)
	}

	current, err := m.driver.CurrentVersion()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get the current version: %w", err)
	}

	return available, current, nil
}

// run executes the plan strictly in order, one script transaction at a time.
// On the first failure it stops and propagates; steps that already committed
// stay committed, so a re-invocation resumes from the new current version.
func (m *migratorImpl) run(plan migration.Plan) error {
	for _, step := range plan {
		script, err := m.source.ReadMigration(step.Migration, step.Direction)
		if err != nil {
			return fmt.Errorf("failed to read script for version %d (%s): %w", step.Version, step.Direction, err)
		}

		m.log.Info("running migration",
			"version", uint64(step.Version),
			"title", step.DisplayTitle(),
			"direction", string(step.Direction),
		)

		if err := m.driver.RunScript(script); err != nil {
			return &ExecutionError{Migration: step.Migration, Direction: step.Direction, Err: err}
		}

		if err := m.recordStep(step); err != nil {
			return err
		}
	}

	return nil
}

func (m *migratorImpl) recordStep(step migration.Step) error {
	var err error
	switch step.Direction {
	case migration.Do:
		err = m.driver.RecordApplied(step.Migration)
	case migration.Undo:
		err = m.driver.RecordReverted(step.Version)
	}

	if err != nil {
		// the script transaction has already committed; the ledger is now
		// behind the database and must be reconciled by hand
		m.log.Error("script committed but the ledger was not updated",
			"version", uint64(step.Version),
			"direction", string(step.Direction),
			"error", err,
		)
		return fmt.Errorf("%w: version %d (%s): %w", ErrLedgerWrite, step.Version, step.Direction, err)
	}

	return nil
}
