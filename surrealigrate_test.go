package surrealigrate_test

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Flying-Pillow/surrealigrate"
	"github.com/Flying-Pillow/surrealigrate/driver"
	"github.com/Flying-Pillow/surrealigrate/migration"
)

var ErrAny = errors.New("test error")

// -- testing double for source ----------

type sourceMock struct {
	migrations []migration.Description
	err        error
}

func (m *sourceMock) GetAvailableMigrations() (*[]migration.Description, error) {
	return &m.migrations, m.err
}

func (m *sourceMock) ReadMigration(mig migration.Migration, direction migration.Direction) (string, error) {
	return scriptFor(mig.Version, direction), nil
}

func scriptFor(v migration.Version, direction migration.Direction) string {
	return fmt.Sprintf("%s:%d", direction, v)
}

// -- testing double for driver ----------

// driverMock is an in-memory ledger plus a recording executor.
type driverMock struct {
	entries     map[migration.Version]migration.LedgerEntry
	ranScripts  []string
	failScripts map[string]error
	recordErr   error
}

func newDriverMock(applied ...migration.Migration) *driverMock {
	entries := make(map[migration.Version]migration.LedgerEntry, len(applied))
	for _, m := range applied {
		entries[m.Version] = migration.LedgerEntry{Migration: m, AppliedAt: time.Unix(12345, 0)}
	}
	return &driverMock{
		entries:     entries,
		failScripts: map[string]error{},
	}
}

func (m *driverMock) CurrentVersion() (migration.Version, error) {
	info, err := m.CurrentVersionInfo()
	if err != nil {
		return 0, err
	}
	return info.Version, nil
}

func (m *driverMock) CurrentVersionInfo() (*migration.LedgerEntry, error) {
	current := migration.NoneApplied()
	for _, entry := range m.entries {
		if entry.Version > current.Version {
			current = entry
		}
	}
	return &current, nil
}

func (m *driverMock) ListEntries() (*[]migration.LedgerEntry, error) {
	result := make([]migration.LedgerEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})
	return &result, nil
}

func (m *driverMock) RecordApplied(mig migration.Migration) error {
	if m.recordErr != nil {
		return m.recordErr
	}
	if _, exists := m.entries[mig.Version]; exists {
		return fmt.Errorf("%w: version %d", driver.ErrDuplicateVersion, mig.Version)
	}
	m.entries[mig.Version] = migration.LedgerEntry{Migration: mig, AppliedAt: time.Unix(12345, 0)}
	return nil
}

func (m *driverMock) RecordReverted(v migration.Version) error {
	if m.recordErr != nil {
		return m.recordErr
	}
	delete(m.entries, v)
	return nil
}

func (m *driverMock) RunScript(script string) error {
	if err, fails := m.failScripts[script]; fails {
		return err
	}
	m.ranScripts = append(m.ranScripts, script)
	return nil
}

func (m *driverMock) appliedVersions() []migration.Version {
	versions := make([]migration.Version, 0, len(m.entries))
	for v := range m.entries {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions
}

// ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func allUndoable(migrations []migration.Migration) []migration.Description {
	result := make([]migration.Description, 0, len(migrations))
	for _, m := range migrations {
		result = append(result, migration.Description{Migration: m, CanDo: true, CanUndo: true})
	}
	return result
}

var fixtures = []migration.Migration{ // nolint:gochecknoglobals
	{Version: 1, Title: "create_users"},
	{Version: 2, Title: "create_groups"},
	{Version: 3, Title: "add_indexes"},
	{Version: 5, Title: "permissions"},
}

//
// -- Tests for Migrator.Migrate() ----------
//

func TestMigrateFromScratch(t *testing.T) {
	t.Parallel()

	src := sourceMock{migrations: allUndoable(fixtures)}
	drv := newDriverMock()

	migrator := surrealigrate.New(&src, drv, discardLogger())

	err := migrator.Migrate(nil)

	assert.NoError(t, err)
	assert.Equal(t, []string{"do:1", "do:2", "do:3", "do:5"}, drv.ranScripts)
	assert.Equal(t, []migration.Version{1, 2, 3, 5}, drv.appliedVersions())
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()

	src := sourceMock{migrations: allUndoable(fixtures)}
	drv := newDriverMock()

	migrator := surrealigrate.New(&src, drv, discardLogger())

	assert.NoError(t, migrator.Migrate(nil))
	firstRun := len(drv.ranScripts)

	assert.NoError(t, migrator.Migrate(nil))

	assert.Equal(t, firstRun, len(drv.ranScripts), "second invocation must be a no-op")
}

func TestMigrateStopsAtTarget(t *testing.T) {
	t.Parallel()

	src := sourceMock{migrations: allUndoable(fixtures)}
	drv := newDriverMock()

	migrator := surrealigrate.New(&src, drv, discardLogger())

	err := migrator.Migrate(version(2))

	assert.NoError(t, err)
	assert.Equal(t, []migration.Version{1, 2}, drv.appliedVersions())
}

func TestMigrateDirectionMismatch(t *testing.T) {
	t.Parallel()

	src := sourceMock{migrations: allUndoable(fixtures)}
	drv := newDriverMock(fixtures...)

	migrator := surrealigrate.New(&src, drv, discardLogger())

	err := migrator.Migrate(version(3))

	assert.ErrorIs(t, err, surrealigrate.ErrDirectionMismatch)
	assert.Empty(t, drv.ranScripts, "nothing may execute on a direction mismatch")
	assert.Equal(t, []migration.Version{1, 2, 3, 5}, drv.appliedVersions())
}

func TestMigrateStopsOnFirstFailure(t *testing.T) {
	t.Parallel()

	plan := []migration.Migration{
		{Version: 6, Title: "six"},
		{Version: 7, Title: "seven"},
		{Version: 8, Title: "eight"},
	}
	src := sourceMock{migrations: allUndoable(plan)}
	drv := newDriverMock()
	drv.failScripts[scriptFor(7, migration.Do)] = ErrAny

	migrator := surrealigrate.New(&src, drv, discardLogger())

	err := migrator.Migrate(nil)

	var execErr *surrealigrate.ExecutionError
	if assert.ErrorAs(t, err, &execErr) {
		assert.Equal(t, migration.Version(7), execErr.Migration.Version)
		assert.Equal(t, migration.Do, execErr.Direction)
		assert.ErrorIs(t, execErr, ErrAny)
	}

	// 6 stays applied, 7 and 8 were never recorded
	assert.Equal(t, []migration.Version{6}, drv.appliedVersions())
	assert.Equal(t, []string{"do:6"}, drv.ranScripts)
}

func TestMigrateSurfacesLedgerWriteFailure(t *testing.T) {
	t.Parallel()

	src := sourceMock{migrations: allUndoable(fixtures[:1])}
	drv := newDriverMock()
	drv.recordErr = ErrAny

	migrator := surrealigrate.New(&src, drv, discardLogger())

	err := migrator.Migrate(nil)

	assert.ErrorIs(t, err, surrealigrate.ErrLedgerWrite)
	assert.ErrorIs(t, err, ErrAny)
	assert.Equal(t, []string{"do:1"}, drv.ranScripts, "the script itself has committed")
}

func TestMigrateFailsWhenSourceFails(t *testing.T) {
	t.Parallel()

	src := sourceMock{err: ErrAny}
	drv := newDriverMock()

	migrator := surrealigrate.New(&src, drv, discardLogger())

	assert.ErrorIs(t, migrator.Migrate(nil), ErrAny)
	assert.Empty(t, drv.ranScripts)
}

//
// -- Tests for Migrator.Rollback() ---------
//

func TestRollbackOneStepByDefault(t *testing.T) {
	t.Parallel()

	src := sourceMock{migrations: allUndoable(fixtures)}
	drv := newDriverMock(fixtures...)

	migrator := surrealigrate.New(&src, drv, discardLogger())

	err := migrator.Rollback(nil)

	assert.NoError(t, err)
	assert.Equal(t, []string{"undo:5"}, drv.ranScripts)
	assert.Equal(t, []migration.Version{1, 2, 3}, drv.appliedVersions())
}

func TestRollbackToTargetInDescendingOrder(t *testing.T) {
	t.Parallel()

	src := sourceMock{migrations: allUndoable(fixtures)}
	drv := newDriverMock(fixtures...)

	migrator := surrealigrate.New(&src, drv, discardLogger())

	err := migrator.Rollback(version(1))

	assert.NoError(t, err)
	assert.Equal(t, []string{"undo:5", "undo:3", "undo:2"}, drv.ranScripts)
	assert.Equal(t, []migration.Version{1}, drv.appliedVersions())
}

func TestRollbackDirectionMismatch(t *testing.T) {
	t.Parallel()

	src := sourceMock{migrations: allUndoable(fixtures)}
	drv := newDriverMock(fixtures...)

	migrator := surrealigrate.New(&src, drv, discardLogger())

	err := migrator.Rollback(version(7))

	assert.ErrorIs(t, err, surrealigrate.ErrDirectionMismatch)
	assert.Empty(t, drv.ranScripts)
}

func TestApplyThenRevertRoundTrip(t *testing.T) {
	t.Parallel()

	src := sourceMock{migrations: allUndoable(fixtures[:2])}
	drv := newDriverMock()

	migrator := surrealigrate.New(&src, drv, discardLogger())

	assert.NoError(t, migrator.Migrate(nil))
	assert.Equal(t, []migration.Version{1, 2}, drv.appliedVersions())

	assert.NoError(t, migrator.Rollback(nil))
	assert.Equal(t, []migration.Version{1}, drv.appliedVersions())

	current, err := drv.CurrentVersion()
	assert.NoError(t, err)
	assert.Equal(t, migration.Version(1), current)
}

//
// -- Tests for Migrator.Info() -------------
//

func TestInfoEmptyRepository(t *testing.T) {
	t.Parallel()

	src := sourceMock{migrations: []migration.Description{}}
	drv := newDriverMock()

	migrator := surrealigrate.New(&src, drv, discardLogger())

	status, err := migrator.Info()

	assert.NoError(t, err)
	if assert.NotNil(t, status) {
		assert.Equal(t, migration.NoneApplied(), status.Current)
		assert.False(t, status.LatestKnown)
		assert.Equal(t, migration.Version(0), status.Latest)
		assert.Empty(t, status.Pending())
		assert.Empty(t, status.Migrations)
	}
}

func TestInfoMergesLedgerAndFiles(t *testing.T) {
	t.Parallel()

	// versions 1 and 2 applied, 2's file has gone missing, 3 and 5 pending
	src := sourceMock{migrations: allUndoable([]migration.Migration{fixtures[0], fixtures[2], fixtures[3]})}
	drv := newDriverMock(fixtures[0], fixtures[1])

	migrator := surrealigrate.New(&src, drv, discardLogger())

	status, err := migrator.Info()

	assert.NoError(t, err)
	if !assert.NotNil(t, status) {
		return
	}

	assert.Equal(t, migration.Version(2), status.Current.Version)
	assert.True(t, status.LatestKnown)
	assert.Equal(t, migration.Version(5), status.Latest)
	assert.Equal(t, uint(1), status.AppliedCount)
	assert.Equal(t, uint(2), status.PendingCount)
	assert.Equal(t, uint(1), status.MissingCount)

	assert.Equal(t, []migration.State{
		{Description: migration.Description{Migration: fixtures[0], CanDo: true, CanUndo: true}, Status: migration.Applied, AppliedAt: time.Unix(12345, 0)},
		{Description: migration.Description{Migration: fixtures[1]}, Status: migration.Missing, AppliedAt: time.Unix(12345, 0)},
		{Description: migration.Description{Migration: fixtures[2], CanDo: true, CanUndo: true}, Status: migration.Pending},
		{Description: migration.Description{Migration: fixtures[3], CanDo: true, CanUndo: true}, Status: migration.Pending},
	}, status.Migrations)

	assert.Equal(t, []migration.Migration{fixtures[2], fixtures[3]}, status.Pending())
}

func TestInfoFailsWhenLedgerFails(t *testing.T) {
	t.Parallel()

	src := sourceMock{migrations: allUndoable(fixtures)}

	migrator := surrealigrate.New(&src, &failingLedger{}, discardLogger())

	_, err := migrator.Info()
	assert.ErrorIs(t, err, ErrAny)
}

// failingLedger errors on every call.
type failingLedger struct{}

func (f *failingLedger) CurrentVersion() (migration.Version, error)            { return 0, ErrAny }
func (f *failingLedger) CurrentVersionInfo() (*migration.LedgerEntry, error)   { return nil, ErrAny }
func (f *failingLedger) ListEntries() (*[]migration.LedgerEntry, error)        { return nil, ErrAny }
func (f *failingLedger) RecordApplied(m migration.Migration) error             { return ErrAny }
func (f *failingLedger) RecordReverted(v migration.Version) error              { return ErrAny }
func (f *failingLedger) RunScript(script string) error                         { return ErrAny }
