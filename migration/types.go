package migration

import "time"

// Direction is the filename token that selects which half of a migration
// unit a script belongs to.
type Direction string

const (
	Do   Direction = "do"
	Undo Direction = "undo"
)

// ---

const VersionBits = 64

type Version uint64

type Migration struct {
	Version Version
	Title   string
}

// DisplayTitle substitutes a placeholder for migrations that were shipped
// without a title.
func (m Migration) DisplayTitle() string {
	if m.Title == "" {
		return "Untitled"
	}
	return m.Title
}

// ---

type Status uint

const (
	Pending Status = iota
	Applied
	Missing
)

// ---

// Description is one discovered migration unit: a version plus whichever
// script directions were found for it. A unit without a do script cannot be
// applied; a unit without an undo script cannot be reverted.
type Description struct {
	Migration
	CanDo   bool
	CanUndo bool
}

// State is a Description joined with the ledger.
type State struct {
	Description
	Status    Status
	AppliedAt time.Time
}

// ---

// LedgerEntry is one durable row of the version ledger. At most one entry
// exists per version.
type LedgerEntry struct {
	Migration
	AppliedAt time.Time
}

// NoneApplied is what the ledger reports when it holds no entries.
func NoneApplied() LedgerEntry {
	return LedgerEntry{Migration: Migration{Version: 0, Title: "No migrations applied"}}
}

// ---

// Step is one planned script execution.
type Step struct {
	Migration
	Direction Direction
}

// Plan is an ordered list of steps, all sharing one direction: ascending for
// do, descending for undo.
type Plan []Step

// LatestVersion reports the highest version among migrations, or false when
// there are none.
func LatestVersion(migrations []Description) (Version, bool) {
	var latest Version
	found := false

	for _, descr := range migrations {
		if descr.Version > latest {
			latest = descr.Version
		}
		found = true
	}

	return latest, found
}
