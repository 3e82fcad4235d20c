package surrealigrate

import (
	"fmt"
	"sort"

	"github.com/Flying-Pillow/surrealigrate/migration"
)

// PlanApply selects the migrations to run forward: every version v with
// current < v <= target, ascending. A nil target means the latest available
// version. Returns an empty plan when there is nothing to do, and never
// returns a partial plan together with an error.
func PlanApply(available []migration.Description, current migration.Version, target *migration.Version) (migration.Plan, error) {
	to, ok := applyTarget(available, target)
	if !ok {
		return migration.Plan{}, nil // no migrations available
	}

	if to < current {
		return nil, fmt.Errorf(
			"%w: target version %d is below current version %d (use rollback)",
			ErrDirectionMismatch, to, current,
		)
	}
	if to == current {
		return migration.Plan{}, nil
	}

	sorted := sortedByVersion(available)

	plan := make(migration.Plan, 0, len(sorted))
	for _, descr := range sorted {
		if descr.Version <= current || descr.Version > to {
			continue
		}
		if !descr.CanDo {
			return nil, fmt.Errorf("%w: version %d has no do script", ErrMissingScript, descr.Version)
		}
		plan = append(plan, migration.Step{Migration: descr.Migration, Direction: migration.Do})
	}

	return plan, nil
}

// PlanRevert selects the migrations to run backward: every version v with
// target < v <= current, descending. A nil target means one step back.
func PlanRevert(available []migration.Description, current migration.Version, target *migration.Version) (migration.Plan, error) {
	if current == 0 {
		if target != nil {
			return nil, fmt.Errorf(
				"%w: no migrations are applied, nothing to roll back to version %d",
				ErrDirectionMismatch, *target,
			)
		}
		return migration.Plan{}, nil // nothing applied, nothing to revert
	}

	to := current - 1
	if target != nil {
		to = *target
	}

	if to >= current {
		return nil, fmt.Errorf(
			"%w: target version %d is not below current version %d (use migrate)",
			ErrDirectionMismatch, to, current,
		)
	}

	sorted := sortedByVersion(available)

	plan := make(migration.Plan, 0, len(sorted))
	for i := len(sorted) - 1; i >= 0; i-- {
		descr := sorted[i]
		if descr.Version <= to || descr.Version > current {
			continue
		}
		if !descr.CanUndo {
			return nil, fmt.Errorf("%w: version %d has no undo script", ErrMissingScript, descr.Version)
		}
		plan = append(plan, migration.Step{Migration: descr.Migration, Direction: migration.Undo})
	}

	return plan, nil
}

// ---

func applyTarget(available []migration.Description, target *migration.Version) (migration.Version, bool) {
	if target != nil {
		return *target, true
	}
	return migration.LatestVersion(available)
}

func sortedByVersion(available []migration.Description) []migration.Description {
	sorted := make([]migration.Description, len(available))
	copy(sorted, available)

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})

	return sorted
}
