package files

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/Flying-Pillow/surrealigrate/migration"
	"github.com/Flying-Pillow/surrealigrate/source"
)

type filesSource struct {
	fsys      fs.FS
	directory string
}

var (
	ErrNotADirectory = errors.New("migrations directory is not a directory")
	ErrInvalidName   = errors.New("file name is not a valid migration script name")
)

func NewFilesSource(fsys fs.FS, directory string) (source.Source, error) {
	stat, err := fs.Stat(fsys, directory)
	if err != nil {
		return nil, fmt.Errorf("failed to stat migrations directory: %w", err)
	}

	if !stat.IsDir() {
		return nil, ErrNotADirectory
	}

	return &filesSource{
		fsys:      fsys,
		directory: directory,
	}, nil
}

// ParsedName is the structured form of a migration script file name,
// "<version>.<do|undo>.<title>.<ext>". Dots are allowed inside the title;
// the title itself may be omitted entirely ("3.do.surql").
type ParsedName struct {
	Migration migration.Migration
	Direction migration.Direction
}

// ParseFileName parses fileName without touching the filesystem.
func ParseFileName(fileName string) (ParsedName, error) {
	const minParts = 3 // version, direction, extension

	parts := strings.Split(fileName, ".")
	if len(parts) < minParts {
		return ParsedName{}, fmt.Errorf("%w: expected <version>.<do|undo>.<title>.<ext>, got %q", ErrInvalidName, fileName)
	}

	version, err := strconv.ParseUint(parts[0], 10, migration.VersionBits)
	if err != nil || version == 0 {
		return ParsedName{}, fmt.Errorf("%w: %q does not start with a positive integer version", ErrInvalidName, fileName)
	}

	var direction migration.Direction
	switch parts[1] {
	case string(migration.Do):
		direction = migration.Do
	case string(migration.Undo):
		direction = migration.Undo
	default:
		return ParsedName{}, fmt.Errorf("%w: direction %q in %q is neither \"do\" nor \"undo\"", ErrInvalidName, parts[1], fileName)
	}

	if parts[len(parts)-1] == "" {
		return ParsedName{}, fmt.Errorf("%w: %q has an empty extension", ErrInvalidName, fileName)
	}

	title := strings.Join(parts[2:len(parts)-1], ".")

	return ParsedName{
		Migration: migration.Migration{
			Version: migration.Version(version),
			Title:   title,
		},
		Direction: direction,
	}, nil
}

func (src *filesSource) GetAvailableMigrations() (*[]migration.Description, error) {
	dirEntries, err := fs.ReadDir(src.fsys, src.directory)
	if err != nil {
		return nil, fmt.Errorf("failed to read contents of migrations directory: %w", err)
	}

	// directory entries come back sorted by name, so the first file of a
	// version pair decides the unit's title
	migrations := make(versionMap)
	for _, entry := range dirEntries {
		if entry.IsDir() || !entry.Type().IsRegular() {
			continue
		}

		parsed, err := ParseFileName(entry.Name())
		if err != nil {
			continue
		}

		if err = migrations.updateDescription(parsed); err != nil {
			return nil, fmt.Errorf("failed to parse directory entries: %w", err)
		}
	}

	keys := getSortedVersions(migrations)
	result := buildMigrationsSlice(keys, migrations)

	return &result, nil
}

func (src *filesSource) ReadMigration(m migration.Migration, direction migration.Direction) (string, error) {
	dirEntries, err := fs.ReadDir(src.fsys, src.directory)
	if err != nil {
		return "", fmt.Errorf("failed to read contents of migrations directory: %w", err)
	}

	for _, entry := range dirEntries {
		if entry.IsDir() || !entry.Type().IsRegular() {
			continue
		}

		parsed, err := ParseFileName(entry.Name())
		if err != nil {
			continue
		}

		if parsed.Migration.Version != m.Version || parsed.Direction != direction {
			continue
		}

		content, err := fs.ReadFile(src.fsys, src.directory+"/"+entry.Name())
		if err != nil {
			return "", fmt.Errorf("failed to read migration script %s: %w", entry.Name(), err)
		}

		return string(content), nil
	}

	return "", fmt.Errorf("%w: version %d, direction %s", source.ErrScriptNotFound, m.Version, direction)
}

func getSortedVersions(migrations versionMap) []migration.Version {
	keys := make([]migration.Version, 0, len(migrations))

	for k := range migrations {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i] < keys[j]
	})

	return keys
}

func buildMigrationsSlice(keys []migration.Version, migrations versionMap) []migration.Description {
	result := make([]migration.Description, len(keys))
	for i, k := range keys {
		result[i] = migrations[k]
	}
	return result
}

type versionMap map[migration.Version]migration.Description

func (m *versionMap) updateDescription(parsed ParsedName) error {
	descr, exists := (*m)[parsed.Migration.Version]

	if !exists {
		(*m)[parsed.Migration.Version] = migration.Description{
			Migration: parsed.Migration,
			CanDo:     parsed.Direction == migration.Do,
			CanUndo:   parsed.Direction == migration.Undo,
		}
		return nil
	}

	duplicate := (parsed.Direction == migration.Do && descr.CanDo) ||
		(parsed.Direction == migration.Undo && descr.CanUndo)
	if duplicate {
		return fmt.Errorf(
			"%w: version %d, direction %s",
			source.ErrMigrationDuplicated,
			parsed.Migration.Version,
			parsed.Direction,
		)
	}

	// the earlier file of the pair keeps its title
	switch parsed.Direction {
	case migration.Do:
		descr.CanDo = true
	case migration.Undo:
		descr.CanUndo = true
	}
	(*m)[parsed.Migration.Version] = descr

	return nil
}
