package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// StagingInfix marks in-flight artifacts. No finalized name contains it, so
// a crash mid-write can never leave something that looks published.
const StagingInfix = ".staging-"

// WriteStaged writes data to a staging file next to name, syncs it, and
// returns the staging path. The caller publishes it with Publish.
func WriteStaged(fs afero.Fs, dir, name string, data []byte) (string, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := afero.TempFile(fs, dir, name+StagingInfix+"*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpPath)
		return "", fmt.Errorf("failed to write staging file for %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpPath)
		return "", fmt.Errorf("failed to sync staging file for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpPath)
		return "", fmt.Errorf("failed to close staging file for %s: %w", name, err)
	}
	return tmpPath, nil
}

// Publish atomically renames a staging file onto its final name and syncs
// the parent directory so the rename itself is durable.
func Publish(fs afero.Fs, stagingPath, finalPath string) error {
	if err := fs.Rename(stagingPath, finalPath); err != nil {
		return fmt.Errorf("failed to publish %s: %w", filepath.Base(finalPath), err)
	}
	return SyncDir(fs, filepath.Dir(finalPath))
}

// WriteAtomic stages and publishes data under dir/name.
func WriteAtomic(fs afero.Fs, dir, name string, data []byte) error {
	staged, err := WriteStaged(fs, dir, name, data)
	if err != nil {
		return err
	}
	if err := Publish(fs, staged, filepath.Join(dir, name)); err != nil {
		_ = fs.Remove(staged)
		return err
	}
	return nil
}

// SyncDir fsyncs a directory.
func SyncDir(fs afero.Fs, dir string) error {
	d, err := fs.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory %s: %w", dir, err)
	}
	return nil
}

// IsStaging reports whether name is an in-flight staging artifact.
func IsStaging(name string) bool { return strings.Contains(name, StagingInfix) }

// RemoveStaging deletes leftover staging artifacts in loc whose names start
// with prefix and returns how many were removed.
func RemoveStaging(loc *Location, prefix string) (int, error) {
	entries, err := afero.ReadDir(loc.fs, loc.root)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", loc.root, err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !IsStaging(e.Name()) || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if err := loc.fs.Remove(loc.Path(e.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove staging file %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}
