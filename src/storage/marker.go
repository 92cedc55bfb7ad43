package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"
)

// LayoutVersion is the on-disk layout written by this package.
const LayoutVersion = 1

// MarkerName is the file holding the version marker in every location.
const MarkerName = "VERSION"

// Marker describes the storage layout of one location.
type Marker struct {
	LayoutVersion int    `toml:"layout_version"`
	NamespaceID   string `toml:"namespace_id"`
	Role          string `toml:"role"`
	CTime         int64  `toml:"ctime"`
}

// WriteVersionMarkers writes m to every ACTIVE location, filling in each
// location's role. Locations that reject the write are marked failed. If no
// location accepts it the error wraps ErrStorageFatal.
func (s *Set) WriteVersionMarkers(m Marker) error {
	if m.LayoutVersion == 0 {
		m.LayoutVersion = LayoutVersion
	}
	if m.CTime == 0 {
		m.CTime = time.Now().UnixNano()
	}

	var active []*Location
	for _, l := range s.locations {
		if h, _ := s.Health(l); h == Active {
			active = append(active, l)
		}
	}

	accepted := 0
	for _, loc := range active {
		mm := m
		mm.Role = loc.role.String()
		if err := s.writeMarker(loc, mm); err != nil {
			s.MarkFailed(loc, OpVersion, err)
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return fmt.Errorf("%w (%d active of %d configured)", ErrStorageFatal, len(active), len(s.locations))
	}
	return nil
}

func (s *Set) writeMarker(loc *Location, m Marker) error {
	loc.Lock()
	defer loc.Unlock()

	if err := s.Inject(OpVersion, loc); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("failed to encode version marker: %w", err)
	}
	return WriteAtomic(loc.fs, loc.root, MarkerName, buf.Bytes())
}

// ErrNoMarker is returned by ReadMarker for an unformatted location.
var ErrNoMarker = errors.New("no version marker")

// ReadMarker decodes the version marker of loc.
func ReadMarker(loc *Location) (Marker, error) {
	var m Marker
	data, err := afero.ReadFile(loc.fs, loc.Path(MarkerName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, ErrNoMarker
		}
		return m, fmt.Errorf("failed to read version marker: %w", err)
	}
	if _, err := toml.Decode(string(data), &m); err != nil {
		return m, fmt.Errorf("failed to decode version marker: %w", err)
	}
	if m.LayoutVersion != LayoutVersion {
		return m, fmt.Errorf("unsupported layout version %d in %s", m.LayoutVersion, loc.root)
	}
	return m, nil
}

// QuarantinePrefix names the directories admit moves stale files into.
const QuarantinePrefix = "quarantine-"

// admit decides whether a failed location may rejoin. A location formatted
// for another namespace, or with an unreadable marker, stays out. Files in a
// location without a marker are moved aside first so they never enter
// recovery. Caller holds loc's lock.
func (s *Set) admit(loc *Location) error {
	m, err := ReadMarker(loc)
	switch {
	case errors.Is(err, ErrNoMarker):
		return s.quarantine(loc)
	case err != nil:
		return err
	case s.namespace != "" && m.NamespaceID != s.namespace:
		return fmt.Errorf("%w: marker names %q, want %q", ErrForeignLocation, m.NamespaceID, s.namespace)
	}
	return nil
}

func (s *Set) quarantine(loc *Location) error {
	entries, err := afero.ReadDir(loc.fs, loc.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", loc.root, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == probeName {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return nil
	}

	dir := filepath.Join(loc.root, fmt.Sprintf("%s%d", QuarantinePrefix, time.Now().UnixNano()))
	if err := loc.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create quarantine directory: %w", err)
	}
	for _, name := range names {
		if err := loc.fs.Rename(loc.Path(name), filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("failed to quarantine %s: %w", name, err)
		}
	}
	if err := SyncDir(loc.fs, loc.root); err != nil {
		return err
	}
	s.obs.Log.Warnf("storage: %s has no version marker, moved %d file(s) to %s", loc, len(names), dir)
	return nil
}
