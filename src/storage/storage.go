// Package storage owns the configured storage locations of a metadata node
// and their health. A location holds checkpoint images, edit log segments,
// or both. Locations that fail a write are marked FAILED and dropped from
// every write fan-out until a write probe brings them back.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/danmuck/dps_namenode/src/observe"
	"github.com/spf13/afero"
)

// Role says what a location stores.
type Role uint8

const (
	RoleImage Role = 1 << iota
	RoleEdits

	RoleBoth = RoleImage | RoleEdits
)

// Has reports whether r covers every bit of other.
func (r Role) Has(other Role) bool { return r&other == other }

func (r Role) String() string {
	switch r {
	case RoleImage:
		return "image"
	case RoleEdits:
		return "edits"
	case RoleBoth:
		return "both"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ParseRole parses the configuration form of a role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image", "snapshot", "name":
		return RoleImage, nil
	case "edits", "log":
		return RoleEdits, nil
	case "both", "":
		return RoleBoth, nil
	default:
		return 0, fmt.Errorf("unknown storage role %q", s)
	}
}

// Health of a location.
type Health uint8

const (
	Active Health = iota
	Failed
)

func (h Health) String() string {
	if h == Failed {
		return "FAILED"
	}
	return "ACTIVE"
}

// Location is one configured storage directory.
type Location struct {
	root string
	role Role
	fs   afero.Fs

	// mu is held for the duration of any write phase touching the location.
	mu sync.Mutex

	// health and cause are guarded by the owning Set's mu.
	health Health
	cause  error
}

// Root returns the directory path.
func (l *Location) Root() string { return l.root }

// Role returns what the location stores.
func (l *Location) Role() Role { return l.role }

// FS returns the filesystem the location lives on.
func (l *Location) FS() afero.Fs { return l.fs }

// Path joins name onto the location root.
func (l *Location) Path(name string) string { return filepath.Join(l.root, name) }

// Lock acquires the per-location write lock.
func (l *Location) Lock() { l.mu.Lock() }

// Unlock releases the per-location write lock.
func (l *Location) Unlock() { l.mu.Unlock() }

func (l *Location) String() string { return fmt.Sprintf("%s[%s]", l.root, l.role) }

// Spec configures one location.
type Spec struct {
	Root string
	Role Role
}

// Option configures a Set.
type Option func(*Set)

// WithFaultInjector installs a fault hook at every write boundary.
func WithFaultInjector(fi FaultInjector) Option {
	return func(s *Set) { s.faults = fi }
}

// WithFS places every location on fs instead of the host filesystem.
func WithFS(fs afero.Fs) Option {
	return func(s *Set) { s.fs = fs }
}

// WithObserver sets the logging and metrics handle.
func WithObserver(h *observe.Handle) Option {
	return func(s *Set) { s.obs = h }
}

// WithNamespace binds the set to a namespace id. A failed location whose
// marker names a different namespace is never restored.
func WithNamespace(id string) Option {
	return func(s *Set) { s.namespace = id }
}

// Set owns the ordered collection of configured locations.
type Set struct {
	mu        sync.RWMutex
	locations []*Location
	faults    FaultInjector
	fs        afero.Fs
	obs       *observe.Handle
	namespace string
}

// NewSet builds a Set from specs. Configuration order is preserved. Roots
// must be unique after cleaning.
func NewSet(specs []Spec, opts ...Option) (*Set, error) {
	s := &Set{}
	for _, opt := range opts {
		opt(s)
	}
	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}
	if s.obs == nil {
		s.obs = observe.Nop()
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no storage locations configured")
	}

	seen := make(map[string]bool, len(specs))
	for _, sp := range specs {
		root := filepath.Clean(sp.Root)
		if sp.Root == "" {
			return nil, fmt.Errorf("empty storage location path")
		}
		if seen[root] {
			return nil, fmt.Errorf("duplicate storage location %s", root)
		}
		seen[root] = true
		role := sp.Role
		if role == 0 {
			role = RoleBoth
		}
		s.locations = append(s.locations, &Location{root: root, role: role, fs: s.fs})
	}
	s.publishActive()
	return s, nil
}

// Observer returns the set's logging and metrics handle.
func (s *Set) Observer() *observe.Handle { return s.obs }

// Locations returns every location serving role in configuration order,
// regardless of health.
func (s *Set) Locations(role Role) []*Location {
	out := make([]*Location, 0, len(s.locations))
	for _, l := range s.locations {
		if l.role.Has(role) {
			out = append(out, l)
		}
	}
	return out
}

// Active returns the ACTIVE locations serving role in configuration order.
func (s *Set) Active(role Role) []*Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Location, 0, len(s.locations))
	for _, l := range s.locations {
		if l.role.Has(role) && l.health == Active {
			out = append(out, l)
		}
	}
	return out
}

// Health returns the current health of loc and, if failed, the cause.
func (s *Set) Health(loc *Location) (Health, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loc.health, loc.cause
}

// Removed returns the locations currently marked FAILED.
func (s *Set) Removed() []*Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Location
	for _, l := range s.locations {
		if l.health == Failed {
			out = append(out, l)
		}
	}
	return out
}

// MarkFailed sets loc to FAILED and records cause. It never fails.
func (s *Set) MarkFailed(loc *Location, op Op, cause error) {
	lerr := &LocationError{Root: loc.root, Op: op, Err: cause}

	s.mu.Lock()
	already := loc.health == Failed
	loc.health = Failed
	loc.cause = lerr
	s.mu.Unlock()

	if !already {
		s.obs.Log.Warnf("storage: marking %s failed: %v", loc, cause)
		s.obs.Metrics.IncLocationFailure(loc.role.String(), string(op))
		s.publishActive()
	}
}

// TryRestore probes a FAILED location with a small write and checks its
// version marker. On success the location becomes ACTIVE and TryRestore
// returns true. ACTIVE locations return true without probing.
func (s *Set) TryRestore(loc *Location) bool {
	if h, _ := s.Health(loc); h == Active {
		return true
	}

	loc.Lock()
	op, err := OpProbe, s.probe(loc)
	if err == nil {
		op, err = OpVersion, s.admit(loc)
	}
	loc.Unlock()
	if err != nil {
		s.obs.Log.Debugf("storage: %s still unavailable: %v", loc, err)
		s.mu.Lock()
		loc.cause = &LocationError{Root: loc.root, Op: op, Err: err}
		s.mu.Unlock()
		return false
	}

	s.mu.Lock()
	loc.health = Active
	loc.cause = nil
	s.mu.Unlock()

	s.obs.Log.Infof("storage: restored %s", loc)
	s.obs.Metrics.IncLocationRestored(loc.role.String())
	s.publishActive()
	return true
}

// RestoreFailed runs TryRestore on every FAILED location with a role in
// role and returns the locations that rejoined.
func (s *Set) RestoreFailed(role Role) []*Location {
	var restored []*Location
	for _, loc := range s.Removed() {
		if loc.role&role == 0 {
			continue
		}
		if s.TryRestore(loc) {
			restored = append(restored, loc)
		}
	}
	return restored
}

const probeName = ".probe"

// probe writes, syncs and removes a probe file. Caller holds loc's lock.
func (s *Set) probe(loc *Location) error {
	if err := s.Inject(OpProbe, loc); err != nil {
		return err
	}
	if err := loc.fs.MkdirAll(loc.root, 0755); err != nil {
		return fmt.Errorf("failed to create location root: %w", err)
	}
	path := loc.Path(probeName)
	f, err := loc.fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create probe file: %w", err)
	}
	buf := make([]byte, 4096)
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write probe file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync probe file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close probe file: %w", err)
	}
	if err := loc.fs.Remove(path); err != nil {
		return fmt.Errorf("failed to remove probe file: %w", err)
	}
	return nil
}

// Inject runs the fault hook for op at loc, if one is installed.
func (s *Set) Inject(op Op, loc *Location) error {
	if s.faults == nil {
		return nil
	}
	return s.faults.Fault(op, loc)
}

func (s *Set) publishActive() {
	s.obs.Metrics.SetActiveLocations(RoleImage.String(), len(s.Active(RoleImage)))
	s.obs.Metrics.SetActiveLocations(RoleEdits.String(), len(s.Active(RoleEdits)))
}
