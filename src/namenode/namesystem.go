// Package namenode wires the storage locations, the edit log, the
// checkpoint coordinator and the namespace into one service.
package namenode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/dps_namenode/src/editlog"
	"github.com/danmuck/dps_namenode/src/fsimage"
	"github.com/danmuck/dps_namenode/src/namespace"
	"github.com/danmuck/dps_namenode/src/observe"
	"github.com/danmuck/dps_namenode/src/storage"
	"github.com/spf13/afero"
)

var (
	// ErrNotFormatted means no configured location carries a version marker.
	ErrNotFormatted = errors.New("storage is not formatted")

	ErrSafeMode    = errors.New("namesystem is in safe mode")
	ErrNotSafeMode = errors.New("save namespace requires safe mode")
	ErrClosed      = errors.New("namesystem is closed")
)

type options struct {
	faults storage.FaultInjector
	fs     afero.Fs
	obs    *observe.Handle
}

// Option configures Open and Format.
type Option func(*options)

// WithFaultInjector installs a storage fault hook. Tests only.
func WithFaultInjector(fi storage.FaultInjector) Option {
	return func(o *options) { o.faults = fi }
}

// WithFS places all locations on fs.
func WithFS(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithObserver sets the logging and metrics handle.
func WithObserver(h *observe.Handle) Option {
	return func(o *options) { o.obs = h }
}

func newSet(cfg Config, opts []Option) (*storage.Set, *observe.Handle, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.obs == nil {
		o.obs = observe.Nop()
	}
	specs, err := cfg.Specs()
	if err != nil {
		return nil, nil, err
	}
	sopts := []storage.Option{storage.WithObserver(o.obs), storage.WithNamespace(cfg.NamespaceID)}
	if o.faults != nil {
		sopts = append(sopts, storage.WithFaultInjector(o.faults))
	}
	if o.fs != nil {
		sopts = append(sopts, storage.WithFS(o.fs))
	}
	set, err := storage.NewSet(specs, sopts...)
	if err != nil {
		return nil, nil, err
	}
	return set, o.obs, nil
}

func marker(cfg Config) storage.Marker {
	return storage.Marker{NamespaceID: cfg.NamespaceID}
}

// Format initializes every configured location with a version marker and
// an empty checkpoint. Existing checkpoints and segments are removed.
func Format(ctx context.Context, cfg Config, opts ...Option) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	set, obs, err := newSet(cfg, opts)
	if err != nil {
		return err
	}
	log := editlog.New(set)
	coord := fsimage.NewCoordinator(set, log, marker(cfg), fsimage.WithRetention(cfg.RetainCheckpoints))
	if err := coord.Format(ctx, namespace.New()); err != nil {
		return err
	}
	obs.Log.Infof("namenode: formatted namespace %s", cfg.NamespaceID)
	return nil
}

// IsFormatted reports whether any configured location carries a marker.
func IsFormatted(cfg Config, opts ...Option) (bool, error) {
	set, _, err := newSet(cfg, opts)
	if err != nil {
		return false, err
	}
	for _, loc := range append(set.Locations(storage.RoleImage), set.Locations(storage.RoleEdits)...) {
		if _, err := storage.ReadMarker(loc); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// Namesystem is the running metadata service.
type Namesystem struct {
	mu sync.Mutex

	set    *storage.Set
	log    *editlog.Log
	cache  *editlog.ScanCache
	coord  *fsimage.Coordinator
	marker storage.Marker
	ns     *namespace.Namespace
	obs    *observe.Handle
	rec    *fsimage.Recovery
	safe   bool
	closed bool
}

// Open checks the version markers, recovers the namespace from the newest
// checkpoint and the edit log, and opens a fresh log segment.
func Open(cfg Config, opts ...Option) (*Namesystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	set, obs, err := newSet(cfg, opts)
	if err != nil {
		return nil, err
	}
	formatted, err := checkMarkers(set, cfg.NamespaceID)
	if err != nil {
		return nil, err
	}

	cache, err := editlog.NewScanCache(cfg.ScanCacheBytes)
	if err != nil {
		return nil, err
	}
	log := editlog.New(set, editlog.WithScanCache(cache))
	ns := namespace.New()
	rec, err := fsimage.NewPlanner(set, log, cache).Recover(ns)
	if err != nil {
		cache.Close()
		return nil, err
	}

	s := &Namesystem{
		set:    set,
		log:    log,
		cache:  cache,
		coord:  fsimage.NewCoordinator(set, log, formatted, fsimage.WithRetention(cfg.RetainCheckpoints)),
		marker: formatted,
		ns:     ns,
		obs:    obs,
		rec:    rec,
	}
	obs.Log.Infof("namenode: namespace %s open at txid %d (checkpoint %d, %d replayed)",
		cfg.NamespaceID, rec.LastTxID, rec.CheckpointTxID, rec.Replayed)
	return s, nil
}

// checkMarkers fails locations whose marker is missing or belongs to
// another namespace and returns the first valid marker. It returns
// ErrNotFormatted when no location has a marker at all.
func checkMarkers(set *storage.Set, namespaceID string) (storage.Marker, error) {
	seen := map[*storage.Location]bool{}
	var all []*storage.Location
	for _, loc := range append(set.Locations(storage.RoleImage), set.Locations(storage.RoleEdits)...) {
		if !seen[loc] {
			seen[loc] = true
			all = append(all, loc)
		}
	}

	var formatted storage.Marker
	found, valid := 0, 0
	for _, loc := range all {
		m, err := storage.ReadMarker(loc)
		switch {
		case errors.Is(err, storage.ErrNoMarker):
			set.MarkFailed(loc, storage.OpVersion, err)
			continue
		case err != nil:
			found++
			set.MarkFailed(loc, storage.OpVersion, err)
			continue
		}
		found++
		if m.NamespaceID != namespaceID {
			set.MarkFailed(loc, storage.OpVersion,
				fmt.Errorf("%w: namespace id %q does not match %q", storage.ErrForeignLocation, m.NamespaceID, namespaceID))
			continue
		}
		if valid == 0 {
			formatted = m
		}
		valid++
	}
	if found == 0 {
		return formatted, ErrNotFormatted
	}
	if valid == 0 {
		return formatted, fmt.Errorf("%w: no location carries namespace %s", storage.ErrStorageFatal, namespaceID)
	}
	return formatted, nil
}

func (s *Namesystem) mutate(m namespace.Mutation) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.safe {
		return 0, ErrSafeMode
	}
	if s.log.State() != editlog.Open {
		return 0, fmt.Errorf("%w: mutations refused until an edits location is restored", editlog.ErrLogUnavailable)
	}
	if m.MTime == 0 {
		m.MTime = time.Now().UnixMilli()
	}
	if err := s.ns.Check(m); err != nil {
		return 0, err
	}
	txid, err := s.log.Append(m.Marshal())
	if err != nil {
		return 0, err
	}
	if err := s.ns.Apply(m, txid); err != nil {
		return 0, fmt.Errorf("txid %d logged but not applied: %w", txid, err)
	}
	return txid, nil
}

// Mkdirs creates p and any missing parents.
func (s *Namesystem) Mkdirs(p string, perm namespace.Perm) (uint64, error) {
	return s.mutate(namespace.Mutation{Op: namespace.OpMkdirs, Path: p, Perm: perm})
}

// Create creates a file open for write by holder.
func (s *Namesystem) Create(p string, perm namespace.Perm, holder string) (uint64, error) {
	return s.mutate(namespace.Mutation{Op: namespace.OpCreate, Path: p, Perm: perm, Holder: holder})
}

// Delete removes p and everything below it.
func (s *Namesystem) Delete(p string) (uint64, error) {
	return s.mutate(namespace.Mutation{Op: namespace.OpDelete, Path: p})
}

// Rename moves src to dst along with any open leases beneath it.
func (s *Namesystem) Rename(src, dst string) (uint64, error) {
	return s.mutate(namespace.Mutation{Op: namespace.OpRename, Path: src, Dest: dst})
}

// SetPermission replaces the permission status of p.
func (s *Namesystem) SetPermission(p string, perm namespace.Perm) (uint64, error) {
	return s.mutate(namespace.Mutation{Op: namespace.OpSetPermission, Path: p, Perm: perm})
}

// ReleaseLease closes the lease on p.
func (s *Namesystem) ReleaseLease(p string) (uint64, error) {
	return s.mutate(namespace.Mutation{Op: namespace.OpReleaseLease, Path: p})
}

// Stat describes p.
func (s *Namesystem) Stat(p string) (namespace.Info, error) { return s.ns.Stat(p) }

// List returns the children of directory p.
func (s *Namesystem) List(p string) ([]namespace.Info, error) { return s.ns.List(p) }

// Leases returns the open leases keyed by path.
func (s *Namesystem) Leases() map[string]string { return s.ns.Leases() }

// SetSafeMode enters or leaves safe mode. Mutations are refused in safe
// mode and saves are only allowed there.
func (s *Namesystem) SetSafeMode(enter bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.safe != enter {
		s.obs.Log.Infof("namenode: safe mode %v", enter)
	}
	s.safe = enter
}

// SafeMode reports whether safe mode is on.
func (s *Namesystem) SafeMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.safe
}

// SaveNamespace writes a checkpoint of the current namespace.
func (s *Namesystem) SaveNamespace(ctx context.Context) (*fsimage.SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if !s.safe {
		return nil, ErrNotSafeMode
	}
	return s.coord.Save(ctx, s.ns)
}

// SaveWithSafeMode saves whatever the current mode. The namesystem lock is
// held for the whole save, which keeps mutations out exactly as safe mode
// would, and the mode flag is never touched so overlapping callers cannot
// clear it under each other.
func (s *Namesystem) SaveWithSafeMode(ctx context.Context) (*fsimage.SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.coord.Save(ctx, s.ns)
}

// RestoreFailed probes every failed location. If an edits location
// rejoined, or the log had lost every location, the log rolls so that
// appends reach the restored locations.
func (s *Namesystem) RestoreFailed() ([]*storage.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	restored := s.set.RestoreFailed(storage.RoleBoth)
	if len(restored) > 0 {
		if err := s.set.WriteVersionMarkers(s.marker); err != nil {
			return restored, err
		}
	}
	roll := s.log.State() != editlog.Open
	for _, loc := range restored {
		if loc.Role().Has(storage.RoleEdits) {
			roll = true
		}
	}
	if roll && len(s.set.Active(storage.RoleEdits)) > 0 {
		if err := s.log.Roll(); err != nil {
			return restored, err
		}
	}
	return restored, nil
}

// RollEdits finalizes the open segment and begins the next one.
func (s *Namesystem) RollEdits() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.log.Roll()
}

// LastWrittenTxID returns the txid of the last durable mutation.
func (s *Namesystem) LastWrittenTxID() uint64 { return s.log.LastWrittenTxID() }

// Recovery returns the summary of the startup recovery.
func (s *Namesystem) Recovery() fsimage.Recovery { return *s.rec }

// Observer returns the logging and metrics handle.
func (s *Namesystem) Observer() *observe.Handle { return s.obs }

// LocationStatus describes one configured location.
type LocationStatus struct {
	Root   string `json:"root"`
	Role   string `json:"role"`
	Health string `json:"health"`
	Cause  string `json:"cause,omitempty"`
	Stream bool   `json:"stream"`
}

// Locations reports every configured location, image locations first.
func (s *Namesystem) Locations() []LocationStatus {
	streaming := map[*storage.Location]bool{}
	for _, loc := range s.log.Streams() {
		streaming[loc] = true
	}
	seen := map[*storage.Location]bool{}
	var out []LocationStatus
	for _, loc := range append(s.set.Locations(storage.RoleImage), s.set.Locations(storage.RoleEdits)...) {
		if seen[loc] {
			continue
		}
		seen[loc] = true
		h, cause := s.set.Health(loc)
		st := LocationStatus{Root: loc.Root(), Role: loc.Role().String(), Health: h.String(), Stream: streaming[loc]}
		if cause != nil {
			st.Cause = cause.Error()
		}
		out = append(out, st)
	}
	return out
}

// FailedLocations reports the locations currently marked failed.
func (s *Namesystem) FailedLocations() []LocationStatus {
	var out []LocationStatus
	for _, st := range s.Locations() {
		if st.Health == storage.Failed.String() {
			out = append(out, st)
		}
	}
	return out
}

// Close ends the open segment.
func (s *Namesystem) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.log.Close()
	s.cache.Close()
	return err
}
