// Package fsimage writes namespace checkpoints to every image location and
// rebuilds the namespace at startup from the newest checkpoint plus the
// edit log.
package fsimage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/dps_namenode/src/editlog"
	"github.com/danmuck/dps_namenode/src/observe"
	"github.com/danmuck/dps_namenode/src/storage"
	"golang.org/x/sync/errgroup"
)

// ErrSaveNamespaceFailed is returned when a save publishes no checkpoint.
// The previous checkpoint and the log remain authoritative.
var ErrSaveNamespaceFailed = errors.New("save namespace failed")

// DefaultRetainCheckpoints is how many checkpoints retention keeps.
const DefaultRetainCheckpoints = 2

// Source yields the namespace image and the txid it reflects, captured
// atomically with respect to mutations.
type Source interface {
	CurrentConsistentView() ([]byte, uint64, error)
}

// Outcome is the result of one location's part of a save.
type Outcome struct {
	Location *storage.Location
	Op       storage.Op
	Err      error
	Bytes    int
}

// SaveContext records per-location outcomes of one save. It lives for a
// single invocation and is never persisted.
type SaveContext struct {
	TxID uint64

	mu       sync.Mutex
	outcomes []Outcome
}

func (sc *SaveContext) record(o Outcome) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.outcomes = append(sc.outcomes, o)
}

// Outcomes returns every outcome in completion order.
func (sc *SaveContext) Outcomes() []Outcome {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]Outcome(nil), sc.outcomes...)
}

// Succeeded counts locations that published the checkpoint.
func (sc *SaveContext) Succeeded() int {
	n := 0
	for _, o := range sc.Outcomes() {
		if o.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the outcomes that carry an error.
func (sc *SaveContext) Failed() []Outcome {
	var out []Outcome
	for _, o := range sc.Outcomes() {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// SaveError reports a save that no image location accepted.
type SaveError struct {
	TxID    uint64
	Failed  int
	Context *SaveContext
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save namespace at txid %d failed on all %d image location(s)", e.TxID, e.Failed)
}

func (e *SaveError) Is(target error) bool { return target == ErrSaveNamespaceFailed }

// SaveResult summarizes a save that reached at least one location.
type SaveResult struct {
	TxID     uint64
	Context  *SaveContext
	Restored []*storage.Location
	Purged   int
	Duration time.Duration
}

// Coordinator runs checkpoint saves.
type Coordinator struct {
	set    *storage.Set
	log    *editlog.Log
	obs    *observe.Handle
	marker storage.Marker
	retain int
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRetention sets how many checkpoints survive a save. Values below one
// keep the default.
func WithRetention(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n >= 1 {
			c.retain = n
		}
	}
}

// NewCoordinator returns a coordinator writing marker to every location.
func NewCoordinator(set *storage.Set, log *editlog.Log, marker storage.Marker, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		set:    set,
		log:    log,
		obs:    set.Observer(),
		marker: marker,
		retain: DefaultRetainCheckpoints,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Save writes a checkpoint of src to every ACTIVE image location. Failed
// locations are probed and rejoin first. A save without an ACTIVE image
// and an ACTIVE edits location fails before anything is written. The
// version markers are rewritten before any image content. Per-location
// failures mark the location failed and the save continues; the save fails
// only when no location publishes the checkpoint. On success the log rolls
// so the next segment starts right after the checkpoint, then retention
// runs.
//
// Callers must keep mutations out for the duration of the call.
func (c *Coordinator) Save(ctx context.Context, src Source) (*SaveResult, error) {
	start := time.Now()

	restored := c.set.RestoreFailed(storage.RoleBoth)
	if len(restored) > 0 {
		c.obs.Log.Infof("fsimage: %d location(s) rejoined before save", len(restored))
	}

	for _, role := range []storage.Role{storage.RoleImage, storage.RoleEdits} {
		if len(c.set.Active(role)) == 0 {
			c.obs.Metrics.ObserveSave("failed", time.Since(start))
			return nil, fmt.Errorf("%w: %w for role %s", ErrSaveNamespaceFailed, storage.ErrNoActiveLocation, role)
		}
	}

	if c.marker.CTime == 0 {
		c.marker.CTime = time.Now().UnixNano()
	}
	if err := c.set.WriteVersionMarkers(c.marker); err != nil {
		c.obs.Metrics.ObserveSave("fatal", time.Since(start))
		return nil, err
	}

	images := c.set.Active(storage.RoleImage)
	if len(images) == 0 {
		c.obs.Metrics.ObserveSave("failed", time.Since(start))
		return nil, fmt.Errorf("%w: %w for role %s", ErrSaveNamespaceFailed, storage.ErrNoActiveLocation, storage.RoleImage)
	}

	target := c.log.LastWrittenTxID()
	img, txid, err := src.CurrentConsistentView()
	if err != nil {
		return nil, fmt.Errorf("failed to capture namespace view: %w", err)
	}
	if txid != target {
		return nil, fmt.Errorf("namespace reflects txid %d but log is at %d", txid, target)
	}
	c.obs.Metrics.ObserveCheckpointBytes(len(img))

	sc := &SaveContext{TxID: txid}
	c.writeAll(ctx, images, sc, txid, img)

	if err := ctx.Err(); err != nil && sc.Succeeded() == 0 {
		c.obs.Metrics.ObserveSave("cancelled", time.Since(start))
		return nil, fmt.Errorf("save namespace at txid %d: %w", txid, err)
	}

	res := &SaveResult{TxID: txid, Context: sc, Restored: restored}
	if sc.Succeeded() == 0 {
		c.obs.Metrics.ObserveSave("failed", time.Since(start))
		serr := &SaveError{TxID: txid, Failed: len(sc.Failed()), Context: sc}
		c.obs.Log.Errorf(serr, "fsimage: checkpoint %d not saved", txid)
		return res, serr
	}

	if err := c.log.Roll(); err != nil {
		res.Duration = time.Since(start)
		c.obs.Metrics.ObserveSave("roll_failed", res.Duration)
		return res, fmt.Errorf("checkpoint %d saved but log roll failed: %w", txid, err)
	}
	if first, _ := c.log.SegmentStart(); first != txid+1 {
		c.obs.Log.Warnf("fsimage: segment after checkpoint %d starts at %d", txid, first)
	}

	purged, err := c.purge()
	if err != nil {
		c.obs.Log.Warnf("fsimage: retention after checkpoint %d incomplete: %v", txid, err)
	}
	res.Purged = purged
	res.Duration = time.Since(start)
	c.obs.Metrics.ObserveSave("ok", res.Duration)
	c.obs.Log.Infof("fsimage: saved checkpoint %d to %d of %d image location(s) in %s",
		txid, sc.Succeeded(), len(images), res.Duration)
	return res, nil
}

// writeAll writes the checkpoint to every location concurrently. Location
// faults are recorded in sc and never abort the others.
func (c *Coordinator) writeAll(ctx context.Context, locs []*storage.Location, sc *SaveContext, txid uint64, img []byte) {
	var g errgroup.Group
	for _, loc := range locs {
		g.Go(func() error {
			op, err := c.writeCheckpoint(ctx, loc, txid, img)
			if err != nil && ctx.Err() == nil {
				c.set.MarkFailed(loc, op, err)
			}
			sc.record(Outcome{Location: loc, Op: op, Err: err, Bytes: len(img)})
			return nil
		})
	}
	_ = g.Wait()
}

// writeCheckpoint stages the image and its digest, then renames the digest
// and finally the image. The image rename publishes the checkpoint. It
// returns the boundary that failed.
func (c *Coordinator) writeCheckpoint(ctx context.Context, loc *storage.Location, txid uint64, img []byte) (storage.Op, error) {
	loc.Lock()
	defer loc.Unlock()

	fs := loc.FS()
	name := CheckpointName(txid)
	if n, err := storage.RemoveStaging(loc, checkpointPrefix); err != nil {
		c.obs.Log.Debugf("fsimage: staging cleanup in %s: %v", loc, err)
	} else if n > 0 {
		c.obs.Log.Debugf("fsimage: removed %d stale staging file(s) in %s", n, loc)
	}

	if err := c.set.Inject(storage.OpImageWrite, loc); err != nil {
		return storage.OpImageWrite, err
	}
	imgStaged, err := storage.WriteStaged(fs, loc.Root(), name, img)
	if err != nil {
		return storage.OpImageWrite, err
	}
	digStaged, err := storage.WriteStaged(fs, loc.Root(), DigestName(txid), digestLine(img, name))
	if err != nil {
		_ = fs.Remove(imgStaged)
		return storage.OpImageWrite, err
	}
	discard := func() {
		_ = fs.Remove(imgStaged)
		_ = fs.Remove(digStaged)
	}
	if err := ctx.Err(); err != nil {
		discard()
		return storage.OpImageWrite, err
	}

	if err := c.set.Inject(storage.OpImageRename, loc); err != nil {
		discard()
		return storage.OpImageRename, err
	}
	if err := fs.Rename(digStaged, loc.Path(DigestName(txid))); err != nil {
		discard()
		return storage.OpImageRename, fmt.Errorf("failed to publish digest: %w", err)
	}
	if err := fs.Rename(imgStaged, loc.Path(name)); err != nil {
		_ = fs.Remove(imgStaged)
		_ = fs.Remove(loc.Path(DigestName(txid)))
		return storage.OpImageRename, fmt.Errorf("failed to publish checkpoint: %w", err)
	}
	if err := storage.SyncDir(fs, loc.Root()); err != nil {
		// the rename may not survive a crash; withdraw it
		_ = fs.Remove(loc.Path(name))
		_ = fs.Remove(loc.Path(DigestName(txid)))
		return storage.OpImageRename, err
	}
	return storage.OpImageRename, nil
}

// purge keeps the newest retain checkpoints across the image locations and
// drops older checkpoints and the segments they cover.
func (c *Coordinator) purge() (int, error) {
	locs := c.set.Active(storage.RoleImage)
	present := map[uint64]bool{}
	perLoc := make(map[*storage.Location][]uint64, len(locs))
	var errs []error
	for _, loc := range locs {
		txids, err := ListCheckpoints(loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		perLoc[loc] = txids
		for _, t := range txids {
			present[t] = true
		}
	}
	all := make([]uint64, 0, len(present))
	for t := range present {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] > all[j] })
	if len(all) <= c.retain {
		return 0, errors.Join(errs...)
	}
	oldest := all[c.retain-1]

	removed := 0
	for loc, txids := range perLoc {
		for _, t := range txids {
			if t >= oldest {
				continue
			}
			if err := c.removeCheckpoint(loc, t); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	n, err := c.log.Purge(oldest)
	if err != nil {
		errs = append(errs, err)
	}
	c.obs.Log.Debugf("fsimage: retention kept checkpoints >= %d, removed %d checkpoint(s) and %d segment(s)", oldest, removed, n)
	return removed + n, errors.Join(errs...)
}

func (c *Coordinator) removeCheckpoint(loc *storage.Location, txid uint64) error {
	loc.Lock()
	defer loc.Unlock()
	if err := loc.FS().Remove(loc.Path(CheckpointName(txid))); err != nil {
		return fmt.Errorf("failed to remove checkpoint %d in %s: %w", txid, loc, err)
	}
	_ = loc.FS().Remove(loc.Path(DigestName(txid)))
	return nil
}
