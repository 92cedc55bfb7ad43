package fsimage

import (
	"errors"
	"fmt"

	"github.com/danmuck/dps_namenode/src/editlog"
	"github.com/danmuck/dps_namenode/src/observe"
	"github.com/danmuck/dps_namenode/src/storage"
)

var (
	// ErrCorruptCheckpoint is returned when no location holds a readable
	// copy of the newest checkpoint. Older checkpoints are never used in
	// its place.
	ErrCorruptCheckpoint = errors.New("newest checkpoint is unreadable in every location")

	// ErrNoCheckpoint means no image location holds any checkpoint.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Loader rebuilds namespace state during recovery.
type Loader interface {
	LoadImage(data []byte, txid uint64) error
	ApplyMutation(rec editlog.Record) error
}

// Recovery summarizes a startup recovery.
type Recovery struct {
	CheckpointTxID uint64
	CheckpointFrom *storage.Location
	Segments       int
	Replayed       int
	LastTxID       uint64
	Torn           bool
}

// Planner restores namespace state at startup.
type Planner struct {
	set   *storage.Set
	log   *editlog.Log
	cache *editlog.ScanCache
	obs   *observe.Handle
}

// NewPlanner returns a planner. cache may be nil.
func NewPlanner(set *storage.Set, log *editlog.Log, cache *editlog.ScanCache) *Planner {
	return &Planner{set: set, log: log, cache: cache, obs: set.Observer()}
}

// Recover loads the newest checkpoint into ns, replays every logged
// mutation after it, finalizes interrupted segments and opens a new
// segment at the next txid. The log must be closed.
func (p *Planner) Recover(ns Loader) (*Recovery, error) {
	rec := &Recovery{}

	txid, holders, err := p.newestCheckpoint()
	if err != nil {
		return nil, err
	}
	from, err := p.loadCheckpoint(ns, txid, holders)
	if err != nil {
		return nil, err
	}
	rec.CheckpointTxID, rec.CheckpointFrom = txid, from
	p.obs.Log.Infof("fsimage: loaded checkpoint %d from %s", txid, from)

	plan, err := editlog.PlanSegments(p.set.Active(storage.RoleEdits), txid, p.cache)
	if err != nil {
		return nil, fmt.Errorf("failed to discover segments: %w", err)
	}
	rec.Segments = len(plan.Groups)

	r := plan.Reader(p.cache)
	defer r.Close()
	n, err := editlog.Replay(r, ns.ApplyMutation)
	if err != nil {
		return nil, fmt.Errorf("failed to replay edits after checkpoint %d: %w", txid, err)
	}
	rec.Replayed = n
	rec.Torn = r.Torn()
	rec.LastTxID = max(txid, r.LastTxID())
	if rec.Torn {
		p.obs.Log.Warnf("fsimage: edit log ends in a torn record after txid %d", rec.LastTxID)
	}

	if err := p.log.Recover(plan); err != nil {
		return nil, fmt.Errorf("failed to finalize recovered segments: %w", err)
	}
	if err := p.log.SetLastWrittenTxID(rec.LastTxID); err != nil {
		return nil, err
	}
	if err := p.log.BeginSegment(rec.LastTxID + 1); err != nil {
		return nil, err
	}
	p.obs.Log.Infof("fsimage: replayed %d mutation(s) from %d segment group(s), resuming at txid %d",
		n, rec.Segments, rec.LastTxID+1)
	return rec, nil
}

// newestCheckpoint returns the highest checkpoint txid and the locations
// that hold it in configuration order.
func (p *Planner) newestCheckpoint() (uint64, []*storage.Location, error) {
	var (
		best    uint64
		found   bool
		holders []*storage.Location
	)
	for _, loc := range p.set.Active(storage.RoleImage) {
		txids, err := ListCheckpoints(loc)
		if err != nil {
			p.set.MarkFailed(loc, storage.OpProbe, err)
			continue
		}
		if len(txids) == 0 {
			continue
		}
		switch newest := txids[0]; {
		case !found || newest > best:
			best, found, holders = newest, true, []*storage.Location{loc}
		case newest == best:
			holders = append(holders, loc)
		}
	}
	if !found {
		return 0, nil, ErrNoCheckpoint
	}
	return best, holders, nil
}

func (p *Planner) loadCheckpoint(ns Loader, txid uint64, holders []*storage.Location) (*storage.Location, error) {
	var errs []error
	for _, loc := range holders {
		data, err := ReadCheckpoint(loc, txid)
		if err == nil {
			err = ns.LoadImage(data, txid)
		}
		if err != nil {
			p.obs.Log.Warnf("fsimage: checkpoint %d unusable in %s: %v", txid, loc, err)
			errs = append(errs, err)
			continue
		}
		return loc, nil
	}
	return nil, fmt.Errorf("%w: txid %d: %w", ErrCorruptCheckpoint, txid, errors.Join(errs...))
}
