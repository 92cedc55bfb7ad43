package editlog

import (
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/dps_namenode/src/storage"
)

// Group is every copy of the segment starting at First across locations.
type Group struct {
	First  uint64
	Copies []Segment
	Chosen Segment
	Scan   *Scan

	// Until bounds the txids replayed from this group. It stops short of
	// the next group's start when a later segment rewrote those ids.
	Until uint64
}

// Complete reports whether the chosen copy was closed with END.
func (g *Group) Complete() bool { return g.Scan.Ended && !g.Scan.Torn }

// Plan is the ordered set of segment groups that cover the log after a
// given txid.
type Plan struct {
	After  uint64
	Groups []*Group
}

// LastTxID returns the last txid the plan can replay, or After when it
// holds nothing newer.
func (p *Plan) LastTxID() uint64 {
	last := p.After
	for _, g := range p.Groups {
		if g.Scan.Empty() {
			continue
		}
		if end := min(g.Until, g.Scan.LastTxID()); end > last {
			last = end
		}
	}
	return last
}

// Reader returns a reader over the plan.
func (p *Plan) Reader(cache *ScanCache) *Reader {
	spans := make([]Span, 0, len(p.Groups))
	for _, g := range p.Groups {
		spans = append(spans, Span{Segment: g.Chosen, Until: g.Until})
	}
	return NewReader(spans, p.After, cache)
}

// PlanSegments discovers the segments held by locs and picks, for every
// starting txid, the copy that parses furthest. A complete copy beats a
// torn one of equal length, then configuration order breaks ties.
// Finalized segments ending at or before after are skipped.
func PlanSegments(locs []*storage.Location, after uint64, cache *ScanCache) (*Plan, error) {
	groups := map[uint64]*Group{}
	for _, loc := range locs {
		segs, err := ListSegments(loc)
		if err != nil {
			return nil, err
		}
		for _, seg := range segs {
			if !seg.InProgress && seg.Last <= after {
				continue
			}
			g, ok := groups[seg.First]
			if !ok {
				g = &Group{First: seg.First}
				groups[seg.First] = g
			}
			g.Copies = append(g.Copies, seg)
		}
	}

	plan := &Plan{After: after}
	for _, g := range groups {
		for _, seg := range g.Copies {
			sc, err := ScanSegment(seg, cache)
			if err != nil {
				return nil, err
			}
			if g.Scan == nil || better(sc, g.Scan) {
				g.Chosen, g.Scan = seg, sc
			}
		}
		plan.Groups = append(plan.Groups, g)
	}
	sort.Slice(plan.Groups, func(i, j int) bool { return plan.Groups[i].First < plan.Groups[j].First })

	for i, g := range plan.Groups {
		g.Until = g.Scan.LastTxID()
		if i+1 < len(plan.Groups) {
			if next := plan.Groups[i+1].First; next <= g.Until {
				g.Until = next - 1
			}
		}
	}
	return plan, nil
}

func better(a, b *Scan) bool {
	if a.Count() != b.Count() {
		return a.Count() > b.Count()
	}
	return a.Ended && !b.Ended
}

// Recover finalizes every in-progress segment in plan at its valid length.
// The chosen prefix is written as a finalized segment to every ACTIVE edits
// location and the in-progress copies are removed. The log must be closed.
func (l *Log) Recover(plan *Plan) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Open {
		return ErrLogOpen
	}

	var errs []error
	for _, g := range plan.Groups {
		var inProgress []Segment
		for _, seg := range g.Copies {
			if seg.InProgress {
				inProgress = append(inProgress, seg)
			}
		}
		if len(inProgress) == 0 {
			continue
		}
		if g.Chosen.InProgress && !g.Scan.Empty() && g.Until >= g.First {
			if err := l.publishRecovered(g); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		for _, seg := range inProgress {
			if err := seg.Loc.FS().Remove(seg.Path()); err != nil {
				l.obs.Log.Warnf("editlog: failed to remove recovered segment %s: %v", seg, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (l *Log) publishRecovered(g *Group) error {
	last := g.Until
	data := Record{Kind: KindBegin, TxID: g.First}.Encode()
	for _, rec := range g.Scan.Records {
		if rec.TxID > last {
			break
		}
		data = append(data, rec.Encode()...)
	}
	data = append(data, Record{Kind: KindEnd, TxID: last}.Encode()...)

	name := FinalizedName(g.First, last)
	published := 0
	for _, loc := range l.set.Active(storage.RoleEdits) {
		err := func() error {
			loc.Lock()
			defer loc.Unlock()
			if err := l.set.Inject(storage.OpEditsFinalize, loc); err != nil {
				return err
			}
			return storage.WriteAtomic(loc.FS(), loc.Root(), name, data)
		}()
		if err != nil {
			l.set.MarkFailed(loc, storage.OpEditsFinalize, err)
			continue
		}
		published++
	}
	if published == 0 {
		return fmt.Errorf("%w: cannot finalize recovered segment %d-%d", ErrLogUnavailable, g.First, last)
	}
	if g.Scan.Torn {
		l.obs.Metrics.IncTornSegment()
	}
	l.obs.Log.Infof("editlog: recovered segment %d-%d from %s", g.First, last, g.Chosen)
	return nil
}
