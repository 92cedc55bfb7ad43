package editlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"testing"

	"github.com/danmuck/dps_namenode/src/storage"
	"github.com/spf13/afero"
)

func newTestLog(t *testing.T, n int, fi storage.FaultInjector) (*storage.Set, *Log) {
	t.Helper()
	specs := make([]storage.Spec, 0, n)
	for i := 0; i < n; i++ {
		specs = append(specs, storage.Spec{Root: fmt.Sprintf("/edits%d", i), Role: storage.RoleEdits})
	}
	opts := []storage.Option{storage.WithFS(afero.NewMemMapFs())}
	if fi != nil {
		opts = append(opts, storage.WithFaultInjector(fi))
	}
	set, err := storage.NewSet(specs, opts...)
	if err != nil {
		t.Fatalf("failed to create set: %v", err)
	}
	if err := set.WriteVersionMarkers(storage.Marker{NamespaceID: "test"}); err != nil {
		t.Fatalf("failed to write markers: %v", err)
	}
	return set, New(set)
}

func appendN(t *testing.T, l *Log, n int) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		txid, err := l.Append([]byte(fmt.Sprintf("op-%d", i)))
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		ids = append(ids, txid)
	}
	return ids
}

func readAll(t *testing.T, r *Reader) []Record {
	t.Helper()
	var out []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("reader failed: %v", err)
		}
		out = append(out, rec)
	}
}

func TestRecordCodec(t *testing.T) {
	rec := Record{Kind: KindMutation, TxID: 42, Payload: []byte("mkdir /a")}
	buf := rec.Encode()

	got, n, err := decodeRecord(buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if n != len(buf) || got.TxID != 42 || string(got.Payload) != "mkdir /a" || got.Kind != KindMutation {
		t.Fatalf("unexpected record %+v (n=%d)", got, n)
	}

	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{name: "short header", buf: buf[:RecordHeaderSize-1], want: errShortRecord},
		{name: "short payload", buf: buf[:len(buf)-1], want: errShortRecord},
		{name: "flipped payload bit", buf: flip(buf, len(buf)-1), want: errBadChecksum},
		{name: "flipped txid bit", buf: flip(buf, 3), want: errBadChecksum},
		{name: "bad kind", buf: append([]byte{9}, buf[1:]...), want: errBadKind},
	}
	for _, tt := range tests {
		if _, _, err := decodeRecord(tt.buf); !errors.Is(err, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func flip(buf []byte, i int) []byte {
	out := append([]byte(nil), buf...)
	out[i] ^= 0x01
	return out
}

func TestParseSegmentName(t *testing.T) {
	tests := []struct {
		name       string
		first      uint64
		last       uint64
		inProgress bool
		ok         bool
	}{
		{name: FinalizedName(1, 9), first: 1, last: 9, ok: true},
		{name: InProgressName(10), first: 10, inProgress: true, ok: true},
		{name: FinalizedName(5, 5), first: 5, last: 5, ok: true},
		{name: "edits_0000000000000000009-0000000000000000001"},
		{name: FinalizedName(1, 9) + storage.StagingInfix + "123"},
		{name: "fsimage_0000000000000000001"},
		{name: "edits_abc"},
		{name: "VERSION"},
	}
	for _, tt := range tests {
		first, last, inProgress, ok := ParseSegmentName(tt.name)
		if ok != tt.ok || first != tt.first || last != tt.last || inProgress != tt.inProgress {
			t.Fatalf("%s: got (%d, %d, %v, %v)", tt.name, first, last, inProgress, ok)
		}
	}
}

func TestAppendAssignsConsecutiveTxIDs(t *testing.T) {
	set, l := newTestLog(t, 2, nil)
	if err := l.BeginSegment(1); err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	ids := appendN(t, l, 5)
	for i, id := range ids {
		if id != uint64(i+1) {
			t.Fatalf("expected txid %d, got %d", i+1, id)
		}
	}
	if err := l.EndSegment(); err != nil {
		t.Fatalf("failed to end: %v", err)
	}
	if l.State() != Closed {
		t.Fatalf("expected closed log")
	}

	for _, loc := range set.Locations(storage.RoleEdits) {
		segs, err := ListSegments(loc)
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if len(segs) != 1 || segs[0].Name != FinalizedName(1, 5) {
			t.Fatalf("unexpected segments at %s: %v", loc, segs)
		}
	}
}

func TestBeginSegmentRejectsWrongStart(t *testing.T) {
	_, l := newTestLog(t, 1, nil)
	if err := l.BeginSegment(7); err == nil {
		t.Fatalf("expected error for non-contiguous start")
	}
	if err := l.BeginSegment(1); err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	if err := l.BeginSegment(1); !errors.Is(err, ErrLogOpen) {
		t.Fatalf("expected ErrLogOpen, got %v", err)
	}
}

func TestEmptySegmentIsRemoved(t *testing.T) {
	set, l := newTestLog(t, 1, nil)
	if err := l.BeginSegment(1); err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	if err := l.EndSegment(); err != nil {
		t.Fatalf("failed to end: %v", err)
	}
	segs, _ := ListSegments(set.Locations(storage.RoleEdits)[0])
	if len(segs) != 0 {
		t.Fatalf("expected no segments, got %v", segs)
	}
}

func TestRollStartsAfterLastWritten(t *testing.T) {
	set, l := newTestLog(t, 1, nil)
	if err := l.BeginSegment(1); err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	appendN(t, l, 3)
	if err := l.Roll(); err != nil {
		t.Fatalf("failed to roll: %v", err)
	}
	if start, open := l.SegmentStart(); !open || start != 4 {
		t.Fatalf("expected open segment at 4, got %d (open=%v)", start, open)
	}
	appendN(t, l, 2)
	if err := l.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	segs, _ := ListSegments(set.Locations(storage.RoleEdits)[0])
	if len(segs) != 2 || segs[0].Name != FinalizedName(1, 3) || segs[1].Name != FinalizedName(4, 5) {
		t.Fatalf("unexpected segments %v", segs)
	}
}

func TestAppendDropsFailedLocation(t *testing.T) {
	var bad *storage.Location
	set, l := newTestLog(t, 2, storage.FaultFunc(func(op storage.Op, loc *storage.Location) error {
		if op == storage.OpEditsAppend && loc == bad {
			return errors.New("disk full")
		}
		return nil
	}))
	if err := l.BeginSegment(1); err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	appendN(t, l, 2)
	bad = set.Locations(storage.RoleEdits)[1]
	appendN(t, l, 2)

	if got := set.Removed(); len(got) != 1 || got[0] != bad {
		t.Fatalf("expected second location failed, got %v", got)
	}
	if got := l.Streams(); len(got) != 1 {
		t.Fatalf("expected one stream, got %d", len(got))
	}
	if l.LastWrittenTxID() != 4 {
		t.Fatalf("expected last written 4, got %d", l.LastWrittenTxID())
	}
}

func TestAppendUnavailableKeepsCounter(t *testing.T) {
	var broken bool
	set, l := newTestLog(t, 2, storage.FaultFunc(func(op storage.Op, _ *storage.Location) error {
		if broken && op == storage.OpEditsAppend {
			return errors.New("io error")
		}
		return nil
	}))
	if err := l.BeginSegment(1); err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	appendN(t, l, 3)

	broken = true
	if _, err := l.Append([]byte("lost")); !errors.Is(err, ErrLogUnavailable) {
		t.Fatalf("expected ErrLogUnavailable, got %v", err)
	}
	if l.LastWrittenTxID() != 3 {
		t.Fatalf("counter advanced past unpersisted txid: %d", l.LastWrittenTxID())
	}
	if _, err := l.Append([]byte("again")); !errors.Is(err, ErrLogClosed) {
		t.Fatalf("expected ErrLogClosed, got %v", err)
	}

	broken = false
	if got := set.RestoreFailed(storage.RoleEdits); len(got) != 2 {
		t.Fatalf("expected both locations restored, got %d", len(got))
	}
	if err := l.Roll(); err != nil {
		t.Fatalf("failed to roll: %v", err)
	}
	if txid, err := l.Append([]byte("back")); err != nil || txid != 4 {
		t.Fatalf("expected txid 4 after restore, got %d (%v)", txid, err)
	}
}

func TestBeginSegmentUnavailable(t *testing.T) {
	set, l := newTestLog(t, 2, storage.FaultFunc(func(op storage.Op, _ *storage.Location) error {
		if op == storage.OpEditsOpen {
			return errors.New("read-only")
		}
		return nil
	}))
	if err := l.BeginSegment(1); !errors.Is(err, ErrLogUnavailable) {
		t.Fatalf("expected ErrLogUnavailable, got %v", err)
	}
	if len(set.Removed()) != 2 {
		t.Fatalf("expected both locations failed")
	}
	if l.State() != Closed {
		t.Fatalf("expected closed log")
	}
}

func TestReaderStopsAtTornTail(t *testing.T) {
	set, l := newTestLog(t, 1, nil)
	if err := l.BeginSegment(1); err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	appendN(t, l, 4)

	// simulate a crash mid-write: half a record after the last good one
	loc := set.Locations(storage.RoleEdits)[0]
	partial := Record{Kind: KindMutation, TxID: 5, Payload: []byte("half-written")}.Encode()
	f, err := loc.FS().OpenFile(loc.Path(InProgressName(1)), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("failed to open segment: %v", err)
	}
	if _, err := f.Write(partial[:len(partial)/2]); err != nil {
		t.Fatalf("failed to write partial record: %v", err)
	}
	_ = f.Close()

	plan, err := PlanSegments(set.Active(storage.RoleEdits), 0, nil)
	if err != nil {
		t.Fatalf("failed to plan: %v", err)
	}
	r := plan.Reader(nil)
	recs := readAll(t, r)
	if len(recs) != 4 {
		t.Fatalf("expected 4 records before torn tail, got %d", len(recs))
	}
	if !r.Torn() {
		t.Fatalf("expected reader to report torn tail")
	}

	r.Reset()
	if again := readAll(t, r); len(again) != 4 {
		t.Fatalf("expected 4 records after reset, got %d", len(again))
	}
}

func TestPlanPrefersFurthestCopy(t *testing.T) {
	var bad *storage.Location
	set, l := newTestLog(t, 2, storage.FaultFunc(func(op storage.Op, loc *storage.Location) error {
		if op == storage.OpEditsAppend && loc == bad {
			return errors.New("gone")
		}
		return nil
	}))
	if err := l.BeginSegment(1); err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	appendN(t, l, 2)
	bad = set.Locations(storage.RoleEdits)[0]
	appendN(t, l, 3)

	plan, err := PlanSegments(set.Locations(storage.RoleEdits), 0, nil)
	if err != nil {
		t.Fatalf("failed to plan: %v", err)
	}
	if len(plan.Groups) != 1 {
		t.Fatalf("expected one group, got %d", len(plan.Groups))
	}
	g := plan.Groups[0]
	if g.Chosen.Loc != set.Locations(storage.RoleEdits)[1] || g.Scan.Count() != 5 {
		t.Fatalf("expected the longer copy, got %s with %d records", g.Chosen, g.Scan.Count())
	}
	if plan.LastTxID() != 5 {
		t.Fatalf("expected last txid 5, got %d", plan.LastTxID())
	}
}

func TestPlanSkipsCoveredSegmentsAndReadsAfter(t *testing.T) {
	set, l := newTestLog(t, 1, nil)
	if err := l.BeginSegment(1); err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	appendN(t, l, 3)
	if err := l.Roll(); err != nil {
		t.Fatalf("failed to roll: %v", err)
	}
	appendN(t, l, 3)
	if err := l.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	plan, err := PlanSegments(set.Active(storage.RoleEdits), 4, nil)
	if err != nil {
		t.Fatalf("failed to plan: %v", err)
	}
	if len(plan.Groups) != 1 || plan.Groups[0].First != 4 {
		t.Fatalf("expected only the second segment, got %d groups", len(plan.Groups))
	}
	recs := readAll(t, plan.Reader(nil))
	if len(recs) != 2 || recs[0].TxID != 5 || recs[1].TxID != 6 {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestReaderReportsGap(t *testing.T) {
	set, l := newTestLog(t, 1, nil)
	if err := l.BeginSegment(1); err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	appendN(t, l, 3)
	if err := l.Roll(); err != nil {
		t.Fatalf("failed to roll: %v", err)
	}
	appendN(t, l, 1)
	if err := l.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	loc := set.Locations(storage.RoleEdits)[0]
	if err := loc.FS().Remove(loc.Path(FinalizedName(1, 3))); err != nil {
		t.Fatalf("failed to remove segment: %v", err)
	}

	plan, err := PlanSegments(set.Active(storage.RoleEdits), 0, nil)
	if err != nil {
		t.Fatalf("failed to plan: %v", err)
	}
	if _, err := Replay(plan.Reader(nil), func(Record) error { return nil }); !errors.Is(err, ErrMissingTransactions) {
		t.Fatalf("expected ErrMissingTransactions, got %v", err)
	}
}

func TestRecoverFinalizesInProgress(t *testing.T) {
	set, l := newTestLog(t, 2, nil)
	if err := l.BeginSegment(1); err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	appendN(t, l, 3)
	// crash: the segment is never ended

	restarted := New(set)
	plan, err := PlanSegments(set.Active(storage.RoleEdits), 0, nil)
	if err != nil {
		t.Fatalf("failed to plan: %v", err)
	}
	if err := restarted.Recover(plan); err != nil {
		t.Fatalf("failed to recover: %v", err)
	}
	for _, loc := range set.Locations(storage.RoleEdits) {
		segs, _ := ListSegments(loc)
		if len(segs) != 1 || segs[0].Name != FinalizedName(1, 3) {
			t.Fatalf("unexpected segments at %s: %v", loc, segs)
		}
	}

	if err := restarted.SetLastWrittenTxID(plan.LastTxID()); err != nil {
		t.Fatalf("failed to set last written: %v", err)
	}
	if err := restarted.BeginSegment(4); err != nil {
		t.Fatalf("failed to begin after recovery: %v", err)
	}
	if txid, err := restarted.Append([]byte("next")); err != nil || txid != 4 {
		t.Fatalf("expected txid 4, got %d (%v)", txid, err)
	}
}

func TestPurgeRemovesCoveredSegments(t *testing.T) {
	set, l := newTestLog(t, 1, nil)
	if err := l.BeginSegment(1); err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	appendN(t, l, 2)
	if err := l.Roll(); err != nil {
		t.Fatalf("failed to roll: %v", err)
	}
	appendN(t, l, 2)
	if err := l.Roll(); err != nil {
		t.Fatalf("failed to roll: %v", err)
	}

	n, err := l.Purge(2)
	if err != nil {
		t.Fatalf("failed to purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged segment, got %d", n)
	}
	segs, _ := ListSegments(set.Locations(storage.RoleEdits)[0])
	if len(segs) != 2 || segs[0].Name != FinalizedName(3, 4) || !segs[1].InProgress {
		t.Fatalf("unexpected segments after purge: %v", segs)
	}
}

func TestScanCacheServesFinalizedSegments(t *testing.T) {
	cache, err := NewScanCache(1 << 20)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer cache.Close()

	set, l := newTestLog(t, 1, nil)
	if err := l.BeginSegment(1); err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	appendN(t, l, 2)
	if err := l.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	segs, _ := ListSegments(set.Locations(storage.RoleEdits)[0])
	first, err := ScanSegment(segs[0], cache)
	if err != nil {
		t.Fatalf("failed to scan: %v", err)
	}
	if !first.Ended || first.Count() != 2 {
		t.Fatalf("unexpected scan %+v", first)
	}
	if _, ok := cache.Get(segs[0].Path()); !ok {
		t.Fatalf("expected scan to be cached")
	}
	second, err := ScanSegment(segs[0], cache)
	if err != nil {
		t.Fatalf("failed to scan: %v", err)
	}
	if second != first {
		t.Fatalf("expected cached scan to be reused")
	}
}

// syncFailFs wraps files so Sync fails on demand after the write landed.
type syncFailFs struct {
	afero.Fs
	fail *atomic.Bool
}

func (f syncFailFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return syncFailFile{File: file, fail: f.fail}, nil
}

type syncFailFile struct {
	afero.File
	fail *atomic.Bool
}

func (f syncFailFile) Sync() error {
	if f.fail.Load() {
		return errors.New("sync failed")
	}
	return f.File.Sync()
}

func TestFailedAppendLeavesNoRecord(t *testing.T) {
	var fail atomic.Bool
	fs := syncFailFs{Fs: afero.NewMemMapFs(), fail: &fail}
	set, err := storage.NewSet([]storage.Spec{{Root: "/edits", Role: storage.RoleEdits}}, storage.WithFS(fs))
	if err != nil {
		t.Fatalf("failed to create set: %v", err)
	}
	l := New(set)
	if err := l.BeginSegment(1); err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	appendN(t, l, 1)

	fail.Store(true)
	if _, err := l.Append([]byte("lost")); !errors.Is(err, ErrLogUnavailable) {
		t.Fatalf("expected ErrLogUnavailable, got %v", err)
	}
	fail.Store(false)

	plan, err := PlanSegments(set.Locations(storage.RoleEdits), 0, nil)
	if err != nil {
		t.Fatalf("failed to plan: %v", err)
	}
	if got := plan.LastTxID(); got != 1 {
		t.Fatalf("expected recovery to stop at txid 1, got %d", got)
	}
	if len(plan.Groups) != 1 || plan.Groups[0].Scan.Torn {
		t.Fatalf("expected one clean group, got %+v", plan.Groups)
	}
	if l.LastWrittenTxID() != 1 {
		t.Fatalf("expected counter at 1, got %d", l.LastWrittenTxID())
	}
}
