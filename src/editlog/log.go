// Package editlog is the append-only transaction log of the namespace. The
// log is written as segments, each replicated to every ACTIVE edits
// location. A mutation is durable once Append returns its txid.
package editlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/danmuck/dps_namenode/src/observe"
	"github.com/danmuck/dps_namenode/src/storage"
	"github.com/spf13/afero"
)

var (
	// ErrLogUnavailable means no edits location accepted a write.
	ErrLogUnavailable = errors.New("edit log unavailable: no location accepted the write")

	ErrLogClosed = errors.New("edit log has no open segment")
	ErrLogOpen   = errors.New("edit log segment already open")

	// ErrMissingTransactions means the segments on disk do not cover a
	// contiguous txid range from the requested starting point.
	ErrMissingTransactions = errors.New("edit log is missing transactions")
)

// State of the log.
type State uint8

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "OPEN"
	}
	return "CLOSED"
}

type stream struct {
	loc  *storage.Location
	f    afero.File
	path string
	size int64 // bytes durable in f
}

// Log is the segmented transaction log.
type Log struct {
	mu    sync.Mutex
	set   *storage.Set
	obs   *observe.Handle
	cache *ScanCache

	state       State
	first       uint64
	lastWritten uint64
	streams     []*stream
}

// Option configures a Log.
type Option func(*Log)

// WithScanCache shares a segment scan cache with the log.
func WithScanCache(c *ScanCache) Option {
	return func(l *Log) { l.cache = c }
}

// New returns a closed log over the edits locations of set.
func New(set *storage.Set, opts ...Option) *Log {
	l := &Log{set: set, obs: set.Observer()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns whether a segment is open.
func (l *Log) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LastWrittenTxID returns the txid of the last durable mutation.
func (l *Log) LastWrittenTxID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastWritten
}

// SegmentStart returns the first txid of the open segment.
func (l *Log) SegmentStart() (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.first, l.state == Open
}

// SetLastWrittenTxID positions a closed log after recovery.
func (l *Log) SetLastWrittenTxID(txid uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Open {
		return ErrLogOpen
	}
	l.lastWritten = txid
	l.obs.Metrics.SetLastWrittenTxID(txid)
	return nil
}

// Streams returns the locations currently receiving appends.
func (l *Log) Streams() []*storage.Location {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*storage.Location, 0, len(l.streams))
	for _, st := range l.streams {
		out = append(out, st.loc)
	}
	return out
}

// BeginSegment opens a new segment starting at start on every ACTIVE edits
// location. start must follow the last written txid.
func (l *Log) BeginSegment(start uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Open {
		return ErrLogOpen
	}
	if start != l.lastWritten+1 {
		return fmt.Errorf("segment must start at txid %d, got %d", l.lastWritten+1, start)
	}
	return l.beginLocked(start)
}

func (l *Log) beginLocked(start uint64) error {
	var streams []*stream
	for _, loc := range l.set.Active(storage.RoleEdits) {
		st, err := l.openStream(loc, start)
		if err != nil {
			l.set.MarkFailed(loc, storage.OpEditsOpen, err)
			continue
		}
		streams = append(streams, st)
	}
	if len(streams) == 0 {
		return fmt.Errorf("%w: cannot begin segment at txid %d", ErrLogUnavailable, start)
	}
	l.streams = streams
	l.first = start
	l.state = Open
	l.obs.Log.Debugf("editlog: began segment %d on %d location(s)", start, len(streams))
	return nil
}

func (l *Log) openStream(loc *storage.Location, start uint64) (*stream, error) {
	loc.Lock()
	defer loc.Unlock()

	if err := l.set.Inject(storage.OpEditsOpen, loc); err != nil {
		return nil, err
	}
	fs := loc.FS()
	if err := fs.MkdirAll(loc.Root(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create edits directory: %w", err)
	}
	path := loc.Path(InProgressName(start))
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	header := Record{Kind: KindBegin, TxID: start}.Encode()
	if _, err := f.Write(header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write segment header: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to sync segment header: %w", err)
	}
	if err := storage.SyncDir(fs, loc.Root()); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &stream{loc: loc, f: f, path: path, size: int64(len(header))}, nil
}

// Append assigns the next txid to payload and writes it to every open
// stream. Streams that fail are dropped and their locations marked failed.
// If none accepts the record the txid is not consumed and the log closes.
func (l *Log) Append(payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Open {
		return 0, ErrLogClosed
	}

	txid := l.lastWritten + 1
	frame := Record{Kind: KindMutation, TxID: txid, Payload: payload}.Encode()
	start := time.Now()

	kept := make([]*stream, 0, len(l.streams))
	for _, st := range l.streams {
		if err := l.write(st, storage.OpEditsAppend, frame); err != nil {
			l.drop(st, storage.OpEditsAppend, err)
			continue
		}
		kept = append(kept, st)
	}
	l.streams = kept

	if len(kept) == 0 {
		l.state = Closed
		l.obs.Metrics.IncEditsAppend("unavailable")
		l.obs.Log.Errorf(ErrLogUnavailable, "editlog: txid %d reached no location", txid)
		return 0, fmt.Errorf("%w: txid %d not persisted", ErrLogUnavailable, txid)
	}

	l.lastWritten = txid
	l.obs.Metrics.ObserveEditsSync(time.Since(start))
	l.obs.Metrics.IncEditsAppend("ok")
	l.obs.Metrics.SetLastWrittenTxID(txid)
	return txid, nil
}

func (l *Log) write(st *stream, op storage.Op, frame []byte) error {
	st.loc.Lock()
	defer st.loc.Unlock()
	if err := l.set.Inject(op, st.loc); err != nil {
		return err
	}
	if _, err := st.f.Write(frame); err != nil {
		return st.rewind(fmt.Errorf("failed to write record: %w", err))
	}
	if err := st.f.Sync(); err != nil {
		return st.rewind(fmt.Errorf("failed to sync record: %w", err))
	}
	st.size += int64(len(frame))
	return nil
}

// rewind cuts a failed append off the segment so a txid the caller was
// told failed cannot be replayed from this copy.
func (st *stream) rewind(cause error) error {
	if err := st.f.Truncate(st.size); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to truncate segment: %w", err))
	}
	if _, err := st.f.Seek(st.size, io.SeekStart); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to seek segment: %w", err))
	}
	if err := st.f.Sync(); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to sync truncated segment: %w", err))
	}
	return cause
}

func (l *Log) drop(st *stream, op storage.Op, cause error) {
	_ = st.f.Close()
	l.set.MarkFailed(st.loc, op, cause)
}

// EndSegment writes the END marker, closes the open segment and renames it
// to its finalized name. A segment holding no mutations is removed.
func (l *Log) EndSegment() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Open {
		return ErrLogClosed
	}
	return l.endLocked()
}

func (l *Log) endLocked() error {
	last := l.lastWritten
	empty := last < l.first
	finalized := 0

	for _, st := range l.streams {
		if empty {
			_ = st.f.Close()
			if err := st.loc.FS().Remove(st.path); err != nil {
				l.obs.Log.Warnf("editlog: failed to remove empty segment %s: %v", st.path, err)
			}
			continue
		}
		if err := l.finalize(st, last); err != nil {
			l.set.MarkFailed(st.loc, storage.OpEditsFinalize, err)
			continue
		}
		finalized++
	}

	first := l.first
	l.streams = nil
	l.state = Closed

	if empty {
		l.obs.Log.Debugf("editlog: dropped empty segment %d", first)
		return nil
	}
	if finalized == 0 {
		return fmt.Errorf("%w: segment %d-%d not finalized", ErrLogUnavailable, first, last)
	}
	l.obs.Log.Debugf("editlog: finalized segment %d-%d on %d location(s)", first, last, finalized)
	return nil
}

func (l *Log) finalize(st *stream, last uint64) error {
	st.loc.Lock()
	defer st.loc.Unlock()

	if err := l.set.Inject(storage.OpEditsFinalize, st.loc); err != nil {
		_ = st.f.Close()
		return err
	}
	if _, err := st.f.Write(Record{Kind: KindEnd, TxID: last}.Encode()); err != nil {
		_ = st.f.Close()
		return fmt.Errorf("failed to write segment trailer: %w", err)
	}
	if err := st.f.Sync(); err != nil {
		_ = st.f.Close()
		return fmt.Errorf("failed to sync segment trailer: %w", err)
	}
	if err := st.f.Close(); err != nil {
		return fmt.Errorf("failed to close segment: %w", err)
	}
	return storage.Publish(st.loc.FS(), st.path, st.loc.Path(FinalizedName(l.first, last)))
}

// Roll ends the open segment, if any, and begins a new one at the next
// txid. Edits locations restored since the last roll join the new segment.
func (l *Log) Roll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var endErr error
	if l.state == Open {
		endErr = l.endLocked()
	}
	return errors.Join(endErr, l.beginLocked(l.lastWritten+1))
}

// Close ends the open segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Open {
		return nil
	}
	return l.endLocked()
}

// Purge removes finalized segments whose last txid is at or below upTo
// from every ACTIVE edits location and returns how many files it removed.
func (l *Log) Purge(upTo uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	var errs []error
	for _, loc := range l.set.Active(storage.RoleEdits) {
		segs, err := ListSegments(loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, seg := range segs {
			if seg.InProgress || seg.Last > upTo {
				continue
			}
			if err := loc.FS().Remove(seg.Path()); err != nil {
				errs = append(errs, fmt.Errorf("failed to purge %s: %w", seg, err))
				continue
			}
			l.cache.Forget(seg.Path())
			removed++
		}
	}
	return removed, errors.Join(errs...)
}
