package editlog

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/spf13/afero"
)

// Scan is the parsed content of one segment copy. Parsing stops at the
// first record that is short, fails its checksum, or breaks txid order.
type Scan struct {
	First   uint64
	Records []Record // mutations only, txids First, First+1, ...
	Began   bool
	Ended   bool
	Torn    bool
	Size    int64
}

// Count is the number of mutations parsed.
func (s *Scan) Count() int { return len(s.Records) }

// LastTxID is the txid of the last parsed mutation, or First-1 when the
// segment holds none.
func (s *Scan) LastTxID() uint64 { return s.First + uint64(len(s.Records)) - 1 }

// Empty reports whether the copy holds no mutations.
func (s *Scan) Empty() bool { return len(s.Records) == 0 }

func scanBytes(first uint64, data []byte) *Scan {
	sc := &Scan{First: first, Size: int64(len(data))}
	off := 0

	rec, n, err := decodeRecord(data)
	if err != nil || rec.Kind != KindBegin || rec.TxID != first {
		sc.Torn = len(data) > 0
		return sc
	}
	sc.Began = true
	off += n

	next := first
	for off < len(data) {
		rec, n, err := decodeRecord(data[off:])
		if err != nil {
			sc.Torn = true
			return sc
		}
		switch rec.Kind {
		case KindMutation:
			if rec.TxID != next {
				sc.Torn = true
				return sc
			}
			sc.Records = append(sc.Records, rec)
			next++
		case KindEnd:
			if rec.TxID != next-1 {
				sc.Torn = true
				return sc
			}
			sc.Ended = true
			off += n
			// nothing may follow END
			sc.Torn = off != len(data)
			return sc
		default:
			sc.Torn = true
			return sc
		}
		off += n
	}
	return sc
}

// ScanSegment reads and parses seg. Finalized segments are immutable, so
// their scans are served from cache when one is given.
func ScanSegment(seg Segment, cache *ScanCache) (*Scan, error) {
	path := seg.Path()
	if !seg.InProgress {
		if sc, ok := cache.Get(path); ok {
			return sc, nil
		}
	}
	data, err := afero.ReadFile(seg.Loc.FS(), path)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %s: %w", path, err)
	}
	sc := scanBytes(seg.First, data)
	if !seg.InProgress && sc.Ended && sc.LastTxID() == seg.Last {
		cache.Put(path, sc)
	}
	return sc, nil
}

// ScanCache keeps recent finalized segment scans keyed by path.
type ScanCache struct {
	c *ristretto.Cache[string, *Scan]
}

// NewScanCache returns a cache bounded to roughly maxBytes of segment data.
func NewScanCache(maxBytes int64) (*ScanCache, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, *Scan]{
		NumCounters: 10_000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scan cache: %w", err)
	}
	return &ScanCache{c: c}, nil
}

// Get returns a cached scan. A nil cache always misses.
func (c *ScanCache) Get(path string) (*Scan, bool) {
	if c == nil {
		return nil, false
	}
	return c.c.Get(path)
}

// Put caches sc for path.
func (c *ScanCache) Put(path string, sc *Scan) {
	if c == nil {
		return
	}
	cost := sc.Size
	if cost <= 0 {
		cost = 1
	}
	c.c.Set(path, sc, cost)
	c.c.Wait()
}

// Forget drops path from the cache.
func (c *ScanCache) Forget(path string) {
	if c == nil {
		return
	}
	c.c.Del(path)
}

// Close releases the cache.
func (c *ScanCache) Close() {
	if c == nil {
		return
	}
	c.c.Close()
}
