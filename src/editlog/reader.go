package editlog

import (
	"fmt"
	"io"
)

// Span is one segment to read and the last txid to take from it.
type Span struct {
	Segment Segment
	Until   uint64
}

// Reader yields mutations from a sequence of segments in txid order,
// starting after a given txid. Segments are parsed one at a time as the
// reader reaches them. A torn tail ends the sequence without error.
type Reader struct {
	spans []Span
	after uint64
	cache *ScanCache

	idx  int
	cur  *Scan
	pos  int
	last uint64
	torn bool
}

// NewReader returns a reader over spans yielding txids greater than after.
func NewReader(spans []Span, after uint64, cache *ScanCache) *Reader {
	return &Reader{spans: spans, after: after, cache: cache, last: after}
}

// Next returns the next mutation or io.EOF once the segments are exhausted.
// A gap between the last txid returned and the next one on disk is
// reported as ErrMissingTransactions.
func (r *Reader) Next() (Record, error) {
	for r.idx < len(r.spans) {
		span := r.spans[r.idx]
		if r.cur == nil {
			sc, err := ScanSegment(span.Segment, r.cache)
			if err != nil {
				return Record{}, err
			}
			r.cur, r.pos = sc, 0
		}
		for r.pos < len(r.cur.Records) {
			rec := r.cur.Records[r.pos]
			r.pos++
			if rec.TxID <= r.last {
				continue
			}
			if rec.TxID > span.Until {
				r.pos = len(r.cur.Records)
				break
			}
			if rec.TxID != r.last+1 {
				return Record{}, fmt.Errorf("%w: expected txid %d, found %d in %s",
					ErrMissingTransactions, r.last+1, rec.TxID, span.Segment)
			}
			r.last = rec.TxID
			return rec, nil
		}
		r.torn = r.cur.Torn && r.cur.LastTxID() <= span.Until
		r.cur = nil
		r.idx++
	}
	return Record{}, io.EOF
}

// Torn reports whether the last segment read ended in a torn record.
func (r *Reader) Torn() bool { return r.torn }

// LastTxID returns the txid of the last record returned, or the starting
// point when nothing was returned.
func (r *Reader) LastTxID() uint64 { return r.last }

// Reset rewinds the reader to its starting point.
func (r *Reader) Reset() {
	r.idx, r.cur, r.pos = 0, nil, 0
	r.last = r.after
	r.torn = false
}

// Close releases the reader.
func (r *Reader) Close() error {
	r.cur = nil
	r.spans = nil
	return nil
}

// Replay feeds every record of r to apply and returns how many it applied.
func Replay(r *Reader, apply func(Record) error) (int, error) {
	n := 0
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := apply(rec); err != nil {
			return n, fmt.Errorf("failed to apply txid %d: %w", rec.TxID, err)
		}
		n++
	}
}
