package editlog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/danmuck/dps_namenode/src/storage"
	"github.com/spf13/afero"
)

const (
	segmentPrefix    = "edits_"
	inProgressPrefix = "edits_inprogress_"
)

// InProgressName is the file name of an open segment.
func InProgressName(first uint64) string {
	return fmt.Sprintf("%s%019d", inProgressPrefix, first)
}

// FinalizedName is the file name of a closed segment.
func FinalizedName(first, last uint64) string {
	return fmt.Sprintf("%s%019d-%019d", segmentPrefix, first, last)
}

// Segment is one segment file found in one location.
type Segment struct {
	Loc        *storage.Location
	Name       string
	First      uint64
	Last       uint64 // zero while in progress
	InProgress bool
}

// Path returns the segment's full path.
func (s Segment) Path() string { return s.Loc.Path(s.Name) }

func (s Segment) String() string { return s.Loc.Path(s.Name) }

// ParseSegmentName recognises finalized and in-progress segment names.
// Staging files never parse.
func ParseSegmentName(name string) (first, last uint64, inProgress, ok bool) {
	if storage.IsStaging(name) {
		return 0, 0, false, false
	}
	if rest, found := strings.CutPrefix(name, inProgressPrefix); found {
		f, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return 0, 0, false, false
		}
		return f, 0, true, true
	}
	rest, found := strings.CutPrefix(name, segmentPrefix)
	if !found {
		return 0, 0, false, false
	}
	lo, hi, found := strings.Cut(rest, "-")
	if !found {
		return 0, 0, false, false
	}
	f, err := strconv.ParseUint(lo, 10, 64)
	if err != nil {
		return 0, 0, false, false
	}
	l, err := strconv.ParseUint(hi, 10, 64)
	if err != nil || l < f {
		return 0, 0, false, false
	}
	return f, l, false, true
}

// ListSegments returns the segments held by loc sorted by first txid.
// A missing directory holds no segments.
func ListSegments(loc *storage.Location) ([]Segment, error) {
	entries, err := afero.ReadDir(loc.FS(), loc.Root())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list segments in %s: %w", loc.Root(), err)
	}
	var out []Segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		first, last, inProgress, ok := ParseSegmentName(e.Name())
		if !ok {
			continue
		}
		out = append(out, Segment{Loc: loc, Name: e.Name(), First: first, Last: last, InProgress: inProgress})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].First != out[j].First {
			return out[i].First < out[j].First
		}
		// finalized sorts ahead of in-progress for the same start
		return !out[i].InProgress && out[j].InProgress
	})
	return out, nil
}
