package fsimage

import (
	"crypto/sha256"
	"encoding/hex"
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
	checkpointPrefix = "fsimage_"
	digestSuffix     = ".sha256"
)

// CheckpointName is the finalized file name of the checkpoint at txid.
func CheckpointName(txid uint64) string {
	return fmt.Sprintf("%s%019d", checkpointPrefix, txid)
}

// DigestName is the digest side-file of the checkpoint at txid.
func DigestName(txid uint64) string { return CheckpointName(txid) + digestSuffix }

// ParseCheckpointName returns the txid of a finalized checkpoint name.
// Digest and staging files do not parse.
func ParseCheckpointName(name string) (uint64, bool) {
	if storage.IsStaging(name) || strings.HasSuffix(name, digestSuffix) {
		return 0, false
	}
	rest, ok := strings.CutPrefix(name, checkpointPrefix)
	if !ok {
		return 0, false
	}
	txid, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return txid, true
}

// ListCheckpoints returns the txids of the finalized checkpoints in loc,
// newest first.
func ListCheckpoints(loc *storage.Location) ([]uint64, error) {
	entries, err := afero.ReadDir(loc.FS(), loc.Root())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list checkpoints in %s: %w", loc.Root(), err)
	}
	var out []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if txid, ok := ParseCheckpointName(e.Name()); ok {
			out = append(out, txid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out, nil
}

// digestLine renders a digest in sha256sum format.
func digestLine(data []byte, name string) []byte {
	sum := sha256.Sum256(data)
	return []byte(hex.EncodeToString(sum[:]) + "  " + name + "\n")
}

// ReadCheckpoint loads the checkpoint at txid from loc and verifies it
// against its digest side-file.
func ReadCheckpoint(loc *storage.Location, txid uint64) ([]byte, error) {
	fs := loc.FS()
	data, err := afero.ReadFile(fs, loc.Path(CheckpointName(txid)))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	want, err := afero.ReadFile(fs, loc.Path(DigestName(txid)))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint digest: %w", err)
	}
	if got := digestLine(data, CheckpointName(txid)); string(got) != string(want) {
		return nil, fmt.Errorf("checkpoint digest mismatch in %s", loc.Root())
	}
	return data, nil
}

// Digest returns the hex sha256 of the checkpoint at txid in loc.
func Digest(loc *storage.Location, txid uint64) (string, error) {
	data, err := afero.ReadFile(loc.FS(), loc.Path(CheckpointName(txid)))
	if err != nil {
		return "", fmt.Errorf("failed to read checkpoint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
