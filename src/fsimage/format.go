package fsimage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/dps_namenode/src/editlog"
	"github.com/danmuck/dps_namenode/src/storage"
	"github.com/spf13/afero"
)

// Format initializes every location: it writes the version marker, clears
// existing checkpoints and segments, and publishes the checkpoint of src,
// which must be an empty namespace at txid 0.
func (c *Coordinator) Format(ctx context.Context, src Source) error {
	if c.log.State() == editlog.Open {
		return editlog.ErrLogOpen
	}
	c.marker.CTime = time.Now().UnixNano()
	if err := c.set.WriteVersionMarkers(c.marker); err != nil {
		return err
	}

	img, txid, err := src.CurrentConsistentView()
	if err != nil {
		return fmt.Errorf("failed to capture namespace view: %w", err)
	}
	if txid != 0 {
		return fmt.Errorf("format requires an empty namespace, got txid %d", txid)
	}

	seen := map[*storage.Location]bool{}
	for _, loc := range append(c.set.Active(storage.RoleImage), c.set.Active(storage.RoleEdits)...) {
		if seen[loc] {
			continue
		}
		seen[loc] = true
		if err := clearLocation(loc); err != nil {
			c.set.MarkFailed(loc, storage.OpImageWrite, err)
		}
	}

	sc := &SaveContext{TxID: 0}
	c.writeAll(ctx, c.set.Active(storage.RoleImage), sc, 0, img)
	if sc.Succeeded() == 0 {
		return &SaveError{TxID: 0, Failed: len(sc.Failed()), Context: sc}
	}
	if err := c.log.SetLastWrittenTxID(0); err != nil {
		return err
	}
	c.obs.Log.Infof("fsimage: formatted %d image location(s)", sc.Succeeded())
	return nil
}

// clearLocation removes checkpoints, digests, segments and staging files.
func clearLocation(loc *storage.Location) error {
	loc.Lock()
	defer loc.Unlock()

	fs := loc.FS()
	entries, err := afero.ReadDir(fs, loc.Root())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", loc.Root(), err)
	}
	for _, e := range entries {
		name := e.Name()
		_, _, _, isSeg := editlog.ParseSegmentName(name)
		_, isCkpt := ParseCheckpointName(name)
		isDigest := strings.HasPrefix(name, checkpointPrefix) && strings.HasSuffix(name, digestSuffix)
		if !isSeg && !isCkpt && !isDigest && !storage.IsStaging(name) {
			continue
		}
		if err := fs.Remove(loc.Path(name)); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}
