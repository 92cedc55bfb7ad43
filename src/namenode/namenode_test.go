package namenode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/dps_namenode/src/editlog"
	"github.com/danmuck/dps_namenode/src/fsimage"
	"github.com/danmuck/dps_namenode/src/namespace"
	"github.com/danmuck/dps_namenode/src/storage"
	"golang.org/x/sync/errgroup"
)

type switchFault struct {
	mu   sync.Mutex
	root string
	ops  map[storage.Op]bool
}

func (f *switchFault) Fault(op storage.Op, loc *storage.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if loc.Root() == f.root && f.ops[op] {
		return errors.New("injected fault")
	}
	return nil
}

func (f *switchFault) set(root string, ops ...storage.Op) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.root = root
	f.ops = map[storage.Op]bool{}
	for _, op := range ops {
		f.ops[op] = true
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	base := t.TempDir()
	cfg := DefaultConfig()
	cfg.NamespaceID = "ns-test"
	cfg.Locations = []LocationConfig{
		{Path: filepath.Join(base, "image"), Role: "image"},
		{Path: filepath.Join(base, "edits"), Role: "edits"},
	}
	return cfg
}

func openFormatted(t *testing.T, cfg Config, opts ...Option) *Namesystem {
	t.Helper()
	if err := Format(context.Background(), cfg, opts...); err != nil {
		t.Fatalf("failed to format: %v", err)
	}
	s, err := Open(cfg, opts...)
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	return s
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "namenode.toml")
	body := `
namespace_id = "prod"
retain_checkpoints = 3

[[location]]
path = "/data/1"
role = "image"

[[location]]
path = "/data/2"
role = "edits"
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("NAMENODE_METRICS_ADDR", ":9999")
	t.Setenv("NAMENODE_LOG_CONFIG", "/etc/namenode/smplog.toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.NamespaceID != "prod" || cfg.RetainCheckpoints != 3 || cfg.MetricsAddr != ":9999" ||
		cfg.LogConfig != "/etc/namenode/smplog.toml" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Locations) != 2 || cfg.Locations[1].Role != "edits" {
		t.Fatalf("unexpected locations %+v", cfg.Locations)
	}

	t.Setenv("NAMENODE_LOCATIONS", "/x=both")
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if len(cfg.Locations) != 1 || cfg.Locations[0].Path != "/x" {
		t.Fatalf("env locations not applied: %+v", cfg.Locations)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty namespace", mutate: func(c *Config) { c.NamespaceID = " " }},
		{name: "zero retention", mutate: func(c *Config) { c.RetainCheckpoints = 0 }},
		{name: "no locations", mutate: func(c *Config) { c.Locations = nil }},
		{name: "bad role", mutate: func(c *Config) { c.Locations[0].Role = "blocks" }},
		{name: "no edits", mutate: func(c *Config) { c.Locations = []LocationConfig{{Path: "/a", Role: "image"}} }},
		{name: "no image", mutate: func(c *Config) { c.Locations = []LocationConfig{{Path: "/a", Role: "edits"}} }},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tt.name)
		}
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestOpenUnformatted(t *testing.T) {
	if _, err := Open(testConfig(t)); !errors.Is(err, ErrNotFormatted) {
		t.Fatalf("expected ErrNotFormatted, got %v", err)
	}
}

func TestOpenRejectsForeignNamespace(t *testing.T) {
	cfg := testConfig(t)
	if err := Format(context.Background(), cfg); err != nil {
		t.Fatalf("failed to format: %v", err)
	}
	cfg.NamespaceID = "other"
	if _, err := Open(cfg); !errors.Is(err, storage.ErrStorageFatal) {
		t.Fatalf("expected ErrStorageFatal, got %v", err)
	}
}

func TestSaveRequiresSafeMode(t *testing.T) {
	s := openFormatted(t, testConfig(t))
	defer s.Close()

	if _, err := s.Mkdirs("/a", namespace.DefaultDirPerm); err != nil {
		t.Fatalf("failed to mkdir: %v", err)
	}
	if _, err := s.SaveNamespace(context.Background()); !errors.Is(err, ErrNotSafeMode) {
		t.Fatalf("expected ErrNotSafeMode, got %v", err)
	}

	s.SetSafeMode(true)
	if _, err := s.Mkdirs("/b", namespace.DefaultDirPerm); !errors.Is(err, ErrSafeMode) {
		t.Fatalf("expected ErrSafeMode, got %v", err)
	}
	res, err := s.SaveNamespace(context.Background())
	if err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if res.TxID != 1 {
		t.Fatalf("expected checkpoint at 1, got %d", res.TxID)
	}
	s.SetSafeMode(false)
	if txid, err := s.Mkdirs("/b", namespace.DefaultDirPerm); err != nil || txid != 2 {
		t.Fatalf("expected txid 2, got %d (%v)", txid, err)
	}
}

func TestRestartPreservesNamespaceAndLeases(t *testing.T) {
	cfg := testConfig(t)
	s := openFormatted(t, cfg)

	perm := namespace.Perm{Owner: "alice", Group: "staff", Mode: 0640}
	steps := []func() (uint64, error){
		func() (uint64, error) { return s.Mkdirs("/test/dir", namespace.DefaultDirPerm) },
		func() (uint64, error) { return s.Create("/test/dir/open", perm, "client-1") },
		func() (uint64, error) { return s.Create("/test/dir/closed", perm, "client-2") },
		func() (uint64, error) { return s.ReleaseLease("/test/dir/closed") },
		func() (uint64, error) { return s.SetPermission("/test", perm) },
	}
	for i, step := range steps {
		if _, err := step(); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}
	s.SetSafeMode(true)
	if _, err := s.SaveNamespace(context.Background()); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	s.SetSafeMode(false)
	if _, err := s.Rename("/test", "/moved"); err != nil {
		t.Fatalf("failed to rename: %v", err)
	}
	if _, err := s.Delete("/moved/dir/closed"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	last := s.LastWrittenTxID()
	if err := s.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	r, err := Open(cfg)
	if err != nil {
		t.Fatalf("failed to reopen: %v", err)
	}
	defer r.Close()
	if r.LastWrittenTxID() != last {
		t.Fatalf("expected last txid %d, got %d", last, r.LastWrittenTxID())
	}
	if rec := r.Recovery(); rec.CheckpointTxID != 5 || rec.Replayed != 2 {
		t.Fatalf("unexpected recovery %+v", rec)
	}
	leases := r.Leases()
	if len(leases) != 1 || leases["/moved/dir/open"] != "client-1" {
		t.Fatalf("unexpected leases %v", leases)
	}
	info, err := r.Stat("/moved")
	if err != nil || info.Perm != perm {
		t.Fatalf("unexpected stat %+v (%v)", info, err)
	}
	if _, err := r.Stat("/moved/dir/closed"); !errors.Is(err, namespace.ErrNotFound) {
		t.Fatalf("expected deleted file gone, got %v", err)
	}
}

func TestLogUnavailableRefusesMutationsUntilRestore(t *testing.T) {
	cfg := testConfig(t)
	fault := &switchFault{}
	s := openFormatted(t, cfg, WithFaultInjector(fault))
	defer s.Close()

	if _, err := s.Mkdirs("/a", namespace.DefaultDirPerm); err != nil {
		t.Fatalf("failed to mkdir: %v", err)
	}

	edits := filepath.Clean(cfg.Locations[1].Path)
	fault.set(edits, storage.OpEditsAppend, storage.OpProbe)
	if _, err := s.Mkdirs("/b", namespace.DefaultDirPerm); !errors.Is(err, editlog.ErrLogUnavailable) {
		t.Fatalf("expected ErrLogUnavailable, got %v", err)
	}
	if _, err := s.Mkdirs("/c", namespace.DefaultDirPerm); !errors.Is(err, editlog.ErrLogUnavailable) {
		t.Fatalf("expected mutations refused, got %v", err)
	}
	if _, err := s.Stat("/b"); !errors.Is(err, namespace.ErrNotFound) {
		t.Fatalf("unlogged mutation was applied")
	}
	if failed := s.FailedLocations(); len(failed) != 1 || failed[0].Root != edits {
		t.Fatalf("expected edits location failed, got %+v", failed)
	}

	if restored, _ := s.RestoreFailed(); len(restored) != 0 {
		t.Fatalf("restore should fail while probe fails")
	}
	fault.set("")
	restored, err := s.RestoreFailed()
	if err != nil || len(restored) != 1 {
		t.Fatalf("expected edits location restored, got %v (%v)", restored, err)
	}
	if txid, err := s.Mkdirs("/b", namespace.DefaultDirPerm); err != nil || txid != 2 {
		t.Fatalf("expected txid 2 after restore, got %d (%v)", txid, err)
	}
}

func TestSaveReportsTotalFailure(t *testing.T) {
	cfg := testConfig(t)
	fault := &switchFault{}
	s := openFormatted(t, cfg, WithFaultInjector(fault))
	defer s.Close()

	if _, err := s.Mkdirs("/a", namespace.DefaultDirPerm); err != nil {
		t.Fatalf("failed to mkdir: %v", err)
	}
	fault.set(filepath.Clean(cfg.Locations[0].Path), storage.OpImageWrite, storage.OpProbe)
	s.SetSafeMode(true)
	_, err := s.SaveNamespace(context.Background())
	if !errors.Is(err, fsimage.ErrSaveNamespaceFailed) {
		t.Fatalf("expected ErrSaveNamespaceFailed, got %v", err)
	}
	s.SetSafeMode(false)
	if _, err := s.Mkdirs("/b", namespace.DefaultDirPerm); err != nil {
		t.Fatalf("service should keep accepting mutations: %v", err)
	}
	if len(s.FailedLocations()) != 1 {
		t.Fatalf("expected one failed location")
	}
}

// seedForeign formats dir as another namespace holding n directories and
// a checkpoint covering them.
func seedForeign(t *testing.T, dir string, n int) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.NamespaceID = "ns-other"
	cfg.Locations = []LocationConfig{{Path: dir, Role: "both"}}
	o := openFormatted(t, cfg)
	for i := 1; i <= n; i++ {
		if _, err := o.Mkdirs(fmt.Sprintf("/foreign%d", i), namespace.DefaultDirPerm); err != nil {
			t.Fatalf("failed to seed foreign namespace: %v", err)
		}
	}
	if _, err := o.SaveWithSafeMode(context.Background()); err != nil {
		t.Fatalf("failed to save foreign namespace: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("failed to close foreign namespace: %v", err)
	}
}

func mineAndForeign(t *testing.T) (Config, string) {
	t.Helper()
	base := t.TempDir()
	foreign := filepath.Join(base, "c")
	seedForeign(t, foreign, 5)

	cfg := DefaultConfig()
	cfg.NamespaceID = "ns-mine"
	cfg.Locations = []LocationConfig{{Path: filepath.Join(base, "a"), Role: "both"}}
	if err := Format(context.Background(), cfg); err != nil {
		t.Fatalf("failed to format: %v", err)
	}
	cfg.Locations = append(cfg.Locations, LocationConfig{Path: foreign, Role: "both"})
	return cfg, foreign
}

func checkOwnNamespace(t *testing.T, cfg Config, last uint64) {
	t.Helper()
	r, err := Open(cfg)
	if err != nil {
		t.Fatalf("failed to reopen: %v", err)
	}
	defer r.Close()
	if r.LastWrittenTxID() != last {
		t.Fatalf("expected last txid %d, got %d", last, r.LastWrittenTxID())
	}
	if _, err := r.Stat("/mine"); err != nil {
		t.Fatalf("own mutation lost: %v", err)
	}
	if _, err := r.Stat("/foreign1"); !errors.Is(err, namespace.ErrNotFound) {
		t.Fatalf("foreign namespace leaked into recovery: %v", err)
	}
}

func TestForeignLocationStaysFailedAcrossSave(t *testing.T) {
	cfg, foreign := mineAndForeign(t)

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	if failed := s.FailedLocations(); len(failed) != 1 || failed[0].Root != foreign {
		t.Fatalf("expected foreign location failed at open, got %+v", failed)
	}
	if _, err := s.Mkdirs("/mine", namespace.DefaultDirPerm); err != nil {
		t.Fatalf("failed to mkdir: %v", err)
	}
	res, err := s.SaveWithSafeMode(context.Background())
	if err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if len(res.Restored) != 0 {
		t.Fatalf("foreign location rejoined: %v", res.Restored)
	}
	failed := s.FailedLocations()
	if len(failed) != 1 || !strings.Contains(failed[0].Cause, "another namespace") {
		t.Fatalf("expected foreign location to stay failed, got %+v", failed)
	}
	if _, err := s.RestoreFailed(); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if len(s.FailedLocations()) != 1 {
		t.Fatalf("explicit restore admitted the foreign location")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	var m storage.Marker
	if _, err := toml.DecodeFile(filepath.Join(foreign, storage.MarkerName), &m); err != nil {
		t.Fatalf("failed to read foreign marker: %v", err)
	}
	if m.NamespaceID != "ns-other" {
		t.Fatalf("foreign marker rewritten to %q", m.NamespaceID)
	}
	checkOwnNamespace(t, cfg, 1)
}

func TestUnmarkedLocationRejoinsWithoutStaleContent(t *testing.T) {
	cfg, foreign := mineAndForeign(t)
	if err := os.Remove(filepath.Join(foreign, storage.MarkerName)); err != nil {
		t.Fatalf("failed to remove marker: %v", err)
	}

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	if _, err := s.Mkdirs("/mine", namespace.DefaultDirPerm); err != nil {
		t.Fatalf("failed to mkdir: %v", err)
	}
	res, err := s.SaveWithSafeMode(context.Background())
	if err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if len(res.Restored) != 1 || res.Restored[0].Root() != foreign {
		t.Fatalf("expected unmarked location to rejoin, got %v", res.Restored)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	entries, err := os.ReadDir(foreign)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	quarantined := false
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), storage.QuarantinePrefix) {
			quarantined = true
		}
	}
	if !quarantined {
		t.Fatalf("expected stale files moved aside in %s", foreign)
	}
	checkOwnNamespace(t, cfg, 1)
}

func TestSaveWithoutActiveEditsLeavesStorageUntouched(t *testing.T) {
	cfg := testConfig(t)
	fault := &switchFault{}
	s := openFormatted(t, cfg, WithFaultInjector(fault))
	defer s.Close()

	if _, err := s.Mkdirs("/a", namespace.DefaultDirPerm); err != nil {
		t.Fatalf("failed to mkdir: %v", err)
	}
	fault.set(filepath.Clean(cfg.Locations[1].Path), storage.OpEditsAppend, storage.OpProbe, storage.OpVersion)
	if _, err := s.Mkdirs("/b", namespace.DefaultDirPerm); !errors.Is(err, editlog.ErrLogUnavailable) {
		t.Fatalf("expected ErrLogUnavailable, got %v", err)
	}

	image := filepath.Clean(cfg.Locations[0].Path)
	before, err := os.ReadFile(filepath.Join(image, storage.MarkerName))
	if err != nil {
		t.Fatalf("failed to read marker: %v", err)
	}
	_, err = s.SaveWithSafeMode(context.Background())
	if !errors.Is(err, storage.ErrNoActiveLocation) || !errors.Is(err, fsimage.ErrSaveNamespaceFailed) {
		t.Fatalf("expected ErrNoActiveLocation, got %v", err)
	}
	if !strings.Contains(err.Error(), "edits") {
		t.Fatalf("error does not name the missing role: %v", err)
	}
	after, err := os.ReadFile(filepath.Join(image, storage.MarkerName))
	if err != nil {
		t.Fatalf("failed to read marker: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("failed save rewrote the version marker")
	}
	if _, err := os.Stat(filepath.Join(image, fsimage.CheckpointName(1))); !os.IsNotExist(err) {
		t.Fatalf("checkpoint written without an edits location: %v", err)
	}
}

func TestSaveKeepsFormattedCTime(t *testing.T) {
	cfg := testConfig(t)
	s := openFormatted(t, cfg)
	defer s.Close()

	readMarker := func() storage.Marker {
		t.Helper()
		var m storage.Marker
		if _, err := toml.DecodeFile(filepath.Join(cfg.Locations[0].Path, storage.MarkerName), &m); err != nil {
			t.Fatalf("failed to read marker: %v", err)
		}
		return m
	}
	formatted := readMarker()
	if formatted.CTime == 0 {
		t.Fatalf("format wrote no ctime")
	}
	for i := 0; i < 2; i++ {
		if _, err := s.Mkdirs(fmt.Sprintf("/d%d", i), namespace.DefaultDirPerm); err != nil {
			t.Fatalf("failed to mkdir: %v", err)
		}
		if _, err := s.SaveWithSafeMode(context.Background()); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
		if got := readMarker(); got.CTime != formatted.CTime {
			t.Fatalf("save %d changed ctime from %d to %d", i, formatted.CTime, got.CTime)
		}
	}
}

func TestConcurrentMutationsAndSaves(t *testing.T) {
	cfg := testConfig(t)
	s := openFormatted(t, cfg)

	const workers, perWorker = 4, 25
	var (
		mu    sync.Mutex
		txids []uint64
	)
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for i := range perWorker {
				txid, err := s.Mkdirs(fmt.Sprintf("/w%d/d%d", w, i), namespace.DefaultDirPerm)
				if err != nil {
					return err
				}
				mu.Lock()
				txids = append(txids, txid)
				mu.Unlock()
			}
			return nil
		})
	}

	done := make(chan struct{})
	saveErr := make(chan error, 1)
	var saved []uint64
	go func() {
		defer close(saveErr)
		for {
			select {
			case <-done:
				return
			default:
			}
			res, err := s.SaveWithSafeMode(context.Background())
			if err != nil {
				saveErr <- err
				return
			}
			// only saves roll the log
			if first, open := s.log.SegmentStart(); !open || first != res.TxID+1 {
				saveErr <- fmt.Errorf("segment after checkpoint %d starts at %d", res.TxID, first)
				return
			}
			saved = append(saved, res.TxID)
		}
	}()

	werr := g.Wait()
	close(done)
	if err := <-saveErr; err != nil {
		t.Fatalf("save loop failed: %v", err)
	}
	if werr != nil {
		t.Fatalf("mutator failed: %v", werr)
	}
	for i := 1; i < len(saved); i++ {
		if saved[i] < saved[i-1] {
			t.Fatalf("checkpoint txids went backwards: %v", saved)
		}
	}

	sort.Slice(txids, func(i, j int) bool { return txids[i] < txids[j] })
	for i, txid := range txids {
		if txid != uint64(i+1) {
			t.Fatalf("txids not contiguous at %d: got %d", i, txid)
		}
	}
	last := s.LastWrittenTxID()
	if last != workers*perWorker {
		t.Fatalf("expected last txid %d, got %d", workers*perWorker, last)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	r, err := Open(cfg)
	if err != nil {
		t.Fatalf("failed to reopen: %v", err)
	}
	defer r.Close()
	if r.LastWrittenTxID() != last {
		t.Fatalf("expected last txid %d after restart, got %d", last, r.LastWrittenTxID())
	}
	for w := range workers {
		for i := range perWorker {
			if _, err := r.Stat(fmt.Sprintf("/w%d/d%d", w, i)); err != nil {
				t.Fatalf("mutation lost across restart: %v", err)
			}
		}
	}
}
