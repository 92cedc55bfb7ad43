package namenode

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/dps_namenode/src/fsimage"
	"github.com/danmuck/dps_namenode/src/storage"
)

// LocationConfig is one [[location]] table.
type LocationConfig struct {
	Path string `toml:"path"`
	Role string `toml:"role"` // image, edits or both
}

// Config controls a Namesystem.
type Config struct {
	NamespaceID       string           `toml:"namespace_id"`
	RetainCheckpoints int              `toml:"retain_checkpoints"`
	ScanCacheBytes    int64            `toml:"scan_cache_bytes"`
	MetricsAddr       string           `toml:"metrics_addr"`
	LogConfig         string           `toml:"log_config"` // smplog config file
	Locations         []LocationConfig `toml:"location"`
}

// DefaultConfig returns a single-directory local configuration.
func DefaultConfig() Config {
	return Config{
		NamespaceID:       "namespace-1",
		RetainCheckpoints: fsimage.DefaultRetainCheckpoints,
		ScanCacheBytes:    64 << 20,
		MetricsAddr:       ":9102",
		Locations:         []LocationConfig{{Path: "./var/name", Role: "both"}},
	}
}

// LoadConfig decodes a toml file over the defaults, then applies
// environment overrides:
// - NAMENODE_NAMESPACE_ID
// - NAMENODE_METRICS_ADDR
// - NAMENODE_LOG_CONFIG
// - NAMENODE_RETAIN_CHECKPOINTS
// - NAMENODE_LOCATIONS (comma-separated path=role entries)
//
// An empty path loads only defaults and environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var file Config
		md, err := toml.DecodeFile(path, &file)
		if err != nil {
			return Config{}, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
		}
		cfg = merge(cfg, file)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func merge(base, file Config) Config {
	if file.NamespaceID != "" {
		base.NamespaceID = file.NamespaceID
	}
	if file.RetainCheckpoints != 0 {
		base.RetainCheckpoints = file.RetainCheckpoints
	}
	if file.ScanCacheBytes != 0 {
		base.ScanCacheBytes = file.ScanCacheBytes
	}
	if file.MetricsAddr != "" {
		base.MetricsAddr = file.MetricsAddr
	}
	if file.LogConfig != "" {
		base.LogConfig = file.LogConfig
	}
	if len(file.Locations) > 0 {
		base.Locations = file.Locations
	}
	return base
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("NAMENODE_NAMESPACE_ID")); v != "" {
		c.NamespaceID = v
	}
	if v := strings.TrimSpace(os.Getenv("NAMENODE_METRICS_ADDR")); v != "" {
		c.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("NAMENODE_LOG_CONFIG")); v != "" {
		c.LogConfig = v
	}
	if v := strings.TrimSpace(os.Getenv("NAMENODE_RETAIN_CHECKPOINTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("namenode: invalid NAMENODE_RETAIN_CHECKPOINTS %q: %w", v, err)
		}
		c.RetainCheckpoints = n
	}
	if v := strings.TrimSpace(os.Getenv("NAMENODE_LOCATIONS")); v != "" {
		var locs []LocationConfig
		for _, raw := range strings.Split(v, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			path, role, _ := strings.Cut(raw, "=")
			locs = append(locs, LocationConfig{Path: strings.TrimSpace(path), Role: strings.TrimSpace(role)})
		}
		c.Locations = locs
	}
	return nil
}

// Validate checks that the configuration can build a storage set with at
// least one image and one edits location.
func (c Config) Validate() error {
	if strings.TrimSpace(c.NamespaceID) == "" {
		return fmt.Errorf("namenode: namespace id is required")
	}
	if c.RetainCheckpoints < 1 {
		return fmt.Errorf("namenode: retain_checkpoints must be at least 1, got %d", c.RetainCheckpoints)
	}
	if c.ScanCacheBytes < 0 {
		return fmt.Errorf("namenode: scan_cache_bytes must not be negative")
	}
	specs, err := c.Specs()
	if err != nil {
		return err
	}
	var roles storage.Role
	for _, sp := range specs {
		roles |= sp.Role
	}
	if !roles.Has(storage.RoleImage) {
		return fmt.Errorf("namenode: no image location configured")
	}
	if !roles.Has(storage.RoleEdits) {
		return fmt.Errorf("namenode: no edits location configured")
	}
	return nil
}

// Specs converts the configured locations.
func (c Config) Specs() ([]storage.Spec, error) {
	if len(c.Locations) == 0 {
		return nil, fmt.Errorf("namenode: at least one location is required")
	}
	specs := make([]storage.Spec, 0, len(c.Locations))
	for _, l := range c.Locations {
		if strings.TrimSpace(l.Path) == "" {
			return nil, fmt.Errorf("namenode: location path is required")
		}
		role, err := storage.ParseRole(l.Role)
		if err != nil {
			return nil, fmt.Errorf("namenode: location %s: %w", l.Path, err)
		}
		specs = append(specs, storage.Spec{Root: l.Path, Role: role})
	}
	return specs, nil
}
