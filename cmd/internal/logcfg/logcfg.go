// Package logcfg resolves the smplog configuration for the namenode tools.
package logcfg

import (
	"os"

	logs "github.com/danmuck/smplog"
)

var candidates = []string{
	"./smplog.config.toml",
	"./local/smplog.config.toml",
}

// Load returns the smplog configuration at path, falling back to
// SMPLOG_CONFIG, then the local candidate files, then defaults. path usually
// comes from the namenode config's log_config key.
func Load(path string) logs.Config {
	paths := []string{path, os.Getenv("SMPLOG_CONFIG")}
	for _, p := range append(paths, candidates...) {
		if p == "" {
			continue
		}
		if cfg, err := logs.ConfigFromFile(p); err == nil {
			return cfg
		}
	}
	return logs.DefaultConfig()
}
