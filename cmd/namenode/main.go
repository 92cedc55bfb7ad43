package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/dps_namenode/cmd/internal/logcfg"
	"github.com/danmuck/dps_namenode/src/fsimage"
	"github.com/danmuck/dps_namenode/src/namenode"
	"github.com/danmuck/dps_namenode/src/namespace"
	"github.com/danmuck/dps_namenode/src/observe"
	logs "github.com/danmuck/smplog"
	"github.com/prometheus/client_golang/prometheus"
)

const usage = `Usage:
  namenode [--config file] format [--force]
  namenode [--config file] save
  namenode [--config file] status
  namenode [--config file] restore
  namenode [--config file] mkdir <path>
  namenode [--config file] serve [--addr host:port]

Flags:
  --config   toml configuration file (env NAMENODE_CONFIG)
  --timeout  save timeout (default 1m)
`

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

func main() {
	logs.Configure(logcfg.Load(""))
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("namenode", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("NAMENODE_CONFIG"), "toml configuration file")
	timeout := fs.Duration("timeout", time.Minute, "save timeout")
	fs.Usage = func() { _, _ = fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return exitUsage
	}

	cfg, err := namenode.LoadConfig(*configPath)
	if err != nil {
		logs.Errorf(err, "failed to load configuration")
		return exitFail
	}
	if cfg.LogConfig != "" {
		logs.Configure(logcfg.Load(cfg.LogConfig))
	}

	switch rest[0] {
	case "format":
		return cmdFormat(cfg, rest[1:])
	case "save":
		return withNamesystem(cfg, nil, func(s *namenode.Namesystem) int { return cmdSave(s, *timeout) })
	case "status":
		return withNamesystem(cfg, nil, cmdStatus)
	case "restore":
		return withNamesystem(cfg, nil, cmdRestore)
	case "mkdir":
		if len(rest) != 2 {
			_, _ = fmt.Fprintln(os.Stderr, "usage: mkdir <path>")
			return exitUsage
		}
		return withNamesystem(cfg, nil, func(s *namenode.Namesystem) int { return cmdMkdir(s, rest[1]) })
	case "serve":
		return cmdServe(cfg, rest[1:], *timeout)
	default:
		fs.Usage()
		return exitUsage
	}
}

func withNamesystem(cfg namenode.Config, obs *observe.Handle, fn func(*namenode.Namesystem) int) int {
	if obs == nil {
		obs = observe.NewHandle(observe.Smplog("namenode: "), nil)
	}
	s, err := namenode.Open(cfg, namenode.WithObserver(obs))
	if err != nil {
		if errors.Is(err, namenode.ErrNotFormatted) {
			logs.Errorf(err, "run `namenode format` first")
		} else {
			logs.Errorf(err, "failed to open namesystem")
		}
		return exitFail
	}
	code := fn(s)
	if err := s.Close(); err != nil {
		logs.Errorf(err, "failed to close edit log")
		if code == exitOK {
			code = exitFail
		}
	}
	return code
}

func cmdFormat(cfg namenode.Config, args []string) int {
	fs := flag.NewFlagSet("format", flag.ContinueOnError)
	force := fs.Bool("force", false, "format even if storage is already formatted")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	obs := observe.NewHandle(observe.Smplog("namenode: "), nil)
	formatted, err := namenode.IsFormatted(cfg, namenode.WithObserver(obs))
	if err != nil {
		logs.Errorf(err, "failed to inspect storage")
		return exitFail
	}
	if formatted && !*force {
		logs.Warnf("storage already formatted; pass --force to erase it")
		return exitFail
	}
	if err := namenode.Format(context.Background(), cfg, namenode.WithObserver(obs)); err != nil {
		logs.Errorf(err, "format failed")
		return exitFail
	}
	logs.Infof("formatted namespace %s across %d location(s)", cfg.NamespaceID, len(cfg.Locations))
	return exitOK
}

func cmdSave(s *namenode.Namesystem, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := s.SaveWithSafeMode(ctx)
	if err != nil {
		var serr *fsimage.SaveError
		if errors.As(err, &serr) {
			logs.Errorf(err, "save failed on %d location(s)", serr.Failed)
		} else {
			logs.Errorf(err, "save failed")
		}
		printLocations(s.FailedLocations())
		return exitFail
	}
	logs.Infof("saved checkpoint %d to %d location(s) in %s", res.TxID, res.Context.Succeeded(), res.Duration)
	if failed := res.Context.Failed(); len(failed) > 0 {
		logs.Warnf("%d location(s) failed during save", len(failed))
		printLocations(s.FailedLocations())
	}
	return exitOK
}

func cmdStatus(s *namenode.Namesystem) int {
	rec := s.Recovery()
	logs.Titlef("\nNamesystem\n")
	logs.DataKV("Last txid", fmt.Sprint(s.LastWrittenTxID()))
	logs.DataKV("Checkpoint", fmt.Sprint(rec.CheckpointTxID))
	logs.DataKV("Replayed", fmt.Sprint(rec.Replayed))
	logs.DataKV("Torn tail", fmt.Sprint(rec.Torn))
	printLocations(s.Locations())
	if len(s.FailedLocations()) > 0 {
		return exitFail
	}
	return exitOK
}

func cmdRestore(s *namenode.Namesystem) int {
	before := len(s.FailedLocations())
	restored, err := s.RestoreFailed()
	if err != nil {
		logs.Errorf(err, "restore failed")
		return exitFail
	}
	logs.Infof("restored %d of %d failed location(s)", len(restored), before)
	still := s.FailedLocations()
	printLocations(still)
	if len(still) > 0 {
		return exitFail
	}
	return exitOK
}

func cmdMkdir(s *namenode.Namesystem, path string) int {
	txid, err := s.Mkdirs(path, namespace.DefaultDirPerm)
	if err != nil {
		logs.Errorf(err, "mkdir %s failed", path)
		return exitFail
	}
	logs.Infof("mkdir %s logged at txid %d", path, txid)
	return exitOK
}

func printLocations(locs []namenode.LocationStatus) {
	if len(locs) == 0 {
		return
	}
	logs.Titlef("\nLocations (%d)\n", len(locs))
	for _, l := range locs {
		logs.Dataf("  %-6s %-7s %s\n", l.Role, l.Health, l.Root)
		if l.Cause != "" {
			logs.Dataf("         cause: %s\n", l.Cause)
		}
	}
}

func cmdServe(cfg namenode.Config, args []string, timeout time.Duration) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", ":8070", "admin HTTP listen address")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	obs := observe.NewHandle(observe.Smplog("namenode: "), observe.NewPrometheus(prometheus.DefaultRegisterer))
	if err := obs.Start(); err != nil {
		logs.Errorf(err, "failed to start metrics")
		return exitFail
	}
	defer obs.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withNamesystem(cfg, obs, func(s *namenode.Namesystem) int {
		if err := serve(ctx, s, *addr, cfg.MetricsAddr, timeout); err != nil {
			logs.Errorf(err, "server exited")
			return exitFail
		}
		return exitOK
	})
}
