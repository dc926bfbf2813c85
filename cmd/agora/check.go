package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/agora-labs/agora/pkg/config"
	"github.com/agora-labs/agora/pkg/eventlog"
	"github.com/agora-labs/agora/pkg/kernel"
	"github.com/agora-labs/agora/pkg/snapshot"
)

func checkCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "world configuration file")
	all := fs.Bool("all", false, "check every run directory, not just the latest")
	staged := fs.Bool("staged", false, "check only the latest run (the default)")
	strict := fs.Bool("strict", false, "treat missing summaries and checkpoints as violations")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *staged && *all {
		fmt.Fprintln(stderr, "check: --staged and --all are exclusive")
		return exitConfig
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	dirs, err := runDirs(cfg.LogsRoot, *all)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	violations := 0
	for _, dir := range dirs {
		violations += checkRunDir(stdout, dir, *strict)
	}
	violations += checkCheckpoint(stdout, cfg, *strict)

	if violations > 0 {
		fmt.Fprintf(stdout, "check: %d violation(s)\n", violations)
		return exitViolation
	}
	fmt.Fprintf(stdout, "check: %d run dir(s) clean\n", len(dirs))
	return exitOK
}

// runDirs resolves the run directories under root: just the one behind
// the latest link by default, every run with --all.
func runDirs(root string, all bool) ([]string, error) {
	if root == "" {
		return nil, errors.New("check: logs_root is not configured")
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("check: %w", err)
	}

	if !all {
		latest := filepath.Join(root, eventlog.LatestLinkName)
		if _, err := os.Stat(latest); err != nil {
			return nil, fmt.Errorf("check: no latest run under %s", root)
		}
		return []string{latest}, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("check: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "checkpoints" {
			continue
		}
		if e.Name() == eventlog.LatestLinkName {
			continue
		}
		dirs = append(dirs, filepath.Join(root, e.Name()))
	}
	return dirs, nil
}

// checkRunDir audits one run directory and returns the violation count.
func checkRunDir(stdout io.Writer, dir string, strict bool) int {
	violations := 0
	fail := func(format string, args ...interface{}) {
		violations++
		fmt.Fprintf(stdout, "FAIL %s: %s\n", dir, fmt.Sprintf(format, args...))
	}

	events, err := eventlog.ReadFile(filepath.Join(dir, eventlog.EventsFileName))
	if err != nil {
		fail("%v", err)
		return violations
	}
	if err := eventlog.VerifyOrder(events); err != nil {
		fail("event order: %v", err)
	}
	if err := eventlog.VerifyHashes(events); err != nil {
		fail("payload hashes: %v", err)
	}

	summaryPath := filepath.Join(dir, eventlog.SummaryFileName)
	if _, err := os.Stat(summaryPath); err != nil {
		if strict {
			fail("missing %s", eventlog.SummaryFileName)
		}
	} else {
		records, err := eventlog.ReadSummaryFile(summaryPath)
		if err != nil {
			fail("%v", err)
		} else if err := eventlog.VerifySummaries(records); err != nil {
			fail("summaries: %v", err)
		}
	}

	if violations == 0 {
		fmt.Fprintf(stdout, "OK   %s: %d event(s)\n", dir, len(events))
	}
	return violations
}

// checkCheckpoint verifies that the latest checkpoint decodes, carries a
// valid manifest, and restores into a fresh world.
func checkCheckpoint(stdout io.Writer, cfg *config.Config, strict bool) int {
	ctx := context.Background()
	snaps, err := openSnapshots(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stdout, "FAIL checkpoints: %v\n", err)
		return 1
	}
	cp, err := snaps.Latest(ctx)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			if strict {
				fmt.Fprintln(stdout, "FAIL checkpoints: none recorded")
				return 1
			}
			return 0
		}
		fmt.Fprintf(stdout, "FAIL checkpoints: %v\n", err)
		return 1
	}

	w, err := scratchWorld(cfg)
	if err != nil {
		fmt.Fprintf(stdout, "FAIL checkpoint %s: build scratch world: %v\n", cp.Name, err)
		return 1
	}
	defer w.Close()
	if err := w.Restore(cp); err != nil {
		fmt.Fprintf(stdout, "FAIL checkpoint %s: %v\n", cp.Name, err)
		return 1
	}
	if got := w.EventNumber(); got != cp.Manifest.EventNumber {
		fmt.Fprintf(stdout, "FAIL checkpoint %s: restored event number %d, manifest says %d\n",
			cp.Name, got, cp.Manifest.EventNumber)
		return 1
	}
	fmt.Fprintf(stdout, "OK   checkpoint %s at event %d\n", cp.Name, cp.Manifest.EventNumber)
	return 0
}

// scratchWorld builds a throwaway in-memory world for restore checks and
// inspection: no run directory, no trace file, no limiter.
func scratchWorld(cfg *config.Config) (*kernel.World, error) {
	scratch := *cfg
	scratch.LogsRoot = ""
	scratch.Traces = config.TraceConfig{Driver: "memory"}
	scratch.Limiter = config.LimiterConfig{}
	return kernel.Build(&scratch)
}
