package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agora-labs/agora/pkg/config"
	"github.com/agora-labs/agora/pkg/kernel"
	"github.com/agora-labs/agora/pkg/mint"
	"github.com/agora-labs/agora/pkg/proposer"
	"github.com/agora-labs/agora/pkg/snapshot"
)

// proposeInterval paces each demo agent's decision loop.
const proposeInterval = 200 * time.Millisecond

func runCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "world configuration file")
	duration := fs.Int("duration", 10, "seconds to run before checkpointing")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}
	if len(cfg.Genesis) == 0 {
		cfg.Genesis = []config.GenesisPrincipal{
			{ID: "alice", Balance: 100},
			{ID: "bob", Balance: 100},
			{ID: "carol", Balance: 100},
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snaps, err := openSnapshots(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	w, err := kernel.Build(cfg, kernel.WithSnapshotStore(snaps))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitViolation
	}
	defer w.Close()

	seedDemoTask(w)

	fmt.Fprintf(stdout, "run %s: %d agents, %ds\n", w.RunID(), len(cfg.Genesis), *duration)

	deadline, cancel := context.WithTimeout(ctx, time.Duration(*duration)*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(deadline)
	demos := []proposer.ActionProposer{proposer.Journalist{}, proposer.Patron{}}
	for i, principal := range cfg.Genesis {
		principal := principal
		agent := demos[i%len(demos)]
		g.Go(func() error {
			return driveAgent(gctx, w, principal.ID, agent)
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitViolation
	}

	if _, err := w.ResolveAuction(context.Background()); err != nil && !errors.Is(err, mint.ErrNoSubmissions) {
		fmt.Fprintln(stderr, err)
		return exitViolation
	}
	cp, err := w.Checkpoint(context.Background())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitViolation
	}

	fmt.Fprintf(stdout, "checkpoint %s at event %d\n", cp.Name, cp.Manifest.EventNumber)
	printBalances(stdout, w)
	return exitOK
}

// driveAgent is one agent's decision loop: observe, propose, submit,
// then settle any trigger work the action queued. Proposer errors end
// the run; failed actions are an agent's own problem and just continue.
func driveAgent(ctx context.Context, w *kernel.World, principal string, agent proposer.ActionProposer) error {
	ticker := time.NewTicker(proposeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		snap := proposer.Observe(w, principal, 20)
		prop, err := agent.Propose(ctx, snap)
		if err != nil {
			return fmt.Errorf("agent %s: %w", principal, err)
		}
		if len(prop.Action) == 0 {
			continue
		}
		w.Submit(ctx, principal, prop.Action, prop.Reasoning)
		for w.Step(ctx) > 0 {
		}
	}
}

// seedDemoTask puts one bounty on the board so the run has an economy
// beyond transfers.
func seedDemoTask(w *kernel.World) {
	_ = w.Board().AddTask(mint.Task{
		TaskID:      "sum-tuple",
		Description: "return the sum of the two integer arguments",
		Reward:      40,
		PublicTests: []mint.TestCase{
			{InvokeArgs: []interface{}{1, 2}, Expected: 3, Assertion: mint.AssertEquals},
			{InvokeArgs: []interface{}{0, 0}, Expected: 0, Assertion: mint.AssertEquals},
		},
		HiddenTests: []mint.TestCase{
			{InvokeArgs: []interface{}{-1, 1}, Expected: 0, Assertion: mint.AssertEquals},
		},
	})
}

func openSnapshots(ctx context.Context, cfg *config.Config) (snapshot.Store, error) {
	opts := snapshot.Options{
		Backend: snapshot.Backend(cfg.Snapshot.Backend),
		Path:    cfg.Snapshot.Path,
		Bucket:  cfg.Snapshot.Bucket,
		Prefix:  cfg.Snapshot.Prefix,
	}
	if opts.Backend == "" || opts.Backend == snapshot.BackendFS {
		if opts.Path == "" {
			opts.Path = filepath.Join(cfg.LogsRoot, "checkpoints")
		}
	}
	if cfg.Snapshot.SigningKey != "" {
		opts.SigningKey = []byte(cfg.Snapshot.SigningKey)
	}
	if cfg.Snapshot.EncryptKey != "" {
		opts.SealKey = []byte(cfg.Snapshot.EncryptKey)
	}
	return snapshot.Open(ctx, opts)
}

func printBalances(w io.Writer, world *kernel.World) {
	ids := world.Ledger().Principals()
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "  %-24s %6d\n", id, world.Ledger().Balance(id))
	}
}
