package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/agora-labs/agora/pkg/artifacts"
	"github.com/agora-labs/agora/pkg/config"
)

func inspectCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "world configuration file")
	queryType := fs.String("query", "artifacts", "kernel query to run")
	paramsJSON := fs.String("params", "", "query parameters as JSON")
	caller := fs.String("caller", artifacts.DefaultKernelPrincipal, "principal to query as")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	var params map[string]interface{}
	if *paramsJSON != "" {
		if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
			fmt.Fprintf(stderr, "inspect: bad --params: %v\n", err)
			return exitConfig
		}
	}

	ctx := context.Background()
	snaps, err := openSnapshots(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}
	cp, err := snaps.Latest(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "inspect: no checkpoint to inspect: %v\n", err)
		return exitViolation
	}

	w, err := scratchWorld(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitViolation
	}
	defer w.Close()
	if err := w.Restore(cp); err != nil {
		fmt.Fprintf(stderr, "inspect: restore %s: %v\n", cp.Name, err)
		return exitViolation
	}

	res := w.Query(ctx, *caller, *queryType, params)
	if !res.Success {
		fmt.Fprintf(stderr, "inspect: %s: %s\n", res.ErrorCode, res.Message)
		return exitViolation
	}
	out, err := json.MarshalIndent(res.Data, "", "  ")
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitViolation
	}
	fmt.Fprintln(stdout, string(out))
	return exitOK
}
