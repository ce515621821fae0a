// Package main provides the entropy ledger administration CLI: validating
// ledger structure, extending it deterministically, and auditing consumed
// indices across every session.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/halewood/chronicle/internal/cmd/entropy"
	"github.com/halewood/chronicle/internal/platform/cmd"
)

func main() {
	fs := flag.NewFlagSet(cmd.ServiceEntropy, flag.ExitOnError)
	cfg, err := entropy.ParseConfig(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = cmd.RunWithTelemetry(ctx, cmd.ServiceEntropy, func(ctx context.Context) error {
		return entropy.Run(ctx, cfg, os.Stdout, os.Stderr)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
