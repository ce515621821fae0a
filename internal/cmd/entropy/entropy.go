// Package entropy implements the entropy administration command: ledger
// validation, deterministic extension, and the global exactly-once audit.
package entropy

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/halewood/chronicle/internal/engine"
	"github.com/halewood/chronicle/internal/entropy"
	"github.com/halewood/chronicle/internal/platform/cmd"
	"github.com/halewood/chronicle/internal/storage/factory"
)

// Config holds entropy command configuration.
type Config struct {
	Storage factory.Config
	Check   bool
	Extend  int
	Audit   bool
	Preview int
}

// ParseConfig loads environment defaults and parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := cmd.ParseConfig(&cfg.Storage); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.Storage.LedgerPath, "ledger", cfg.Storage.LedgerPath, "path to the entropy ledger file")
	fs.StringVar(&cfg.Storage.Backend, "backend", cfg.Storage.Backend, "storage backend (file, sqlite)")
	fs.StringVar(&cfg.Storage.Root, "root", cfg.Storage.Root, "file backend data root")
	fs.StringVar(&cfg.Storage.DatabasePath, "db", cfg.Storage.DatabasePath, "sqlite database path")
	fs.BoolVar(&cfg.Check, "check", false, "validate ledger structure and exit")
	fs.IntVar(&cfg.Extend, "extend", 0, "append N deterministic entries to the ledger")
	fs.BoolVar(&cfg.Audit, "audit", false, "verify every recorded roll consumes a distinct in-bounds ledger index")
	fs.IntVar(&cfg.Preview, "preview", 0, "print the first N ledger entries")
	if err := cmd.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the entropy command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}

	ledger := entropy.Open(cfg.Storage.LedgerPath)

	ran := false
	if cfg.Extend > 0 {
		ran = true
		head, err := ledger.Extend(cfg.Extend)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "extended ledger %s to index %d\n", ledger.Path(), head)
	}
	if cfg.Check {
		ran = true
		count, err := ledger.Validate()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "ledger %s ok: %d entries\n", ledger.Path(), count)
	}
	if cfg.Preview > 0 {
		ran = true
		entries, err := ledger.Preview(cfg.Preview)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			fmt.Fprintf(out, "%d: d20=%v d100=%v bytes=%s\n", entry.Index, entry.D20, entry.D100, entry.Bytes)
		}
	}
	if cfg.Audit {
		ran = true
		backend, closer, err := factory.Open(cfg.Storage)
		if err != nil {
			return err
		}
		defer func() {
			if err := closer(); err != nil {
				fmt.Fprintf(errOut, "close backend: %v\n", err)
			}
		}()
		report, err := engine.New(backend).AuditEntropy(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "audit ok: %d sessions, %d rolls, %d indices in use, ledger head %d\n",
			report.Sessions, report.RollsAudited, report.IndicesInUse, report.LedgerHead)
	}

	if !ran {
		return errors.New("nothing to do: pass -check, -extend N, -preview N, or -audit")
	}
	return nil
}
