// Command auditree is a thin entry point for working with an evidence
// locker: inspect its contents, read records, and verify signatures.
// Fetchers and checks are Go code registered against the library; this
// command covers the operational side of an existing locker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	auditree "github.com/ComplianceAsCode/auditree-framework"
	"github.com/ComplianceAsCode/auditree-framework/config"
	"github.com/ComplianceAsCode/auditree-framework/locker"
)

type options struct {
	configPath string
	credsPath  string
	lockerPath string
	mode       string
	path       string
	threshold  int64
	abandoned  time.Duration
	verbose    bool
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "run configuration JSON file")
	flag.StringVar(&opts.credsPath, "creds", "", "credentials INI file")
	flag.StringVar(&opts.lockerPath, "locker", "", "local locker path (overrides configuration)")
	flag.StringVar(&opts.mode, "mode", "inspect", "operation: inspect, get, verify")
	flag.StringVar(&opts.path, "path", "", "evidence path for get/verify")
	flag.Int64Var(&opts.threshold, "large", 1<<20, "size in bytes above which evidence is reported large")
	flag.DurationVar(&opts.abandoned, "abandoned", 0, "abandoned threshold past TTL expiry (default 720h)")
	flag.BoolVar(&opts.verbose, "v", false, "verbose logging")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(context.Background(), opts, logger); err != nil {
		fmt.Fprintf(os.Stderr, "auditree: %v\n", err)
		if errors.Is(err, auditree.ErrLockerSync) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if opts.lockerPath != "" {
		cfg.Locker.LocalPath = opts.lockerPath
	}
	creds, err := config.LoadCredentials(opts.credsPath)
	if err != nil {
		return err
	}

	runner, err := auditree.NewRunner(cfg,
		auditree.WithCredentials(creds),
		auditree.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	lk := runner.Locker()
	if err := lk.Open(ctx); err != nil {
		return err
	}
	if err := lk.Pull(ctx); err != nil {
		return err
	}

	switch opts.mode {
	case "inspect":
		return inspect(lk, opts)
	case "get", "verify":
		if opts.path == "" {
			return errors.New("-path is required for get/verify")
		}
		e, err := lk.Get(opts.path)
		if err != nil {
			return err
		}
		if opts.mode == "verify" {
			if e.Agent == "" {
				return fmt.Errorf("%s is not signed", opts.path)
			}
			fmt.Printf("%s verified (agent %s)\n", opts.path, e.Agent)
			return nil
		}
		_, err = os.Stdout.Write(e.Content())
		return err
	default:
		return fmt.Errorf("unknown mode %q", opts.mode)
	}
}

func inspect(lk *locker.Locker, opts options) error {
	paths, err := lk.List("")
	if err != nil {
		return err
	}
	fmt.Printf("evidence files: %d\n", len(paths))

	empty, err := lk.GetEmpty()
	if err != nil {
		return err
	}
	for _, p := range empty {
		fmt.Printf("empty: %s\n", p)
	}

	large, err := lk.GetLarge(opts.threshold)
	if err != nil {
		return err
	}
	for _, p := range large {
		fmt.Printf("large: %s\n", p)
	}

	abandoned, err := lk.GetAbandoned(opts.abandoned)
	if err != nil {
		return err
	}
	for _, p := range abandoned {
		fmt.Printf("abandoned: %s\n", p)
	}
	return nil
}
