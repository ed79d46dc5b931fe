package main

import (
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/dnswalk/dnswalk"
)

func newTestFlagSet(f *cliFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("dnswalk", pflag.ContinueOnError)
	fs.StringVar(&f.qtype, "type", "A", "")
	fs.StringSliceVar(&f.roots, "root-server", nil, "")
	fs.BoolVar(&f.allRoots, "all-root-servers", false, "")
	fs.Uint16Var(&f.udpSize, "udp-size", 4096, "")
	fs.BoolVar(&f.allowTCP, "allow-tcp", true, "")
	fs.BoolVar(&f.alwaysTCP, "always-tcp", false, "")
	fs.IntVar(&f.maxDepth, "max-depth", 20, "")
	fs.IntVar(&f.retries, "retries", 2, "")
	fs.DurationVar(&f.timeout, "timeout", 2*time.Second, "")
	fs.BoolVar(&f.followAAAA, "follow-aaaa", false, "")
	fs.BoolVar(&f.rootAAAA, "root-aaaa", false, "")
	fs.BoolVar(&f.fast, "fast", true, "")
	fs.BoolVar(&f.noFast, "no-fast", false, "")
	fs.IntVar(&f.cacheSize, "cache-size", 4096, "")
	return fs
}

// applyFlags must only overlay the flags the user actually passed: cobra's
// own flag defaults must never clobber a value config.Load already set
// from DNSTRAVERSE_* environment variables.
func TestApplyFlagsPreservesUnchangedConfigValues(t *testing.T) {
	f := &cliFlags{}
	fs := newTestFlagSet(f)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parsing empty args: %v", err)
	}

	cfg := dnswalk.DefaultConfig()
	cfg.MaxDepth = 5
	cfg.CacheSize = 64
	cfg.AllowTCP = false
	cfg.Timeout = 9 * time.Second

	applyFlags(cfg, fs, f)

	if cfg.MaxDepth != 5 {
		t.Fatalf("expected MaxDepth to stay 5 (env-loaded), got %d", cfg.MaxDepth)
	}
	if cfg.CacheSize != 64 {
		t.Fatalf("expected CacheSize to stay 64 (env-loaded), got %d", cfg.CacheSize)
	}
	if cfg.AllowTCP != false {
		t.Fatalf("expected AllowTCP to stay false (env-loaded), got %t", cfg.AllowTCP)
	}
	if cfg.Timeout != 9*time.Second {
		t.Fatalf("expected Timeout to stay 9s (env-loaded), got %s", cfg.Timeout)
	}
}

func TestApplyFlagsOverridesExplicitlyPassedFlags(t *testing.T) {
	f := &cliFlags{}
	fs := newTestFlagSet(f)
	if err := fs.Parse([]string{"--max-depth", "3", "--allow-tcp=false"}); err != nil {
		t.Fatalf("parsing args: %v", err)
	}

	cfg := dnswalk.DefaultConfig()
	cfg.MaxDepth = 20
	cfg.AllowTCP = true

	applyFlags(cfg, fs, f)

	if cfg.MaxDepth != 3 {
		t.Fatalf("expected MaxDepth to be overridden to 3, got %d", cfg.MaxDepth)
	}
	if cfg.AllowTCP != false {
		t.Fatalf("expected AllowTCP to be overridden to false, got %t", cfg.AllowTCP)
	}
}

func TestApplyFlagsNoFastWinsOverFast(t *testing.T) {
	f := &cliFlags{}
	fs := newTestFlagSet(f)
	if err := fs.Parse([]string{"--no-fast"}); err != nil {
		t.Fatalf("parsing args: %v", err)
	}

	cfg := dnswalk.DefaultConfig()
	cfg.Fast = true

	applyFlags(cfg, fs, f)

	if cfg.Fast {
		t.Fatalf("expected --no-fast to disable fast mode")
	}
}
