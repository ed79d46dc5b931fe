package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dnswalk/dnswalk"
	"github.com/dnswalk/dnswalk/internal/config"
	"github.com/dnswalk/dnswalk/internal/observer"
)

// Exit codes: 0 for a traversal that completed (whatever outcomes it found),
// 2 specifically for root server discovery failure, nonzero-other for any
// other uncaught error (bad config, cobra's own argument validation).
const (
	exitOK          = 0
	exitRootFailure = 2
	exitFatal       = 1
)

// lastExitCode carries RunE's result out to main, since cobra's own
// Execute() only reports whether an error occurred, not which code to use.
// It starts at exitFatal because the one error path that never touches it
// is cobra's own pre-RunE argument validation (e.g. a missing DOMAIN), which
// is an uncaught error rather than a root discovery failure.
var lastExitCode = exitFatal

type cliFlags struct {
	qtype          string
	roots          []string
	allRoots       bool
	followAAAA     bool
	rootAAAA       bool
	allowTCP       bool
	alwaysTCP      bool
	udpSize        uint16
	maxDepth       int
	retries        int
	timeout        time.Duration
	fast           bool
	noFast         bool
	cacheSize      int
	showProgress   bool
	showResolves   bool
	showServers    bool
	showAllStats   bool
	verbose        bool
	debug          bool
	debugAddr      string
}

func newRootCmd() *cobra.Command {
	f := &cliFlags{}

	cmd := &cobra.Command{
		Use:           "dnswalk [flags] DOMAIN",
		Short:         "dnswalk",
		Long:          "dnswalk traverses the full DNS referral tree for a domain and reports the probability of every possible resolution outcome.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraversal(cmd, args[0], f)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&f.qtype, "type", "A", "query type (A, AAAA, MX, ...)")
	fs.StringSliceVar(&f.roots, "root-server", nil, "use this root server IP instead of discovering one (repeatable)")
	fs.BoolVar(&f.allRoots, "all-root-servers", false, "traverse from every discovered root server, not just one")
	fs.Uint16Var(&f.udpSize, "udp-size", 4096, "EDNS0 UDP payload size advertised in queries (512 disables EDNS0)")
	fs.BoolVar(&f.allowTCP, "allow-tcp", true, "retry over TCP when a UDP response is truncated")
	fs.BoolVar(&f.alwaysTCP, "always-tcp", false, "always query over TCP")
	fs.IntVar(&f.maxDepth, "max-depth", 20, "maximum referral-tree depth before a branch is treated as failed")
	fs.IntVar(&f.retries, "retries", 2, "retries per server IP on transport failure")
	fs.DurationVar(&f.timeout, "timeout", 2*time.Second, "per-attempt query timeout")
	fs.BoolVar(&f.followAAAA, "follow-aaaa", false, "also resolve AAAA addresses for delegation targets")
	fs.BoolVar(&f.rootAAAA, "root-aaaa", false, "also resolve AAAA addresses for root servers")
	fs.BoolVar(&f.fast, "fast", true, "collapse referrals sharing a (server, query, bailiwick) fingerprint")
	fs.BoolVar(&f.noFast, "no-fast", false, "disable fast-mode deduplication, expanding every referral in full")
	fs.IntVar(&f.cacheSize, "cache-size", 4096, "bounded response cache capacity")
	fs.BoolVar(&f.showProgress, "show-progress", false, "log each referral as it is expanded")
	fs.BoolVar(&f.showResolves, "show-resolves", false, "log server-name address resolutions")
	fs.BoolVar(&f.showServers, "show-servers", false, "print every server name and IP encountered")
	fs.BoolVar(&f.showAllStats, "show-all-stats", false, "print the outcome distribution for every referral, not just the root")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "debug-level logging")
	fs.BoolVar(&f.debug, "debug", false, "start a pprof/trace debug server")
	fs.StringVar(&f.debugAddr, "debug-addr", "localhost:6060", "address for the --debug server")

	return cmd
}

func runTraversal(cmd *cobra.Command, domain string, f *cliFlags) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if f.verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	runID := uuid.New().String()
	entry := log.WithField("run_id", runID)

	if f.debug {
		startDebugServer(f.debugAddr)
	}

	cfg, err := config.Load()
	if err != nil {
		lastExitCode = exitFatal
		return err
	}
	cfg.QName = domain
	applyFlags(cfg, cmd.Flags(), f)

	if err := cfg.Validate(); err != nil {
		lastExitCode = exitFatal
		return err
	}

	obs := observer.New(log, f.showProgress, f.showResolves)
	traverser := dnswalk.NewTraverser(cfg, obs)

	ctx, cancel := context.WithTimeout(context.Background(), maxRunDuration(cfg))
	defer cancel()

	refs, stats, err := traverser.Run(ctx)
	if err != nil {
		entry.WithError(err).Error("traversal failed")
		if errors.Is(err, dnswalk.ErrNoRoots) {
			lastExitCode = exitRootFailure
		} else {
			lastExitCode = exitFatal
		}
		return err
	}

	render(os.Stdout, refs, stats, f.showServers, f.showAllStats)
	lastExitCode = exitOK
	return nil
}

// applyFlags overlays onto cfg only the flags the user actually passed,
// leaving config.Load's defaults/env-var values in place otherwise: cobra
// registers a default for every flag, so checking flags.Changed is the
// only way to distinguish "user asked for this" from "flag package default."
func applyFlags(cfg *dnswalk.Config, flags *pflag.FlagSet, f *cliFlags) {
	if flags.Changed("type") {
		if t, ok := dns.StringToType[strings.ToUpper(f.qtype)]; ok {
			cfg.QType = t
		}
	}
	if flags.Changed("root-server") {
		cfg.Roots = f.roots
	}
	if flags.Changed("all-root-servers") {
		cfg.AllRoots = f.allRoots
	}
	if flags.Changed("follow-aaaa") {
		cfg.FollowAAAA = f.followAAAA
	}
	if flags.Changed("root-aaaa") {
		cfg.RootAAAA = f.rootAAAA
	}
	if flags.Changed("allow-tcp") {
		cfg.AllowTCP = f.allowTCP
	}
	if flags.Changed("always-tcp") {
		cfg.AlwaysTCP = f.alwaysTCP
	}
	if flags.Changed("udp-size") {
		cfg.UDPSize = f.udpSize
	}
	if flags.Changed("max-depth") {
		cfg.MaxDepth = f.maxDepth
	}
	if flags.Changed("retries") {
		cfg.Retries = f.retries
	}
	if flags.Changed("timeout") {
		cfg.Timeout = f.timeout
	}
	if flags.Changed("fast") || flags.Changed("no-fast") {
		cfg.Fast = f.fast && !f.noFast
	}
	if flags.Changed("cache-size") {
		cfg.CacheSize = f.cacheSize
	}
}

// maxRunDuration bounds the whole traversal, not just a single exchange: a
// generous multiple of the per-attempt timeout scaled by depth, so a large,
// slow zone doesn't run forever even though no single query hangs.
func maxRunDuration(cfg *dnswalk.Config) time.Duration {
	return cfg.Timeout * time.Duration(4*cfg.MaxDepth+10)
}

