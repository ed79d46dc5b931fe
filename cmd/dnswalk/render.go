package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dnswalk/dnswalk"
)

// render prints one referral tree per discovered root, the overall
// aggregated outcome distribution, and (optionally) the server inventory
// and every referral's own distribution.
func render(w io.Writer, refs []*dnswalk.Referral, stats *dnswalk.Stats, showServers, showAllStats bool) {
	for _, r := range refs {
		dumpReferral(w, r, 0, showAllStats)
	}

	fmt.Fprintln(w, "\noverall outcome distribution:")
	printDistribution(w, stats.Distribution, "  ")

	if showServers {
		fmt.Fprintln(w, "\nservers encountered:")
		names := make([]string, 0, len(stats.ServersEncountered))
		for name := range stats.ServersEncountered {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ips := stats.ServersEncountered[name]
			sort.Strings(ips)
			fmt.Fprintf(w, "  %s -> %s\n", name, strings.Join(ips, ", "))
		}
	}
}

func dumpReferral(w io.Writer, r *dnswalk.Referral, depth int, showStats bool) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%s? [%s] %s @%s (%s) depth=%d state=%s\n",
		indent, r.RefID, r.Query.String(), r.ServerName, r.Bailiwick, r.Depth, r.State)

	for _, ip := range r.ResponseOrder {
		resp := r.Responses[ip]
		line := fmt.Sprintf("%s  ! %s -> %s", indent, ip, resp.Outcome)
		if resp.Outcome == dnswalk.OutcomeReferralLame && len(resp.LameNames) > 0 {
			line += fmt.Sprintf(" (lame: %s)", strings.Join(resp.LameNames, ", "))
		}
		if len(resp.Warnings) > 0 {
			line += fmt.Sprintf(" [%s]", strings.Join(resp.Warnings, "; "))
		}
		fmt.Fprintln(w, line)
	}

	if r.State == dnswalk.StateFailed {
		fmt.Fprintf(w, "%s  X %s\n", indent, r.FailReason)
	}
	if r.State == dnswalk.StateFastSkipped {
		fmt.Fprintf(w, "%s  = replaced by %s\n", indent, r.ReplacedBy.RefID)
	}

	if showStats {
		printDistribution(w, r.Distribution(), indent+"  ")
	}

	for _, c := range r.Children {
		dumpReferral(w, c, depth+1, showStats)
	}
}

func printDistribution(w io.Writer, dist map[dnswalk.Outcome]float64, indent string) {
	outcomes := make([]dnswalk.Outcome, 0, len(dist))
	for o := range dist {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i] < outcomes[j] })
	for _, o := range outcomes {
		fmt.Fprintf(w, "%s%-14s %.4f\n", indent, o.String(), dist[o])
	}
}
