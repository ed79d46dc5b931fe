package dnswalk

import (
	"context"
	"strconv"

	"github.com/miekg/dns"
)

// State is a Referral's position in its lifecycle.
type State int

const (
	StateUnresolved State = iota
	StateResolvingServer
	StateQuerying
	StateExpanded
	StateAnswered
	StateFastSkipped
	StateFailed
)

var stateNames = map[State]string{
	StateUnresolved:      "UNRESOLVED",
	StateResolvingServer: "RESOLVING_SERVER",
	StateQuerying:        "QUERYING",
	StateExpanded:        "EXPANDED",
	StateAnswered:        "ANSWERED",
	StateFastSkipped:     "FAST_SKIPPED",
	StateFailed:          "FAILED",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Referral is one node in the traversal tree: the set of servers
// authoritative for a zone cut, the per-server-IP responses obtained for
// Query, and the children those responses produced.
type Referral struct {
	RefID      string
	Query      Question
	Bailiwick  string
	Parent     *Referral
	ParentIP   string
	ServerName string
	ServerIPs  []string
	Depth      int
	State      State

	Responses     map[string]*DecodedResponse
	ResponseOrder []string
	Children      []*Referral
	Warnings      []string
	ReplacedBy    *Referral
	FailReason    string

	childrenByIP map[string][]*Referral
	childCounter int
	dist         map[Outcome]float64
}

// fingerprint is the fast-mode dedup key: a Referral's server name, query
// and bailiwick, independent of where in the tree it was reached from.
type fingerprint struct {
	ServerName string
	Query      Question
	Bailiwick  string
}

func fingerprintOf(serverName string, q Question, bailiwick string) fingerprint {
	return fingerprint{
		ServerName: normalizeName(serverName),
		Query:      Question{Name: normalizeName(q.Name), Type: q.Type, Class: q.class()},
		Bailiwick:  normalizeName(bailiwick),
	}
}

func newReferral(parent *Referral, parentIP string, refid string, q Question, bailiwick, serverName string, serverIPs []string, depth int) *Referral {
	return &Referral{
		RefID:      refid,
		Query:      q,
		Bailiwick:  bailiwick,
		Parent:     parent,
		ParentIP:   parentIP,
		ServerName: serverName,
		ServerIPs:  append([]string(nil), serverIPs...),
		Depth:      depth,
		State:      StateUnresolved,
		Responses:  map[string]*DecodedResponse{},
	}
}

// newChild creates and numbers a child of parent, advancing parent's child
// counter so refids stay sequential across every server IP's contribution,
// in the order children are extracted.
func (parent *Referral) newChild(parentIP string, q Question, bailiwick, serverName string, serverIPs []string, depth int) *Referral {
	parent.childCounter++
	refid := parent.RefID + "." + strconv.Itoa(parent.childCounter)
	return newReferral(parent, parentIP, refid, q, bailiwick, serverName, serverIPs, depth)
}

// findLoopAncestor walks the parent chain looking for a Referral sharing
// this one's (server_name, query, bailiwick) fingerprint.
func (r *Referral) findLoopAncestor() *Referral {
	fp := fingerprintOf(r.ServerName, r.Query, r.Bailiwick)
	for a := r.Parent; a != nil; a = a.Parent {
		if fingerprintOf(a.ServerName, a.Query, a.Bailiwick) == fp {
			return a
		}
	}
	return nil
}

// expand drives this Referral through its full lifecycle: depth/loop
// guards, fast-mode dedup, server-name resolution, per-IP querying, child
// construction and (depth-first, synchronously) expansion of every child,
// before computing this Referral's outcome distribution.
func (r *Referral) expand(ctx context.Context, rc *runContext) {
	defer r.finalizeStats()

	if r.Depth > rc.cfg.MaxDepth {
		r.State = StateFailed
		r.FailReason = "depth_exceeded"
		return
	}
	if anc := r.findLoopAncestor(); anc != nil {
		r.State = StateFailed
		r.FailReason = "loop (first seen at " + anc.RefID + ")"
		return
	}

	fp := fingerprintOf(r.ServerName, r.Query, r.Bailiwick)
	if rc.cfg.Fast {
		if existing, ok := rc.fast[fp]; ok && existing != r {
			r.State = StateFastSkipped
			r.ReplacedBy = existing
			rc.observer.Main(StageAnswerFast, r)
			return
		}
		rc.fast[fp] = r
	}

	rc.observer.Main(StageStart, r)

	if len(r.ServerIPs) == 0 {
		r.State = StateResolvingServer
		ips, err := rc.resolveServerIPs(ctx, r.ServerName, r.Depth)
		if err != nil || len(ips) == 0 {
			r.State = StateFailed
			r.FailReason = "no_server_addresses"
			if err != nil {
				r.Warnings = append(r.Warnings, err.Error())
			}
			return
		}
		r.ServerIPs = ips
	}

	r.State = StateQuerying
	r.childrenByIP = make(map[string][]*Referral, len(r.ServerIPs))
	for _, ip := range r.ServerIPs {
		resp := r.queryOne(ctx, rc, ip)
		r.Responses[ip] = resp
		r.ResponseOrder = append(r.ResponseOrder, ip)

		kids := r.spawnChildren(rc, ip, resp)
		r.childrenByIP[ip] = kids
		r.Children = append(r.Children, kids...)
	}

	rc.observer.Main(StageNewReferralSet, r)

	for _, c := range r.Children {
		c.expand(ctx, rc)
	}

	switch {
	case len(r.Children) > 0:
		r.State = StateExpanded
	case allAnswered(r.Responses):
		r.State = StateAnswered
		rc.observer.Main(StageAnswer, r)
	default:
		r.State = StateExpanded
	}
}

func allAnswered(responses map[string]*DecodedResponse) bool {
	if len(responses) == 0 {
		return false
	}
	for _, resp := range responses {
		if resp.Outcome != OutcomeAnswer {
			return false
		}
	}
	return true
}

// queryOne issues (or retrieves from cache) the query for this Referral
// against a single server IP.
func (r *Referral) queryOne(ctx context.Context, rc *runContext, ip string) *DecodedResponse {
	if cached, ok := rc.cache.Get(ip, r.Query, r.Bailiwick); ok {
		return cached
	}
	resp := rc.transport.Exchange(ctx, ip, r.Query, r.Bailiwick)
	rc.cache.Add(ip, r.Query, r.Bailiwick, resp)
	rc.recordServer(r.ServerName, ip)
	return resp
}

// spawnChildren builds the child Referrals produced by a single server IP's
// DecodedResponse: one per distinct in-bailiwick NS target for a REFERRAL,
// or a single CNAME-restart child for an ANSWER whose final name differs
// from the query name. All other outcomes are terminal.
func (r *Referral) spawnChildren(rc *runContext, ip string, resp *DecodedResponse) []*Referral {
	switch resp.Outcome {
	case OutcomeReferral:
		return r.spawnReferralChildren(rc, ip, resp)
	case OutcomeAnswer:
		return r.spawnCNAMERestart(rc, ip, resp)
	default:
		return nil
	}
}

func (r *Referral) spawnReferralChildren(rc *runContext, ip string, resp *DecodedResponse) []*Referral {
	ns, _, _ := authorityPartition(resp.Msg)

	var zoneCut string
	seen := map[string]bool{}
	var targets []string
	for _, rr := range ns {
		if !inBailiwick(rr.Header().Name, r.Bailiwick) {
			continue // lame NS: excluded from child construction
		}
		if zoneCut == "" {
			zoneCut = rr.Header().Name
		}
		nsrr, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		key := normalizeName(nsrr.Ns)
		if seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, nsrr.Ns)
	}

	var kids []*Referral
	for _, target := range targets {
		glue := glueAddrs(resp.Msg, target, rc.cfg.FollowAAAA)
		child := r.newChild(ip, r.Query, zoneCut, target, glue, r.Depth+1)
		kids = append(kids, child)
	}
	return kids
}

func (r *Referral) spawnCNAMERestart(rc *runContext, ip string, resp *DecodedResponse) []*Referral {
	if resp.FinalName == "" || sameName(resp.FinalName, r.Query.Name) || r.Query.Type == dns.TypeCNAME {
		return nil
	}
	restart := Question{Name: resp.FinalName, Type: r.Query.Type, Class: r.Query.Class}
	child := r.newChild(ip, restart, ".", ".", append([]string(nil), rc.rootIPs...), r.Depth+1)
	return []*Referral{child}
}

// glueAddrs collects A (and, if followAAAA, AAAA) records for target from a
// response's additional section.
func glueAddrs(msg *dns.Msg, target string, followAAAA bool) []string {
	var addrs []string
	for _, rr := range additional(msg, target, dns.TypeA, dns.ClassANY) {
		addrs = append(addrs, rr.(*dns.A).A.String())
	}
	if followAAAA {
		for _, rr := range additional(msg, target, dns.TypeAAAA, dns.ClassANY) {
			addrs = append(addrs, rr.(*dns.AAAA).AAAA.String())
		}
	}
	return addrs
}

// Distribution returns a copy of this Referral's outcome probability
// distribution. It is only meaningful once the Referral is terminal or
// fully expanded.
func (r *Referral) Distribution() map[Outcome]float64 {
	out := make(map[Outcome]float64, len(r.dist))
	for o, p := range r.dist {
		out[o] = p
	}
	return out
}

// finalizeStats computes this Referral's outcome distribution by post-order
// roll-up: a FAST_SKIPPED referral inherits its replacement's distribution
// verbatim; a FAILED referral is 100% the synthetic FAILED outcome; a leaf
// is the uniform average over its per-IP responses; an internal Referral
// substitutes each child's distribution for the IP that produced it
// (averaging across multiple NS-target children spawned by one IP's
// referral, since a resolver would pick among them uniformly too), then
// averages uniformly over server_ips.
func (r *Referral) finalizeStats() {
	switch r.State {
	case StateFastSkipped:
		r.dist = cloneDist(r.ReplacedBy.dist)
		return
	case StateFailed:
		r.dist = map[Outcome]float64{OutcomeFailed: 1.0}
		return
	}

	if len(r.ResponseOrder) == 0 {
		r.dist = map[Outcome]float64{OutcomeFailed: 1.0}
		return
	}

	sum := map[Outcome]float64{}
	n := float64(len(r.ResponseOrder))
	for _, ip := range r.ResponseOrder {
		kids := r.childrenByIP[ip]
		var perIP map[Outcome]float64
		if len(kids) > 0 {
			perIP = map[Outcome]float64{}
			share := 1.0 / float64(len(kids))
			for _, k := range kids {
				for o, p := range k.dist {
					perIP[o] += p * share
				}
			}
		} else {
			perIP = map[Outcome]float64{r.Responses[ip].Outcome: 1.0}
		}
		for o, p := range perIP {
			sum[o] += p / n
		}
	}
	r.dist = sum
}

func cloneDist(d map[Outcome]float64) map[Outcome]float64 {
	out := make(map[Outcome]float64, len(d))
	for o, p := range d {
		out[o] = p
	}
	return out
}
