package dnswalk

import (
	"context"
	"math"
	"testing"

	"github.com/miekg/dns"
)

func newTestRunContext(cfg *Config) *runContext {
	return &runContext{
		cfg:                cfg,
		transport:          NewTransport(cfg.Timeout, cfg.UDPSize, cfg.AllowTCP, cfg.AlwaysTCP, cfg.Retries),
		cache:              NewResponseCache(cfg.CacheSize),
		observer:           NoopObserver{},
		fast:               map[fingerprint]*Referral{},
		serversEncountered: map[string]map[string]bool{},
	}
}

func sumDist(d map[Outcome]float64) float64 {
	var sum float64
	for _, p := range d {
		sum += p
	}
	return sum
}

func TestExpandDepthExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QName = "www.example.com."
	cfg.MaxDepth = 2
	rc := newTestRunContext(cfg)

	r := newReferral(nil, "", "1", Question{Name: cfg.QName, Type: dns.TypeA}, ".", "a.root-servers.net.", []string{"198.41.0.4"}, 3)
	r.expand(context.Background(), rc)

	if r.State != StateFailed || r.FailReason != "depth_exceeded" {
		t.Fatalf("expected depth_exceeded failure, got state=%s reason=%s", r.State, r.FailReason)
	}
	if math.Abs(sumDist(r.dist)-1.0) > 1e-9 {
		t.Fatalf("expected distribution to sum to 1, got %v", r.dist)
	}
	if r.dist[OutcomeFailed] != 1.0 {
		t.Fatalf("expected 100%% FAILED, got %v", r.dist)
	}
}

func TestFindLoopAncestor(t *testing.T) {
	root := newReferral(nil, "", "1", Question{Name: "www.example.com.", Type: dns.TypeA}, "com.", "ns1.example.com.", []string{"10.0.0.1"}, 0)
	child := root.newChild("10.0.0.1", root.Query, "com.", "ns1.example.com.", []string{"10.0.0.1"}, 1)

	if anc := child.findLoopAncestor(); anc != root {
		t.Fatalf("expected child to detect root as its loop ancestor, got %v", anc)
	}
}

func TestFastModeDedup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QName = "www.example.com."
	cfg.Fast = true
	cfg.MaxDepth = 10
	rc := newTestRunContext(cfg)

	q := Question{Name: "www.example.com.", Type: dns.TypeA}
	first := newReferral(nil, "", "1", q, "com.", "ns1.example.com.", nil, 5)
	first.State = StateFailed
	first.dist = map[Outcome]float64{OutcomeFailed: 1.0}
	rc.fast[fingerprintOf(first.ServerName, first.Query, first.Bailiwick)] = first

	second := newReferral(nil, "", "2", q, "com.", "ns1.example.com.", nil, 5)
	second.expand(context.Background(), rc)

	if second.State != StateFastSkipped {
		t.Fatalf("expected FAST_SKIPPED, got %s", second.State)
	}
	if second.ReplacedBy != first {
		t.Fatalf("expected ReplacedBy to point at first referral")
	}
	if second.dist[OutcomeFailed] != 1.0 {
		t.Fatalf("expected inherited distribution, got %v", second.dist)
	}
}

func TestFinalizeStatsUniformOverServerIPs(t *testing.T) {
	r := newReferral(nil, "", "1", Question{Name: "example.com.", Type: dns.TypeA}, ".", "a.root.", []string{"1.1.1.1", "2.2.2.2"}, 0)
	r.Responses["1.1.1.1"] = &DecodedResponse{Outcome: OutcomeAnswer}
	r.Responses["2.2.2.2"] = &DecodedResponse{Outcome: OutcomeNXDomain}
	r.ResponseOrder = []string{"1.1.1.1", "2.2.2.2"}
	r.childrenByIP = map[string][]*Referral{}
	r.State = StateExpanded

	r.finalizeStats()

	if math.Abs(sumDist(r.dist)-1.0) > 1e-9 {
		t.Fatalf("expected distribution to sum to 1, got %v", r.dist)
	}
	if math.Abs(r.dist[OutcomeAnswer]-0.5) > 1e-9 || math.Abs(r.dist[OutcomeNXDomain]-0.5) > 1e-9 {
		t.Fatalf("expected a uniform 50/50 split, got %v", r.dist)
	}
}

func TestFinalizeStatsAveragesAcrossNSTargets(t *testing.T) {
	r := newReferral(nil, "", "1", Question{Name: "example.com.", Type: dns.TypeA}, ".", "a.root.", []string{"1.1.1.1"}, 0)
	r.Responses["1.1.1.1"] = &DecodedResponse{Outcome: OutcomeReferral}
	r.ResponseOrder = []string{"1.1.1.1"}

	kidA := newReferral(r, "1.1.1.1", "1.1", r.Query, "com.", "ns1.example.com.", []string{"10.0.0.1"}, 1)
	kidA.State = StateAnswered
	kidA.dist = map[Outcome]float64{OutcomeAnswer: 1.0}

	kidB := newReferral(r, "1.1.1.1", "1.2", r.Query, "com.", "ns2.example.com.", []string{"10.0.0.2"}, 1)
	kidB.State = StateFailed
	kidB.dist = map[Outcome]float64{OutcomeFailed: 1.0}

	r.childrenByIP = map[string][]*Referral{"1.1.1.1": {kidA, kidB}}
	r.Children = []*Referral{kidA, kidB}
	r.State = StateExpanded

	r.finalizeStats()

	if math.Abs(sumDist(r.dist)-1.0) > 1e-9 {
		t.Fatalf("expected distribution to sum to 1, got %v", r.dist)
	}
	if math.Abs(r.dist[OutcomeAnswer]-0.5) > 1e-9 || math.Abs(r.dist[OutcomeFailed]-0.5) > 1e-9 {
		t.Fatalf("expected a uniform split across NS targets, got %v", r.dist)
	}
}

// Grounded in the end-to-end scenario where a synthetic root returns
// ". -> example.com NS ns.example.com" with glue: classify+spawnChildren
// must produce exactly one deduped child per distinct NS target, carrying
// the glued address and the owner name as its new bailiwick.
func TestSpawnReferralChildrenBuildsDedupedNSTargetChildren(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QName = "example.com."
	rc := newTestRunContext(cfg)

	msg := new(dns.Msg)
	msg.Question = []dns.Question{{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	msg.Ns = []dns.RR{
		nsRR("example.com.", "ns.example.com."),
		nsRR("example.com.", "ns.example.com."), // same target repeated: must dedup
	}
	msg.Extra = []dns.RR{rrA("ns.example.com.", "192.0.2.1")}

	q := Question{Name: "example.com.", Type: dns.TypeA}
	outcome, final, lame, _ := classify(msg, q, ".")
	if outcome != OutcomeReferral {
		t.Fatalf("expected REFERRAL, got %s", outcome)
	}

	root := newReferral(nil, "", "1", q, ".", "a.root-servers.net.", []string{"198.41.0.4"}, 0)
	resp := &DecodedResponse{Outcome: outcome, FinalName: final, LameNames: lame, Msg: msg}

	kids := root.spawnChildren(rc, "198.41.0.4", resp)
	if len(kids) != 1 {
		t.Fatalf("expected a single deduped NS-target child, got %d", len(kids))
	}
	child := kids[0]
	if child.ServerName != "ns.example.com." {
		t.Fatalf("expected child server name ns.example.com., got %s", child.ServerName)
	}
	if child.Bailiwick != "example.com." {
		t.Fatalf("expected child bailiwick example.com., got %s", child.Bailiwick)
	}
	if len(child.ServerIPs) != 1 || child.ServerIPs[0] != "192.0.2.1" {
		t.Fatalf("expected glued server IP 192.0.2.1, got %v", child.ServerIPs)
	}
	if child.Depth != root.Depth+1 {
		t.Fatalf("expected child depth %d, got %d", root.Depth+1, child.Depth)
	}
}

// Grounded in the end-to-end scenario where "www.example.com CNAME
// w.example.net" and example.net is a separate delegation: the apex's
// answer redirects out of bailiwick, so classify reports it as ANSWER and
// spawnChildren restarts resolution for the new name from the roots.
func TestSpawnCNAMERestartBuildsRootRestartChild(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QName = "www.example.com."
	rc := newTestRunContext(cfg)
	rc.rootIPs = []string{"198.41.0.4", "199.9.14.201"}

	msg := new(dns.Msg)
	msg.Question = []dns.Question{{Name: "www.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	msg.Answer = []dns.RR{rrCNAME("www.example.com.", "w.example.net.")}

	q := Question{Name: "www.example.com.", Type: dns.TypeA}
	outcome, final, _, _ := classify(msg, q, "example.com.")
	if outcome != OutcomeAnswer {
		t.Fatalf("expected ANSWER for an out-of-bailiwick CNAME redirect, got %s", outcome)
	}
	if !sameName(final, "w.example.net.") {
		t.Fatalf("expected final name w.example.net., got %s", final)
	}

	apex := newReferral(nil, "", "1.1", q, "example.com.", "ns.example.com.", []string{"192.0.2.1"}, 1)
	resp := &DecodedResponse{Outcome: outcome, FinalName: final, Msg: msg}

	kids := apex.spawnChildren(rc, "192.0.2.1", resp)
	if len(kids) != 1 {
		t.Fatalf("expected a single CNAME-restart child, got %d", len(kids))
	}
	child := kids[0]
	if !sameName(child.Query.Name, "w.example.net.") {
		t.Fatalf("expected restart query name w.example.net., got %s", child.Query.Name)
	}
	if child.Query.Type != q.Type {
		t.Fatalf("expected restart query to keep the original qtype")
	}
	if child.Bailiwick != "." {
		t.Fatalf("expected restart bailiwick '.', got %s", child.Bailiwick)
	}
	if len(child.ServerIPs) != len(rc.rootIPs) {
		t.Fatalf("expected restart to seed every root IP, got %v", child.ServerIPs)
	}
	if child.Depth != apex.Depth+1 {
		t.Fatalf("expected child depth %d, got %d", apex.Depth+1, child.Depth)
	}

	// no sub-tree re-enters example.com after leaving: the restart's
	// bailiwick is the root, not the zone the CNAME left.
	if child.Bailiwick == "example.com." {
		t.Fatalf("restart child must not stay scoped to the original bailiwick")
	}
}

func TestGlueAddrs(t *testing.T) {
	msg := new(dns.Msg)
	msg.Extra = []dns.RR{
		rrA("ns1.example.com.", "10.0.0.1"),
		&dns.AAAA{Hdr: dns.RR_Header{Name: "ns1.example.com.", Rrtype: dns.TypeAAAA, Class: dns.ClassINET}},
	}
	if got := glueAddrs(msg, "ns1.example.com.", false); len(got) != 1 {
		t.Fatalf("expected only the A glue without followAAAA, got %v", got)
	}
	if got := glueAddrs(msg, "ns1.example.com.", true); len(got) != 2 {
		t.Fatalf("expected both A and AAAA glue with followAAAA, got %v", got)
	}
}
