package dnswalk

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jmhodges/clock"
	"github.com/miekg/dns"
)

// MainStage names a lifecycle point of the top-level traversal for the
// "main" progress hook.
type MainStage string

const (
	StageStart          MainStage = "start"
	StageNewReferralSet MainStage = "new_referral_set"
	StageAnswer         MainStage = "answer"
	StageAnswerFast     MainStage = "answer_fast"
)

// ResolveStage names a lifecycle point of a server-name sub-traversal for
// the "resolve" progress hook.
type ResolveStage string

const (
	ResolveStart      ResolveStage = "start"
	ResolveAnswerFast ResolveStage = "answer_fast"
)

// Observer receives synchronous progress notifications as a traversal
// proceeds. Implementations must not block or perform failable I/O: the
// core's correctness never depends on an Observer.
type Observer interface {
	Main(stage MainStage, r *Referral)
	Resolve(stage ResolveStage, name string, depth int)
}

// NoopObserver implements Observer with no behavior, for library callers
// that don't want progress reporting.
type NoopObserver struct{}

func (NoopObserver) Main(MainStage, *Referral)         {}
func (NoopObserver) Resolve(ResolveStage, string, int) {}

// Config is the single source of truth for a traversal run. Load it with
// internal/config.Load, or construct DefaultConfig() and override fields
// directly for library use; call Validate before passing it to
// NewTraverser.
type Config struct {
	QName string `koanf:"qname" validate:"required"`
	QType uint16 `koanf:"qtype" validate:"required"`

	Roots    []string `koanf:"roots"`
	AllRoots bool     `koanf:"all_roots"`

	FollowAAAA bool `koanf:"follow_aaaa"`
	RootAAAA   bool `koanf:"root_aaaa"`

	AllowTCP  bool `koanf:"allow_tcp"`
	AlwaysTCP bool `koanf:"always_tcp"`

	UDPSize uint16 `koanf:"udp_size" validate:"required"`

	MaxDepth int           `koanf:"max_depth" validate:"required,gte=1"`
	Retries  int           `koanf:"retries" validate:"gte=0"`
	Timeout  time.Duration `koanf:"timeout" validate:"required,gt=0"`

	Fast bool `koanf:"fast"`

	CacheSize int `koanf:"cache_size" validate:"required,gte=1"`
}

// DefaultConfig returns the documented defaults for every Config field.
func DefaultConfig() *Config {
	return &Config{
		QType:      dns.TypeA,
		FollowAAAA: false,
		RootAAAA:   false,
		AllowTCP:   true,
		AlwaysTCP:  false,
		UDPSize:    4096,
		MaxDepth:   20,
		Retries:    2,
		Timeout:    2 * time.Second,
		Fast:       true,
		CacheSize:  4096,
	}
}

// Validate enforces the cross-field invariants struct tags can't express:
// a known query type, and always-tcp implying allow-tcp.
func (c *Config) Validate() error {
	if c.QName == "" {
		return fmt.Errorf("%w: empty qname", ErrUnknownType)
	}
	if _, ok := dns.TypeToString[c.QType]; !ok {
		return ErrUnknownType
	}
	if c.AlwaysTCP && !c.AllowTCP {
		return ErrContradictoryTCP
	}
	return nil
}

// RootServer names one root (or bootstrap) nameserver and its resolved
// addresses.
type RootServer struct {
	Name string
	IPs  []string
}

// Stats summarizes a completed run: the aggregated outcome distribution
// across every root that was traversed, and every server name encountered
// along the way mapped to the IPs seen for it.
type Stats struct {
	Distribution       map[Outcome]float64
	ServersEncountered map[string][]string
	Elapsed            time.Duration
}

// runContext is the mutable state shared, read-mostly, across every
// Referral in a single run: the cache, transport, fast-mode fingerprint
// index and servers-encountered registry. Under this package's
// single-threaded depth-first traversal, none of it needs locking.
type runContext struct {
	cfg       *Config
	transport *Transport
	cache     *ResponseCache
	observer  Observer

	fast               map[fingerprint]*Referral
	serversEncountered map[string]map[string]bool
	rootIPs            []string
}

func (rc *runContext) recordServer(name string, ip string) {
	name = normalizeName(name)
	if rc.serversEncountered[name] == nil {
		rc.serversEncountered[name] = map[string]bool{}
	}
	rc.serversEncountered[name][ip] = true
}

// resolveServerIPs resolves a server name to its addresses via a private
// sub-traversal rooted at the same servers this run started from, bounded
// by the same max-depth guard as the main tree (so a circular delegation
// that only shows up through server-name resolution still terminates).
// This is the "RESOLVING_SERVER" state's implementation.
func (rc *runContext) resolveServerIPs(ctx context.Context, name string, fromDepth int) ([]string, error) {
	rc.observer.Resolve(ResolveStart, name, fromDepth)

	types := []uint16{dns.TypeA}
	if rc.cfg.FollowAAAA {
		types = append(types, dns.TypeAAAA)
	}

	var ips []string
	fastHit := false
	for _, t := range types {
		q := Question{Name: name, Type: t}
		root := newReferral(nil, "", "resolve", q, ".", ".", rc.rootIPs, fromDepth+1)
		root.expand(ctx, rc)
		src := root
		if root.State == StateFastSkipped {
			fastHit = true
			src = root.ReplacedBy
		}
		ips = append(ips, collectAddrs(src, q)...)
	}
	if fastHit {
		rc.observer.Resolve(ResolveAnswerFast, name, fromDepth)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no address records found for %s", name)
	}
	return dedupeStrings(ips), nil
}

func collectAddrs(ref *Referral, q Question) []string {
	var out []string
	for _, resp := range ref.Responses {
		if resp.Outcome != OutcomeAnswer || resp.Msg == nil {
			continue
		}
		for _, rr := range answers(resp.Msg, resp.FinalName, q.Type, dns.ClassANY) {
			switch rr := rr.(type) {
			case *dns.A:
				out = append(out, rr.A.String())
			case *dns.AAAA:
				out = append(out, rr.AAAA.String())
			}
		}
	}
	for _, c := range ref.Children {
		out = append(out, collectAddrs(c, q)...)
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Traverser is the top-level driver: it discovers root servers, seeds the
// initial Referral(s), expands them, and aggregates statistics.
type Traverser struct {
	cfg      *Config
	observer Observer
	rc       *runContext

	// ResolvConfPath overrides the system resolver config file used for
	// root discovery; tests set this to a fixture instead of
	// /etc/resolv.conf.
	ResolvConfPath string

	// Clock times a run for Stats.Elapsed; tests substitute clock.NewFake()
	// for a deterministic value.
	Clock clock.Clock
}

// NewTraverser builds a Traverser from a validated Config. observer may be
// nil, in which case NoopObserver is used.
func NewTraverser(cfg *Config, observer Observer) *Traverser {
	if observer == nil {
		observer = NoopObserver{}
	}
	rc := &runContext{
		cfg:                cfg,
		transport:          NewTransport(cfg.Timeout, cfg.UDPSize, cfg.AllowTCP, cfg.AlwaysTCP, cfg.Retries),
		cache:              NewResponseCache(cfg.CacheSize),
		observer:           observer,
		fast:               map[fingerprint]*Referral{},
		serversEncountered: map[string]map[string]bool{},
	}
	return &Traverser{cfg: cfg, observer: observer, rc: rc, ResolvConfPath: "/etc/resolv.conf", Clock: clock.Default()}
}

// Run discovers root servers, traverses the full referral tree for
// Config.QName/QType from each, and returns the resulting top-level
// Referral(s) plus aggregated statistics. A non-nil error here is always a
// fatal, tier-3 failure (section 7): root discovery failure or a canceled
// context, never a per-branch outcome.
func (t *Traverser) Run(ctx context.Context) ([]*Referral, *Stats, error) {
	if err := t.cfg.Validate(); err != nil {
		return nil, nil, err
	}
	started := t.Clock.Now()

	roots, err := t.discoverRoots(ctx)
	if err != nil {
		merr := multierror.Append(&multierror.Error{}, ErrNoRoots, err)
		return nil, nil, merr.ErrorOrNil()
	}
	if len(roots) == 0 {
		return nil, nil, ErrNoRoots
	}

	t.rc.rootIPs = flattenIPs(roots)

	q := Question{Name: t.cfg.QName, Type: t.cfg.QType}
	refs := make([]*Referral, 0, len(roots))
	for i, root := range roots {
		ref := newReferral(nil, "", strconv.Itoa(i+1), q, ".", root.Name, root.IPs, 0)
		ref.expand(ctx, t.rc)
		refs = append(refs, ref)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	stats := t.aggregate(refs)
	stats.Elapsed = t.Clock.Now().Sub(started)
	return refs, stats, nil
}

func (t *Traverser) aggregate(refs []*Referral) *Stats {
	dist := map[Outcome]float64{}
	n := float64(len(refs))
	for _, r := range refs {
		for o, p := range r.dist {
			dist[o] += p / n
		}
	}
	servers := make(map[string][]string, len(t.rc.serversEncountered))
	for name, ips := range t.rc.serversEncountered {
		list := make([]string, 0, len(ips))
		for ip := range ips {
			list = append(list, ip)
		}
		servers[name] = list
	}
	return &Stats{Distribution: dist, ServersEncountered: servers}
}

func flattenIPs(roots []RootServer) []string {
	var out []string
	for _, r := range roots {
		out = append(out, r.IPs...)
	}
	return dedupeStrings(out)
}

// discoverRoots implements the "discover roots" procedure: an explicit
// Config.Roots list is used as-is; otherwise get_a_root bootstraps one
// root from the local system resolver, and find_all_roots expands that
// into the full root set when Config.AllRoots is set.
func (t *Traverser) discoverRoots(ctx context.Context) ([]RootServer, error) {
	if len(t.cfg.Roots) > 0 {
		return []RootServer{{Name: ".", IPs: append([]string(nil), t.cfg.Roots...)}}, nil
	}

	chosen, err := t.getARoot(ctx)
	if err != nil {
		return nil, err
	}
	if !t.cfg.AllRoots {
		return []RootServer{chosen}, nil
	}
	return t.findAllRoots(ctx, chosen)
}

// getARoot queries the local system resolver for the root NS set, picks
// one at random, and resolves its addresses, also via the system resolver.
func (t *Traverser) getARoot(ctx context.Context) (RootServer, error) {
	conf, err := dns.ClientConfigFromFile(t.ResolvConfPath)
	if err != nil || len(conf.Servers) == 0 {
		return RootServer{}, fmt.Errorf("reading system resolver config: %w", err)
	}
	sysAddr := net.JoinHostPort(conf.Servers[0], conf.Port)

	c := &dns.Client{Timeout: t.cfg.Timeout}
	m := new(dns.Msg)
	m.SetQuestion(".", dns.TypeNS)
	m.RecursionDesired = true
	resp, _, err := c.ExchangeContext(ctx, m, sysAddr)
	if err != nil {
		return RootServer{}, fmt.Errorf("querying system resolver for root NS set: %w", err)
	}

	names := extractNSNames(resp.Answer)
	if len(names) == 0 {
		names = extractNSNames(resp.Ns)
	}
	if len(names) == 0 {
		return RootServer{}, ErrNoNSAuthorities
	}
	name := names[rand.Intn(len(names))]

	ips, err := t.resolveViaSystemResolver(ctx, c, sysAddr, name)
	if err != nil {
		return RootServer{}, err
	}
	return RootServer{Name: name, IPs: ips}, nil
}

// findAllRoots queries the chosen root directly for the priming ". NS"
// response, resolving every returned target (via its glue if present,
// falling back to the system resolver otherwise).
func (t *Traverser) findAllRoots(ctx context.Context, chosen RootServer) ([]RootServer, error) {
	if len(chosen.IPs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoNSAuthorities, chosen.Name)
	}
	ip := chosen.IPs[rand.Intn(len(chosen.IPs))]

	resp := t.rc.transport.Exchange(ctx, ip, Question{Name: ".", Type: dns.TypeNS}, ".")
	if resp.Msg == nil {
		return nil, fmt.Errorf("priming query to %s (%s) failed: %v", chosen.Name, ip, resp.Warnings)
	}

	names := extractNSNames(resp.Msg.Answer)
	if len(names) == 0 {
		names = extractNSNames(resp.Msg.Ns)
	}
	if len(names) == 0 {
		return nil, ErrNoNSAuthorities
	}

	conf, confErr := dns.ClientConfigFromFile(t.ResolvConfPath)
	var sysAddr string
	var sysClient *dns.Client
	if confErr == nil && len(conf.Servers) > 0 {
		sysAddr = net.JoinHostPort(conf.Servers[0], conf.Port)
		sysClient = &dns.Client{Timeout: t.cfg.Timeout}
	}

	var roots []RootServer
	for _, name := range names {
		glue := glueAddrs(resp.Msg, name, t.cfg.RootAAAA)
		if len(glue) == 0 && sysClient != nil {
			if ips, err := t.resolveViaSystemResolver(ctx, sysClient, sysAddr, name); err == nil {
				glue = ips
			}
		}
		if len(glue) == 0 {
			continue
		}
		roots = append(roots, RootServer{Name: name, IPs: glue})
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: .", ErrNoNSAuthorities)
	}
	return roots, nil
}

func (t *Traverser) resolveViaSystemResolver(ctx context.Context, c *dns.Client, sysAddr string, name string) ([]string, error) {
	var ips []string
	types := []uint16{dns.TypeA}
	if t.cfg.RootAAAA {
		types = append(types, dns.TypeAAAA)
	}
	for _, qt := range types {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(name), qt)
		m.RecursionDesired = true
		resp, _, err := c.ExchangeContext(ctx, m, sysAddr)
		if err != nil {
			continue
		}
		for _, rr := range resp.Answer {
			switch rr := rr.(type) {
			case *dns.A:
				ips = append(ips, rr.A.String())
			case *dns.AAAA:
				ips = append(ips, rr.AAAA.String())
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no address records resolved for %s", name)
	}
	return ips, nil
}

func extractNSNames(section []dns.RR) []string {
	var out []string
	for _, rr := range section {
		if ns, ok := rr.(*dns.NS); ok {
			out = append(out, ns.Ns)
		}
	}
	return out
}
