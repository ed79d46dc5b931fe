package dnswalk

import (
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// Question is an immutable (qname, qtype, qclass) triple. Qclass defaults to
// IN when zero. Name comparisons elsewhere in this package are always
// case-insensitive ASCII, matching DNS name semantics.
type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

func (q Question) class() uint16 {
	if q.Class == 0 {
		return dns.ClassINET
	}
	return q.Class
}

func (q Question) String() string {
	return dns.Fqdn(q.Name) + " " + dns.ClassToString[q.class()] + " " + typeString(q.Type)
}

func typeString(t uint16) string {
	if s, ok := dns.TypeToString[t]; ok {
		return s
	}
	return "TYPE" + strconv.Itoa(int(t))
}

// normalizeName returns the canonical lowercase, fully-qualified form of a
// domain name, used as a map/cache key so case-insensitive names compare
// equal.
func normalizeName(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}

// sameName reports whether two domain names are equal under case-insensitive
// ASCII comparison, ignoring a trailing-dot mismatch.
func sameName(a, b string) bool {
	return strings.EqualFold(dns.Fqdn(a), dns.Fqdn(b))
}

// inBailiwick reports whether name N is in-bailiwick of B: N == B or N ends
// in ".B", both case-insensitively.
func inBailiwick(name, bailiwick string) bool {
	return dns.IsSubDomain(dns.Fqdn(bailiwick), dns.Fqdn(name))
}

// validate succeeds iff the response's rcode is not NOERROR, or the message
// carries exactly one question matching expected case-insensitively. A
// response whose question section doesn't match what we asked indicates a
// buggy or hostile server and must not be trusted as an answer.
func validate(msg *dns.Msg, expected Question) error {
	if msg.Rcode != dns.RcodeSuccess {
		return nil
	}
	if len(msg.Question) != 1 {
		return &ResolveError{Query: expected, Msg: "expected exactly one question"}
	}
	q := msg.Question[0]
	if !sameName(q.Name, expected.Name) || q.Qclass != expected.class() || q.Qtype != expected.Type {
		return &ResolveError{Query: expected, Msg: "question section does not match query"}
	}
	return nil
}

// answers returns the answer-section RRs matching (name, class, qtype).
// dns.TypeANY matches every type.
func answers(msg *dns.Msg, name string, qtype uint16, qclass uint16) []dns.RR {
	return filterSection(msg.Answer, name, qtype, qclass)
}

// additional returns the additional-section RRs matching (name, class,
// qtype). Used to collect glue A/AAAA for referral NS targets.
func additional(msg *dns.Msg, name string, qtype uint16, qclass uint16) []dns.RR {
	return filterSection(msg.Extra, name, qtype, qclass)
}

func filterSection(section []dns.RR, name string, qtype uint16, qclass uint16) []dns.RR {
	out := make([]dns.RR, 0, len(section))
	for _, rr := range section {
		h := rr.Header()
		if name != "" && !sameName(h.Name, name) {
			continue
		}
		if qclass != dns.ClassANY && h.Class != qclass {
			continue
		}
		if qtype != dns.TypeANY && h.Rrtype != qtype {
			continue
		}
		out = append(out, rr)
	}
	return out
}

// authorityPartition splits the authority section into NS, SOA and
// everything else.
func authorityPartition(msg *dns.Msg) (ns, soa, other []dns.RR) {
	for _, rr := range msg.Ns {
		switch rr.Header().Rrtype {
		case dns.TypeNS:
			ns = append(ns, rr)
		case dns.TypeSOA:
			soa = append(soa, rr)
		default:
			other = append(other, rr)
		}
	}
	return ns, soa, other
}

// isNodata reports whether a NOERROR response with an empty answer section
// is the conventional NODATA signal: the authority section carries an SOA,
// or carries no NS delegation at all.
func isNodata(msg *dns.Msg) bool {
	ns, soa, _ := authorityPartition(msg)
	return len(soa) > 0 || len(ns) == 0
}

// followCNAMEs starts at qname and repeatedly rewrites along CNAME RRs
// present in the answer section until:
//   - an RR of qtype appears for the current name: returns that name, true
//   - no CNAME exists for the current name: returns that name, true
//   - the current name is outside bailiwick (the chain has left it): returns
//     that name, true, without chasing its CNAMEs further
//   - a previously-visited name reappears: returns "", false (loop)
//
// The loop-detection set is local to this call. followCNAMEs is idempotent:
// calling it again with the returned name as qname and the same message is
// a fixed point, since that name either has a matching RR, has no CNAME, or
// lies outside bailiwick, and each of these ends the second call at its
// first step.
func followCNAMEs(msg *dns.Msg, qname string, qtype uint16, bailiwick string) (string, bool) {
	current := qname
	seen := map[string]bool{}
	for {
		if seen[strings.ToLower(dns.Fqdn(current))] {
			return "", false
		}
		seen[strings.ToLower(dns.Fqdn(current))] = true

		if len(answers(msg, current, qtype, dns.ClassANY)) > 0 {
			return current, true
		}
		if !inBailiwick(current, bailiwick) {
			return current, true
		}

		cnames := answers(msg, current, dns.TypeCNAME, dns.ClassANY)
		if len(cnames) == 0 {
			return current, true
		}
		current = cnames[0].(*dns.CNAME).Target
	}
}

// cacheableRRs partitions the union of answer, authority and additional
// sections into good (in-bailiwick, usable), bad (out-of-bailiwick,
// discarded to prevent a delegating server from injecting records outside
// its authority) and other (OPT and similar pseudo-records).
func cacheableRRs(msg *dns.Msg, bailiwick string) (good, bad, other []dns.RR) {
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				other = append(other, rr)
				continue
			}
			if inBailiwick(rr.Header().Name, bailiwick) {
				good = append(good, rr)
			} else {
				bad = append(bad, rr)
			}
		}
	}
	return good, bad, other
}

// messageWarnings collects non-fatal observations about a response: an
// unexpected recursion-available bit, truncation, or an unusual rcode.
func messageWarnings(msg *dns.Msg, wantRD bool) []string {
	var warnings []string
	switch {
	case msg.RecursionAvailable && !wantRD:
		warnings = append(warnings, "recursion-available bit set by an authoritative server on a non-recursive query")
	case !msg.RecursionAvailable && wantRD:
		warnings = append(warnings, "recursion-available bit unset on recursion-desired query")
	}
	if msg.Truncated {
		warnings = append(warnings, "truncated response")
	}
	switch msg.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError, dns.RcodeServerFailure:
	default:
		warnings = append(warnings, "unexpected rcode: "+dns.RcodeToString[msg.Rcode])
	}
	return warnings
}
