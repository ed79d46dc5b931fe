package dnswalk

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Outcome classifies a single send/receive attempt against one server IP.
type Outcome int

const (
	OutcomeAnswer Outcome = iota
	OutcomeNodata
	OutcomeNXDomain
	OutcomeReferral
	OutcomeReferralLame
	OutcomeCNAMELoop
	OutcomeTimeout
	OutcomeFormerr
	OutcomeServfail
	OutcomeOtherError

	// OutcomeFailed is a synthetic, referral-level outcome: it never comes
	// from classify, only from a depth-exceeded or loop guard, or from a
	// referral whose server name could not be resolved to any address.
	OutcomeFailed
)

var outcomeNames = map[Outcome]string{
	OutcomeAnswer:       "ANSWER",
	OutcomeNodata:       "NODATA",
	OutcomeNXDomain:     "NXDOMAIN",
	OutcomeReferral:     "REFERRAL",
	OutcomeReferralLame: "REFERRAL_LAME",
	OutcomeCNAMELoop:    "CNAME_LOOP",
	OutcomeTimeout:      "TIMEOUT",
	OutcomeFormerr:      "FORMERR",
	OutcomeServfail:     "SERVFAIL",
	OutcomeOtherError:   "OTHER_ERROR",
	OutcomeFailed:       "FAILED",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "UNKNOWN"
}

// terminal reports whether this outcome produces no children: every outcome
// except REFERRAL and the CNAME-restart case of ANSWER is terminal, but
// whether ANSWER restarts is a property of the message, not the outcome
// alone, so Referral.expand decides that case itself.
func (o Outcome) terminal() bool {
	switch o {
	case OutcomeReferral:
		return false
	default:
		return true
	}
}

// DecodedResponse is the result of one send/receive attempt against one
// server IP for one Question.
type DecodedResponse struct {
	ServerIP  string
	Query     Question
	Bailiwick string
	Outcome   Outcome
	Msg       *dns.Msg
	Warnings  []string
	RTT       time.Duration

	// FinalName is the name reached after CNAME chasing, set only when
	// Outcome == OutcomeAnswer.
	FinalName string

	// LameNames carries the offending out-of-bailiwick NS owner names
	// when Outcome == OutcomeReferralLame.
	LameNames []string
}

// Transport sends DNS queries to authoritative servers and classifies the
// result. It owns the retry count, per-attempt timeout, EDNS0 buffer size
// and TCP policy for a traversal run.
type Transport struct {
	UDP *dns.Client
	TCP *dns.Client

	Retries   int
	UDPSize   uint16
	AllowTCP  bool
	AlwaysTCP bool
}

// NewTransport builds a Transport honoring the given per-attempt timeout,
// EDNS0 buffer size (512 disables EDNS0) and TCP policy. always ⇒ allow is
// enforced by Config validation before a Transport is ever constructed.
func NewTransport(timeout time.Duration, udpSize uint16, allowTCP, alwaysTCP bool, retries int) *Transport {
	return &Transport{
		UDP:       &dns.Client{Net: "udp", Timeout: timeout},
		TCP:       &dns.Client{Net: "tcp", Timeout: timeout},
		Retries:   retries,
		UDPSize:   udpSize,
		AllowTCP:  allowTCP,
		AlwaysTCP: alwaysTCP,
	}
}

// Exchange performs the configured query against serverIP, retrying on
// transport failure up to Retries times, and classifies the response (or
// failure) into a DecodedResponse.
func (t *Transport) Exchange(ctx context.Context, serverIP string, q Question, bailiwick string) *DecodedResponse {
	dr := &DecodedResponse{ServerIP: serverIP, Query: q, Bailiwick: bailiwick}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(q.Name), q.Type)
	m.Question[0].Qclass = q.class()
	m.RecursionDesired = false
	if t.UDPSize != 512 {
		m.SetEdns0(t.UDPSize, false)
	}

	addr := net.JoinHostPort(serverIP, "53")

	client := t.UDP
	if t.AlwaysTCP {
		client = t.TCP
	}

	var (
		resp *dns.Msg
		rtt  time.Duration
		err  error
	)
	for attempt := 0; attempt <= t.Retries; attempt++ {
		resp, rtt, err = client.ExchangeContext(ctx, m, addr)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	if err == nil && resp != nil && resp.Truncated && t.AllowTCP && !t.AlwaysTCP {
		if tcpResp, tcpRTT, tcpErr := t.TCP.ExchangeContext(ctx, m, addr); tcpErr == nil {
			resp, rtt, err = tcpResp, tcpRTT, nil
		}
	}
	dr.RTT = rtt

	if err != nil {
		dr.Outcome = classifyTransportError(err)
		dr.Warnings = append(dr.Warnings, err.Error())
		return dr
	}

	dr.Msg = resp
	var classifyWarnings []string
	dr.Outcome, dr.FinalName, dr.LameNames, classifyWarnings = classify(resp, q, bailiwick)
	dr.Warnings = append(dr.Warnings, classifyWarnings...)
	dr.Warnings = append(dr.Warnings, messageWarnings(resp, m.RecursionDesired)...)
	return dr
}

func classifyTransportError(err error) Outcome {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return OutcomeTimeout
	}
	if err == dns.ErrTruncated {
		return OutcomeFormerr
	}
	return OutcomeOtherError
}

// classify implements the ordered classification rules: SERVFAIL, NXDOMAIN,
// validate failure, answer (with CNAME chase; a chain that redirects out of
// bailiwick counts as answered too, since this server has nothing more to
// give and the caller restarts resolution at the new name), referral (with
// lameness split on NS-owner bailiwick), NODATA, otherwise OTHER_ERROR. The
// fourth return value carries classification-level warnings (currently only
// the validate-failure explanation) for the caller to attach to the
// response.
func classify(msg *dns.Msg, q Question, bailiwick string) (Outcome, string, []string, []string) {
	if msg.Rcode == dns.RcodeServerFailure {
		return OutcomeServfail, "", nil, nil
	}
	if msg.Rcode == dns.RcodeNameError {
		return OutcomeNXDomain, "", nil, nil
	}
	if err := validate(msg, q); err != nil {
		return OutcomeOtherError, "", nil, []string{err.Error()}
	}

	if final, ok := followCNAMEs(msg, q.Name, q.Type, bailiwick); !ok {
		return OutcomeCNAMELoop, "", nil, nil
	} else if len(answers(msg, final, q.Type, dns.ClassANY)) > 0 {
		return OutcomeAnswer, final, nil, nil
	} else if !inBailiwick(final, bailiwick) {
		// the CNAME chain redirects to a name this server has no authority
		// over; the chain itself is the complete answer this server can
		// give, and the caller restarts resolution for final from the root.
		return OutcomeAnswer, final, nil, nil
	}

	ns, _, _ := authorityPartition(msg)
	if len(ns) > 0 {
		var good, lame []string
		for _, rr := range ns {
			if inBailiwick(rr.Header().Name, bailiwick) {
				good = append(good, rr.Header().Name)
			} else {
				lame = append(lame, rr.Header().Name)
			}
		}
		switch {
		case len(good) > 0 && len(lame) == 0:
			return OutcomeReferral, "", nil, nil
		case len(good) > 0 && len(lame) > 0:
			return OutcomeReferralLame, "", lame, nil
		default:
			return OutcomeOtherError, "", nil, nil
		}
	}

	if isNodata(msg) {
		return OutcomeNodata, "", nil, nil
	}
	return OutcomeOtherError, "", nil, nil
}
