package dnswalk

import (
	"net"
	"testing"

	"github.com/miekg/dns"
)

func nsRR(owner, target string) dns.RR {
	return &dns.NS{
		Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypeNS, Class: dns.ClassINET},
		Ns:  target,
	}
}

func soaRR(owner string) dns.RR {
	return &dns.SOA{Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypeSOA, Class: dns.ClassINET}}
}

func TestClassifyAnswer(t *testing.T) {
	msg := new(dns.Msg)
	msg.Question = []dns.Question{{Name: "www.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	msg.Answer = []dns.RR{rrA("www.example.com.", "10.0.0.1")}

	outcome, final, _, _ := classify(msg, Question{Name: "www.example.com.", Type: dns.TypeA}, "example.com.")
	if outcome != OutcomeAnswer {
		t.Fatalf("expected ANSWER, got %s", outcome)
	}
	if !sameName(final, "www.example.com.") {
		t.Fatalf("expected final name www.example.com., got %s", final)
	}
}

func TestClassifyNXDomain(t *testing.T) {
	msg := new(dns.Msg)
	msg.Rcode = dns.RcodeNameError
	outcome, _, _, _ := classify(msg, Question{Name: "nope.example.com.", Type: dns.TypeA}, "example.com.")
	if outcome != OutcomeNXDomain {
		t.Fatalf("expected NXDOMAIN, got %s", outcome)
	}
}

func TestClassifyReferral(t *testing.T) {
	msg := new(dns.Msg)
	msg.Question = []dns.Question{{Name: "www.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	msg.Ns = []dns.RR{
		nsRR("example.com.", "ns1.example.com."),
		nsRR("example.com.", "ns2.example.com."),
	}

	outcome, _, lame, _ := classify(msg, Question{Name: "www.example.com.", Type: dns.TypeA}, "com.")
	if outcome != OutcomeReferral {
		t.Fatalf("expected REFERRAL, got %s", outcome)
	}
	if len(lame) != 0 {
		t.Fatalf("expected no lame names, got %v", lame)
	}
}

func TestClassifyReferralLame(t *testing.T) {
	msg := new(dns.Msg)
	msg.Question = []dns.Question{{Name: "www.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	msg.Ns = []dns.RR{
		nsRR("example.com.", "ns1.example.com."),
		nsRR("evil.net.", "ns1.evil.net."),
	}

	outcome, _, lame, _ := classify(msg, Question{Name: "www.example.com.", Type: dns.TypeA}, "com.")
	if outcome != OutcomeReferralLame {
		t.Fatalf("expected REFERRAL_LAME, got %s", outcome)
	}
	if len(lame) != 1 || lame[0] != "evil.net." {
		t.Fatalf("expected lame=[evil.net.], got %v", lame)
	}
}

func TestClassifyNodata(t *testing.T) {
	msg := new(dns.Msg)
	msg.Question = []dns.Question{{Name: "example.com.", Qtype: dns.TypeMX, Qclass: dns.ClassINET}}
	msg.Ns = []dns.RR{soaRR("example.com.")}

	outcome, _, _, _ := classify(msg, Question{Name: "example.com.", Type: dns.TypeMX}, "example.com.")
	if outcome != OutcomeNodata {
		t.Fatalf("expected NODATA, got %s", outcome)
	}
}

func TestClassifyValidateFailureCarriesWarning(t *testing.T) {
	msg := new(dns.Msg)
	msg.Question = []dns.Question{{Name: "other.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}}

	outcome, _, _, warnings := classify(msg, Question{Name: "www.example.com.", Type: dns.TypeA}, "example.com.")
	if outcome != OutcomeOtherError {
		t.Fatalf("expected OTHER_ERROR, got %s", outcome)
	}
	if len(warnings) != 1 || warnings[0] == "" {
		t.Fatalf("expected a non-empty validate-failure warning, got %v", warnings)
	}
}

func TestNewTransportKeepsLegacyUDPSize(t *testing.T) {
	tr := NewTransport(0, 512, true, false, 0)
	if tr.UDPSize != 512 {
		t.Fatalf("expected UDPSize 512, got %d", tr.UDPSize)
	}
	// A direct unit test of Exchange would need a live or fake server; the
	// udp_size==512-disables-EDNS0 behavior itself lives in Exchange, which
	// skips SetEdns0 when UDPSize is 512, and is not exercised here.
}

func TestClassifyTransportError(t *testing.T) {
	if got := classifyTransportError(&net.DNSError{IsTimeout: true}); got != OutcomeTimeout {
		t.Fatalf("expected TIMEOUT, got %s", got)
	}
}
