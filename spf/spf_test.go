package spf

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/sablemail/gatekeeper/dns"
)

func testArgs(ip string) Args {
	return Args{
		RemoteIP:          net.ParseIP(ip),
		MailFromLocalpart: "alice",
		MailFromDomain:    "sender.example",
		HelloDomain:       "mail.sender.example",
		LocalIP:           net.ParseIP("192.0.2.10"),
		LocalHostname:     "mx.receiver.example",
	}
}

func verify(t *testing.T, resolver dns.Resolver, args Args) (Received, string, bool, error) {
	t.Helper()
	received, _, explanation, authentic, err := Verify(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), resolver, args)
	return received, explanation, authentic, err
}

func expectStatus(t *testing.T, resolver dns.Resolver, args Args, want Status) Received {
	t.Helper()
	received, _, _, err := verify(t, resolver, args)
	if received.Result != want {
		t.Fatalf("got status %q (err %v), want %q", received.Result, err, want)
	}
	return received
}

func TestIP4Pass(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.": {"v=spf1 ip4:198.51.100.0/24 -all"},
		},
	}
	received := expectStatus(t, resolver, testArgs("198.51.100.7"), StatusPass)
	if received.Mechanism != "ip4:198.51.100.0/24" {
		t.Errorf("mechanism %q", received.Mechanism)
	}
	expectStatus(t, resolver, testArgs("198.51.101.7"), StatusFail)
}

func TestIP6(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.": {"v=spf1 ip6:2001:db8::/32 ~all"},
		},
	}
	expectStatus(t, resolver, testArgs("2001:db8::1"), StatusPass)
	expectStatus(t, resolver, testArgs("2001:db9::1"), StatusSoftfail)
	// An ip6 mechanism never matches an IPv4 client.
	expectStatus(t, resolver, testArgs("198.51.100.7"), StatusSoftfail)
}

func TestAMechanism(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.": {"v=spf1 a a:alt.example/28 -all"},
		},
		A: map[string][]string{
			"sender.example.": {"198.51.100.7"},
			"alt.example.":    {"203.0.113.16"},
		},
	}
	expectStatus(t, resolver, testArgs("198.51.100.7"), StatusPass)
	expectStatus(t, resolver, testArgs("203.0.113.20"), StatusPass)
	expectStatus(t, resolver, testArgs("203.0.113.40"), StatusFail)
}

func TestMXMechanism(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.": {"v=spf1 mx -all"},
		},
		MX: map[string][]*net.MX{
			"sender.example.": {{Host: "mx1.sender.example.", Pref: 10}},
		},
		A: map[string][]string{
			"mx1.sender.example.": {"198.51.100.7"},
		},
	}
	expectStatus(t, resolver, testArgs("198.51.100.7"), StatusPass)
	expectStatus(t, resolver, testArgs("198.51.100.8"), StatusFail)
}

func TestInclude(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.":        {"v=spf1 include:_spf.provider.example -all"},
			"_spf.provider.example.": {"v=spf1 ip4:203.0.113.0/24 -all"},
		},
	}
	expectStatus(t, resolver, testArgs("203.0.113.5"), StatusPass)
	// A fail inside the include does not match, the outer -all applies.
	expectStatus(t, resolver, testArgs("198.51.100.7"), StatusFail)
}

func TestIncludeCycleBounded(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.": {"v=spf1 include:sender.example -all"},
		},
	}
	received, _, _, err := verify(t, resolver, testArgs("198.51.100.7"))
	if received.Result != StatusPermerror {
		t.Fatalf("got %q, want permerror", received.Result)
	}
	if !errors.Is(err, ErrTooManyDNSRequests) {
		t.Fatalf("err %v, want ErrTooManyDNSRequests", err)
	}
}

func TestRedirect(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.": {"v=spf1 redirect=policy.example"},
			"policy.example.": {"v=spf1 ip4:198.51.100.7 -all"},
		},
	}
	expectStatus(t, resolver, testArgs("198.51.100.7"), StatusPass)
	expectStatus(t, resolver, testArgs("198.51.100.8"), StatusFail)
}

func TestRedirectWithoutRecordIsPermerror(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.": {"v=spf1 redirect=missing.example"},
		},
	}
	expectStatus(t, resolver, testArgs("198.51.100.7"), StatusPermerror)
}

func TestNoRecord(t *testing.T) {
	resolver := dns.MockResolver{}
	received, _, _, err := verify(t, resolver, testArgs("198.51.100.7"))
	if received.Result != StatusNone {
		t.Fatalf("got %q, want none", received.Result)
	}
	if !errors.Is(err, ErrNoRecord) {
		t.Fatalf("err %v, want ErrNoRecord", err)
	}
}

func TestMultipleRecords(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.": {"v=spf1 -all", "v=spf1 +all"},
		},
	}
	received, _, _, err := verify(t, resolver, testArgs("198.51.100.7"))
	if received.Result != StatusPermerror {
		t.Fatalf("got %q, want permerror", received.Result)
	}
	if !errors.Is(err, ErrMultipleRecords) {
		t.Fatalf("err %v", err)
	}
}

func TestTemperror(t *testing.T) {
	resolver := dns.MockResolver{
		Fail: []string{"txt sender.example."},
	}
	expectStatus(t, resolver, testArgs("198.51.100.7"), StatusTemperror)
}

func TestHeloFallback(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"mail.sender.example.": {"v=spf1 ip4:198.51.100.7 -all"},
		},
	}
	args := testArgs("198.51.100.7")
	args.MailFromLocalpart, args.MailFromDomain = "", ""
	received := expectStatus(t, resolver, args, StatusPass)
	if received.Identity != "helo" {
		t.Errorf("identity %q, want helo", received.Identity)
	}
	if received.EnvelopeFrom != "postmaster@mail.sender.example" {
		t.Errorf("envelope-from %q", received.EnvelopeFrom)
	}
}

func TestHeloAddressLiteral(t *testing.T) {
	args := testArgs("198.51.100.7")
	args.MailFromDomain = ""
	args.HelloDomain = "[198.51.100.7]"
	expectStatus(t, dns.MockResolver{}, args, StatusNone)
}

func TestExplanation(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.":     {"v=spf1 -all exp=exp.sender.example"},
			"exp.sender.example.": {"%{i} is not allowed to send for %{o}"},
		},
	}
	_, explanation, _, _ := verify(t, resolver, testArgs("198.51.100.7"))
	if explanation != "198.51.100.7 is not allowed to send for sender.example" {
		t.Errorf("explanation %q", explanation)
	}
}

func TestExists(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.": {"v=spf1 exists:%{ir}.allow.example -all"},
		},
		A: map[string][]string{
			"7.100.51.198.allow.example.": {"127.0.0.2"},
		},
	}
	expectStatus(t, resolver, testArgs("198.51.100.7"), StatusPass)
	expectStatus(t, resolver, testArgs("198.51.100.8"), StatusFail)
}

func TestPTR(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.": {"v=spf1 ptr -all"},
		},
		PTR: map[string][]string{
			"198.51.100.7": {"mail.sender.example."},
		},
		A: map[string][]string{
			"mail.sender.example.": {"198.51.100.7"},
		},
	}
	expectStatus(t, resolver, testArgs("198.51.100.7"), StatusPass)
	expectStatus(t, resolver, testArgs("198.51.100.8"), StatusFail)
}

func TestAuthentic(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.": {"v=spf1 ip4:198.51.100.7 -all"},
		},
		AllAuthentic: true,
	}
	_, _, authentic, _ := verify(t, resolver, testArgs("198.51.100.7"))
	if !authentic {
		t.Error("expected authentic result with signed responses")
	}

	resolver.AllAuthentic = false
	_, _, authentic, _ = verify(t, resolver, testArgs("198.51.100.7"))
	if authentic {
		t.Error("expected inauthentic result with unsigned responses")
	}
}

func TestReceivedHeader(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.": {"v=spf1 ip4:198.51.100.7 -all"},
		},
	}
	received, _, _, _ := verify(t, resolver, testArgs("198.51.100.7"))
	header := received.Header()
	if !strings.HasPrefix(header, "Received-SPF: pass (") {
		t.Fatalf("header %q", header)
	}
	for _, want := range []string{
		"client-ip=198.51.100.7;",
		"envelope-from=alice@sender.example;",
		"helo=mail.sender.example;",
		"receiver=mx.receiver.example;",
		"identity=mailfrom",
	} {
		if !strings.Contains(header, want) {
			t.Errorf("header %q missing %q", header, want)
		}
	}
	if !strings.HasSuffix(header, "\r\n") {
		t.Error("header missing CRLF")
	}
}

func TestMacroExpansion(t *testing.T) {
	c := &checker{
		args:      testArgs("198.51.100.7"),
		localpart: "alice",
	}
	tests := []struct {
		in   string
		want string
	}{
		{"%{s}", "alice@sender.example"},
		{"%{l}", "alice"},
		{"%{o}", "sender.example"},
		{"%{i}", "198.51.100.7"},
		{"%{ir}.origin.example", "7.100.51.198.origin.example"},
		{"%{d2}", "sender.example"},
		{"%{v}", "in-addr"},
		{"%{h}", "mail.sender.example"},
		{"%%", "%"},
		{"%_", " "},
		{"%-", "%20"},
	}
	for _, test := range tests {
		got, err := c.expand(test.in, "sender.example", false)
		if err != nil {
			t.Errorf("expand(%q): %v", test.in, err)
			continue
		}
		if got != test.want {
			t.Errorf("expand(%q) = %q, want %q", test.in, got, test.want)
		}
	}
}

func TestMacroIP6(t *testing.T) {
	c := &checker{args: Args{RemoteIP: net.ParseIP("2001:db8::cb01")}}
	got, err := c.expand("%{i}", "sender.example", false)
	if err != nil {
		t.Fatal(err)
	}
	want := "2.0.0.1.0.d.b.8.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.c.b.0.1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMacroExplanationOnly(t *testing.T) {
	c := &checker{args: testArgs("198.51.100.7")}
	for _, in := range []string{"%{c}", "%{r}", "%{t}"} {
		if _, err := c.expand(in, "sender.example", false); !errors.Is(err, ErrMacroSyntax) {
			t.Errorf("expand(%q) err %v, want ErrMacroSyntax", in, err)
		}
		if _, err := c.expand(in, "sender.example", true); err != nil {
			t.Errorf("expand(%q) in explanation: %v", in, err)
		}
	}
}

func TestParseRecord(t *testing.T) {
	r, isSPF, err := ParseRecord("v=spf1 +mx a:relay.example/28 ip6:2001:db8::/32 ?include:other.example -all")
	if err != nil || !isSPF {
		t.Fatalf("parse: isSPF %v err %v", isSPF, err)
	}
	if len(r.Directives) != 5 {
		t.Fatalf("got %d directives", len(r.Directives))
	}
	a := r.Directives[1]
	if a.Mechanism != "a" || a.DomainSpec != "relay.example" || a.CIDR4 != 28 {
		t.Errorf("a directive %+v", a)
	}
	inc := r.Directives[3]
	if inc.Qualifier != "?" || inc.DomainSpec != "other.example" {
		t.Errorf("include directive %+v", inc)
	}
}

func TestParseNotSPF(t *testing.T) {
	for _, s := range []string{"verification=abc123", "v=spf10 -all", ""} {
		if _, isSPF, _ := ParseRecord(s); isSPF {
			t.Errorf("%q reported as SPF", s)
		}
	}
}

func TestParseSyntaxErrors(t *testing.T) {
	for _, s := range []string{
		"v=spf1 ip4:999.0.0.1 -all",
		"v=spf1 ip4:1.2.3.4/33 -all",
		"v=spf1 a/01 -all",
		"v=spf1 include:0 -all",
		"v=spf1 %{z}.example -all",
		"v=spf1 redirect=a.example redirect=b.example",
	} {
		if _, _, err := ParseRecord(s); err == nil {
			t.Errorf("%q parsed without error", s)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	in := "v=spf1 mx ip4:198.51.100.0/24 ~all redirect=policy.example"
	r, _, err := ParseRecord(in)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.String(); got != in {
		t.Errorf("String() = %q, want %q", got, in)
	}
}
