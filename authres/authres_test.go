package authres

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"strings"
	"testing"

	"github.com/sablemail/gatekeeper/dkim"
	"github.com/sablemail/gatekeeper/dmarc"
	"github.com/sablemail/gatekeeper/dns"
	"github.com/sablemail/gatekeeper/spf"
)

const testMessage = "From: Alice <alice@sender.example.org>\r\n" +
	"To: Bob <bob@receiver.example>\r\n" +
	"Subject: dinner\r\n" +
	"Date: Mon, 2 Mar 2026 10:00:00 +0000\r\n" +
	"Message-ID: <m1@sender.example.org>\r\n" +
	"\r\n" +
	"See you at eight.\r\n"

// unfoldHeader joins continuation lines for substring checks.
func unfoldHeader(h string) string {
	return strings.ReplaceAll(h, "\r\n\t", " ")
}

func testArgs() Args {
	return Args{
		ClientIP:    net.ParseIP("192.0.2.10"),
		HelloDomain: "mx.sender.example.org",
		MailFrom:    "alice@sender.example.org",
	}
}

// fullSetup signs testMessage and serves SPF, DKIM and DMARC records
// for its sender.
func fullSetup(t *testing.T) (string, dns.MockResolver) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer := dkim.Signer{
		Domain:     "sender.example.org",
		Selector:   "sel",
		PrivateKey: key,
	}
	sigHeader, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatal(err)
	}
	record := dkim.Record{Version: "DKIM1", PublicKey: key.Public()}
	txt, err := record.TXT()
	if err != nil {
		t.Fatal(err)
	}
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.org.":                {"v=spf1 ip4:192.0.2.0/24 -all"},
			"sel._domainkey.sender.example.org.": {txt},
			"_dmarc.sender.example.org.":         {"v=DMARC1; p=reject"},
		},
	}
	return sigHeader + testMessage, resolver
}

func TestVerifyAllPass(t *testing.T) {
	msg, resolver := fullSetup(t)
	v := Verifier{Hostname: "mx.receiver.example", Resolver: resolver}
	r := v.Verify(context.Background(), testArgs(), []byte(msg))

	if r.SPF.Result != spf.StatusPass {
		t.Errorf("spf %q", r.SPF.Result)
	}
	if len(r.DKIM) != 1 || r.DKIM[0].Status != dkim.StatusPass {
		t.Errorf("dkim %+v", r.DKIM)
	}
	if r.DMARC.Status != dmarc.StatusPass || r.DMARC.Reject {
		t.Errorf("dmarc %+v", r.DMARC)
	}
	if r.Temporary() {
		t.Error("Temporary() on a clean pass")
	}

	flat := unfoldHeader(r.Header)
	for _, want := range []string{
		"Authentication-Results: mx.receiver.example;",
		"spf=pass smtp.mailfrom=alice@sender.example.org;",
		"dkim=pass header.d=sender.example.org header.s=sel header.a=rsa-sha256;",
		"dmarc=pass (p=reject) header.from=sender.example.org",
	} {
		if !strings.Contains(flat, want) {
			t.Errorf("header %q missing %q", r.Header, want)
		}
	}
	if !strings.HasSuffix(r.Header, "\r\n") {
		t.Error("header must end in CRLF")
	}
	if !strings.HasPrefix(r.ReceivedSPF, "Received-SPF: pass") {
		t.Errorf("received-spf %q", r.ReceivedSPF)
	}
}

func TestVerifyNoRecords(t *testing.T) {
	// A sender publishing nothing: every method reports none.
	v := Verifier{Hostname: "mx.receiver.example", Resolver: dns.MockResolver{}}
	r := v.Verify(context.Background(), testArgs(), []byte(testMessage))

	for _, want := range []string{"spf=none", "dkim=none", "dmarc=none"} {
		if !strings.Contains(r.Header, want) {
			t.Errorf("header %q missing %q", r.Header, want)
		}
	}
}

func TestVerifySPFFail(t *testing.T) {
	msg, resolver := fullSetup(t)
	args := testArgs()
	args.ClientIP = net.ParseIP("198.51.100.7")
	v := Verifier{Hostname: "mx.receiver.example", Resolver: resolver}
	r := v.Verify(context.Background(), args, []byte(msg))

	if r.SPF.Result != spf.StatusFail {
		t.Fatalf("spf %q", r.SPF.Result)
	}
	// The aligned DKIM pass still carries DMARC.
	if r.DMARC.Status != dmarc.StatusPass {
		t.Errorf("dmarc %+v", r.DMARC)
	}
}

func TestVerifyDMARCReject(t *testing.T) {
	msg, resolver := fullSetup(t)
	// Break the signature and connect from an unlisted IP.
	msg = strings.Replace(msg, "See you", "See u", 1)
	args := testArgs()
	args.ClientIP = net.ParseIP("198.51.100.7")
	v := Verifier{Hostname: "mx.receiver.example", Resolver: resolver}
	r := v.Verify(context.Background(), args, []byte(msg))

	if r.DMARC.Status != dmarc.StatusFail || !r.DMARC.Reject {
		t.Fatalf("dmarc %+v, want fail with reject", r.DMARC)
	}
	if !r.DMARCUsed {
		t.Error("DMARCUsed false without pct sampling")
	}
}

func TestVerifyTemporary(t *testing.T) {
	resolver := dns.MockResolver{
		Fail: []string{"txt sender.example.org."},
		TXT: map[string][]string{
			"_dmarc.sender.example.org.": {"v=DMARC1; p=reject"},
		},
	}
	v := Verifier{Hostname: "mx.receiver.example", Resolver: resolver}
	r := v.Verify(context.Background(), testArgs(), []byte(testMessage))

	if r.SPF.Result != spf.StatusTemperror {
		t.Fatalf("spf %q", r.SPF.Result)
	}
	if !r.Temporary() {
		t.Error("Temporary() must report the DNS failure")
	}
	if r.DMARC.Reject {
		t.Error("a temporary failure must not request rejection")
	}
}

func TestVerifyNoFromHeader(t *testing.T) {
	msg := "Subject: hi\r\n\r\nbody\r\n"
	v := Verifier{Hostname: "mx.receiver.example", Resolver: dns.MockResolver{}}
	r := v.Verify(context.Background(), testArgs(), []byte(msg))

	if r.DMARC.Status != dmarc.StatusPermerror {
		t.Errorf("dmarc %+v", r.DMARC)
	}
	if !strings.Contains(r.Header, "dmarc=permerror") {
		t.Errorf("header %q", r.Header)
	}
}

func TestVerifyHeloIdentity(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"mx.sender.example.org.": {"v=spf1 ip4:192.0.2.10 -all"},
		},
	}
	args := testArgs()
	args.MailFrom = ""
	v := Verifier{Hostname: "mx.receiver.example", Resolver: resolver}
	r := v.Verify(context.Background(), args, []byte(testMessage))

	if r.SPF.Result != spf.StatusPass || r.SPF.Identity != "helo" {
		t.Fatalf("spf %+v", r.SPF)
	}
	if !strings.Contains(r.Header, "smtp.helo=mx.sender.example.org") {
		t.Errorf("header %q", r.Header)
	}
}

func TestHeaderRendering(t *testing.T) {
	ar := AuthResults{
		Hostname: "mx.receiver.example",
		Methods: []AuthMethod{
			{Method: "spf", Result: "pass", Props: []AuthProp{
				{Type: "smtp", Property: "mailfrom", Value: "a@b.example", AddrLike: true},
			}},
			{Method: "dmarc", Result: "fail", Comment: "p=reject", Reason: "no aligned pass", Props: []AuthProp{
				{Type: "header", Property: "from", Value: "b.example", AddrLike: true},
			}},
		},
	}
	got := unfoldHeader(ar.Header())
	want := "Authentication-Results: mx.receiver.example;" +
		" spf=pass smtp.mailfrom=a@b.example;" +
		" dmarc=fail (p=reject) reason=\"no aligned pass\" header.from=b.example\r\n"
	if got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestHeaderFolding(t *testing.T) {
	ar := AuthResults{Hostname: "mx.receiver.example"}
	for i := 0; i < 6; i++ {
		ar.Methods = append(ar.Methods, AuthMethod{
			Method: "dkim", Result: "pass",
			Props: []AuthProp{{Type: "header", Property: "d", Value: "a-rather-long-signing-domain.example", AddrLike: true}},
		})
	}
	h := ar.Header()
	for _, line := range strings.Split(strings.TrimSuffix(h, "\r\n"), "\r\n") {
		if len(line) > 78 {
			t.Errorf("line over 78 columns: %q", line)
		}
	}
	if !strings.Contains(h, "\r\n\t") {
		t.Error("expected folded continuation lines")
	}
}

func TestValueQuoting(t *testing.T) {
	tests := []struct{ in, want string }{
		{"simple", "simple"},
		{"", `""`},
		{"two words", `"two words"`},
		{`say "hi"`, `"say \"hi\""`},
	}
	for _, test := range tests {
		if got := value(test.in); got != test.want {
			t.Errorf("value(%q) = %q, want %q", test.in, got, test.want)
		}
	}
}

func TestSplitAddress(t *testing.T) {
	l, d := splitAddress("alice@sender.example.org")
	if l != "alice" || d != "sender.example.org" {
		t.Errorf("got %q %q", l, d)
	}
	if l, d = splitAddress(""); l != "" || d != "" {
		t.Errorf("null path: %q %q", l, d)
	}
}
