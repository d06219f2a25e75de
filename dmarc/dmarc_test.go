package dmarc

import (
	"context"
	"errors"
	"testing"

	"github.com/sablemail/gatekeeper/dkim"
	"github.com/sablemail/gatekeeper/dns"
	"github.com/sablemail/gatekeeper/spf"
)

func dkimPass(domain string) dkim.Result {
	return dkim.Result{Status: dkim.StatusPass, Signature: &dkim.Signature{Domain: domain}}
}

func dkimFail(domain string) dkim.Result {
	return dkim.Result{Status: dkim.StatusFail, Signature: &dkim.Signature{Domain: domain}}
}

func policyResolver(records map[string]string) dns.MockResolver {
	txt := map[string][]string{}
	for domain, record := range records {
		txt["_dmarc."+domain+"."] = []string{record}
	}
	return dns.MockResolver{TXT: txt}
}

func TestVerifyTruthTable(t *testing.T) {
	resolver := policyResolver(map[string]string{
		"sender.example": "v=DMARC1; p=reject",
	})

	tests := []struct {
		name       string
		spf        spf.Status
		dkim       []dkim.Result
		wantStatus Status
		wantReject bool
	}{
		{"both pass", spf.StatusPass, []dkim.Result{dkimPass("sender.example")}, StatusPass, false},
		{"spf only", spf.StatusPass, []dkim.Result{dkimFail("sender.example")}, StatusPass, false},
		{"dkim only", spf.StatusFail, []dkim.Result{dkimPass("sender.example")}, StatusPass, false},
		{"both fail", spf.StatusFail, []dkim.Result{dkimFail("sender.example")}, StatusFail, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			use, result := Verify(context.Background(), resolver, Args{
				FromDomain:  "sender.example",
				SPFResult:   test.spf,
				SPFDomain:   "sender.example",
				DKIMResults: test.dkim,
			}, false)
			if !use {
				t.Error("expected useResult")
			}
			if result.Status != test.wantStatus || result.Reject != test.wantReject {
				t.Errorf("got status %q reject %v, want %q %v",
					result.Status, result.Reject, test.wantStatus, test.wantReject)
			}
		})
	}
}

func TestRelaxedAlignment(t *testing.T) {
	resolver := policyResolver(map[string]string{
		"sender.example": "v=DMARC1; p=reject",
	})
	// MAIL FROM at a subdomain aligns with the From domain in the
	// default relaxed mode.
	_, result := Verify(context.Background(), resolver, Args{
		FromDomain: "sender.example",
		SPFResult:  spf.StatusPass,
		SPFDomain:  "bounce.sender.example",
	}, false)
	if result.Status != StatusPass || !result.AlignedSPFPass {
		t.Fatalf("got %+v, want aligned spf pass", result)
	}
}

func TestStrictAlignment(t *testing.T) {
	resolver := policyResolver(map[string]string{
		"sender.example": "v=DMARC1; p=reject; aspf=s; adkim=s",
	})
	_, result := Verify(context.Background(), resolver, Args{
		FromDomain:  "sender.example",
		SPFResult:   spf.StatusPass,
		SPFDomain:   "bounce.sender.example",
		DKIMResults: []dkim.Result{dkimPass("mail.sender.example")},
	}, false)
	if result.Status != StatusFail {
		t.Fatalf("status %q, want fail under strict alignment", result.Status)
	}
	_, result = Verify(context.Background(), resolver, Args{
		FromDomain:  "sender.example",
		DKIMResults: []dkim.Result{dkimPass("sender.example")},
	}, false)
	if result.Status != StatusPass || !result.AlignedDKIMPass {
		t.Fatalf("got %+v, want aligned dkim pass", result)
	}
}

func TestOrgDomainFallback(t *testing.T) {
	resolver := policyResolver(map[string]string{
		"sender.example": "v=DMARC1; p=quarantine",
	})
	_, result := Verify(context.Background(), resolver, Args{
		FromDomain: "news.sender.example",
		SPFResult:  spf.StatusFail,
	}, false)
	if result.Domain != "sender.example" {
		t.Errorf("record domain %q, want organizational fallback", result.Domain)
	}
	if result.Status != StatusFail || !result.Reject {
		t.Errorf("got %+v, want fail with reject", result)
	}
}

func TestSubdomainPolicy(t *testing.T) {
	resolver := policyResolver(map[string]string{
		"sender.example": "v=DMARC1; p=reject; sp=none",
	})
	_, result := Verify(context.Background(), resolver, Args{
		FromDomain: "news.sender.example",
		SPFResult:  spf.StatusFail,
	}, false)
	if result.Status != StatusFail {
		t.Fatalf("status %q, want fail", result.Status)
	}
	if result.Reject {
		t.Error("sp=none must not request rejection for subdomains")
	}
}

func TestNoPolicy(t *testing.T) {
	use, result := Verify(context.Background(), policyResolver(nil), Args{
		FromDomain: "sender.example",
	}, false)
	if use {
		t.Error("useResult without a record")
	}
	if result.Status != StatusNone || !errors.Is(result.Err, ErrNoRecord) {
		t.Fatalf("got %+v", result)
	}
}

func TestTemperror(t *testing.T) {
	resolver := dns.MockResolver{Fail: []string{"txt _dmarc.sender.example."}}
	_, result := Verify(context.Background(), resolver, Args{
		FromDomain: "sender.example",
	}, false)
	if result.Status != StatusTemperror {
		t.Fatalf("status %q, want temperror", result.Status)
	}
}

func TestSPFTemperrorSoftens(t *testing.T) {
	resolver := policyResolver(map[string]string{
		"sender.example": "v=DMARC1; p=reject",
	})
	_, result := Verify(context.Background(), resolver, Args{
		FromDomain: "sender.example",
		SPFResult:  spf.StatusTemperror,
	}, false)
	if result.Status != StatusTemperror || result.Reject {
		t.Fatalf("got %+v, want temperror without reject", result)
	}
}

func TestMultipleRecords(t *testing.T) {
	resolver := dns.MockResolver{TXT: map[string][]string{
		"_dmarc.sender.example.": {"v=DMARC1; p=reject", "v=DMARC1; p=none"},
	}}
	_, result := Verify(context.Background(), resolver, Args{
		FromDomain: "sender.example",
	}, false)
	if result.Status != StatusNone || !errors.Is(result.Err, ErrMultipleRecords) {
		t.Fatalf("got %+v, want none with ErrMultipleRecords", result)
	}
}

func TestPercentage(t *testing.T) {
	resolver := policyResolver(map[string]string{
		"sender.example": "v=DMARC1; p=reject; pct=0",
	})
	use, result := Verify(context.Background(), resolver, Args{
		FromDomain: "sender.example",
		SPFResult:  spf.StatusFail,
	}, true)
	if use {
		t.Error("pct=0 must exclude every message from enforcement")
	}
	if result.Status != StatusFail {
		t.Errorf("status %q, evaluation itself still runs", result.Status)
	}
}

func TestParseRecord(t *testing.T) {
	r, isDMARC, err := ParseRecord("v=DMARC1; p=quarantine; sp=none; rua=mailto:agg@sender.example!10m; adkim=s; ri=3600; pct=50")
	if err != nil || !isDMARC {
		t.Fatalf("isDMARC %v err %v", isDMARC, err)
	}
	if r.Policy != PolicyQuarantine || r.SubdomainPolicy != PolicyNone {
		t.Errorf("policies %q %q", r.Policy, r.SubdomainPolicy)
	}
	if len(r.AggregateReportAddresses) != 1 {
		t.Fatalf("rua %v", r.AggregateReportAddresses)
	}
	rua := r.AggregateReportAddresses[0]
	if rua.Address != "mailto:agg@sender.example" || rua.MaxSize != 10 || rua.Unit != "m" {
		t.Errorf("rua %+v", rua)
	}
	if r.ADKIM != AlignStrict || r.ASPF != AlignRelaxed {
		t.Errorf("alignment %q %q", r.ADKIM, r.ASPF)
	}
	if r.AggregateReportingInterval != 3600 || r.Percentage != 50 {
		t.Errorf("ri %d pct %d", r.AggregateReportingInterval, r.Percentage)
	}
}

func TestParseNotDMARC(t *testing.T) {
	for _, s := range []string{"some verification token", "v=spf1 -all", "v=DMARC2; p=reject"} {
		if _, isDMARC, _ := ParseRecord(s); isDMARC {
			t.Errorf("%q reported as DMARC", s)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, s := range []string{
		"v=DMARC1; p=sometimes",
		"v=DMARC1; adkim=r; p=reject",
		"v=DMARC1; p=reject; p=none",
		"v=DMARC1; p=reject; pct=150",
		"v=DMARC1",
	} {
		if _, _, err := ParseRecord(s); !errors.Is(err, ErrRecordSyntax) {
			t.Errorf("%q: err %v, want ErrRecordSyntax", s, err)
		}
	}
}

func TestParseMissingPolicyWithRua(t *testing.T) {
	r, _, err := ParseRecord("v=DMARC1; rua=mailto:agg@sender.example")
	if err != nil {
		t.Fatal(err)
	}
	if r.Policy != PolicyNone {
		t.Errorf("policy %q, want monitoring fallback to none", r.Policy)
	}
}

func TestRecordString(t *testing.T) {
	in := "v=DMARC1; p=reject; sp=none; adkim=s; pct=50"
	r, _, err := ParseRecord(in)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.String(); got != in {
		t.Errorf("String() = %q, want %q", got, in)
	}
}

func TestOrganizationalDomain(t *testing.T) {
	tests := []struct{ in, want string }{
		{"example.com", "example.com"},
		{"a.b.example.com", "example.com"},
		{"example.co.uk", "example.co.uk"},
		{"sub.example.co.uk", "example.co.uk"},
		{"localhost", "localhost"},
	}
	for _, test := range tests {
		if got := OrganizationalDomain(test.in); got != test.want {
			t.Errorf("OrganizationalDomain(%q) = %q, want %q", test.in, got, test.want)
		}
	}
}

func TestFromDomain(t *testing.T) {
	got, err := FromDomain(`"Alice" <alice@Sender.Example>`)
	if err != nil || got != "sender.example" {
		t.Fatalf("got %q err %v", got, err)
	}
	if _, err := FromDomain(""); !errors.Is(err, ErrNoFromHeader) {
		t.Errorf("empty: %v", err)
	}
	if _, err := FromDomain("not an address"); !errors.Is(err, ErrInvalidFromHeader) {
		t.Errorf("junk: %v", err)
	}
}
