package authres

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/mail"
	"strings"

	"github.com/sablemail/gatekeeper/dkim"
	"github.com/sablemail/gatekeeper/dmarc"
	"github.com/sablemail/gatekeeper/dns"
	"github.com/sablemail/gatekeeper/spf"
)

// Verifier runs the full pipeline for inbound messages: SPF on the
// envelope, DKIM on the message, DMARC on the combination.
type Verifier struct {
	// Hostname is the receiving host, used as authserv-id and in the
	// Received-SPF header.
	Hostname string

	Resolver dns.Resolver

	Log *slog.Logger

	// LocalIP is the server side of the connection, for SPF macro
	// expansion. Optional.
	LocalIP net.IP

	// IgnoreTestMode treats keys published with t=y as production
	// keys.
	IgnoreTestMode bool

	// MinRSAKeyBits rejects weaker DKIM keys. Zero means the dkim
	// package default.
	MinRSAKeyBits int

	// ApplyDMARCPercentage honors pct= sampling when deciding whether
	// the DMARC verdict should be enforced.
	ApplyDMARCPercentage bool
}

// Args describes the message under verification.
type Args struct {
	// ClientIP is the connecting host.
	ClientIP net.IP

	// HelloDomain is the HELO/EHLO argument.
	HelloDomain string

	// MailFrom is the envelope sender address, empty for the null
	// reverse-path.
	MailFrom string
}

// Result is the combined outcome, one per message.
type Result struct {
	SPF       spf.Received
	SPFDomain string

	DKIM []dkim.Result

	DMARC dmarc.Result

	// DMARCUsed is false when pct= sampling excluded this message
	// from policy enforcement.
	DMARCUsed bool

	// FromDomain is the domain of the RFC5322.From address, empty
	// when the header was absent or unparseable.
	FromDomain string

	// ReceivedSPF is the rendered Received-SPF header, CRLF included.
	ReceivedSPF string

	// Header is the rendered Authentication-Results header, CRLF
	// included.
	Header string
}

// Temporary reports whether any mechanism failed on DNS or transport
// rather than on policy. Callers typically soften the verdict for
// such messages instead of rejecting.
func (r Result) Temporary() bool {
	if r.SPF.Result == spf.StatusTemperror || r.DMARC.Status == dmarc.StatusTemperror {
		return true
	}
	for _, d := range r.DKIM {
		if d.Status == dkim.StatusTemperror {
			return true
		}
	}
	return false
}

// Verify runs SPF, DKIM and DMARC for one message and renders the
// Authentication-Results header. Mechanism failures are captured in
// the result, not returned: the pipeline always completes.
func (v *Verifier) Verify(ctx context.Context, args Args, message []byte) Result {
	log := v.logger()

	localpart, domain := splitAddress(args.MailFrom)
	received, spfDomain, _, _, spfErr := spf.Verify(ctx, log, v.Resolver, spf.Args{
		RemoteIP:          args.ClientIP,
		MailFromLocalpart: localpart,
		MailFromDomain:    domain,
		HelloDomain:       args.HelloDomain,
		LocalIP:           v.LocalIP,
		LocalHostname:     v.Hostname,
	})

	dkimVerifier := dkim.Verifier{
		Resolver:       v.Resolver,
		IgnoreTestMode: v.IgnoreTestMode,
		MinRSAKeyBits:  v.MinRSAKeyBits,
	}
	dkimResults, dkimErr := dkimVerifier.Verify(ctx, message)

	fromDomain, fromErr := fromHeaderDomain(message)
	var dmarcResult dmarc.Result
	var dmarcUsed bool
	if fromErr != nil {
		dmarcResult = dmarc.Result{Status: dmarc.StatusPermerror, Err: fromErr}
	} else {
		dmarcUsed, dmarcResult = dmarc.Verify(ctx, v.Resolver, dmarc.Args{
			FromDomain:  fromDomain,
			SPFResult:   received.Result,
			SPFDomain:   spfDomain,
			DKIMResults: dkimResults,
		}, v.ApplyDMARCPercentage)
	}

	result := Result{
		SPF:         received,
		SPFDomain:   spfDomain,
		DKIM:        dkimResults,
		DMARC:       dmarcResult,
		DMARCUsed:   dmarcUsed,
		FromDomain:  fromDomain,
		ReceivedSPF: received.Header(),
	}
	result.Header = v.render(args, result, fromDomain)

	log.Debug("message verified",
		slog.String("client", args.ClientIP.String()),
		slog.String("mailfrom", args.MailFrom),
		slog.Any("spf", received.Result),
		slog.Int("dkimsignatures", len(dkimResults)),
		slog.Any("dmarc", dmarcResult.Status),
		slog.Any("spferr", spfErr),
		slog.Any("dkimerr", dkimErr))

	return result
}

func (v *Verifier) render(args Args, r Result, fromDomain string) string {
	ar := AuthResults{Hostname: v.Hostname}

	spfMethod := AuthMethod{Method: "spf", Result: string(r.SPF.Result)}
	if r.SPF.Identity == "helo" {
		spfMethod.Props = []AuthProp{{Type: "smtp", Property: "helo", Value: args.HelloDomain, AddrLike: true}}
	} else if args.MailFrom != "" {
		spfMethod.Props = []AuthProp{{Type: "smtp", Property: "mailfrom", Value: args.MailFrom, AddrLike: true}}
	}
	ar.Methods = append(ar.Methods, spfMethod)

	if len(r.DKIM) == 0 {
		ar.Methods = append(ar.Methods, AuthMethod{Method: "dkim", Result: string(dkim.StatusNone)})
	}
	for _, d := range r.DKIM {
		m := AuthMethod{Method: "dkim", Result: string(d.Status)}
		if d.Err != nil && d.Status != dkim.StatusPass {
			m.Reason = d.Err.Error()
		}
		if sig := d.Signature; sig != nil {
			m.Props = append(m.Props,
				AuthProp{Type: "header", Property: "d", Value: sig.Domain, AddrLike: true},
				AuthProp{Type: "header", Property: "s", Value: sig.Selector, AddrLike: true},
				AuthProp{Type: "header", Property: "a", Value: sig.Algorithm})
			if sig.Identity != "" {
				m.Props = append(m.Props, AuthProp{Type: "header", Property: "i", Value: sig.Identity, AddrLike: true})
			}
		}
		ar.Methods = append(ar.Methods, m)
	}

	dmarcMethod := AuthMethod{Method: "dmarc", Result: string(r.DMARC.Status)}
	if rec := r.DMARC.Record; rec != nil {
		dmarcMethod.Comment = "p=" + string(rec.Policy)
	}
	if fromDomain != "" {
		dmarcMethod.Props = []AuthProp{{Type: "header", Property: "from", Value: fromDomain, AddrLike: true}}
	}
	ar.Methods = append(ar.Methods, dmarcMethod)

	return ar.Header()
}

func (v *Verifier) logger() *slog.Logger {
	if v.Log != nil {
		return v.Log
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fromHeaderDomain extracts the From header domain, the DMARC
// identifier.
func fromHeaderDomain(message []byte) (string, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(message))
	if err != nil {
		return "", dmarc.ErrNoFromHeader
	}
	return dmarc.FromDomain(msg.Header.Get("From"))
}

// splitAddress splits an envelope address into localpart and domain.
// Both come back empty for the null reverse-path.
func splitAddress(address string) (localpart, domain string) {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return address, ""
	}
	return address[:at], address[at+1:]
}
