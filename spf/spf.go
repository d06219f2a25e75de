// Package spf implements the Sender Policy Framework (RFC 7208):
// verifying that a sending host is authorized to use a MAIL FROM or
// HELO domain, by evaluating the SPF TXT record published for that
// domain against the connecting IP.
package spf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/sablemail/gatekeeper/dns"
)

// Status is the outcome of an SPF evaluation.
type Status string

const (
	// https://www.rfc-editor.org/rfc/rfc7208#section-2.6
	StatusNone      Status = "none"      // No usable policy published.
	StatusNeutral   Status = "neutral"   // Domain takes no position, treat as none.
	StatusPass      Status = "pass"      // IP is authorized.
	StatusFail      Status = "fail"      // IP is explicitly not authorized.
	StatusSoftfail  Status = "softfail"  // Probably not authorized.
	StatusTemperror Status = "temperror" // Transient error, try again later.
	StatusPermerror Status = "permerror" // Policy could not be correctly interpreted.
)

var (
	ErrNoRecord           = errors.New("spf: no spf record")
	ErrMultipleRecords    = errors.New("spf: multiple spf records")
	ErrTooManyDNSRequests = errors.New("spf: too many dns requests")
	ErrTooManyVoidLookups = errors.New("spf: too many void lookups")
	ErrMacroSyntax        = errors.New("spf: bad macro syntax")
	ErrInvalidDomain      = errors.New("spf: invalid domain")
)

// Evaluation limits from RFC 7208 section 4.6.4.
const (
	dnsRequestsMax = 10 // Mechanisms and modifiers that cause DNS lookups.
	voidLookupsMax = 2  // Lookups returning no records.
	mxPtrLimit     = 10 // Names evaluated per mx or ptr mechanism.
)

// Args are the parameters of a single SPF check.
type Args struct {
	// RemoteIP is the IP of the connecting host.
	RemoteIP net.IP

	// MailFromLocalpart and MailFromDomain form the envelope sender.
	// When the domain is empty (null reverse-path), the HELO identity
	// is checked instead, with localpart "postmaster".
	MailFromLocalpart string
	MailFromDomain    string

	// HelloDomain is the domain given in HELO/EHLO. Empty or an
	// address literal when the client did not present a domain.
	HelloDomain string

	// LocalIP and LocalHostname identify the receiving host, used in
	// macro expansion and the Received-SPF header.
	LocalIP       net.IP
	LocalHostname string
}

// Mocked for tests.
var timeNow = time.Now

// Verify looks up and evaluates the SPF policy for the identity in
// args. authentic indicates that all DNS responses involved were
// DNSSEC-signed. The received value is ready to be rendered as a
// Received-SPF header.
func Verify(ctx context.Context, log *slog.Logger, resolver dns.Resolver, args Args) (received Received, domain string, explanation string, authentic bool, err error) {
	identity := "mailfrom"
	ok, c := newChecker(ctx, log, resolver, args)
	if !ok {
		identity = "helo"
	}

	defer func() {
		received = Received{
			Result:       c.status,
			Comment:      c.comment(),
			ClientIP:     args.RemoteIP,
			EnvelopeFrom: c.sender(),
			Helo:         args.HelloDomain,
			Receiver:     args.LocalHostname,
			Identity:     identity,
			Mechanism:    c.mechanism,
		}
		if err != nil {
			received.Problem = err.Error()
		}
	}()

	if c.domain == "" {
		// Nothing to check: no MAIL FROM domain and no usable HELO.
		c.status = StatusNone
		return received, "", "", false, nil
	}

	c.checkHost(c.domain)
	c.log.Debug("spf verification",
		slog.String("domain", c.domain),
		slog.String("identity", identity),
		slog.String("status", string(c.status)),
		slog.Int("dnsrequests", c.dnsRequests),
		slog.Bool("authentic", c.authentic))
	return received, c.domain, c.explanation, c.authentic, c.err
}

// checker tracks the evaluation state: lookup budgets and the DNSSEC
// status of all answers seen so far.
type checker struct {
	ctx      context.Context
	log      *slog.Logger
	resolver dns.Resolver
	args     Args

	domain    string // Identity domain being checked.
	localpart string

	status      Status
	mechanism   string // Matching directive, for Received-SPF.
	explanation string // Expanded exp= text on fail.
	err         error

	dnsRequests int
	voidLookups int
	authentic   bool
}

// newChecker picks the identity per RFC 7208 section 2.3/2.4. ok is
// false when the HELO identity was substituted for a missing MAIL
// FROM domain.
func newChecker(ctx context.Context, log *slog.Logger, resolver dns.Resolver, args Args) (ok bool, c *checker) {
	c = &checker{
		ctx:       ctx,
		log:       log,
		resolver:  resolver,
		args:      args,
		status:    StatusNone,
		authentic: true,
	}

	c.domain = args.MailFromDomain
	c.localpart = args.MailFromLocalpart
	if c.domain != "" {
		return true, c
	}

	c.localpart = "postmaster"
	hello := strings.TrimSuffix(args.HelloDomain, ".")
	if hello == "" || net.ParseIP(strings.Trim(hello, "[]")) != nil {
		// HELO was absent or an address literal, nothing to check.
		return false, c
	}
	c.domain = hello
	return false, c
}

func (c *checker) sender() string {
	if c.domain == "" {
		return ""
	}
	return c.localpart + "@" + c.domain
}

func (c *checker) comment() string {
	if c.args.LocalHostname == "" {
		return ""
	}
	return fmt.Sprintf("%s: %s", c.args.LocalHostname, c.commentText())
}

func (c *checker) commentText() string {
	sender := c.sender()
	ip := c.args.RemoteIP
	switch c.status {
	case StatusPass:
		return fmt.Sprintf("domain of %s designates %s as permitted sender", sender, ip)
	case StatusFail:
		return fmt.Sprintf("domain of %s does not designate %s as permitted sender", sender, ip)
	case StatusSoftfail:
		return fmt.Sprintf("transitioning domain of %s discourages use of %s as permitted sender", sender, ip)
	case StatusNeutral:
		return fmt.Sprintf("%s is neither permitted nor denied by domain of %s", ip, sender)
	case StatusTemperror:
		return "error in processing during lookup"
	case StatusPermerror:
		return fmt.Sprintf("permanent error in processing domain of %s", sender)
	default:
		return fmt.Sprintf("no applicable sender policy for %s", sender)
	}
}

// lookup fetches and parses the SPF record for domain.
func (c *checker) lookup(domain string) (*Record, string, error) {
	result, err := c.resolver.LookupTXT(c.ctx, domain+".")
	c.track(result.Authentic)
	if dns.IsNotFound(err) {
		c.countVoid()
		return nil, "", ErrNoRecord
	}
	if err != nil {
		return nil, "", fmt.Errorf("spf: lookup txt %q: %w", domain, err)
	}
	if len(result.Records) == 0 {
		c.countVoid()
	}

	var record *Record
	var text string
	for _, txt := range result.Records {
		r, isSPF, err := ParseRecord(txt)
		if !isSPF {
			continue
		}
		if err != nil {
			return nil, txt, err
		}
		if record != nil {
			return nil, "", ErrMultipleRecords
		}
		record, text = r, txt
	}
	if record == nil {
		return nil, "", ErrNoRecord
	}
	return record, text, nil
}

func (c *checker) track(authentic bool) {
	if !authentic {
		c.authentic = false
	}
}

func (c *checker) countVoid() {
	c.voidLookups++
}

// budget accounts for one DNS-causing mechanism or modifier and
// verifies the limits of RFC 7208 section 4.6.4.
func (c *checker) budget() error {
	c.dnsRequests++
	if c.dnsRequests > dnsRequestsMax {
		return ErrTooManyDNSRequests
	}
	if c.voidLookups > voidLookupsMax {
		return ErrTooManyVoidLookups
	}
	return nil
}

// checkHost is check_host() from RFC 7208 section 4: it resolves the
// policy for domain and evaluates it, setting c.status.
func (c *checker) checkHost(domain string) {
	if !validDomain(domain) {
		c.status, c.err = StatusNone, ErrInvalidDomain
		return
	}

	record, _, err := c.lookup(domain)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoRecord):
		c.status, c.err = StatusNone, err
		return
	case errors.Is(err, ErrMultipleRecords), errors.Is(err, ErrRecordSyntax), errors.Is(err, ErrInvalidMechanism):
		c.status, c.err = StatusPermerror, err
		return
	default:
		c.status, c.err = StatusTemperror, err
		return
	}

	c.evaluate(domain, record)
}

// evaluate walks the directives of record in order.
func (c *checker) evaluate(domain string, record *Record) {
	for _, d := range record.Directives {
		var match bool

		switch d.Mechanism {
		case "all":
			match = true

		case "include":
			target, err := c.expandDomain(d.DomainSpec, domain)
			if err != nil {
				c.status, c.err = StatusPermerror, err
				return
			}
			if err := c.budget(); err != nil {
				c.status, c.err = StatusPermerror, err
				return
			}
			sub := *c
			sub.status, sub.mechanism, sub.err = StatusNone, "", nil
			sub.checkHost(target)
			c.dnsRequests, c.voidLookups = sub.dnsRequests, sub.voidLookups
			c.track(sub.authentic)
			switch sub.status {
			case StatusPass:
				match = true
			case StatusTemperror:
				c.status, c.err = StatusTemperror, sub.err
				return
			case StatusPermerror, StatusNone:
				c.status, c.err = StatusPermerror, sub.err
				if c.err == nil {
					c.err = fmt.Errorf("spf: include %q returned %s", target, sub.status)
				}
				return
			}

		case "a":
			match = c.matchA(d, domain)

		case "mx":
			match = c.matchMX(d, domain)

		case "ptr":
			match = c.matchPTR(d, domain)

		case "ip4":
			if ip4 := c.args.RemoteIP.To4(); ip4 != nil {
				match = cidrMatch(d.IP, d.CIDR4, 32, ip4)
			}

		case "ip6":
			if c.args.RemoteIP.To4() == nil {
				match = cidrMatch(d.IP, d.CIDR6, 128, c.args.RemoteIP)
			}

		case "exists":
			target, err := c.expandDomain(d.DomainSpec, domain)
			if err != nil {
				c.status, c.err = StatusPermerror, err
				return
			}
			if err := c.budget(); err != nil {
				c.status, c.err = StatusPermerror, err
				return
			}
			result, err := c.resolver.LookupIP(c.ctx, absolute(target))
			c.track(result.Authentic)
			if dns.IsNotFound(err) || err == nil && !anyIP4(result.Records) {
				c.countVoid()
				continue
			}
			if err != nil {
				c.status, c.err = StatusTemperror, err
				return
			}
			match = true
		}

		if c.err != nil {
			return
		}
		if match {
			c.matched(d, domain, record)
			return
		}
	}

	if record.Redirect != "" {
		target, err := c.expandDomain(record.Redirect, domain)
		if err != nil {
			c.status, c.err = StatusPermerror, err
			return
		}
		if err := c.budget(); err != nil {
			c.status, c.err = StatusPermerror, err
			return
		}
		c.checkHost(target)
		if c.status == StatusNone {
			// A redirect target without a policy is an error in the
			// redirecting record.
			c.status = StatusPermerror
		}
		return
	}

	c.status, c.mechanism = StatusNeutral, "default"
}

// matched applies the qualifier of the matching directive.
func (c *checker) matched(d Directive, domain string, record *Record) {
	c.mechanism = d.String()
	switch d.Qualifier {
	case "", "+":
		c.status = StatusPass
	case "?":
		c.status = StatusNeutral
	case "~":
		c.status = StatusSoftfail
	case "-":
		c.status = StatusFail
		c.explanation = c.fetchExplanation(record.Explanation, domain)
	}
}

// fetchExplanation resolves and expands the exp= modifier. Failures
// here never change the evaluation result.
func (c *checker) fetchExplanation(expSpec, domain string) string {
	if expSpec == "" {
		return ""
	}
	target, err := c.expandDomain(expSpec, domain)
	if err != nil {
		return ""
	}
	result, err := c.resolver.LookupTXT(c.ctx, absolute(target))
	if err != nil || len(result.Records) != 1 {
		return ""
	}
	s, err := c.expand(result.Records[0], domain, true)
	if err != nil {
		return ""
	}
	// Only printable ASCII survives into an SMTP reply.
	for _, ch := range s {
		if ch < ' ' || ch >= 0x7f {
			return ""
		}
	}
	return s
}

func (c *checker) matchA(d Directive, domain string) bool {
	target, err := c.expandDomain(d.DomainSpec, domain)
	if err != nil {
		c.status, c.err = StatusPermerror, err
		return false
	}
	if target == "" {
		target = domain
	}
	if err := c.budget(); err != nil {
		c.status, c.err = StatusPermerror, err
		return false
	}
	return c.ipMatch(target, d)
}

// ipMatch resolves name and compares each address against the remote
// IP under the directive's CIDR lengths.
func (c *checker) ipMatch(name string, d Directive) bool {
	result, err := c.resolver.LookupIP(c.ctx, absolute(name))
	c.track(result.Authentic)
	if dns.IsNotFound(err) {
		c.countVoid()
		return false
	}
	if err != nil {
		c.status, c.err = StatusTemperror, err
		return false
	}
	remote4 := c.args.RemoteIP.To4()
	for _, ip := range result.Records {
		if remote4 != nil {
			if ip4 := ip.To4(); ip4 != nil && cidrMatch(ip4, d.CIDR4, 32, remote4) {
				return true
			}
		} else if ip.To4() == nil && cidrMatch(ip, d.CIDR6, 128, c.args.RemoteIP) {
			return true
		}
	}
	return false
}

func (c *checker) matchMX(d Directive, domain string) bool {
	target, err := c.expandDomain(d.DomainSpec, domain)
	if err != nil {
		c.status, c.err = StatusPermerror, err
		return false
	}
	if target == "" {
		target = domain
	}
	if err := c.budget(); err != nil {
		c.status, c.err = StatusPermerror, err
		return false
	}
	result, err := c.resolver.LookupMX(c.ctx, absolute(target))
	c.track(result.Authentic)
	if dns.IsNotFound(err) {
		c.countVoid()
		return false
	}
	if err != nil {
		c.status, c.err = StatusTemperror, err
		return false
	}
	if len(result.Records) > mxPtrLimit {
		c.status, c.err = StatusPermerror, ErrTooManyDNSRequests
		return false
	}
	for _, mx := range result.Records {
		if mx.Host == "." {
			// Null MX, RFC 7505.
			continue
		}
		if c.ipMatch(strings.TrimSuffix(mx.Host, "."), d) {
			return true
		}
		if c.err != nil {
			return false
		}
	}
	return false
}

func (c *checker) matchPTR(d Directive, domain string) bool {
	target, err := c.expandDomain(d.DomainSpec, domain)
	if err != nil {
		c.status, c.err = StatusPermerror, err
		return false
	}
	if target == "" {
		target = domain
	}
	if err := c.budget(); err != nil {
		c.status, c.err = StatusPermerror, err
		return false
	}
	result, err := c.resolver.LookupAddr(c.ctx, c.args.RemoteIP)
	c.track(result.Authentic)
	if dns.IsNotFound(err) {
		c.countVoid()
		return false
	}
	if err != nil {
		c.status, c.err = StatusTemperror, err
		return false
	}
	names := result.Records
	if len(names) > mxPtrLimit {
		names = names[:mxPtrLimit]
	}
	target = strings.ToLower(strings.TrimSuffix(target, "."))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSuffix(name, "."))
		if name != target && !strings.HasSuffix(name, "."+target) {
			continue
		}
		// Forward-confirm the PTR name.
		fwd, err := c.resolver.LookupIP(c.ctx, absolute(name))
		c.track(fwd.Authentic)
		if err != nil {
			continue
		}
		for _, ip := range fwd.Records {
			if ip.Equal(c.args.RemoteIP) {
				return true
			}
		}
	}
	return false
}

// expandDomain expands macros in a domain-spec. An empty spec expands
// to empty so a/mx/ptr callers can substitute the current domain.
func (c *checker) expandDomain(spec, domain string) (string, error) {
	if spec == "" {
		return "", nil
	}
	s, err := c.expand(spec, domain, false)
	if err != nil {
		return "", err
	}
	s = strings.TrimSuffix(s, ".")
	if !validDomain(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, s)
	}
	return s, nil
}

func cidrMatch(netIP net.IP, prefix, bits int, ip net.IP) bool {
	if netIP == nil {
		return false
	}
	if prefix < 0 {
		prefix = bits
	}
	mask := net.CIDRMask(prefix, bits)
	if mask == nil {
		return false
	}
	return netIP.Mask(mask).Equal(ip.Mask(mask))
}

func anyIP4(ips []net.IP) bool {
	for _, ip := range ips {
		if ip.To4() != nil {
			return true
		}
	}
	return false
}

func absolute(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

// validDomain checks the shape required for check_host: at least two
// labels, each 1-63 octets, total within 253.
func validDomain(domain string) bool {
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" || len(domain) > 253 {
		return false
	}
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return false
		}
	}
	return true
}
