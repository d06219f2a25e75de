package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// ResolverConfig configures MiekgResolver.
type ResolverConfig struct {
	// Nameservers to query as host:port. When empty the servers from
	// /etc/resolv.conf are used, falling back to public resolvers.
	Nameservers []string

	// DNSSEC sets the DO bit on queries. The Authentic field of
	// results then reflects the upstream AD bit.
	DNSSEC bool

	// Timeout per query. Default 5s.
	Timeout time.Duration

	// Retries for failed queries. Default 2.
	Retries int

	// Gate, when set, is consulted before every query. A denied query
	// fails with ErrBudget. This bounds resolver load from
	// adversarial SPF include chains and bulk connections.
	Gate Gate
}

// MiekgResolver implements Resolver on github.com/miekg/dns.
type MiekgResolver struct {
	config ResolverConfig
	client *mdns.Client
}

var _ Resolver = (*MiekgResolver)(nil)

// NewResolver creates a resolver with the given configuration.
func NewResolver(config ResolverConfig) *MiekgResolver {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 2
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}

	return &MiekgResolver{
		config: config,
		client: &mdns.Client{Timeout: config.Timeout},
	}
}

// Config returns the resolver's configuration.
func (r *MiekgResolver) Config() ResolverConfig {
	return r.config
}

func systemNameservers() []string {
	config, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}

	servers := make([]string, 0, len(config.Servers))
	for _, s := range config.Servers {
		if !strings.Contains(s, ":") {
			s += ":53"
		}
		servers = append(servers, s)
	}
	return servers
}

func absolute(name string) string {
	if !strings.HasSuffix(name, ".") {
		return name + "."
	}
	return name
}

// query sends one question to the configured nameservers with retries
// and maps rcodes to package errors.
func (r *MiekgResolver) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, bool, error) {
	if r.config.Gate != nil && !r.config.Gate.Allow() {
		return nil, false, ErrBudget
	}

	m := new(mdns.Msg)
	m.SetQuestion(absolute(name), qtype)
	m.RecursionDesired = true
	if r.config.DNSSEC {
		m.SetEdns0(4096, true)
	}

	var lastErr error
	authentic := false

	for attempt := 0; attempt <= r.config.Retries; attempt++ {
		for _, server := range r.config.Nameservers {
			if err := ctx.Err(); err != nil {
				return nil, false, err
			}

			resp, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				lastErr = fmt.Errorf("dns: exchange: %w", err)
				continue
			}

			if r.config.DNSSEC && resp.AuthenticatedData {
				authentic = true
			}

			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp, authentic, nil
			case mdns.RcodeNameError:
				return nil, authentic, ErrNotFound
			case mdns.RcodeServerFailure:
				// With the DO bit set, SERVFAIL commonly means the
				// upstream found the zone bogus.
				if r.config.DNSSEC {
					lastErr = ErrBogus
				} else {
					lastErr = ErrServFail
				}
			case mdns.RcodeRefused:
				lastErr = ErrRefused
			default:
				lastErr = fmt.Errorf("dns: unexpected rcode %d", resp.Rcode)
			}
		}
	}

	if lastErr == nil {
		lastErr = ErrServFail
	}
	return nil, false, lastErr
}

// LookupTXT returns TXT records for name. Character strings within one
// record are concatenated, as RFC 7208 section 3.3 requires.
func (r *MiekgResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	resp, authentic, err := r.query(ctx, name, mdns.TypeTXT)
	if err != nil {
		return Result[string]{Authentic: authentic}, err
	}

	var records []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*mdns.TXT); ok {
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}
	if len(records) == 0 {
		return Result[string]{Authentic: authentic}, ErrNotFound
	}
	return Result[string]{Records: records, Authentic: authentic}, nil
}

// LookupIP returns A and AAAA records for domain. The result is
// authentic only when both answers were.
func (r *MiekgResolver) LookupIP(ctx context.Context, domain string) (Result[net.IP], error) {
	var ips []net.IP
	authentic := true
	var lastErr error

	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		resp, auth, err := r.query(ctx, domain, qtype)
		if err != nil {
			if err != ErrNotFound && lastErr == nil {
				lastErr = err
			}
			continue
		}
		authentic = authentic && auth
		for _, rr := range resp.Answer {
			switch a := rr.(type) {
			case *mdns.A:
				ips = append(ips, a.A)
			case *mdns.AAAA:
				ips = append(ips, a.AAAA)
			}
		}
	}

	if len(ips) == 0 {
		if lastErr != nil {
			return Result[net.IP]{Authentic: authentic}, lastErr
		}
		return Result[net.IP]{Authentic: authentic}, ErrNotFound
	}
	return Result[net.IP]{Records: ips, Authentic: authentic}, nil
}

// LookupMX returns MX records for name.
func (r *MiekgResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	resp, authentic, err := r.query(ctx, name, mdns.TypeMX)
	if err != nil {
		return Result[*net.MX]{Authentic: authentic}, err
	}

	var records []*net.MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*mdns.MX); ok {
			records = append(records, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}
	if len(records) == 0 {
		return Result[*net.MX]{Authentic: authentic}, ErrNotFound
	}
	return Result[*net.MX]{Records: records, Authentic: authentic}, nil
}

// LookupAddr returns PTR names for ip.
func (r *MiekgResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if ip == nil {
		return Result[string]{}, fmt.Errorf("dns: nil IP address")
	}

	arpa, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return Result[string]{}, fmt.Errorf("dns: reverse address: %w", err)
	}

	resp, authentic, err := r.query(ctx, arpa, mdns.TypePTR)
	if err != nil {
		return Result[string]{Authentic: authentic}, err
	}

	var names []string
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*mdns.PTR); ok {
			names = append(names, ptr.Ptr)
		}
	}
	if len(names) == 0 {
		return Result[string]{Authentic: authentic}, ErrNotFound
	}
	return Result[string]{Records: names, Authentic: authentic}, nil
}
