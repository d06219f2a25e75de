package dns

import (
	"context"
	"net"
	"slices"
)

// MockResolver is a Resolver for tests. Record maps are keyed by FQDN
// with trailing dot (PTR by plain IP string).
type MockResolver struct {
	TXT  map[string][]string
	A    map[string][]string
	AAAA map[string][]string
	MX   map[string][]*net.MX
	PTR  map[string][]string

	// Fail lists requests answered with ErrServFail. Entries are
	// "type name" with a lowercase type, e.g. "txt example.com.".
	Fail []string

	// AllAuthentic is the default Authentic value for responses,
	// overridden per request by Authentic and Inauthentic.
	AllAuthentic bool
	Authentic    []string
	Inauthentic  []string
}

var _ Resolver = MockResolver{}

func fqdn(name string) string {
	if len(name) == 0 || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}

// check handles ctx, configured failures and the Authentic flag for a
// "type name" request key.
func (r MockResolver) check(ctx context.Context, kind, name string) (bool, error) {
	key := kind + " " + name
	authentic := r.AllAuthentic
	if slices.Contains(r.Authentic, key) {
		authentic = true
	}
	if slices.Contains(r.Inauthentic, key) {
		authentic = false
	}
	if err := ctx.Err(); err != nil {
		return authentic, err
	}
	if slices.Contains(r.Fail, key) {
		return authentic, ErrServFail
	}
	return authentic, nil
}

// LookupTXT returns configured TXT records for name.
func (r MockResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	name = fqdn(name)
	authentic, err := r.check(ctx, "txt", name)
	if err != nil {
		return Result[string]{Authentic: authentic}, err
	}
	records := r.TXT[name]
	if len(records) == 0 {
		return Result[string]{Authentic: authentic}, ErrNotFound
	}
	return Result[string]{Records: records, Authentic: authentic}, nil
}

// LookupIP returns configured A and AAAA records for domain.
func (r MockResolver) LookupIP(ctx context.Context, domain string) (Result[net.IP], error) {
	domain = fqdn(domain)

	authentic := true
	for _, kind := range []string{"a", "aaaa"} {
		auth, err := r.check(ctx, kind, domain)
		if err != nil {
			return Result[net.IP]{Authentic: auth}, err
		}
		authentic = authentic && auth
	}

	var ips []net.IP
	for _, s := range r.A[domain] {
		ips = append(ips, net.ParseIP(s))
	}
	for _, s := range r.AAAA[domain] {
		ips = append(ips, net.ParseIP(s))
	}
	if len(ips) == 0 {
		return Result[net.IP]{Authentic: authentic}, ErrNotFound
	}
	return Result[net.IP]{Records: ips, Authentic: authentic}, nil
}

// LookupMX returns configured MX records for name.
func (r MockResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	name = fqdn(name)
	authentic, err := r.check(ctx, "mx", name)
	if err != nil {
		return Result[*net.MX]{Authentic: authentic}, err
	}
	records := r.MX[name]
	if len(records) == 0 {
		return Result[*net.MX]{Authentic: authentic}, ErrNotFound
	}
	return Result[*net.MX]{Records: records, Authentic: authentic}, nil
}

// LookupAddr returns configured PTR names for ip.
func (r MockResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	key := ip.String()
	authentic, err := r.check(ctx, "ptr", key)
	if err != nil {
		return Result[string]{Authentic: authentic}, err
	}
	records := r.PTR[key]
	if len(records) == 0 {
		return Result[string]{Authentic: authentic}, ErrNotFound
	}
	return Result[string]{Records: records, Authentic: authentic}, nil
}
