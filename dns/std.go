package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// StdResolver implements Resolver on net.Resolver. It cannot observe
// DNSSEC validation, so Authentic is always false. Use MiekgResolver
// when authentic results matter.
type StdResolver struct {
	resolver *net.Resolver
	gate     Gate
}

var _ Resolver = (*StdResolver)(nil)

// NewStdResolver creates a resolver backed by net.DefaultResolver.
func NewStdResolver(gate Gate) *StdResolver {
	return &StdResolver{resolver: net.DefaultResolver, gate: gate}
}

// NewStdResolverWithDialer creates a resolver with a custom dialer,
// allowing custom DNS servers through the stdlib interface.
func NewStdResolverWithDialer(gate Gate, dial func(ctx context.Context, network, address string) (net.Conn, error)) *StdResolver {
	return &StdResolver{
		resolver: &net.Resolver{PreferGo: true, Dial: dial},
		gate:     gate,
	}
}

func (r *StdResolver) allow() error {
	if r.gate != nil && !r.gate.Allow() {
		return ErrBudget
	}
	return nil
}

// LookupTXT returns TXT records for name.
func (r *StdResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	if err := r.allow(); err != nil {
		return Result[string]{}, err
	}
	records, err := r.resolver.LookupTXT(ctx, strings.TrimSuffix(name, "."))
	if err != nil {
		return Result[string]{}, mapStdError(err)
	}
	if len(records) == 0 {
		return Result[string]{}, ErrNotFound
	}
	return Result[string]{Records: records}, nil
}

// LookupIP returns A and AAAA records for domain.
func (r *StdResolver) LookupIP(ctx context.Context, domain string) (Result[net.IP], error) {
	if err := r.allow(); err != nil {
		return Result[net.IP]{}, err
	}
	ips, err := r.resolver.LookupIP(ctx, "ip", strings.TrimSuffix(domain, "."))
	if err != nil {
		return Result[net.IP]{}, mapStdError(err)
	}
	if len(ips) == 0 {
		return Result[net.IP]{}, ErrNotFound
	}
	return Result[net.IP]{Records: ips}, nil
}

// LookupMX returns MX records for name.
func (r *StdResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	if err := r.allow(); err != nil {
		return Result[*net.MX]{}, err
	}
	records, err := r.resolver.LookupMX(ctx, strings.TrimSuffix(name, "."))
	if err != nil {
		return Result[*net.MX]{}, mapStdError(err)
	}
	if len(records) == 0 {
		return Result[*net.MX]{}, ErrNotFound
	}
	return Result[*net.MX]{Records: records}, nil
}

// LookupAddr returns PTR names for ip, in FQDN form.
func (r *StdResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if ip == nil {
		return Result[string]{}, fmt.Errorf("dns: nil IP address")
	}
	if err := r.allow(); err != nil {
		return Result[string]{}, err
	}
	names, err := r.resolver.LookupAddr(ctx, ip.String())
	if err != nil {
		return Result[string]{}, mapStdError(err)
	}
	if len(names) == 0 {
		return Result[string]{}, ErrNotFound
	}
	for i, name := range names {
		if !strings.HasSuffix(name, ".") {
			names[i] = name + "."
		}
	}
	return Result[string]{Records: names}, nil
}

// mapStdError converts net package DNS errors to package errors.
func mapStdError(err error) error {
	if err == nil {
		return nil
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return ErrNotFound
		case dnsErr.IsTimeout:
			return ErrTimeout
		case dnsErr.IsTemporary:
			return ErrServFail
		}
	}
	return fmt.Errorf("dns: lookup: %w", err)
}
