// Package dns provides the resolver abstraction used by the SPF, DKIM
// and DMARC validators. Implementations exist for github.com/miekg/dns
// (with DNSSEC awareness), the standard library, and an in-memory mock
// for tests.
package dns

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrNotFound is returned when the name does not exist (NXDOMAIN)
	// or exists without records of the requested type.
	ErrNotFound = errors.New("dns: name not found")

	// ErrTimeout is returned when a query exceeded its deadline.
	ErrTimeout = errors.New("dns: query timeout")

	// ErrServFail is returned on SERVFAIL or other temporary upstream
	// failures.
	ErrServFail = errors.New("dns: server failure")

	// ErrBogus is returned when a DNSSEC-enabled query failed
	// validation upstream.
	ErrBogus = errors.New("dns: dnssec validation failed")

	// ErrRefused is returned when the upstream refused the query.
	ErrRefused = errors.New("dns: query refused")

	// ErrBudget is returned when the process-wide query gate denied
	// the lookup.
	ErrBudget = errors.New("dns: query budget exceeded")
)

// Result is a typed lookup result. Authentic indicates the response was
// DNSSEC-validated by the upstream resolver.
type Result[T any] struct {
	Records   []T
	Authentic bool
}

// Resolver is the lookup contract consumed by the authentication
// packages. All methods honor ctx cancellation and deadlines.
type Resolver interface {
	// LookupTXT returns TXT records for name, with split character
	// strings of one record joined.
	LookupTXT(ctx context.Context, name string) (Result[string], error)

	// LookupIP returns A and AAAA records for domain.
	LookupIP(ctx context.Context, domain string) (Result[net.IP], error)

	// LookupMX returns MX records for name.
	LookupMX(ctx context.Context, name string) (Result[*net.MX], error)

	// LookupAddr returns PTR names for ip, in FQDN form.
	LookupAddr(ctx context.Context, ip net.IP) (Result[string], error)
}

// Gate limits global DNS query volume. A nil Gate allows everything.
// Satisfied by *ratelimit.TokenBucket.
type Gate interface {
	Allow() bool
}

// IsNotFound reports whether err means the name or record is absent,
// as opposed to a lookup failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTemporary reports whether a retry of the lookup could succeed.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrServFail) ||
		errors.Is(err, ErrRefused) || errors.Is(err, ErrBudget) ||
		errors.Is(err, context.DeadlineExceeded)
}
