// Package sasl implements the server side of the SASL mechanisms used
// for SMTP authentication (RFC 4954): PLAIN (RFC 4616) and the legacy
// LOGIN mechanism.
//
// Mechanisms exchange decoded bytes. The SMTP layer owns the wire
// concerns: base64 coding of challenges and responses, the "=" marker
// for an empty initial response, and the "*" cancellation line.
package sasl

import (
	"errors"
	"strings"
)

var (
	// ErrUnsupportedMechanism is returned by New for mechanism names
	// the server does not implement.
	ErrUnsupportedMechanism = errors.New("unsupported mechanism")

	// ErrMalformed is returned when a client response does not follow
	// the mechanism's syntax.
	ErrMalformed = errors.New("malformed response")
)

// Credentials is the outcome of a completed exchange.
type Credentials struct {
	// Authorization is the identity to act as (authzid), when the
	// mechanism carries one. Empty means "same as Authentication".
	Authorization string

	// Authentication is the identity whose password was presented
	// (authcid).
	Authentication string

	Password string
}

// Identity returns the effective identity: the authorization identity
// when present, the authenticated one otherwise.
func (c Credentials) Identity() string {
	if c.Authorization != "" {
		return c.Authorization
	}
	return c.Authentication
}

// Mechanism is one server-side authentication exchange. A Mechanism
// is single-use.
//
// When the client supplied an initial response, feed it to Next
// directly; otherwise send Start's challenge first. Next returns
// non-nil Credentials when the exchange is complete.
type Mechanism interface {
	Name() string
	Start() (challenge []byte)
	Next(response []byte) (challenge []byte, creds *Credentials, err error)
}

// New returns a fresh Mechanism for the given name. Names compare
// case-insensitively.
func New(name string) (Mechanism, error) {
	switch strings.ToUpper(name) {
	case "PLAIN":
		return &plain{}, nil
	case "LOGIN":
		return &login{}, nil
	}
	return nil, ErrUnsupportedMechanism
}

// Names lists the supported mechanisms for EHLO advertisement.
func Names() []string {
	return []string{"PLAIN", "LOGIN"}
}
