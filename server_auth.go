package gatekeeper

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"

	gkio "github.com/sablemail/gatekeeper/io"
	"github.com/sablemail/gatekeeper/ratelimit"
	"github.com/sablemail/gatekeeper/sasl"
)

// handleAuth runs one SASL exchange, RFC 4954. Mechanisms work on
// decoded bytes; this layer owns the base64 framing, the "=" marker
// for an empty initial response, and "*" cancellation.
func (s *Server) handleAuth(ctx context.Context, log *slog.Logger, c *Connection, args string) bool {
	if s.config.Credentials == nil {
		c.errorCount++
		c.writeResponse(respNotImplemented("AUTH"))
		return false
	}
	if s.config.TLSConfig != nil && !c.TLS.Enabled {
		c.errorCount++
		c.writeResponse(Response{Code: CodeAuthRequired, EnhancedCode: ESCEncryptionRequired,
			Message: "Must issue STARTTLS before AUTH"})
		return false
	}
	if c.Auth.Authenticated {
		c.errorCount++
		c.writeResponse(respBadSequence("Already authenticated"))
		return false
	}
	switch c.State() {
	case StateGreeted:
	case StateConnect:
		c.errorCount++
		c.writeResponse(respBadSequence("Send HELO/EHLO first"))
		return false
	default:
		c.errorCount++
		c.writeResponse(respBadSequence("AUTH not permitted during a mail transaction"))
		return false
	}

	name, initial := args, ""
	if i := strings.IndexByte(args, ' '); i >= 0 {
		name, initial = args[:i], args[i+1:]
	}
	if name == "" {
		c.errorCount++
		c.writeResponse(respSyntax("Syntax: AUTH mechanism [initial-response]"))
		return false
	}

	if !s.config.Limiter.Check(c.remoteIP.String(), ratelimit.AuthAttempts) {
		log.Info("auth rate limit exceeded")
		c.writeResponse(Response{Code: CodeMailboxUnavailable, EnhancedCode: ESCRateLimited,
			Message: "Too many authentication attempts, try again later"})
		return false
	}

	mech, err := sasl.New(name)
	if err != nil {
		c.errorCount++
		c.writeResponse(Response{Code: CodeParameterNotImpl, EnhancedCode: ESCInvalidArgs,
			Message: "Mechanism not supported, use PLAIN or LOGIN"})
		return false
	}

	creds, failed, dropped := s.runSASLExchange(c, mech, initial)
	if dropped {
		return true
	}
	if failed || creds == nil {
		c.authFailures++
		return false
	}

	if creds.Authorization != "" && creds.Authorization != creds.Authentication {
		log.Info("auth proxy refused", "authcid", creds.Authentication, "authzid", creds.Authorization)
		c.authFailures++
		c.writeResponse(Response{Code: CodeAuthCredentialsInvalid, EnhancedCode: ESCAuthCredentialsInvalid,
			Message: "Authorization identity not permitted"})
		return false
	}

	if err := s.config.Credentials.Verify(ctx, creds.Authentication, creds.Password); err != nil {
		log.Info("auth failed", "mechanism", mech.Name(), "identity", creds.Authentication)
		c.authFailures++
		c.writeResponse(Response{Code: CodeAuthCredentialsInvalid, EnhancedCode: ESCAuthCredentialsInvalid,
			Message: "Authentication credentials invalid"})
		return false
	}

	c.mu.Lock()
	c.Auth = AuthInfo{Authenticated: true, Mechanism: mech.Name(), Identity: creds.Identity()}
	c.mu.Unlock()
	log.Info("authenticated", "mechanism", mech.Name(), "identity", creds.Identity())
	c.writeResponse(Response{Code: CodeAuthSuccess, EnhancedCode: ESCSecuritySuccess,
		Message: "Authentication successful"})
	return false
}

// runSASLExchange feeds client responses through the mechanism until
// it yields credentials or fails. failed means a reply was already
// written; dropped means the connection is unusable.
func (s *Server) runSASLExchange(c *Connection, mech sasl.Mechanism, initial string) (creds *sasl.Credentials, failed, dropped bool) {
	var response []byte
	haveResponse := false
	if initial != "" {
		decoded, err := decodeAuthResponse(initial)
		if err != nil {
			c.errorCount++
			c.writeResponse(respSyntax("Invalid base64 in initial response"))
			return nil, true, false
		}
		response, haveResponse = decoded, true
	}

	for {
		if !haveResponse {
			challenge := mech.Start()
			if err := c.writeResponse(Response{Code: CodeAuthContinue,
				Message: base64.StdEncoding.EncodeToString(challenge)}); err != nil {
				return nil, false, true
			}
			line, err := gkio.ReadLine(c.reader, s.config.Limits.MaxLineLength, false)
			if err != nil {
				if errors.Is(err, gkio.ErrLineTooLong) || errors.Is(err, gkio.ErrBadLineEnding) {
					c.errorCount++
					c.writeResponse(respSyntax("Malformed authentication response"))
					return nil, true, false
				}
				return nil, false, true
			}
			if line == "*" {
				c.errorCount++
				c.writeResponse(respSyntax("Authentication cancelled"))
				return nil, true, false
			}
			decoded, err := decodeAuthResponse(line)
			if err != nil {
				c.errorCount++
				c.writeResponse(respSyntax("Invalid base64 in response"))
				return nil, true, false
			}
			response = decoded
		}

		challenge, creds, err := mech.Next(response)
		if err != nil {
			c.errorCount++
			c.writeResponse(Response{Code: CodeAuthCredentialsInvalid, EnhancedCode: ESCAuthCredentialsInvalid,
				Message: "Malformed authentication exchange"})
			return nil, true, false
		}
		if creds != nil {
			return creds, false, false
		}

		if err := c.writeResponse(Response{Code: CodeAuthContinue,
			Message: base64.StdEncoding.EncodeToString(challenge)}); err != nil {
			return nil, false, true
		}
		line, err := gkio.ReadLine(c.reader, s.config.Limits.MaxLineLength, false)
		if err != nil {
			if errors.Is(err, gkio.ErrLineTooLong) || errors.Is(err, gkio.ErrBadLineEnding) {
				c.errorCount++
				c.writeResponse(respSyntax("Malformed authentication response"))
				return nil, true, false
			}
			return nil, false, true
		}
		if line == "*" {
			c.errorCount++
			c.writeResponse(respSyntax("Authentication cancelled"))
			return nil, true, false
		}
		decoded, err := decodeAuthResponse(line)
		if err != nil {
			c.errorCount++
			c.writeResponse(respSyntax("Invalid base64 in response"))
			return nil, true, false
		}
		response, haveResponse = decoded, true
	}
}

// decodeAuthResponse decodes a base64 client response. "=" marks an
// explicitly empty response, RFC 4954 section 4.
func decodeAuthResponse(s string) ([]byte, error) {
	if s == "=" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
