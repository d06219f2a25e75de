package gatekeeper

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/sablemail/gatekeeper/dkim"
	"github.com/sablemail/gatekeeper/dns"
	"github.com/sablemail/gatekeeper/greylist"
	"github.com/sablemail/gatekeeper/ratelimit"
)

// PolicyConfig controls how sender authentication results translate
// into SMTP replies.
type PolicyConfig struct {
	// RejectSPFFail refuses mail at DATA when SPF evaluates to fail
	// for the MAIL FROM domain, independent of DMARC.
	RejectSPFFail bool

	// EnforceDMARC refuses mail at DATA when the sender's DMARC
	// policy asks for reject and neither SPF nor DKIM produced an
	// aligned pass.
	EnforceDMARC bool

	// Quarantine accepts DMARC-failing mail with an X-Spam-Flag
	// header instead of refusing it, when the sender's policy is
	// quarantine or EnforceDMARC is off.
	Quarantine bool

	// StrictTempError defers mail when any authentication mechanism
	// hit a DNS temperror, instead of accepting with a weaker verdict.
	StrictTempError bool
}

// ConnectionLimits bounds a single session.
type ConnectionLimits struct {
	// MaxCommands ends the session after this many commands.
	MaxCommands int
	// MaxErrors ends the session after this many rejected commands.
	MaxErrors int
	// MaxAuthFailures ends the session after this many failed AUTH
	// exchanges.
	MaxAuthFailures int
	// MaxRecipients bounds RCPT TO per transaction.
	MaxRecipients int
	// MaxMessageSize bounds DATA content in bytes and is advertised
	// via the SIZE extension.
	MaxMessageSize int64
	// MaxLineLength bounds a single command or data line.
	MaxLineLength int
	// MaxReceivedHeaders refuses messages that have passed through
	// too many hops, indicating a mail loop.
	MaxReceivedHeaders int
}

// ServerConfig configures a Server. Zero fields are filled from
// DefaultServerConfig by NewServer.
type ServerConfig struct {
	// Hostname is this host's name, used in the greeting, the
	// Received header, and the Authentication-Results header.
	Hostname string

	// Addr is the listen address for ListenAndServe.
	Addr string

	// TLSConfig enables the STARTTLS extension when non-nil.
	TLSConfig *tls.Config

	// RequireTLS refuses MAIL before a STARTTLS upgrade.
	RequireTLS bool

	// RequireAuth refuses MAIL before successful authentication.
	// AUTH is only offered over TLS.
	RequireAuth bool

	Policy PolicyConfig
	Limits ConnectionLimits

	// MaxConnections bounds concurrent sessions; further connections
	// are greeted with 421 and closed.
	MaxConnections int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// DataTimeout applies while reading message content.
	DataTimeout time.Duration
	// SessionTimeout bounds the whole session.
	SessionTimeout time.Duration
	// ShutdownTimeout bounds Shutdown's wait for active sessions.
	ShutdownTimeout time.Duration

	// Resolver is used for SPF, DKIM, and DMARC lookups.
	Resolver dns.Resolver

	// Storage receives accepted messages, one Store call per
	// recipient. nil uses an in-memory store.
	Storage Storage

	// Credentials validates AUTH PLAIN and AUTH LOGIN. nil disables
	// authentication.
	Credentials CredentialStore

	// Limiter applies per-client rate limits. nil uses
	// ratelimit.DefaultLimits.
	Limiter *ratelimit.Limiter

	// Greylist, when non-nil, defers first contact from unknown
	// sender/recipient/client triples.
	Greylist *greylist.Store

	// Signer, when non-nil, DKIM-signs mail from authenticated
	// clients before storage.
	Signer *dkim.Signer

	Callbacks Callbacks

	Logger *slog.Logger
}

// DefaultServerConfig returns a config with production defaults.
// Hostname, Addr, and the collaborators still need to be set.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Policy: PolicyConfig{
			EnforceDMARC: true,
			Quarantine:   true,
		},
		Limits: ConnectionLimits{
			MaxCommands:        1000,
			MaxErrors:          20,
			MaxAuthFailures:    3,
			MaxRecipients:      100,
			MaxMessageSize:     50 * 1024 * 1024,
			MaxLineLength:      2048,
			MaxReceivedHeaders: 30,
		},
		MaxConnections:  1000,
		ReadTimeout:     5 * time.Minute,
		WriteTimeout:    1 * time.Minute,
		DataTimeout:     10 * time.Minute,
		SessionTimeout:  30 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c *ServerConfig) fillDefaults() {
	def := DefaultServerConfig()
	if c.Limits.MaxCommands == 0 {
		c.Limits.MaxCommands = def.Limits.MaxCommands
	}
	if c.Limits.MaxErrors == 0 {
		c.Limits.MaxErrors = def.Limits.MaxErrors
	}
	if c.Limits.MaxAuthFailures == 0 {
		c.Limits.MaxAuthFailures = def.Limits.MaxAuthFailures
	}
	if c.Limits.MaxRecipients == 0 {
		c.Limits.MaxRecipients = def.Limits.MaxRecipients
	}
	if c.Limits.MaxMessageSize == 0 {
		c.Limits.MaxMessageSize = def.Limits.MaxMessageSize
	}
	if c.Limits.MaxLineLength == 0 {
		c.Limits.MaxLineLength = def.Limits.MaxLineLength
	}
	if c.Limits.MaxReceivedHeaders == 0 {
		c.Limits.MaxReceivedHeaders = def.Limits.MaxReceivedHeaders
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.DataTimeout == 0 {
		c.DataTimeout = def.DataTimeout
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = def.SessionTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Resolver == nil {
		c.Resolver = dns.NewStdResolver(nil)
	}
	if c.Storage == nil {
		c.Storage = NewMemoryStorage()
	}
	if c.Limiter == nil {
		c.Limiter = ratelimit.NewLimiter(ratelimit.DefaultLimits())
	}
}
