// Package gatekeeper implements the inbound acceptance engine of a
// mail server: an ESMTP listener that negotiates STARTTLS and AUTH,
// validates the sender's claimed identity with SPF, DKIM and DMARC,
// applies anti-abuse policy (rate limits, greylisting), and either
// stores the message or answers with the right 4xx/5xx code.
//
// # Quick start
//
//	config := gatekeeper.DefaultServerConfig()
//	config.Hostname = "mx.example.com"
//	config.Resolver = dns.NewStdResolver(nil)
//	config.Storage = gatekeeper.NewMemoryStorage()
//
//	server, err := gatekeeper.NewServer(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(server.ListenAndServe())
//
// Every accepted message is stored with a Received header, a
// Received-SPF header and an RFC 8601 Authentication-Results header
// prepended. Messages failing a published DMARC reject policy are
// refused at DATA; quarantine policies mark the stored message with
// X-Spam-Flag instead.
//
// # Collaborators
//
// The server is wired through small interfaces: dns.Resolver for all
// lookups, Storage for accepted mail, CredentialStore for AUTH, and
// crypto/tls for STARTTLS. The ratelimit and greylist packages supply
// the anti-abuse layer.
//
// # Protocol surface
//
// HELO/EHLO, STARTTLS (RFC 3207), AUTH PLAIN and LOGIN (RFC 4954),
// MAIL, RCPT, DATA, RSET, NOOP, VRFY, EXPN, HELP and QUIT, with
// enhanced status codes (RFC 2034) on every reply. Lines must end in
// CRLF; bare LF is rejected to resist SMTP smuggling.
package gatekeeper

import "context"

// Callbacks are optional hooks into the session lifecycle. Nil
// callbacks are skipped. They run on the connection's goroutine, so
// they should return quickly.
type Callbacks struct {
	// OnConnect runs before the greeting. An error rejects the
	// connection with a 421.
	OnConnect func(ctx context.Context, conn *Connection) error

	// OnDisconnect runs after the client goes away.
	OnDisconnect func(ctx context.Context, conn *Connection)

	// OnMailFrom can veto a sender with a 550.
	OnMailFrom func(ctx context.Context, conn *Connection, from Path) error

	// OnRcptTo can veto a recipient with a 550.
	OnRcptTo func(ctx context.Context, conn *Connection, to Path) error

	// OnAccept runs after a message was stored.
	OnAccept func(ctx context.Context, conn *Connection, mail *Mail)
}
