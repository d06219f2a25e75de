package gatekeeper

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Mailbox is a localpart/domain pair. The domain is stored lowercased,
// the localpart as received since it is case-sensitive per RFC 5321.
type Mailbox struct {
	Localpart string
	Domain    string
}

// String renders the mailbox as an address. A localpart that is not a
// valid dot-string is quoted.
func (m Mailbox) String() string {
	local := m.Localpart
	if !validDotString(local) && local != "" {
		var b strings.Builder
		b.WriteByte('"')
		for i := 0; i < len(local); i++ {
			if local[i] == '"' || local[i] == '\\' {
				b.WriteByte('\\')
			}
			b.WriteByte(local[i])
		}
		b.WriteByte('"')
		local = b.String()
	}
	if m.Domain == "" {
		return local
	}
	return local + "@" + m.Domain
}

// Path is a forward or reverse path from a MAIL or RCPT command. The
// zero Path is the null reverse-path.
type Path struct {
	Mailbox Mailbox
}

// IsNull reports the null reverse-path "<>".
func (p Path) IsNull() bool { return p.Mailbox.Localpart == "" && p.Mailbox.Domain == "" }

// String renders the path in angle brackets.
func (p Path) String() string { return "<" + p.Mailbox.String() + ">" }

// Envelope is the SMTP envelope built up over one mail transaction.
type Envelope struct {
	From       Path
	Recipients []Path

	// Parameters from MAIL FROM, uppercased keywords.
	Params map[string]string

	// Declared SIZE parameter value; 0 if absent.
	DeclaredSize int64

	// Whether the client requested BODY=8BITMIME or SMTPUTF8.
	EightBit bool
	SMTPUTF8 bool
}

// Mail is one accepted message: the envelope, the raw message data as
// received after dot-unstuffing, and session facts recorded at accept
// time.
type Mail struct {
	ID       ulid.ULID
	Envelope Envelope
	Data     []byte

	RemoteIP   net.IP
	Hello      string
	AuthID     string
	TLS        bool
	ReceivedAt time.Time
}

// receivedProtocol names the protocol for the Received header per
// RFC 3848: ESMTP, with S appended after STARTTLS and A after
// authentication. UTF8SMTP when the transaction used SMTPUTF8.
func receivedProtocol(esmtp, tls, auth, utf8 bool) string {
	switch {
	case utf8:
		return "UTF8SMTP"
	case !esmtp:
		return "SMTP"
	}
	p := "ESMTP"
	if tls {
		p += "S"
	}
	if auth {
		p += "A"
	}
	return p
}

// GenerateReceivedHeader renders the trace field this host prepends to
// the message, RFC 5321 section 4.4. recipient is included in the for
// clause only when the message has exactly one, to avoid disclosing
// the recipient list.
func (m *Mail) GenerateReceivedHeader(hostname string, esmtp bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Received: from %s (%s)\r\n", clauseDomain(m.Hello), addrLiteral(m.RemoteIP))
	fmt.Fprintf(&b, "\tby %s (gatekeeper) with %s id %s",
		hostname, receivedProtocol(esmtp, m.TLS, m.AuthID != "", m.Envelope.SMTPUTF8), m.ID)
	if len(m.Envelope.Recipients) == 1 {
		fmt.Fprintf(&b, "\r\n\tfor %s", m.Envelope.Recipients[0])
	}
	fmt.Fprintf(&b, ";\r\n\t%s\r\n", m.ReceivedAt.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	return b.String()
}

func clauseDomain(hello string) string {
	if hello == "" {
		return "unknown"
	}
	return hello
}

func addrLiteral(ip net.IP) string {
	if ip == nil {
		return "[unknown]"
	}
	if ip.To4() == nil {
		return "[IPv6:" + ip.String() + "]"
	}
	return "[" + ip.String() + "]"
}
