package gatekeeper

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// ConnectionState tracks where a session is in the SMTP command
// sequence. Transitions are enforced in the command handlers.
type ConnectionState int

const (
	// StateConnect is the state before HELO/EHLO, and again after a
	// successful STARTTLS handshake.
	StateConnect ConnectionState = iota
	// StateGreeted follows HELO/EHLO with no transaction in progress.
	StateGreeted
	// StateMail follows an accepted MAIL FROM.
	StateMail
	// StateRcpt follows at least one accepted RCPT TO.
	StateRcpt
	// StateData is active while message content is being received.
	StateData
	// StateQuit is terminal.
	StateQuit
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnect:
		return "connect"
	case StateGreeted:
		return "greeted"
	case StateMail:
		return "mail"
	case StateRcpt:
		return "rcpt"
	case StateData:
		return "data"
	case StateQuit:
		return "quit"
	}
	return "unknown"
}

// TLSInfo records the negotiated TLS parameters after STARTTLS.
type TLSInfo struct {
	Enabled     bool
	Version     uint16
	CipherSuite uint16
	ServerName  string
}

// AuthInfo records a successful SASL authentication.
type AuthInfo struct {
	Authenticated bool
	Mechanism     string
	Identity      string
}

// Connection is the per-session state for one inbound SMTP client.
// Fields guarded by mu are read by Server.Shutdown concurrently with
// the session goroutine.
type Connection struct {
	ID        string
	server    *Server
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	remoteIP  net.IP
	startedAt time.Time

	mu    sync.Mutex
	state ConnectionState

	// Esmtp is set by EHLO and cleared by HELO; it selects the
	// Received header protocol tag.
	Esmtp          bool
	ClientHostname string
	TLS            TLSInfo
	Auth           AuthInfo

	currentMail *Mail

	// Per-session counters checked against ConnectionLimits.
	commandCount int
	errorCount   int
	authFailures int
	mailCount    int
}

func newSessionReader(conn net.Conn) *bufio.Reader { return bufio.NewReaderSize(conn, 4096) }
func newSessionWriter(conn net.Conn) *bufio.Writer { return bufio.NewWriterSize(conn, 4096) }

// State returns the current session state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// RemoteAddr returns the client's network address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// RemoteIP returns the client's IP.
func (c *Connection) RemoteIP() net.IP { return c.remoteIP }

// resetTransaction drops any mail transaction in progress. Used by
// RSET, by HELO/EHLO, and after each DATA completion.
func (c *Connection) resetTransaction() {
	c.mu.Lock()
	c.currentMail = nil
	if c.state == StateMail || c.state == StateRcpt || c.state == StateData {
		c.state = StateGreeted
	}
	c.mu.Unlock()
}

// UpgradeToTLS performs the server-side TLS handshake over the
// existing connection and swaps the transport underneath the buffered
// reader and writer. On success the session returns to StateConnect
// and all knowledge from the plaintext phase is discarded, RFC 3207
// section 4.2.
func (c *Connection) UpgradeToTLS(ctx context.Context, config *tls.Config) error {
	tlsConn := tls.Server(c.conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	cs := tlsConn.ConnectionState()

	c.mu.Lock()
	c.conn = tlsConn
	c.reader.Reset(tlsConn)
	c.writer.Reset(tlsConn)
	c.state = StateConnect
	c.Esmtp = false
	c.ClientHostname = ""
	c.Auth = AuthInfo{}
	c.currentMail = nil
	c.TLS = TLSInfo{
		Enabled:     true,
		Version:     cs.Version,
		CipherSuite: cs.CipherSuite,
		ServerName:  cs.ServerName,
	}
	c.mu.Unlock()
	return nil
}
