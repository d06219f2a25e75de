package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sablemail/gatekeeper/authres"
	gkio "github.com/sablemail/gatekeeper/io"
	"github.com/sablemail/gatekeeper/ratelimit"
	"github.com/sablemail/gatekeeper/utils"
)

var timeNow = time.Now

// Server is an inbound SMTP server. Create one with NewServer, start
// it with Serve or ListenAndServe, stop it with Shutdown or Close.
type Server struct {
	config   ServerConfig
	log      *slog.Logger
	verifier *authres.Verifier

	mu          sync.Mutex
	listeners   map[net.Listener]struct{}
	connections map[*Connection]struct{}
	closed      bool

	shutdownWg sync.WaitGroup
}

// NewServer validates config, fills unset fields with defaults, and
// returns a server ready to Serve.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Hostname == "" {
		return nil, errors.New("smtp: config.Hostname is required")
	}
	if config.RequireAuth && config.Credentials == nil {
		return nil, errors.New("smtp: RequireAuth set without Credentials")
	}
	if config.RequireTLS && config.TLSConfig == nil {
		return nil, errors.New("smtp: RequireTLS set without TLSConfig")
	}
	config.fillDefaults()

	s := &Server{
		config:      config,
		log:         config.Logger.With("component", "smtp"),
		listeners:   make(map[net.Listener]struct{}),
		connections: make(map[*Connection]struct{}),
	}
	s.verifier = &authres.Verifier{
		Hostname:             config.Hostname,
		Resolver:             config.Resolver,
		Log:                  s.log,
		ApplyDMARCPercentage: true,
	}
	return s, nil
}

// ListenAndServe listens on config.Addr and calls Serve.
func (s *Server) ListenAndServe() error {
	addr := s.config.Addr
	if addr == "" {
		addr = ":smtp"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown or Close. It always
// returns a non-nil error; after a clean shutdown the error is
// ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
	}()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				if delay > time.Second {
					delay = time.Second
				}
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		go s.handleConnection(conn)
	}
}

// Shutdown stops accepting new connections, sends 421 to active
// sessions, and waits for them to finish, bounded by ctx and
// config.ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for ln := range s.listeners {
		ln.Close()
	}
	conns := make([]*Connection, 0, len(s.connections))
	for c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.sendShutdownNotice()
	}

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	timeout := time.NewTimer(s.config.ShutdownTimeout)
	defer timeout.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	case <-timeout.C:
	}
	for _, c := range conns {
		c.conn.Close()
	}
	return ctx.Err()
}

// Close immediately closes all listeners and connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for ln := range s.listeners {
		ln.Close()
	}
	for c := range s.connections {
		c.conn.Close()
	}
	s.mu.Unlock()
	return nil
}

// sendShutdownNotice tells an active session the service is going
// away. The session's command loop sees the closed connection next.
func (c *Connection) sendShutdownNotice() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateData || c.state == StateQuit {
		return
	}
	c.conn.SetWriteDeadline(timeNow().Add(5 * time.Second))
	fmt.Fprintf(c.writer, "421 %s 4.3.0 Service shutting down\r\n", c.server.config.Hostname)
	c.writer.Flush()
}

func (s *Server) trackConnection(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.connections) >= s.config.MaxConnections {
		return false
	}
	s.connections[c] = struct{}{}
	s.shutdownWg.Add(1)
	return true
}

func (s *Server) untrackConnection(c *Connection) {
	s.mu.Lock()
	delete(s.connections, c)
	s.mu.Unlock()
	s.shutdownWg.Done()
}

func (s *Server) handleConnection(netConn net.Conn) {
	remoteIP, err := utils.RemoteIP(netConn.RemoteAddr())
	if err != nil {
		netConn.Close()
		return
	}

	c := newConnection(s, netConn, remoteIP)
	log := s.log.With("cid", c.ID, "remote", remoteIP.String())

	if !s.trackConnection(c) {
		c.writeResponse(Response{Code: CodeServiceUnavailable, EnhancedCode: ESCTempLocalError,
			Message: s.config.Hostname + " Too many connections, try again later"})
		netConn.Close()
		return
	}
	defer s.untrackConnection(c)
	defer netConn.Close()

	if !s.config.Limiter.Check(remoteIP.String(), ratelimit.Connections) {
		log.Info("connection rate limit exceeded")
		c.writeResponse(Response{Code: CodeServiceUnavailable, EnhancedCode: ESCTempPolicy,
			Message: s.config.Hostname + " Too many connections from your address, try again later"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.SessionTimeout)
	defer cancel()

	if cb := s.config.Callbacks.OnConnect; cb != nil {
		if err := cb(ctx, c); err != nil {
			log.Info("connection refused by callback", "err", err)
			c.writeResponse(Response{Code: CodeServiceUnavailable, EnhancedCode: ESCTempPolicy,
				Message: s.config.Hostname + " Service not available"})
			return
		}
	}
	if cb := s.config.Callbacks.OnDisconnect; cb != nil {
		defer cb(ctx, c)
	}

	log.Debug("connection accepted")
	c.writeResponse(Response{Code: CodeServiceReady, Message: s.config.Hostname + " ESMTP service ready"})

	s.commandLoop(ctx, log, c)
	log.Debug("connection closed", "commands", c.commandCount, "errors", c.errorCount,
		"duration", timeNow().Sub(c.startedAt))
}

func newConnection(s *Server, netConn net.Conn, remoteIP net.IP) *Connection {
	c := &Connection{
		ID:        utils.GenerateID(),
		server:    s,
		conn:      netConn,
		remoteIP:  remoteIP,
		startedAt: timeNow(),
		state:     StateConnect,
	}
	c.reader = newSessionReader(netConn)
	c.writer = newSessionWriter(netConn)
	return c
}

// commandLoop reads and dispatches commands until the session ends.
func (s *Server) commandLoop(ctx context.Context, log *slog.Logger, c *Connection) {
	for {
		if ctx.Err() != nil {
			c.writeResponse(Response{Code: CodeServiceUnavailable, EnhancedCode: ESCTempLocalError,
				Message: "Session timeout, closing connection"})
			return
		}
		c.conn.SetReadDeadline(timeNow().Add(s.config.ReadTimeout))
		line, err := gkio.ReadLine(c.reader, s.config.Limits.MaxLineLength, false)
		if err != nil {
			s.handleReadError(log, c, err)
			return
		}

		c.commandCount++
		if c.commandCount > s.config.Limits.MaxCommands {
			log.Info("command limit exceeded")
			c.writeResponse(Response{Code: CodeServiceUnavailable, EnhancedCode: ESCTempPolicy,
				Message: "Too many commands, closing connection"})
			return
		}

		done := s.handleCommand(ctx, log, c, line)
		if done {
			return
		}
		if c.errorCount > s.config.Limits.MaxErrors {
			log.Info("error limit exceeded")
			c.writeResponse(Response{Code: CodeServiceUnavailable, EnhancedCode: ESCTempPolicy,
				Message: "Too many errors, closing connection"})
			return
		}
		if c.authFailures >= s.config.Limits.MaxAuthFailures && s.config.Limits.MaxAuthFailures > 0 {
			log.Info("auth failure limit exceeded")
			c.writeResponse(Response{Code: CodeServiceUnavailable, EnhancedCode: ESCTempPolicy,
				Message: "Too many authentication failures, closing connection"})
			return
		}
	}
}

func (s *Server) handleReadError(log *slog.Logger, c *Connection, err error) {
	switch {
	case errors.Is(err, io.EOF):
		log.Debug("client disconnected")
	case errors.Is(err, gkio.ErrLineTooLong):
		c.writeResponse(Response{Code: CodeCommandUnrecognized, EnhancedCode: ESCSyntaxError,
			Message: "Line too long"})
	case errors.Is(err, gkio.ErrBadLineEnding):
		c.writeResponse(Response{Code: CodeCommandUnrecognized, EnhancedCode: ESCSyntaxError,
			Message: "Bare LF not allowed, lines must end in CRLF"})
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.writeResponse(Response{Code: CodeServiceUnavailable, EnhancedCode: ESCTempLocalError,
				Message: "Idle timeout, closing connection"})
			return
		}
		log.Debug("read failed", "err", err)
	}
}

// handleCommand dispatches one command line. It returns true when the
// session should end.
func (s *Server) handleCommand(ctx context.Context, log *slog.Logger, c *Connection, line string) bool {
	cmd, args, known := parseCommand(line)
	if !known {
		c.errorCount++
		verb := string(cmd)
		if len(verb) > 20 {
			verb = verb[:20]
		}
		c.writeResponse(Response{Code: CodeCommandUnrecognized, EnhancedCode: ESCInvalidArgs,
			Message: "Unrecognized command " + strings.TrimSpace(verb)})
		return false
	}

	log.Debug("command", "verb", string(cmd), "state", c.State().String())

	switch cmd {
	case CommandHELO:
		return s.handleHelo(c, args)
	case CommandEHLO:
		return s.handleEhlo(c, args)
	case CommandSTARTTLS:
		return s.handleStartTLS(ctx, log, c, args)
	case CommandAUTH:
		return s.handleAuth(ctx, log, c, args)
	case CommandMAIL:
		return s.handleMail(ctx, log, c, args)
	case CommandRCPT:
		return s.handleRcpt(ctx, log, c, args)
	case CommandDATA:
		return s.handleData(ctx, log, c, args)
	case CommandRSET:
		return s.handleRset(c, args)
	case CommandNOOP:
		c.writeResponse(respOK("OK", ESCSuccess))
		return false
	case CommandVRFY:
		return s.handleVrfy(c, args)
	case CommandEXPN:
		return s.handleExpn(c, args)
	case CommandHELP:
		return s.handleHelp(c)
	case CommandQUIT:
		c.setState(StateQuit)
		c.writeResponse(Response{Code: CodeServiceClosing, EnhancedCode: ESCSuccess,
			Message: s.config.Hostname + " Service closing transmission channel"})
		return true
	}
	return false
}

func (c *Connection) writeResponse(r Response) error {
	c.conn.SetWriteDeadline(timeNow().Add(c.server.config.WriteTimeout))
	if _, err := c.writer.WriteString(r.String() + "\r\n"); err != nil {
		return err
	}
	return c.writer.Flush()
}

// writeMultilineResponse writes an EHLO-style reply: every line but the
// last uses code-hyphen continuation.
func (c *Connection) writeMultilineResponse(code SMTPCode, lines []string) error {
	c.conn.SetWriteDeadline(timeNow().Add(c.server.config.WriteTimeout))
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if _, err := fmt.Fprintf(c.writer, "%d%s%s\r\n", code, sep, line); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}
