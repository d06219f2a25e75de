package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sablemail/gatekeeper/authres"
	"github.com/sablemail/gatekeeper/greylist"
	gkio "github.com/sablemail/gatekeeper/io"
	"github.com/sablemail/gatekeeper/ratelimit"
	"github.com/sablemail/gatekeeper/utils"
)

func (s *Server) handleHelo(c *Connection, args string) bool {
	hostname := strings.TrimSpace(args)
	if hostname == "" {
		c.errorCount++
		c.writeResponse(respSyntax("HELO requires a domain argument"))
		return false
	}
	c.resetTransaction()
	c.mu.Lock()
	c.ClientHostname = hostname
	c.Esmtp = false
	c.state = StateGreeted
	c.mu.Unlock()
	c.writeResponse(Response{Code: CodeOK, Message: s.config.Hostname + " Hello " + hostname})
	return false
}

func (s *Server) handleEhlo(c *Connection, args string) bool {
	hostname := strings.TrimSpace(args)
	if hostname == "" {
		c.errorCount++
		c.writeResponse(respSyntax("EHLO requires a domain argument"))
		return false
	}
	c.resetTransaction()
	c.mu.Lock()
	c.ClientHostname = hostname
	c.Esmtp = true
	c.state = StateGreeted
	tlsActive := c.TLS.Enabled
	c.mu.Unlock()

	lines := append([]string{s.config.Hostname + " Hello " + hostname}, s.buildExtensions(tlsActive)...)
	c.writeMultilineResponse(CodeOK, lines)
	return false
}

// buildExtensions lists the EHLO keywords for the current session
// phase. STARTTLS disappears once TLS is active. When STARTTLS is
// configured, AUTH is only offered after the upgrade so credentials
// never cross the wire in the clear.
func (s *Server) buildExtensions(tlsActive bool) []string {
	ext := []string{
		"SIZE " + strconv.FormatInt(s.config.Limits.MaxMessageSize, 10),
		"8BITMIME",
		"SMTPUTF8",
		"PIPELINING",
		"ENHANCEDSTATUSCODES",
	}
	if s.config.TLSConfig != nil && !tlsActive {
		ext = append(ext, "STARTTLS")
	}
	if s.config.Credentials != nil && (tlsActive || s.config.TLSConfig == nil) {
		ext = append(ext, "AUTH PLAIN LOGIN")
	}
	return ext
}

func (s *Server) handleStartTLS(ctx context.Context, log *slog.Logger, c *Connection, args string) bool {
	if strings.TrimSpace(args) != "" {
		c.errorCount++
		c.writeResponse(respSyntax("STARTTLS takes no arguments"))
		return false
	}
	if s.config.TLSConfig == nil {
		c.errorCount++
		c.writeResponse(respNotImplemented("STARTTLS"))
		return false
	}
	if c.TLS.Enabled {
		c.errorCount++
		c.writeResponse(respBadSequence("TLS already active"))
		return false
	}
	if err := c.writeResponse(Response{Code: CodeServiceReady, Message: "Ready to start TLS"}); err != nil {
		return true
	}

	hsCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := c.UpgradeToTLS(hsCtx, s.config.TLSConfig)
	cancel()
	if err != nil {
		// The handshake failed mid-stream; the connection is no
		// longer in a known state, so drop it without a reply.
		log.Info("tls handshake failed", "err", err)
		return true
	}
	log.Debug("tls established", "version", c.TLS.Version, "cipher", c.TLS.CipherSuite)
	return false
}

func (s *Server) handleMail(ctx context.Context, log *slog.Logger, c *Connection, args string) bool {
	if c.State() != StateGreeted {
		c.errorCount++
		if c.State() == StateConnect {
			c.writeResponse(respBadSequence("Send HELO/EHLO first"))
		} else {
			c.writeResponse(respBadSequence("Transaction already in progress, use RSET"))
		}
		return false
	}
	if s.config.RequireTLS && !c.TLS.Enabled {
		c.errorCount++
		c.writeResponse(Response{Code: CodeAuthRequired, EnhancedCode: ESCEncryptionRequired,
			Message: "Must issue STARTTLS first"})
		return false
	}
	if s.config.RequireAuth && !c.Auth.Authenticated {
		c.errorCount++
		c.writeResponse(Response{Code: CodeAuthRequired, EnhancedCode: ESCSecurityError,
			Message: "Authentication required"})
		return false
	}

	rest, found := cutPrefixFold(args, "FROM:")
	if !found {
		c.errorCount++
		c.writeResponse(respSyntax("Syntax: MAIL FROM:<address>"))
		return false
	}
	path, params, err := parsePathWithParams(rest)
	if err != nil {
		c.errorCount++
		c.writeResponse(respSyntax(err.Error()))
		return false
	}

	env := Envelope{From: path, Params: params}
	for key, value := range params {
		switch key {
		case "SIZE":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil || size < 0 {
				c.errorCount++
				c.writeResponse(respSyntax("Invalid SIZE parameter"))
				return false
			}
			if size > s.config.Limits.MaxMessageSize {
				c.errorCount++
				c.writeResponse(respTooLarge())
				return false
			}
			env.DeclaredSize = size
		case "BODY":
			switch strings.ToUpper(value) {
			case "7BIT":
			case "8BITMIME":
				env.EightBit = true
			default:
				c.errorCount++
				c.writeResponse(Response{Code: CodeParamsNotRecognized, EnhancedCode: ESCInvalidArgs,
					Message: "BODY value not implemented"})
				return false
			}
		case "SMTPUTF8":
			env.SMTPUTF8 = true
		case "AUTH":
			// Accepted and ignored; we do not relay the supplied
			// identity.
		default:
			c.errorCount++
			c.writeResponse(Response{Code: CodeParamsNotRecognized, EnhancedCode: ESCInvalidArgs,
				Message: "Parameter " + key + " not implemented"})
			return false
		}
	}
	if !env.SMTPUTF8 && utils.ContainsNonASCII(path.Mailbox.String()) {
		c.errorCount++
		c.writeResponse(Response{Code: CodeMailboxNameInvalid, EnhancedCode: ESCNonASCIINoSMTPUTF8,
			Message: "Non-ASCII address requires SMTPUTF8"})
		return false
	}

	if cb := s.config.Callbacks.OnMailFrom; cb != nil {
		if err := cb(ctx, c, path); err != nil {
			c.errorCount++
			log.Info("sender refused by callback", "from", path.String(), "err", err)
			c.writeResponse(respReject("Sender refused"))
			return false
		}
	}

	c.mu.Lock()
	c.currentMail = &Mail{
		Envelope: env,
		RemoteIP: c.remoteIP,
		Hello:    c.ClientHostname,
		AuthID:   c.Auth.Identity,
		TLS:      c.TLS.Enabled,
	}
	c.state = StateMail
	c.mu.Unlock()

	log.Debug("mail from", "from", path.String())
	c.writeResponse(respOK("Sender "+path.String()+" OK", ESCAddressValid))
	return false
}

func (s *Server) handleRcpt(ctx context.Context, log *slog.Logger, c *Connection, args string) bool {
	state := c.State()
	if state != StateMail && state != StateRcpt {
		c.errorCount++
		c.writeResponse(respBadSequence("Send MAIL FROM first"))
		return false
	}

	rest, found := cutPrefixFold(args, "TO:")
	if !found {
		c.errorCount++
		c.writeResponse(respSyntax("Syntax: RCPT TO:<address>"))
		return false
	}
	path, params, err := parsePathWithParams(rest)
	if err != nil {
		c.errorCount++
		c.writeResponse(respSyntax(err.Error()))
		return false
	}
	if path.IsNull() {
		c.errorCount++
		c.writeResponse(respSyntax("Recipient address required"))
		return false
	}
	for key := range params {
		c.errorCount++
		c.writeResponse(Response{Code: CodeParamsNotRecognized, EnhancedCode: ESCInvalidArgs,
			Message: "Parameter " + key + " not implemented"})
		return false
	}

	c.mu.Lock()
	count := len(c.currentMail.Envelope.Recipients)
	c.mu.Unlock()
	if count >= s.config.Limits.MaxRecipients {
		c.errorCount++
		c.writeResponse(Response{Code: CodeInsufficientStorage, EnhancedCode: ESCTooManyRecipients,
			Message: "Too many recipients"})
		return false
	}

	if cb := s.config.Callbacks.OnRcptTo; cb != nil {
		if err := cb(ctx, c, path); err != nil {
			c.errorCount++
			log.Info("recipient refused by callback", "to", path.String(), "err", err)
			c.writeResponse(Response{Code: CodeMailboxNotFound, EnhancedCode: ESCPolicyRejection,
				Message: "Recipient " + path.String() + " refused"})
			return false
		}
	}

	c.mu.Lock()
	c.currentMail.Envelope.Recipients = append(c.currentMail.Envelope.Recipients, path)
	c.state = StateRcpt
	c.mu.Unlock()

	log.Debug("rcpt to", "to", path.String())
	c.writeResponse(respOK("Recipient "+path.String()+" OK", ESCRecipientValid))
	return false
}

func (s *Server) handleData(ctx context.Context, log *slog.Logger, c *Connection, args string) bool {
	if strings.TrimSpace(args) != "" {
		c.errorCount++
		c.writeResponse(respSyntax("DATA takes no arguments"))
		return false
	}
	switch c.State() {
	case StateRcpt:
	case StateMail:
		c.errorCount++
		c.writeResponse(respBadSequence("Send RCPT TO first"))
		return false
	default:
		c.errorCount++
		c.writeResponse(respBadSequence("Send MAIL FROM first"))
		return false
	}

	c.setState(StateData)
	if err := c.writeResponse(Response{Code: CodeStartMailInput,
		Message: "Start mail input, end with <CRLF>.<CRLF>"}); err != nil {
		return true
	}

	c.conn.SetReadDeadline(timeNow().Add(s.config.DataTimeout))
	sevenBit := !c.currentMail.Envelope.EightBit && !c.currentMail.Envelope.SMTPUTF8
	data, err := readDataContent(c.reader, s.config.Limits.MaxMessageSize, s.config.Limits.MaxLineLength, sevenBit)
	if err != nil {
		c.resetTransaction()
		switch {
		case errors.Is(err, ErrMessageTooLarge):
			c.errorCount++
			c.writeResponse(respTooLarge())
			return false
		case errors.Is(err, gkio.Err8BitIn7BitMode):
			c.errorCount++
			c.writeResponse(Response{Code: CodeTransactionFailed, EnhancedCode: ESCContentError,
				Message: "8-bit content requires BODY=8BITMIME"})
			return false
		default:
			log.Debug("data read failed", "err", err)
			return true
		}
	}

	c.mu.Lock()
	mail := c.currentMail
	esmtp := c.Esmtp
	c.mu.Unlock()
	mail.Data = data
	mail.ReceivedAt = timeNow()

	done := s.processMessage(ctx, log, c, mail, esmtp)
	c.resetTransaction()
	return done
}

// processMessage runs the acceptance pipeline for one completed DATA:
// loop detection, greylisting, rate limiting, sender authentication,
// then the verdict; on accept the message gains its trace headers and
// is handed to storage per recipient.
func (s *Server) processMessage(ctx context.Context, log *slog.Logger, c *Connection, mail *Mail, esmtp bool) bool {
	if countReceivedHeaders(mail.Data) >= s.config.Limits.MaxReceivedHeaders {
		log.Info("mail loop detected", "from", mail.Envelope.From.String())
		c.errorCount++
		c.writeResponse(Response{Code: CodeTransactionFailed, EnhancedCode: ESCRoutingLoop,
			Message: "Too many Received headers, possible mail loop"})
		return false
	}

	sender := mail.Envelope.From.Mailbox.String()
	glStatus := greylist.StatusWhitelisted
	if s.config.Greylist != nil && !c.Auth.Authenticated {
		for _, rcpt := range mail.Envelope.Recipients {
			st := s.config.Greylist.Check(sender, rcpt.Mailbox.String(), c.remoteIP.String())
			if st == greylist.StatusBlacklisted {
				glStatus = st
				break
			}
			if st == greylist.StatusGreylisted {
				glStatus = st
			}
		}
	}

	rateKey := c.remoteIP.String()
	if c.Auth.Authenticated {
		rateKey = c.Auth.Identity
	}
	rateOK := s.config.Limiter.Check(rateKey, ratelimit.MessagesPerUser)

	results := s.verifier.Verify(ctx, authres.Args{
		ClientIP:    c.remoteIP,
		HelloDomain: c.ClientHostname,
		MailFrom:    sender,
	}, mail.Data)

	decision := decide(s.config.Policy, decideInput{
		Greylist:    glStatus,
		RateOK:      rateOK,
		AuthResults: results,
	})
	log.Info("message decision",
		"action", decision.Action.String(),
		"reason", decision.Reason,
		"from", mail.Envelope.From.String(),
		"recipients", len(mail.Envelope.Recipients),
		"size", len(mail.Data),
		"spf", string(results.SPF.Result),
		"dmarc", string(results.DMARC.Status))

	if decision.Action != ActionAccept {
		c.errorCount++
		c.writeResponse(decision.Response)
		return false
	}

	mail.ID = ulid.Make()
	var b strings.Builder
	b.WriteString(mail.GenerateReceivedHeader(s.config.Hostname, esmtp))
	b.WriteString(results.ReceivedSPF)
	b.WriteString(results.Header)
	if decision.SpamFlag {
		b.WriteString("X-Spam-Flag: YES\r\n")
	}
	b.Write(mail.Data)
	message := []byte(b.String())

	if c.Auth.Authenticated && s.config.Signer != nil {
		header, err := s.config.Signer.Sign(message)
		if err != nil {
			log.Error("dkim signing failed", "err", err)
		} else {
			message = append([]byte(header), message...)
		}
	}

	for _, rcpt := range mail.Envelope.Recipients {
		id, err := s.config.Storage.Store(ctx, rcpt.Mailbox.String(), message)
		if err != nil {
			log.Error("storage failed", "rcpt", rcpt.String(), "err", err)
			c.writeResponse(respLocalError("Temporary storage failure, try again later"))
			return false
		}
		log.Debug("message stored", "rcpt", rcpt.String(), "sid", id.String())
	}

	if cb := s.config.Callbacks.OnAccept; cb != nil {
		cb(ctx, c, mail)
	}
	c.writeResponse(respOK(fmt.Sprintf("OK, queued as %s", mail.ID), ESCMessageAccepted))
	return false
}

func (s *Server) handleRset(c *Connection, args string) bool {
	if strings.TrimSpace(args) != "" {
		c.errorCount++
		c.writeResponse(respSyntax("RSET takes no arguments"))
		return false
	}
	c.resetTransaction()
	c.writeResponse(respOK("OK", ESCSuccess))
	return false
}

// handleVrfy declines to confirm addresses per RFC 5321 section 7.3;
// 252 keeps well-behaved callers moving without feeding directory
// harvesting.
func (s *Server) handleVrfy(c *Connection, args string) bool {
	if strings.TrimSpace(args) == "" {
		c.errorCount++
		c.writeResponse(respSyntax("VRFY requires an address argument"))
		return false
	}
	c.writeResponse(Response{Code: CodeCannotVRFY, EnhancedCode: ESCSuccess,
		Message: "Cannot VRFY user, but will accept message and attempt delivery"})
	return false
}

func (s *Server) handleExpn(c *Connection, args string) bool {
	if strings.TrimSpace(args) == "" {
		c.errorCount++
		c.writeResponse(respSyntax("EXPN requires a list argument"))
		return false
	}
	c.writeResponse(Response{Code: CodeCannotVRFY, EnhancedCode: ESCSuccess,
		Message: "Cannot EXPN mailing lists"})
	return false
}

func (s *Server) handleHelp(c *Connection) bool {
	c.writeResponse(Response{Code: CodeHelpMessage, EnhancedCode: ESCSuccess,
		Message: "Commands: HELO EHLO STARTTLS AUTH MAIL RCPT DATA RSET NOOP VRFY EXPN HELP QUIT"})
	return false
}

// cutPrefixFold strips an ASCII case-insensitive prefix.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !utils.EqualFoldASCII(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}
