package gatekeeper

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	gkio "github.com/sablemail/gatekeeper/io"
	"github.com/sablemail/gatekeeper/utils"
)

// Command is an SMTP verb after canonicalization.
type Command string

const (
	CommandHELO     Command = "HELO"
	CommandEHLO     Command = "EHLO"
	CommandSTARTTLS Command = "STARTTLS"
	CommandAUTH     Command = "AUTH"
	CommandMAIL     Command = "MAIL"
	CommandRCPT     Command = "RCPT"
	CommandDATA     Command = "DATA"
	CommandRSET     Command = "RSET"
	CommandNOOP     Command = "NOOP"
	CommandVRFY     Command = "VRFY"
	CommandEXPN     Command = "EXPN"
	CommandHELP     Command = "HELP"
	CommandQUIT     Command = "QUIT"
)

// parseCommand splits a command line into its verb and argument string.
// The verb is matched case-insensitively. An unknown verb is returned
// uppercased with ok false so the caller can echo it in the reply.
func parseCommand(line string) (cmd Command, args string, ok bool) {
	verb := line
	if i := strings.IndexByte(line, ' '); i >= 0 {
		verb, args = line[:i], line[i+1:]
	}
	cmd, ok = canonicalizeVerb(verb)
	return cmd, args, ok
}

// canonicalizeVerb uppercases a verb and checks it against the commands
// the server speaks. Matching by length first keeps the common path cheap.
func canonicalizeVerb(verb string) (Command, bool) {
	up := strings.ToUpper(verb)
	switch len(up) {
	case 4:
		switch Command(up) {
		case CommandHELO, CommandEHLO, CommandAUTH, CommandMAIL, CommandRCPT,
			CommandDATA, CommandRSET, CommandNOOP, CommandVRFY, CommandEXPN,
			CommandHELP, CommandQUIT:
			return Command(up), true
		}
	case 8:
		if Command(up) == CommandSTARTTLS {
			return CommandSTARTTLS, true
		}
	}
	return Command(up), false
}

// parsePathWithParams parses the argument of MAIL FROM: or RCPT TO:,
// after the prefix has been stripped: an angle-bracketed path optionally
// followed by ESMTP parameters. Parameter keywords are uppercased and
// duplicates rejected per RFC 5321 section 4.1.2.
func parsePathWithParams(args string) (path Path, params map[string]string, err error) {
	args = strings.TrimLeft(args, " ")
	if !strings.HasPrefix(args, "<") {
		return Path{}, nil, fmt.Errorf("%w: path must start with '<'", ErrInvalidCommand)
	}
	end := strings.IndexByte(args, '>')
	if end < 0 {
		return Path{}, nil, fmt.Errorf("%w: unterminated path", ErrInvalidCommand)
	}
	path, err = parsePath(args[1:end])
	if err != nil {
		return Path{}, nil, err
	}

	rest := strings.TrimLeft(args[end+1:], " ")
	if rest == "" {
		return path, nil, nil
	}
	params = make(map[string]string)
	for _, field := range strings.Fields(rest) {
		key, value := field, ""
		if i := strings.IndexByte(field, '='); i >= 0 {
			key, value = field[:i], field[i+1:]
		}
		key = strings.ToUpper(key)
		if _, dup := params[key]; dup {
			return Path{}, nil, fmt.Errorf("%w: duplicate parameter %s", ErrInvalidCommand, key)
		}
		params[key] = value
	}
	return path, params, nil
}

// parsePath parses the contents of an SMTP path, the text between the
// angle brackets. The empty path (null reverse-path) is valid. A source
// route prefix "@a,@b:" is accepted and discarded per RFC 5321
// section 3.3.
func parsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, nil
	}
	if strings.HasPrefix(s, "@") {
		colon := strings.IndexByte(s, ':')
		if colon < 0 {
			return Path{}, fmt.Errorf("%w: malformed source route", ErrInvalidCommand)
		}
		s = s[colon+1:]
	}
	at := strings.LastIndexByte(s, '@')
	if at <= 0 {
		// Accept "postmaster" without a domain, RFC 5321 section 4.5.1.
		if utils.EqualFoldASCII(s, "postmaster") {
			return Path{Mailbox: Mailbox{Localpart: s}}, nil
		}
		return Path{}, fmt.Errorf("%w: address must contain '@'", ErrInvalidCommand)
	}
	local, domain := s[:at], s[at+1:]
	if domain == "" {
		return Path{}, fmt.Errorf("%w: empty domain", ErrInvalidCommand)
	}
	if strings.HasPrefix(local, `"`) {
		var err error
		local, err = unquoteLocalpart(local)
		if err != nil {
			return Path{}, err
		}
	} else if !validDotString(local) {
		return Path{}, fmt.Errorf("%w: invalid localpart", ErrInvalidCommand)
	}
	if !validDomain(domain) {
		return Path{}, fmt.Errorf("%w: invalid domain", ErrInvalidCommand)
	}
	return Path{Mailbox: Mailbox{Localpart: local, Domain: strings.ToLower(domain)}}, nil
}

// unquoteLocalpart undoes quoted-string escaping in a localpart.
func unquoteLocalpart(s string) (string, error) {
	if len(s) < 2 || s[len(s)-1] != '"' {
		return "", fmt.Errorf("%w: unterminated quoted localpart", ErrInvalidCommand)
	}
	var b strings.Builder
	inner := s[1 : len(s)-1]
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if c == '\\' {
			i++
			if i >= len(inner) {
				return "", fmt.Errorf("%w: dangling escape in localpart", ErrInvalidCommand)
			}
			c = inner[i]
		} else if c == '"' {
			return "", fmt.Errorf("%w: bare quote in localpart", ErrInvalidCommand)
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}

// validDotString reports whether s is a dot-string localpart: atext
// atoms separated by single dots. Bytes above 0x7f are allowed for
// SMTPUTF8 addresses; the handler refuses them when the client did
// not request SMTPUTF8.
func validDotString(s string) bool {
	if s == "" || s[0] == '.' || s[len(s)-1] == '.' || strings.Contains(s, "..") {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isAtext(s[i]) && s[i] != '.' {
			return false
		}
	}
	return true
}

func isAtext(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c >= 0x80:
		return true
	}
	return strings.IndexByte("!#$%&'*+-/=?^_`{|}~", c) >= 0
}

// validDomain reports whether s looks like a hostname or address
// literal usable as an SMTP domain.
func validDomain(s string) bool {
	if strings.HasPrefix(s, "[") {
		return strings.HasSuffix(s, "]") && len(s) > 2
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c >= 0x80) {
				return false
			}
		}
	}
	return true
}

// countReceivedHeaders counts Received: fields in the header section of
// a raw message, used for mail loop detection. Folded continuation
// lines are skipped.
func countReceivedHeaders(message []byte) int {
	n := 0
	rest := message
	for len(rest) > 0 {
		line := rest
		if i := bytes.Index(rest, []byte("\r\n")); i >= 0 {
			line, rest = rest[:i], rest[i+2:]
		} else {
			rest = nil
		}
		if len(line) == 0 {
			break
		}
		if len(line) >= 9 && utils.EqualFoldASCII(string(line[:9]), "Received:") {
			n++
		}
	}
	return n
}

// readDataContent reads the message body after a 354 reply: dot-stuffed
// lines up to the terminating "." line. Oversized messages are drained
// to keep the session usable and reported via ErrMessageTooLarge. In
// 7-bit mode a byte with the high bit set is an error unless the client
// negotiated 8BITMIME or SMTPUTF8.
func readDataContent(r *bufio.Reader, maxSize int64, maxLine int, sevenBit bool) ([]byte, error) {
	var buf bytes.Buffer
	var tooLarge, has8bit bool
	for {
		line, err := gkio.ReadLine(r, maxLine, false)
		if err != nil {
			return nil, err
		}
		if line == "." {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		if sevenBit && !has8bit && utils.ContainsNonASCII(line) {
			has8bit = true
		}
		if int64(buf.Len())+int64(len(line))+2 > maxSize {
			tooLarge = true
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	if tooLarge {
		return nil, ErrMessageTooLarge
	}
	if has8bit {
		return nil, gkio.Err8BitIn7BitMode
	}
	return buf.Bytes(), nil
}
