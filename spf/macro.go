package spf

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// expand performs macro expansion per RFC 7208 section 7 on a
// domain-spec or explanation string. exp enables the macro letters
// that are only valid in explanation text (c, r, t).
func (c *checker) expand(s, domain string, exp bool) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch != '%' {
			b.WriteByte(ch)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("%w: trailing %%", ErrMacroSyntax)
		}
		switch s[i] {
		case '%':
			b.WriteByte('%')
			continue
		case '_':
			b.WriteByte(' ')
			continue
		case '-':
			b.WriteString("%20")
			continue
		case '{':
		default:
			return "", fmt.Errorf("%w: %%%c", ErrMacroSyntax, s[i])
		}

		end := strings.IndexByte(s[i:], '}')
		if end < 0 {
			return "", fmt.Errorf("%w: unclosed macro", ErrMacroSyntax)
		}
		macro := s[i+1 : i+end]
		i += end

		if macro == "" {
			return "", fmt.Errorf("%w: empty macro", ErrMacroSyntax)
		}
		letter := macro[0]
		upper := letter >= 'A' && letter <= 'Z'
		if upper {
			letter += 0x20
		}
		macro = macro[1:]

		var v string
		switch letter {
		case 's':
			v = c.localpart + "@" + domain
		case 'l':
			v = c.localpart
		case 'o':
			v = domain
		case 'd':
			v = domain
		case 'i':
			v = expandIP(c.args.RemoteIP)
		case 'p':
			// Discouraged by the RFC, expand to the safe default.
			v = "unknown"
		case 'v':
			if c.args.RemoteIP.To4() != nil {
				v = "in-addr"
			} else {
				v = "ip6"
			}
		case 'h':
			v = c.args.HelloDomain
		case 'c':
			if !exp {
				return "", fmt.Errorf("%w: %%{c} outside explanation", ErrMacroSyntax)
			}
			v = c.args.LocalIP.String()
		case 'r':
			if !exp {
				return "", fmt.Errorf("%w: %%{r} outside explanation", ErrMacroSyntax)
			}
			v = c.args.LocalHostname
		case 't':
			if !exp {
				return "", fmt.Errorf("%w: %%{t} outside explanation", ErrMacroSyntax)
			}
			v = strconv.FormatInt(timeNow().Unix(), 10)
		default:
			return "", fmt.Errorf("%w: unknown letter %c", ErrMacroSyntax, letter)
		}

		digits := ""
		for macro != "" && macro[0] >= '0' && macro[0] <= '9' {
			digits += string(macro[0])
			macro = macro[1:]
		}
		reverse := false
		if strings.HasPrefix(macro, "r") {
			reverse = true
			macro = macro[1:]
		}
		delims := macro
		if delims == "" {
			delims = "."
		}
		for _, d := range delims {
			if !strings.ContainsRune(".-+,/_=", d) {
				return "", fmt.Errorf("%w: bad delimiter %c", ErrMacroSyntax, d)
			}
		}

		parts := strings.FieldsFunc(v, func(r rune) bool {
			return strings.ContainsRune(delims, r)
		})
		if reverse {
			for j, n := 0, len(parts); j < n/2; j++ {
				parts[j], parts[n-1-j] = parts[n-1-j], parts[j]
			}
		}
		if digits != "" {
			n, err := strconv.Atoi(digits)
			if err != nil || n == 0 {
				return "", fmt.Errorf("%w: bad digits %q", ErrMacroSyntax, digits)
			}
			if n < len(parts) {
				parts = parts[len(parts)-n:]
			}
		}
		v = strings.Join(parts, ".")

		if upper {
			v = url.QueryEscape(v)
		}
		b.WriteString(v)
	}

	r := b.String()
	if exp {
		return r, nil
	}

	// A domain-spec longer than 253 octets drops labels from the
	// left until it fits.
	trimmed := strings.TrimSuffix(r, ".")
	for len(trimmed) > 253 {
		i := strings.IndexByte(trimmed, '.')
		if i < 0 {
			return "", fmt.Errorf("%w: expansion too long", ErrInvalidDomain)
		}
		trimmed = trimmed[i+1:]
	}
	return trimmed, nil
}

// expandIP renders an IP for the %{i} macro: dotted decimal for IPv4,
// dot-separated nibbles for IPv6.
func expandIP(ip net.IP) string {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}
	const hex = "0123456789abcdef"
	b := make([]byte, 0, 63)
	for i, v := range ip.To16() {
		if i > 0 {
			b = append(b, '.')
		}
		b = append(b, hex[v>>4], '.', hex[v&0xf])
	}
	return string(b)
}
