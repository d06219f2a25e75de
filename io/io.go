// Package io implements line reading for the SMTP wire protocol with
// strict CRLF termination, length limits, and optional 7-bit
// enforcement. Bare LF is rejected to resist SMTP smuggling.
package io

import (
	"bufio"
	"errors"
)

var (
	ErrLineTooLong    = errors.New("smtp: line too long")
	ErrBadLineEnding  = errors.New("smtp: line not terminated by CRLF")
	Err8BitIn7BitMode = errors.New("smtp: 8-bit data in 7BIT mode")
)

// ReadLine reads one SMTP line, excluding the CRLF. max bounds the line
// length including CRLF. When sevenBit is set, any octet above 127
// fails the read with Err8BitIn7BitMode.
//
// On an over-length line the remainder is drained so the caller can
// answer with an error response and stay synchronized with the client.
func ReadLine(r *bufio.Reader, max int, sevenBit bool) (string, error) {
	chunk, err := r.ReadSlice('\n')
	if err == nil {
		// Whole line fit in the buffer.
		if sevenBit && !isASCII(chunk) {
			return "", Err8BitIn7BitMode
		}
		return finishLine(chunk, max)
	}
	if err != bufio.ErrBufferFull {
		return "", err
	}

	// Line exceeds the reader's buffer: accumulate chunk by chunk,
	// validating as we go so oversized garbage fails early.
	var line []byte
	for {
		if sevenBit && !isASCII(chunk) {
			return "", Err8BitIn7BitMode
		}
		if len(line)+len(chunk) > max {
			drain(r)
			return "", ErrLineTooLong
		}
		line = append(line, chunk...)

		chunk, err = r.ReadSlice('\n')
		if err == nil {
			if sevenBit && !isASCII(chunk) {
				return "", Err8BitIn7BitMode
			}
			line = append(line, chunk...)
			return finishLine(line, max)
		}
		if err != bufio.ErrBufferFull {
			return "", err
		}
	}
}

// finishLine validates length and CRLF and strips the terminator.
// b is known to end in '\n'.
func finishLine(b []byte, max int) (string, error) {
	if len(b) > max {
		return "", ErrLineTooLong
	}
	if len(b) < 2 || b[len(b)-2] != '\r' {
		return "", ErrBadLineEnding
	}
	return string(b[:len(b)-2]), nil
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c > 127 {
			return false
		}
	}
	return true
}

// drain discards input up to and including the next '\n'.
func drain(r *bufio.Reader) {
	for {
		if _, err := r.ReadSlice('\n'); err != bufio.ErrBufferFull {
			return
		}
	}
}
