package io

import (
	"bufio"
	"errors"
	"strings"
	"testing"
)

func TestFinishLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		max     int
		want    string
		wantErr error
	}{
		{
			name:  "command with CRLF",
			input: "EHLO example.com\r\n",
			max:   100,
			want:  "EHLO example.com",
		},
		{
			name:  "empty line",
			input: "\r\n",
			max:   100,
			want:  "",
		},
		{
			name:  "line at max length",
			input: "abc\r\n",
			max:   5,
			want:  "abc",
		},
		{
			name:    "line over max length",
			input:   "abcdef\r\n",
			max:     5,
			wantErr: ErrLineTooLong,
		},
		{
			name:    "bare LF",
			input:   "hello\n",
			max:     100,
			wantErr: ErrBadLineEnding,
		},
		{
			name:    "lone LF",
			input:   "\n",
			max:     100,
			wantErr: ErrBadLineEnding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := finishLine([]byte(tt.input), tt.max)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("finishLine() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("finishLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadLine(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		sevenBit bool
		want     string
		wantErr  error
	}{
		{
			name:  "simple line",
			input: "EHLO localhost\r\n",
			max:   100,
			want:  "EHLO localhost",
		},
		{
			name:  "empty line",
			input: "\r\n",
			max:   100,
			want:  "",
		},
		{
			name:    "bare LF rejected",
			input:   "EHLO localhost\n",
			max:     100,
			wantErr: ErrBadLineEnding,
		},
		{
			name:    "over max",
			input:   "EHLO verylonghostname.example.com\r\n",
			max:     10,
			wantErr: ErrLineTooLong,
		},
		{
			name:  "8-bit passes without enforcement",
			input: "EHLO ex\xc3\xa4mple.com\r\n",
			max:   100,
			want:  "EHLO ex\xc3\xa4mple.com",
		},
		{
			name:     "8-bit fails in 7-bit mode",
			input:    "EHLO ex\xc3\xa4mple.com\r\n",
			max:      100,
			sevenBit: true,
			wantErr:  Err8BitIn7BitMode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReader(strings.NewReader(tt.input))
			got, err := ReadLine(r, tt.max, tt.sevenBit)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ReadLine() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ReadLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadLineExceedsBuffer(t *testing.T) {
	// Lines larger than the bufio buffer are accumulated chunk by
	// chunk and must still come back intact.
	line := "MAIL FROM:<" + strings.Repeat("a", 100) + "@example.com>"
	r := bufio.NewReaderSize(strings.NewReader(line+"\r\n"), 16)

	got, err := ReadLine(r, 1000, false)
	if err != nil {
		t.Fatalf("ReadLine() error = %v", err)
	}
	if got != line {
		t.Errorf("ReadLine() = %q, want %q", got, line)
	}
}

func TestReadLineDrainsOversized(t *testing.T) {
	// After an over-length line the reader must be positioned at the
	// next line so the session can keep going.
	input := strings.Repeat("x", 200) + "\r\nNOOP\r\n"
	r := bufio.NewReaderSize(strings.NewReader(input), 16)

	if _, err := ReadLine(r, 50, false); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("oversized line: error = %v, want %v", err, ErrLineTooLong)
	}
	got, err := ReadLine(r, 50, false)
	if err != nil {
		t.Fatalf("next line: error = %v", err)
	}
	if got != "NOOP" {
		t.Errorf("next line = %q, want %q", got, "NOOP")
	}
}

func TestIsASCII(t *testing.T) {
	tests := []struct {
		input []byte
		want  bool
	}{
		{[]byte{}, true},
		{[]byte("MAIL FROM:<user@example.com>\r\n"), true},
		{[]byte{0x00, 0x1f, 0x7f}, true},
		{[]byte{0x80}, false},
		{[]byte("hello w\xc3\xb6rld"), false},
		{[]byte("hello\x80"), false},
	}
	for _, tt := range tests {
		if got := isASCII(tt.input); got != tt.want {
			t.Errorf("isASCII(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
