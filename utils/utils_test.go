package utils

import (
	"net"
	"testing"
)

func TestRemoteIP(t *testing.T) {
	tests := []struct {
		name    string
		addr    net.Addr
		want    string
		wantErr bool
	}{
		{
			name:    "nil address",
			addr:    nil,
			wantErr: true,
		},
		{
			name: "TCP IPv4",
			addr: &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 25},
			want: "192.168.1.1",
		},
		{
			name: "TCP IPv6",
			addr: &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 25},
			want: "2001:db8::1",
		},
		{
			name: "TCP loopback",
			addr: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 587},
			want: "127.0.0.1",
		},
		{
			name: "UDP address",
			addr: &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 53},
			want: "10.0.0.1",
		},
		{
			name: "bare IP address",
			addr: &net.IPAddr{IP: net.ParseIP("8.8.8.8")},
			want: "8.8.8.8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip, err := RemoteIP(tt.addr)
			if tt.wantErr {
				if err == nil {
					t.Fatal("RemoteIP() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("RemoteIP() error = %v", err)
			}
			if ip.String() != tt.want {
				t.Errorf("RemoteIP() = %v, want %v", ip, tt.want)
			}
		})
	}
}

// stringAddr exercises the string-parsing fallback for net.Addr
// implementations outside the standard concrete types.
type stringAddr string

func (a stringAddr) Network() string { return "tcp" }
func (a stringAddr) String() string  { return string(a) }

func TestRemoteIPFallback(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		want    string
		wantErr bool
	}{
		{name: "host and port", addr: "192.168.1.100:25", want: "192.168.1.100"},
		{name: "IPv6 host and port", addr: "[::1]:25", want: "::1"},
		{name: "IP without port", addr: "10.0.0.1", want: "10.0.0.1"},
		{name: "not an IP", addr: "not-an-ip", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip, err := RemoteIP(stringAddr(tt.addr))
			if tt.wantErr {
				if err == nil {
					t.Fatal("RemoteIP() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("RemoteIP() error = %v", err)
			}
			if ip.String() != tt.want {
				t.Errorf("RemoteIP() = %v, want %v", ip, tt.want)
			}
		})
	}
}

func TestContainsNonASCII(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"", false},
		{"user@example.com", false},
		{"hello\r\nworld", false},
		{string([]byte{127}), false},
		{string([]byte{0x80}), true},
		{"user@exämple.com", true},
		{"你好", true},
	}
	for _, tt := range tests {
		if got := ContainsNonASCII(tt.input); got != tt.want {
			t.Errorf("ContainsNonASCII(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestEqualFoldASCII(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"", "", true},
		{"MAIL", "mail", true},
		{"Starttls", "STARTTLS", true},
		{"received", "Received", true},
		{"MAIL", "RCPT", false},
		{"MAIL", "MAILX", false},
		{"size", "siz", false},
	}
	for _, tt := range tests {
		if got := EqualFoldASCII(tt.a, tt.b); got != tt.want {
			t.Errorf("EqualFoldASCII(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestGenerateID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateID()
		if len(id) != 16 {
			t.Fatalf("GenerateID() length = %d, want 16", len(id))
		}
		for _, c := range id {
			if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
				t.Fatalf("GenerateID() non-hex character %q in %q", c, id)
			}
		}
		if seen[id] {
			t.Fatalf("GenerateID() repeated %q", id)
		}
		seen[id] = true
	}
}
