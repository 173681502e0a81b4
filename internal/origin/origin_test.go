package origin

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in         string
		normalized string
		host       string
	}{
		{"HTTPS://Example.COM:443", "https://example.com", "example.com"},
		{"http://localhost:5173/", "http://localhost:5173", "localhost:5173"},
		{"http://127.0.0.1:80", "http://127.0.0.1", "127.0.0.1"},
		{"https://example.com:8443", "https://example.com:8443", "example.com:8443"},
		{"http://[::1]:3001", "http://[::1]:3001", "[::1]:3001"},
		{"http://[::1]", "http://[::1]", "[::1]"},
		{" null ", "null", ""},
	}
	for _, tc := range cases {
		normalized, host, ok := Normalize(tc.in)
		if !ok {
			t.Fatalf("Normalize(%q): expected ok=true", tc.in)
		}
		if normalized != tc.normalized || host != tc.host {
			t.Fatalf("Normalize(%q)=(%q, %q), want (%q, %q)", tc.in, normalized, host, tc.normalized, tc.host)
		}
	}
}

func TestNormalize_Rejects(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com/?q=1",
		"https://example.com?",
		"https://user@example.com",
		"https://example.com/#frag",
		"https://example.com:",
		"https://example.com:0",
		"https://example.com:65536",
		"https://example.com,https://evil.example.com",
		"http://::1",
		"example.com",
	}
	for _, c := range cases {
		if _, _, ok := Normalize(c); ok {
			t.Fatalf("Normalize(%q): expected ok=false", c)
		}
	}
}

func TestPolicy_AllowList(t *testing.T) {
	p := NewPolicy([]string{"http://localhost:5173"})

	got, ok := p.Allow("http://LOCALHOST:5173", "signaling.example.com")
	if !ok || got != "http://localhost:5173" {
		t.Fatalf("Allow=(%q, %v), want (http://localhost:5173, true)", got, ok)
	}
	if _, ok := p.Allow("https://evil.example.com", "signaling.example.com"); ok {
		t.Fatalf("expected unlisted origin to be rejected")
	}
	if _, ok := p.Allow("not an origin", "signaling.example.com"); ok {
		t.Fatalf("expected malformed origin to be rejected")
	}
}

func TestPolicy_Wildcard(t *testing.T) {
	p := NewPolicy([]string{Wildcard})
	if _, ok := p.Allow("https://anything.example", "x"); !ok {
		t.Fatalf("expected wildcard to allow any origin")
	}
	if _, ok := p.Allow("javascript:alert(1)", "x"); ok {
		t.Fatalf("expected wildcard to still reject malformed origins")
	}
}

func TestPolicy_SameHostDefault(t *testing.T) {
	p := NewPolicy(nil)

	if _, ok := p.Allow("https://example.com", "example.com:443"); !ok {
		t.Fatalf("expected same host with default port to be allowed")
	}
	// Scheme is not compared.
	if _, ok := p.Allow("https://example.com:8443", "EXAMPLE.com:8443"); !ok {
		t.Fatalf("expected same host:port to be allowed")
	}
	if _, ok := p.Allow("https://example.com", "other.example.com"); ok {
		t.Fatalf("expected different host to be rejected")
	}
	if _, ok := p.Allow("null", "example.com"); ok {
		t.Fatalf("expected null origin to be rejected without an allow list")
	}
}

func FuzzNormalize(f *testing.F) {
	f.Add("HTTPS://Example.COM:443")
	f.Add("http://[::FFFF:192.0.2.1]")
	f.Add("null")
	f.Add("")
	f.Add("https://example.com?query")

	f.Fuzz(func(t *testing.T, header string) {
		normalized, host, ok := Normalize(header)
		if !ok {
			return
		}
		if normalized == "null" {
			return
		}
		if strings.ContainsAny(normalized, " \t\r\n") {
			t.Fatalf("normalized origin contains whitespace: %q", normalized)
		}
		if !strings.HasSuffix(normalized, "://"+host) {
			t.Fatalf("normalized=%q does not end with host %q", normalized, host)
		}
		again, host2, ok2 := Normalize(normalized)
		if !ok2 || again != normalized || host2 != host {
			t.Fatalf("normalization not idempotent: %q -> %q (%q)", normalized, again, host2)
		}
	})
}
