package origin

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, normalized, host string
	}{
		{"HTTPS://Example.COM:443", "https://example.com", "example.com"},
		{"http://localhost:8090/", "http://localhost:8090", "localhost:8090"},
		{"http://[::1]:8090", "http://[::1]:8090", "[::1]:8090"},
		{"null", "null", ""},
	}
	for _, tc := range cases {
		normalized, host, ok := Normalize(tc.in)
		if !ok {
			t.Fatalf("Normalize(%q) ok=false", tc.in)
		}
		if normalized != tc.normalized || host != tc.host {
			t.Fatalf("Normalize(%q)=%q,%q, want %q,%q", tc.in, normalized, host, tc.normalized, tc.host)
		}
	}
}

func TestNormalize_Rejects(t *testing.T) {
	for _, in := range []string{
		"",
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com/?q=1",
		"https://user@example.com",
		"https://example.com/#frag",
		"http://example.com:0",
		"http://example.com:99999",
		"http://example.com:http",
	} {
		if _, _, ok := Normalize(in); ok {
			t.Fatalf("Normalize(%q) ok=true, want false", in)
		}
	}
}

func TestAllowed(t *testing.T) {
	cases := []struct {
		name        string
		origin      string
		requestHost string
		allowList   []string
		want        bool
	}{
		{"no origin header", "", "127.0.0.1:8090", nil, true},
		{"same host", "http://127.0.0.1:8090", "127.0.0.1:8090", nil, true},
		{"default port equivalence", "https://piano.example.com", "piano.example.com:443", nil, true},
		{"scheme ignored behind proxy", "https://piano.example.com:8443", "piano.example.com:8443", nil, true},
		{"other site", "https://evil.example", "127.0.0.1:8090", nil, false},
		{"other port", "http://127.0.0.1:5173", "127.0.0.1:8090", nil, false},
		{"null origin", "null", "127.0.0.1:8090", nil, false},
		{"allow list match", "http://localhost:5173", "127.0.0.1:8090", []string{"http://localhost:5173"}, true},
		{"allow list miss", "http://localhost:5174", "127.0.0.1:8090", []string{"http://localhost:5173"}, false},
		{"allow list star", "https://evil.example", "127.0.0.1:8090", []string{"*"}, true},
		{"malformed origin", "http://", "127.0.0.1:8090", []string{"*"}, false},
	}
	for _, tc := range cases {
		if got := Allowed(tc.origin, tc.requestHost, tc.allowList); got != tc.want {
			t.Fatalf("%s: Allowed(%q, %q)=%v, want %v", tc.name, tc.origin, tc.requestHost, got, tc.want)
		}
	}
}
