package views

import "testing"

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://Claims.Example.com/claim/?claim_id=1#top", "https://claims.example.com/claim?claim_id=1"},
		{"https://claims.example.com/claim?claim_id=1", "https://claims.example.com/claim?claim_id=1"},
		{"https://claims.example.com/", "https://claims.example.com"},
		{"https://claims.example.com", "https://claims.example.com"},
		{"about:blank", "about:blank"},
		{"  /relative/path/#x ", "/relative/path"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeURL(tt.in); got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		base, ref, want string
	}{
		{"https://claims.example.com/ivos/list.jsp", "claim.jsp?claim_id=4", "https://claims.example.com/ivos/claim.jsp?claim_id=4"},
		{"https://claims.example.com/ivos/list.jsp", "/root.jsp", "https://claims.example.com/root.jsp"},
		{"https://claims.example.com/ivos/list.jsp", "https://other.example.com/x", "https://other.example.com/x"},
		{"", "claim.jsp", "claim.jsp"},
	}

	for _, tt := range tests {
		if got := ResolveURL(tt.base, tt.ref); got != tt.want {
			t.Errorf("ResolveURL(%q, %q) = %q, want %q", tt.base, tt.ref, got, tt.want)
		}
	}
}
