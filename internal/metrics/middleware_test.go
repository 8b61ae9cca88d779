package metrics

import "testing"

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "unknown"},
		{"/healthz", "/healthz"},
		{"/v1/indexes/logs/search", "/v1/indexes/:index/search"},
		{"/v1/indexes/my-noisy-index-2026/search", "/v1/indexes/:index/search"},
		{"/metrics", "/metrics"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.in); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
