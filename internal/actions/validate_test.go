package actions

import (
	"testing"
)

func TestValidateVaultPath(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"empty", "", "", true},
		{"plain relative", "notes/host.md", "notes/host.md", true},
		{"trimmed", "  notes/host.md  ", "notes/host.md", true},
		{"dot segment", "./notes/host.md", "./notes/host.md", true},
		{"absolute", "/etc/passwd", "", false},
		{"backslash absolute", `\vault\secret.md`, "", false},
		{"parent traversal", "../secrets.md", "", false},
		{"embedded traversal", "notes/../../secrets.md", "", false},
		{"backslash traversal", `notes\..\secrets.md`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := validateVaultPath(tc.in)
			if tc.ok != (err == nil) {
				t.Fatalf("validateVaultPath(%q) error = %v, want ok=%v", tc.in, err, tc.ok)
			}
			if got != tc.want {
				t.Errorf("validateVaultPath(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestValidateKnowledgeURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		ok   bool
	}{
		{"empty", "", true},
		{"http", "http://wiki.internal/page", true},
		{"https", "https://example.com/doc?id=4", true},
		{"ftp", "ftp://example.com/doc", false},
		{"javascript", "javascript:alert(1)", false},
		{"schemeless", "example.com/doc", false},
		{"relative path", "/docs/readme", false},
		{"no host", "https://", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateKnowledgeURL(tc.in)
			if tc.ok != (err == nil) {
				t.Errorf("validateKnowledgeURL(%q) error = %v, want ok=%v", tc.in, err, tc.ok)
			}
		})
	}
}
