package httpapi

import "testing"

func TestNormalizeBasePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"qbitsync", "/qbitsync"},
		{"/qbitsync", "/qbitsync"},
		{"/qbitsync/", "/qbitsync"},
		{"/console/v1/", "/console/v1"},
	}
	for _, tc := range cases {
		if got := normalizeBasePath(tc.in); got != tc.want {
			t.Fatalf("normalizeBasePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildBaseHref(t *testing.T) {
	cases := []struct {
		baseURL  string
		basePath string
		want     string
	}{
		{"", "", ""},
		{"", "/qbitsync", "/qbitsync/"},
		{"", "qbitsync", "/qbitsync/"},
		{"https://example.com", "", "https://example.com/"},
		{"https://example.com/", "qbitsync", "https://example.com/qbitsync/"},
		{"https://example.com/base", "/x", "https://example.com/base/x/"},
	}
	for _, tc := range cases {
		if got := buildBaseHref(tc.baseURL, tc.basePath); got != tc.want {
			t.Fatalf("buildBaseHref(%q, %q) = %q, want %q", tc.baseURL, tc.basePath, got, tc.want)
		}
	}
}
