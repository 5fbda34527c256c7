package httpapi

import "strings"

// normalizeBasePath canonicalizes a mount prefix to "/name" form. Root
// and empty values collapse to "" so the handler can skip the prefix
// wrapper entirely.
func normalizeBasePath(value string) string {
	path := "/" + strings.Trim(strings.TrimSpace(value), "/")
	if path == "/" {
		return ""
	}
	return path
}

// buildBaseHref derives the <base href> for the console page from the
// external base URL and the mount prefix. Empty when neither is set.
func buildBaseHref(baseURL, basePath string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	href := base + normalizeBasePath(basePath)
	if href == "" {
		return ""
	}
	return href + "/"
}
