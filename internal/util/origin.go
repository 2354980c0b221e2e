package util

import "strings"

// OriginAllowed reports whether a request carrying the Origin header origin may use a local
// surface. An empty origin comes from a native client and is always allowed; browser origins
// must appear in allowed. Comparison ignores case and a trailing slash.
func OriginAllowed(origin string, allowed []string) bool {
	origin = normalizeOrigin(origin)
	if origin == "" {
		return true
	}
	for _, candidate := range allowed {
		if normalizeOrigin(candidate) == origin {
			return true
		}
	}
	return false
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
}
