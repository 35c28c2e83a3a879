package guard

import (
	"net"
	"net/url"
	"strings"
)

// originAllowed implements the upgrade origin policy:
//
//   - empty origin is rejected (browsers always send one on cross-origin WS),
//   - localhost / 127.0.0.1 / [::1] are allowed in development regardless of
//     scheme,
//   - otherwise the origin must be HTTPS and its host must match the
//     allowlist exactly, or match a "*.domain" entry by exactly one label.
func originAllowed(origin string, allowlist []string, development bool) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}

	host := u.Hostname()

	if development && isLoopback(host) {
		return true
	}

	if u.Scheme != "https" {
		return false
	}
	for _, allowed := range allowlist {
		if matchHost(host, allowed) {
			return true
		}
	}
	return false
}

// isLoopback reports whether host names the local machine.
func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// matchHost matches host against an allowlist entry. A "*.example.com" entry
// matches "a.example.com" but not "example.com" or "a.b.example.com".
func matchHost(host, pattern string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(host)

	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		label, rest, found := strings.Cut(host, ".")
		return found && label != "" && rest == suffix
	}
	return host == pattern
}
