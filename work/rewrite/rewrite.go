// Package rewrite derives alternate-origin URLs from an original segment URL.
// Only the host moves: path, query, fragment and embedded credentials are kept
// byte-for-byte, and the scheme is always upgraded to https because alternate
// origins are published on secure transport only.
package rewrite

import (
	"net/url"
	"strings"
)

// Rewrite produces the alternate-origin form of rawURL using alternateHost.
// When alternateHost carries a port ("host:8443") both hostname and port are
// set explicitly; a bare hostname clears any port the original URL had.
// The second return value is false when rawURL cannot be parsed, which the
// caller treats as "no viable alternate".
func Rewrite(rawURL, alternateHost string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", false
	}

	// URL.Host carries both hostname and optional port, so assigning it
	// replaces the original pair wholesale: "cdn2.example.org:8443" sets
	// both, a bare hostname drops any port the original URL had.
	u.Host = strings.TrimSuffix(alternateHost, ":")

	// alternates require secure transport regardless of the original scheme
	u.Scheme = "https"

	return u.String(), true
}
