// Package urlpolicy decides whether a user-supplied URL may be passed to
// the extractor. It never dials out; it is a pattern-only SSRF guard.
package urlpolicy

import (
	"net/url"
	"regexp"
	"strings"
)

const maxURLLength = 2048

var blockedHostPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^localhost$`),
	regexp.MustCompile(`^127\.`),
	regexp.MustCompile(`^192\.168\.`),
	regexp.MustCompile(`^10\.`),
	regexp.MustCompile(`^172\.(1[6-9]|2[0-9]|3[01])\.`),
	regexp.MustCompile(`^0\.0\.0\.0$`),
	regexp.MustCompile(`^\[?::1\]?$`),
}

// Allowed reports whether u may be handed to the extractor: it must parse
// as an absolute http(s) URL, stay under the length cap, and its host must
// not textually match any blocked pattern. It never leaks the reason a URL
// was rejected — callers surface one generic InvalidURL error.
func Allowed(raw string) bool {
	if len(raw) == 0 || len(raw) > maxURLLength {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if !u.IsAbs() {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, pat := range blockedHostPatterns {
		if pat.MatchString(host) {
			return false
		}
	}
	return true
}
