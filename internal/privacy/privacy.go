// Package privacy scrubs credentials and endpoints out of messages before
// they are logged, reported or returned to API callers.
package privacy

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// Any scheme, so notification service URLs such as
	// telegram://token@telegram are caught along with http(s).
	urlPattern = regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.-]*://\S+`)

	bearerPattern = regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9._~+/=-]+`)

	secretParamPattern = regexp.MustCompile(`(?i)\b(client_secret|access_token|token|password|api_key)=([^&\s]+)`)
)

// ScrubMessage replaces URLs, bearer tokens and secret query parameters in
// message with anonymized placeholders.
func ScrubMessage(message string) string {
	message = urlPattern.ReplaceAllStringFunc(message, AnonymizeURL)
	message = bearerPattern.ReplaceAllString(message, "$1 [TOKEN]")
	return secretParamPattern.ReplaceAllString(message, "$1=[REDACTED]")
}

// AnonymizeURL reduces rawURL to its scheme plus a stable hash, so repeated
// failures against the same endpoint still group together.
func AnonymizeURL(rawURL string) string {
	// Trailing punctuation belongs to the surrounding sentence.
	rawURL = strings.TrimRight(rawURL, ".,;:)\"'")

	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		hash := sha256.Sum256([]byte(rawURL))
		return fmt.Sprintf("url-hash-%x", hash[:8])
	}

	normalized := strings.Join([]string{
		strings.ToLower(u.Scheme),
		categorizeHost(u.Hostname()),
		u.Port(),
		strings.Trim(u.Path, "/"),
	}, ":")
	hash := sha256.Sum256([]byte(normalized))

	return fmt.Sprintf("%s://url-%x", strings.ToLower(u.Scheme), hash[:8])
}

// categorizeHost keeps only the coarse class of host.
func categorizeHost(host string) string {
	switch {
	case host == "":
		return "no-host"
	case host == "localhost" || host == "127.0.0.1" || host == "::1":
		return "localhost"
	case isPrivateIP(host):
		return "private-ip"
	case strings.Contains(host, ":") || isIPv4(host):
		return "public-ip"
	}
	if i := strings.LastIndex(host, "."); i >= 0 && i < len(host)-1 {
		return "domain-" + host[i+1:] + "-" + host
	}
	return "host-" + host
}

func isIPv4(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 || strings.Trim(p, "0123456789") != "" {
			return false
		}
	}
	return true
}

func isPrivateIP(host string) bool {
	for _, prefix := range []string{
		"10.", "192.168.", "169.254.",
		"172.16.", "172.17.", "172.18.", "172.19.", "172.20.", "172.21.", "172.22.", "172.23.",
		"172.24.", "172.25.", "172.26.", "172.27.", "172.28.", "172.29.", "172.30.", "172.31.",
		"fc00:", "fd00:", "fe80:",
	} {
		if strings.HasPrefix(strings.ToLower(host), prefix) {
			return true
		}
	}
	return false
}
