// Package keys builds deterministic Redis keys for shared geo entries.
package keys

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	namespace = "geo"
	version   = "v1"
)

// Key returns the cache key for a source address.
//
// Layout: geo:v1:<sanitized-addr>:a=<xxhash64-hex>
//
// The sanitized segment keeps keys readable in redis-cli; the hash
// suffix keeps distinct addresses distinct even when sanitization
// collapses them (for example 10.0.0.1 and 10_0_0_1).
func Key(addr string) string {
	addr = strings.TrimSpace(addr)

	var b strings.Builder
	b.Grow(len(namespace) + len(version) + len(addr) + 24)
	b.WriteString(namespace)
	b.WriteByte(':')
	b.WriteString(version)
	b.WriteByte(':')
	b.WriteString(sanitizeForKey(addr))

	sum := xxhash.Sum64String(addr)
	fmt.Fprintf(&b, ":a=%016x", sum)
	return b.String()
}

// sanitizeForKey makes an arbitrary string safe and stable inside a
// colon-delimited Redis key. Allowed: ASCII alphanumerics and "-".
// Everything else becomes "_". Colons are replaced too, so an IPv6
// address cannot masquerade as extra key segments.
func sanitizeForKey(s string) string {
	if s == "" {
		return "empty"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case isAlphaNum(r):
			b.WriteRune(r)
		case r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
