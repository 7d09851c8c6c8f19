// Package textutil provides the small string helpers shared by session
// naming and storage paths.
package textutil

import "strings"

// SanitizeName converts a printer job name (or operator-supplied session
// name) into a filesystem-safe token. Letters, digits, dots, dashes, and
// underscores are kept; every other character becomes an underscore. Case is
// preserved so session directories stay recognizable.
func SanitizeName(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "._")
}
