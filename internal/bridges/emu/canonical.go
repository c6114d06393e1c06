package emu

import (
	"strings"
	"unicode"
)

// SnakeCase converts a device tag name to its canonical form.
//
// A word boundary is only recognised where a lower-case letter or digit is
// followed by an upper-case letter, so runs of capitals stay together:
// "DeviceMacId" becomes "device_mac_id" but "FWVersion" becomes "fwversion".
// Spaces, hyphens and underscores collapse to a single underscore.
func SnakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)

	var prev rune
	pendingSep := false
	for _, r := range s {
		switch {
		case r == '_' || r == '-' || unicode.IsSpace(r):
			pendingSep = b.Len() > 0
			prev = r
			continue
		case unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)):
			pendingSep = true
		}

		if pendingSep {
			b.WriteByte('_')
			pendingSep = false
		}
		b.WriteRune(unicode.ToLower(r))
		prev = r
	}
	return b.String()
}
