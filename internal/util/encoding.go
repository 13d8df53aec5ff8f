package util

import (
	"strings"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// digitFolder maps Persian (U+06F0..U+06F9) and Arabic-Indic (U+0660..U+0669)
// digits to their ASCII equivalents. NFKC handles full-width forms.
var digitFolder = runes.Map(func(r rune) rune {
	switch {
	case r >= '۰' && r <= '۹':
		return '0' + (r - '۰')
	case r >= '٠' && r <= '٩':
		return '0' + (r - '٠')
	}
	return r
})

// FoldDigits normalizes s to NFKC, converts non-ASCII decimal digits commonly
// typed on Persian keyboards to ASCII and trims surrounding whitespace.
func FoldDigits(s string) string {
	out, _, err := transform.String(transform.Chain(norm.NFKC, digitFolder), s)
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(out)
}

// IsDigits reports whether s is non-empty and made only of ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
