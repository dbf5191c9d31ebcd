// Package textutil holds small string helpers shared by the log and console paths.
package textutil

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// EscapeNonPrintable keeps printable ASCII as-is and renders everything else
// (control characters, non-ASCII runes, invalid UTF-8 bytes) as a Go escape
// sequence. Backslashes are doubled so the result stays unambiguous.
func EscapeNonPrintable(s string) string {
	if isPlain(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == utf8.RuneError && size == 1:
			fmt.Fprintf(&b, `\x%02x`, s[i])
		case r == '\\':
			b.WriteString(`\\`)
		case r >= 0x20 && r < 0x7f:
			b.WriteRune(r)
		default:
			q := strconv.QuoteRuneToASCII(r)
			b.WriteString(q[1 : len(q)-1])
		}
		i += size
	}
	return b.String()
}

func isPlain(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c >= 0x7f || c == '\\' {
			return false
		}
	}
	return true
}

// StripControl removes ASCII control characters (including CR/LF and tabs)
// and replaces them with a single space.
func StripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
}
