package translate

import (
	"regexp"
	"strings"
)

// compileRegex builds a Go RE2 matcher for the in-process recheck path.
// RE2 supports the i/m/s inline flags directly; x (extended/verbose mode)
// has no RE2 equivalent, so unescaped whitespace and `#`-comments are
// stripped before compiling, matching the common case well enough for a
// fallback recheck, which is all this path is used for.
func compileRegex(pattern, flags string) (*regexp.Regexp, error) {
	var inline strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			inline.WriteRune(f)
		case 'x':
			pattern = stripExtendedWhitespace(pattern)
		}
	}
	if inline.Len() > 0 {
		pattern = "(?" + inline.String() + ")" + pattern
	}
	return regexp.Compile(pattern)
}

func stripExtendedWhitespace(pattern string) string {
	var b strings.Builder
	escaped := false
	inComment := false
	for _, r := range pattern {
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
			}
		case escaped:
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			b.WriteRune(r)
			escaped = true
		case r == '#':
			inComment = true
		case r == ' ' || r == '\t' || r == '\n':
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
