package document

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	hyphenBreak = regexp.MustCompile(`(\p{L})[-\x{00AD}\x{2010}][ \t]*\n[ \t]*(\p{Ll})`)
	horizSpace  = regexp.MustCompile(`[ \t\x{00A0}\x{2000}-\x{200B}\x{3000}]+`)
	blankLines  = regexp.MustCompile(`\n[ \t]*\n+`)
)

// Normalize applies NFKC, rejoins words hyphenated across line breaks and
// collapses horizontal whitespace. Line breaks are kept.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\f", "\n\n")
	s = hyphenBreak.ReplaceAllString(s, "$1$2")
	s = horizSpace.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// splitParagraphs splits on blank lines and drops empty paragraphs.
func splitParagraphs(s string) []string {
	var out []string
	for _, p := range blankLines.Split(s, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
