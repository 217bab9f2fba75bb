package manifest

import (
	"strings"
	"unicode"
)

// GoName converts a challenge name to an exported Go identifier.
// "lost-from-light" -> "LostFromLight", "treacherous" -> "Treacherous",
// "2024_quals" -> "X2024Quals". Characters that cannot appear in an
// identifier separate words.
func GoName(name string) string {
	var words []string
	var current []rune
	flush := func() {
		if len(current) > 0 {
			words = append(words, string(current))
			current = current[:0]
		}
	}
	var prev rune
	for _, r := range name {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			flush()
			current = append(current, r)
		default:
			current = append(current, r)
		}
		prev = r
	}
	flush()

	var sb strings.Builder
	for _, w := range words {
		rs := []rune(w)
		sb.WriteRune(unicode.ToUpper(rs[0]))
		sb.WriteString(strings.ToLower(string(rs[1:])))
	}
	out := sb.String()
	if out == "" {
		return "Challenge"
	}
	if unicode.IsDigit([]rune(out)[0]) {
		out = "X" + out
	}
	return out
}
