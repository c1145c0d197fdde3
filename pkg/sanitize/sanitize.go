package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MessageText removes control characters and invalid UTF-8 from chat text,
// keeping line breaks and tabs. Other whitespace is left untouched so senders
// can match the stored text against what they sent.
func MessageText(input string) string {
	var result strings.Builder
	result.Grow(len(input))
	for _, r := range input {
		if r == utf8.RuneError {
			continue
		}
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// DisplayName strips control characters, collapses runs of whitespace and
// truncates the result to maxLen runes
func DisplayName(input string, maxLen int) string {
	name := strings.Join(strings.Fields(StripControlCharacters(input)), " ")
	if maxLen > 0 && utf8.RuneCountInString(name) > maxLen {
		name = strings.TrimSpace(string([]rune(name)[:maxLen]))
	}
	return name
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// ValidateStringLength checks if the rune count of input is within bounds
func ValidateStringLength(input string, minLen, maxLen int) bool {
	n := utf8.RuneCountInString(input)
	return n >= minLen && n <= maxLen
}
