package router

import (
	"strings"
	"unicode/utf8"
)

// EstimateTokens approximates the token count of text. It takes the larger of
// a character heuristic (four runes per token) and a word heuristic (four
// tokens per three words) so that both dense code and prose are covered.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	byChars := (utf8.RuneCountInString(text) + 3) / 4
	words := len(strings.Fields(text))
	byWords := (words*4 + 2) / 3
	if byWords > byChars {
		return byWords
	}
	return byChars
}
