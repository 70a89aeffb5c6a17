package chat

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxTitleRunes bounds quick and generated titles.
	MaxTitleRunes = 60

	// UntitledTitle is used when there is no text to derive a title from.
	UntitledTitle = "Untitled chat"
)

var (
	sentenceBreak = regexp.MustCompile(`[\n\r]|[.!?؟]`)
	spaceRun      = regexp.MustCompile(`\s+`)
)

// QuickTitle derives a provisional title from the first line or sentence of
// text, collapsing whitespace and cutting to MaxTitleRunes with an ellipsis.
func QuickTitle(text string) string {
	head := text
	if loc := sentenceBreak.FindStringIndex(text); loc != nil {
		head = text[:loc[0]]
	}
	head = strings.TrimSpace(head)
	if head == "" {
		head = strings.TrimSpace(text)
	}
	head = spaceRun.ReplaceAllString(head, " ")
	if head == "" {
		return UntitledTitle
	}
	return Truncate(head, MaxTitleRunes)
}

// Truncate shortens s to at most n runes, ending in "…" when cut.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimRight(string(r[:n-1]), " ") + "…"
}
