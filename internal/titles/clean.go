package titles

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pyamooz/pyamooz-chat/internal/chat"
)

const (
	maxWords = 7

	// FallbackTitle is used when neither the model nor the first message
	// yields a usable title.
	FallbackTitle = "گفت\u200cوگوی جدید"
)

var (
	invisibleMarks   = regexp.MustCompile("[\u200c\u200f\u200e]")
	whitespaceRun    = regexp.MustCompile(`\s+`)
	trailingPunct    = regexp.MustCompile(`[—–\-:.,;!؟?،\s]+$`)
	placeholderTitle = map[string]bool{"untitled chat": true, "untitled": true, "بدون عنوان": true}
)

// CleanTitle normalizes a model-generated title: strips quotes and
// invisible marks, collapses whitespace, drops trailing punctuation, keeps
// at most seven words and sixty characters.
func CleanTitle(raw string) string {
	t := strings.TrimSpace(raw)
	t = strings.Trim(t, `"`)
	t = strings.Trim(t, `'`)
	t = strings.TrimSpace(t)
	t = invisibleMarks.ReplaceAllString(t, "")
	t = whitespaceRun.ReplaceAllString(t, " ")
	t = strings.TrimSpace(trailingPunct.ReplaceAllString(t, ""))

	if words := strings.Fields(t); len(words) > maxWords {
		t = strings.Join(words[:maxWords], " ")
	}
	if utf8.RuneCountInString(t) > chat.MaxTitleRunes {
		t = chat.Truncate(t, chat.MaxTitleRunes)
	}
	return t
}

// overwritable reports whether current may be replaced by a generated
// title: it is blank, still the quick title, or a placeholder.
func overwritable(current, quick string) bool {
	current = strings.TrimSpace(current)
	if current == "" {
		return true
	}
	if whitespaceRun.ReplaceAllString(current, " ") == whitespaceRun.ReplaceAllString(quick, " ") {
		return true
	}
	return placeholderTitle[strings.ToLower(current)]
}
