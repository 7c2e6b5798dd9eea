package indexer

import (
	"regexp"
	"strings"

	"github.com/hyperjump/revisit/pkg/utils"
)

// DefaultMaxContentChars is the default clip length for cleaned page content.
const DefaultMaxContentChars = 5000

// boilerplate marks where consent banners and newsletter prompts start; they
// tend to sit at the end of captured page text.
var boilerplate = regexp.MustCompile(`(?i)(accept all cookies|sign up for newsletter).*`)

// CleanContent prepares captured page text for embedding: trim, collapse
// whitespace, drop everything from a known boilerplate marker onward, then
// clip to maxChars runes (DefaultMaxContentChars when maxChars <= 0).
func CleanContent(raw string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxContentChars
	}
	text := utils.CollapseWhitespace(raw)
	text = strings.TrimSpace(boilerplate.ReplaceAllString(text, ""))
	return utils.ClipRunes(text, maxChars)
}
