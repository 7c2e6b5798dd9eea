package indexer

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCleanContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"collapses whitespace", "  Hello \n\n\t world  ", "Hello world"},
		{"drops cookie banner", "Article body. Accept all cookies to continue reading", "Article body."},
		{"case insensitive", "Body text SIGN UP FOR NEWSLETTER now", "Body text"},
		{"marker split by newlines", "Body\nAccept   all\ncookies here", "Body"},
		{"nothing to drop", "Plain text", "Plain text"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanContent(tt.in, 0); got != tt.want {
				t.Errorf("CleanContent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCleanContent_Clips(t *testing.T) {
	long := strings.Repeat("é", DefaultMaxContentChars+100)
	got := CleanContent(long, 0)
	if n := utf8.RuneCountInString(got); n != DefaultMaxContentChars {
		t.Errorf("got %d runes, want %d", n, DefaultMaxContentChars)
	}
	if got := CleanContent("abcdef", 3); got != "abc" {
		t.Errorf("got %q", got)
	}
}
