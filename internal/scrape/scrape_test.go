package scrape

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNormalizeCollapsesWhitespace(t *testing.T) {
	got := Normalize("  Wireless\n\n earbuds \t with 30-hour battery ", 0)
	if got != "Wireless earbuds with 30-hour battery" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestNormalizeTruncatesRunes(t *testing.T) {
	in := strings.Repeat("é", DefaultMaxChars+50)
	got := Normalize(in, DefaultMaxChars)
	if n := utf8.RuneCountInString(got); n != DefaultMaxChars {
		t.Fatalf("expected %d runes, got %d", DefaultMaxChars, n)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune")
	}
}

func TestNewBrowserDefaults(t *testing.T) {
	b := NewBrowser(Config{})
	if b.maxChars != DefaultMaxChars || b.timeout <= 0 {
		t.Fatalf("unexpected defaults: %+v", b)
	}
}
