package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunkShortTextIsUntouched(t *testing.T) {
	got := chunk("hello\n", 10, "")
	if len(got) != 1 || got[0] != "hello\n" {
		t.Fatalf("chunk = %q", got)
	}
}

func TestChunkPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := chunk(s, 10, "")
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("chunk = %q", got)
	}
}

func TestChunkHardCutCountsRunes(t *testing.T) {
	s := strings.Repeat("é", 25)
	got := chunk(s, 10, "")
	if len(got) != 3 {
		t.Fatalf("pieces = %d, want 3", len(got))
	}
	for i, p := range got {
		if n := utf8.RuneCountInString(p); n > 10 {
			t.Fatalf("piece %d has %d runes", i, n)
		}
	}
	if strings.Join(got, "") != s {
		t.Fatalf("pieces do not reassemble")
	}
}

func TestChunkAvoidsCuttingHTMLTag(t *testing.T) {
	s := "01234567<b>x</b>"
	got := chunk(s, 10, "HTML")
	if got[0] != "01234567" {
		t.Fatalf("first piece = %q", got[0])
	}
	for _, p := range got {
		if strings.Count(p, "<") != strings.Count(p, ">") {
			t.Fatalf("piece %q splits a tag", p)
		}
	}
}
