package delivery

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestEscapeMarkdownV2(t *testing.T) {
	in := "Hi_there *bold* [x](y) ~`>#+-=|{}.! a\\b"
	want := `Hi\_there \*bold\* \[x\]\(y\) \~\` + "`" + `\>\#\+\-\=\|\{\}\.\! a\\b`
	if got := EscapeMarkdownV2(in); got != want {
		t.Fatalf("EscapeMarkdownV2 = %q; want %q", got, want)
	}
	if got := UnescapeMarkdownV2(EscapeMarkdownV2(in)); got != in {
		t.Fatalf("round trip = %q; want %q", got, in)
	}
	if got := EscapeMarkdownV2("plain words 123"); got != "plain words 123" {
		t.Fatalf("plain text changed: %q", got)
	}
	if got := UnescapeMarkdownV2(`dangling\`); got != `dangling\` {
		t.Fatalf("lone trailing backslash: %q", got)
	}
}

func TestSplit_ShortAndEmpty(t *testing.T) {
	if got := Split("", 10); got != nil {
		t.Fatalf("empty text: %v", got)
	}
	if got := Split("hello", 10); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("short text: %v", got)
	}
	exact := strings.Repeat("a", 4096)
	if got := Split(exact, 4096); len(got) != 1 {
		t.Fatalf("exact-limit text split into %d", len(got))
	}
}

func TestSplit_OrderedAndWithinLimit(t *testing.T) {
	text := strings.Repeat("word ", 2000) // 10000 runes
	chunks := Split(text, 4096)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if strings.Join(chunks, "") != text {
		t.Fatalf("chunks do not reassemble the original")
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 4096 {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
		if i < len(chunks)-1 && !strings.HasSuffix(c, " ") {
			t.Fatalf("chunk %d should end at a space: %q", i, c[len(c)-10:])
		}
	}
}

func TestSplit_PrefersNewline(t *testing.T) {
	text := strings.Repeat("x", 30) + "\n" + strings.Repeat("y", 5) + " " + strings.Repeat("z", 20)
	chunks := Split(text, 40)
	if len(chunks) != 2 || chunks[0] != strings.Repeat("x", 30)+"\n" {
		t.Fatalf("unexpected chunks %q", chunks)
	}
}

func TestSplit_NeverBreaksEscape(t *testing.T) {
	// Every cut position lands on an escape pair at some offset.
	for limit := 2; limit <= 12; limit++ {
		for pad := 0; pad < limit; pad++ {
			text := EscapeMarkdownV2(strings.Repeat("a", pad) + strings.Repeat(".", 40))
			chunks := Split(text, limit)
			if strings.Join(chunks, "") != text {
				t.Fatalf("limit=%d pad=%d: reassembly mismatch", limit, pad)
			}
			for i, c := range chunks {
				if utf8.RuneCountInString(c) > limit {
					t.Fatalf("limit=%d pad=%d: chunk %d too long: %q", limit, pad, i, c)
				}
				if trailingBackslashes([]rune(c))%2 == 1 {
					t.Fatalf("limit=%d pad=%d: chunk %d ends inside an escape: %q", limit, pad, i, c)
				}
			}
		}
	}
}

func TestSplit_EscapedBackslashPairs(t *testing.T) {
	text := EscapeMarkdownV2(strings.Repeat(`\`, 9)) // 18 backslashes
	for _, c := range Split(text, 5) {
		if trailingBackslashes([]rune(c))%2 == 1 {
			t.Fatalf("chunk %q splits an escaped backslash", c)
		}
	}
}

func TestSplit_MultiByteRunes(t *testing.T) {
	text := strings.Repeat("日本語", 10) // 30 runes
	chunks := Split(text, 7)
	for _, c := range chunks {
		if !utf8.ValidString(c) || utf8.RuneCountInString(c) > 7 {
			t.Fatalf("bad chunk %q", c)
		}
	}
	if strings.Join(chunks, "") != text {
		t.Fatalf("reassembly mismatch")
	}
}

func TestTextLen(t *testing.T) {
	cases := map[string]int{"": 0, "abc": 3, "héllo": 5, "日本": 2, "😀": 2, "a😀b": 4}
	for in, want := range cases {
		if got := TextLen(in); got != want {
			t.Errorf("TextLen(%q) = %d; want %d", in, got, want)
		}
	}
}

func TestSplit_CountsAstralRunesTwice(t *testing.T) {
	text := strings.Repeat("😀", 4000) // 8000 UTF-16 units
	chunks := Split(text, 4096)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if strings.Join(chunks, "") != text {
		t.Fatalf("reassembly mismatch")
	}
	for i, c := range chunks {
		if n := TextLen(c); n > 4096 {
			t.Fatalf("chunk %d is %d units", i, n)
		}
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d cuts a rune", i)
		}
	}

	// An escape right before an emoji that does not fit stays whole.
	for limit := 2; limit <= 8; limit++ {
		esc := EscapeMarkdownV2(strings.Repeat("!😀", 10))
		for _, c := range Split(esc, limit) {
			if TextLen(c) > limit || trailingBackslashes([]rune(c))%2 == 1 {
				t.Fatalf("limit=%d: bad chunk %q", limit, c)
			}
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("ab😀c", 3); got != "ab" {
		t.Fatalf("Truncate across a surrogate pair = %q", got)
	}
	if got := Truncate(strings.Repeat("😀", 3000), 4096); TextLen(got) != 4096 {
		t.Fatalf("Truncate kept %d units", TextLen(got))
	}
	if got := Truncate("héllo", 2); got != "hé" {
		t.Fatalf("Truncate = %q", got)
	}
	if got := Truncate("abc", 0); got != "abc" {
		t.Fatalf("Truncate with no limit = %q", got)
	}
}
