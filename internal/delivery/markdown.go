package delivery

import (
	"strings"
	"unicode/utf16"
)

// markdownV2Special lists the characters MarkdownV2 requires escaping.
const markdownV2Special = "_*[]()~`>#+-=|{}.!\\"

// EscapeMarkdownV2 prefixes every MarkdownV2 special character with a
// backslash so text renders literally.
func EscapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/8)
	for _, r := range text {
		if strings.ContainsRune(markdownV2Special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UnescapeMarkdownV2 reverses EscapeMarkdownV2. A trailing lone backslash is
// kept as is.
func UnescapeMarkdownV2(text string) string {
	if !strings.ContainsRune(text, '\\') {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	rs := []rune(text)
	for i := 0; i < len(rs); i++ {
		if rs[i] == '\\' && i+1 < len(rs) && strings.ContainsRune(markdownV2Special, rs[i+1]) {
			i++
		}
		b.WriteRune(rs[i])
	}
	return b.String()
}

// TextLen is the length of s in UTF-16 code units, the unit Telegram uses
// for its message limit. Characters outside the BMP count twice.
func TextLen(s string) int {
	n := 0
	for _, r := range s {
		n += runeUnits(r)
	}
	return n
}

func runeUnits(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

// fit returns how many leading runes of rs fit in limit code units.
func fit(rs []rune, limit int) int {
	used := 0
	for i, r := range rs {
		used += runeUnits(r)
		if used > limit {
			return i
		}
	}
	return len(rs)
}

// Split cuts text into chunks of at most limit UTF-16 code units (see
// TextLen). It prefers to cut after a newline, then after a space, when one
// falls in the second half of the window, and it never ends a chunk on a
// backslash that escapes the next character. Text within the limit is
// returned as a single chunk.
func Split(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 1 || TextLen(text) <= limit {
		return []string{text}
	}

	rs := []rune(text)
	var out []string
	for {
		end := fit(rs, limit)
		if end == len(rs) {
			break
		}
		cut := max(end, 1)
		if i := lastIndexRune(rs[:cut], '\n'); i >= cut/2 {
			cut = i + 1
		} else if i := lastIndexRune(rs[:cut], ' '); i >= cut/2 {
			cut = i + 1
		}
		if cut > 1 && trailingBackslashes(rs[:cut])%2 == 1 {
			cut--
		}
		out = append(out, string(rs[:cut]))
		rs = rs[cut:]
	}
	if len(rs) > 0 {
		out = append(out, string(rs))
	}
	return out
}

// Truncate returns the longest prefix of text within limit UTF-16 code
// units.
func Truncate(text string, limit int) string {
	if limit <= 0 || TextLen(text) <= limit {
		return text
	}
	rs := []rune(text)
	return string(rs[:fit(rs, limit)])
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

func trailingBackslashes(rs []rune) int {
	n := 0
	for i := len(rs) - 1; i >= 0 && rs[i] == '\\'; i-- {
		n++
	}
	return n
}
