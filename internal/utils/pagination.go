// Package utils holds small helpers shared by the HTTP layer.
package utils

import (
	"strconv"
	"strings"
)

// ClampInt parses s as a base-10 int and clamps it to [lo, hi]. Empty or
// malformed input yields def, which is clamped too.
func ClampInt(s string, def, lo, hi int) int {
	n := def
	if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		n = v
	}
	return min(max(n, lo), hi)
}

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

// Offset is the number of rows before this page.
func (p Page) Offset() int {
	if p.Number < 1 || p.Size < 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// Span reports how many pages total rows fill and whether another page
// follows this one.
func (p Page) Span(total int64) (pages int, hasNext bool) {
	if p.Size < 1 || total <= 0 {
		return 0, false
	}
	pages = int((total + int64(p.Size) - 1) / int64(p.Size))
	return pages, p.Number < pages
}
