package utils

import "testing"

func TestClampInt(t *testing.T) {
	cases := []struct {
		s           string
		def, lo, hi int
		want        int
	}{
		{"", 20, 1, 100, 20},
		{"42", 20, 1, 100, 42},
		{" 7 ", 20, 1, 100, 7},
		{"0", 20, 1, 100, 1},
		{"1000", 20, 1, 100, 100},
		{"-3", 20, 1, 100, 1},
		{"x", 5, 1, 100, 5},
		{"999999999999999999999999", 10, 1, 50, 10},
		{"", 0, 1, 50, 1},
	}
	for _, tc := range cases {
		if got := ClampInt(tc.s, tc.def, tc.lo, tc.hi); got != tc.want {
			t.Errorf("ClampInt(%q, %d, %d, %d) = %d; want %d", tc.s, tc.def, tc.lo, tc.hi, got, tc.want)
		}
	}
}

func TestPage(t *testing.T) {
	p := Page{Number: 2, Size: 2}
	if p.Offset() != 2 {
		t.Fatalf("Offset = %d", p.Offset())
	}
	if pages, next := p.Span(5); pages != 3 || !next {
		t.Fatalf("Span(5) = %d, %v", pages, next)
	}
	if pages, next := (Page{Number: 3, Size: 2}).Span(5); pages != 3 || next {
		t.Fatalf("last page Span = %d, %v", pages, next)
	}
	if pages, next := p.Span(0); pages != 0 || next {
		t.Fatalf("empty Span = %d, %v", pages, next)
	}
	if (Page{}).Offset() != 0 {
		t.Fatalf("zero page offset")
	}
}
