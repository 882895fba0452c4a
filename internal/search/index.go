// Package search ranks transcript turns against a free-text query. It backs
// the admin archive search: an index is built per request from one user's
// archived turns and thrown away afterwards.
//
// Scoring is Jaccard similarity between the query's token set and a turn's:
// |Q ∩ T| / |Q ∪ T|. Ties go to the shorter turn, then to the lower Ref, so
// results are deterministic.
package search

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// Doc is one searchable text. Ref identifies it to the caller.
type Doc struct {
	Ref  string
	Text string
}

// Hit is a ranked match.
type Hit struct {
	Ref     string  `json:"ref"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Option tunes an Index.
type Option func(*options)

type options struct {
	minRunes     int
	snippetRunes int
	stopwords    map[string]struct{}
}

func defaults() options {
	return options{minRunes: 1, snippetRunes: 280}
}

// WithMinRunes skips documents shorter than n runes.
func WithMinRunes(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.minRunes = n
		}
	}
}

// WithSnippetRunes caps the snippet length of each hit. n <= 0 keeps the
// whole text.
func WithSnippetRunes(n int) Option {
	return func(o *options) { o.snippetRunes = n }
}

// WithStopwords drops the given words from documents and queries.
func WithStopwords(words []string) Option {
	return func(o *options) {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			if w = fold(strings.TrimSpace(w)); w != "" {
				m[w] = struct{}{}
			}
		}
		if len(m) > 0 {
			o.stopwords = m
		}
	}
}

type doc struct {
	ref    string
	text   string
	runes  int
	tokens map[string]struct{}
}

// Index is immutable once built and safe for concurrent use.
type Index struct {
	opt  options
	docs []doc
}

// New indexes docs. Empty and too-short texts are skipped.
func New(docs []Doc, opts ...Option) *Index {
	o := defaults()
	for _, fn := range opts {
		fn(&o)
	}
	idx := &Index{opt: o, docs: make([]doc, 0, len(docs))}
	for _, d := range docs {
		t := strings.Join(strings.Fields(d.Text), " ")
		n := utf8.RuneCountInString(t)
		if t == "" || n < o.minRunes {
			continue
		}
		toks := tokenize(t, o.stopwords)
		if len(toks) == 0 {
			continue
		}
		idx.docs = append(idx.docs, doc{ref: d.Ref, text: t, runes: n, tokens: toks})
	}
	return idx
}

// Len returns the number of indexed documents.
func (i *Index) Len() int { return len(i.docs) }

// TopK returns up to k hits for q, best first. k <= 0 means 10.
func (i *Index) TopK(q string, k int) []Hit {
	if k <= 0 {
		k = 10
	}
	qt := tokenize(q, i.opt.stopwords)
	if len(qt) == 0 || len(i.docs) == 0 {
		return nil
	}

	type scored struct {
		d     *doc
		score float64
	}
	var buf []scored
	for n := range i.docs {
		d := &i.docs[n]
		over := overlap(qt, d.tokens)
		if over == 0 {
			continue
		}
		union := len(qt) + len(d.tokens) - over
		buf = append(buf, scored{d: d, score: float64(over) / float64(union)})
	}

	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].score != buf[b].score {
			return buf[a].score > buf[b].score
		}
		if buf[a].d.runes != buf[b].d.runes {
			return buf[a].d.runes < buf[b].d.runes
		}
		return buf[a].d.ref < buf[b].d.ref
	})

	out := make([]Hit, 0, min(k, len(buf)))
	for _, s := range buf[:min(k, len(buf))] {
		out = append(out, Hit{Ref: s.d.ref, Snippet: snippet(s.d.text, i.opt.snippetRunes), Score: s.score})
	}
	return out
}

var wordRE = regexp.MustCompile(`[\p{L}\p{N}]+`)

// fold applies Unicode case folding. Casers keep state, so each call gets
// its own.
func fold(s string) string { return cases.Fold().String(s) }

func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	words := wordRE.FindAllString(fold(s), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, skip := stop[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

func snippet(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
