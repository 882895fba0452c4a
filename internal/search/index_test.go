package search

import (
	"strings"
	"sync"
	"testing"
)

func TestTopKRanking(t *testing.T) {
	idx := New([]Doc{
		{Ref: "a", Text: "We talked about the weather in Lisbon"},
		{Ref: "b", Text: "Lisbon weather"},
		{Ref: "c", Text: "Nothing relevant here"},
		{Ref: "d", Text: "   "},
	})
	if idx.Len() != 3 {
		t.Fatalf("Len = %d, want 3", idx.Len())
	}

	hits := idx.TopK("weather LISBON", 5)
	if len(hits) != 2 {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].Ref != "b" || hits[0].Score != 1 {
		t.Fatalf("best = %+v", hits[0])
	}
	if hits[1].Ref != "a" || hits[1].Score <= 0 || hits[1].Score >= 1 {
		t.Fatalf("second = %+v", hits[1])
	}
}

func TestTopKTiesAreDeterministic(t *testing.T) {
	idx := New([]Doc{
		{Ref: "z", Text: "alpha beta"},
		{Ref: "y", Text: "alpha zeta"},
		{Ref: "x", Text: "alpha delta long"},
	})
	hits := idx.TopK("alpha", 0)
	got := make([]string, len(hits))
	for i, h := range hits {
		got[i] = h.Ref
	}
	if strings.Join(got, ",") != "y,z,x" {
		t.Fatalf("order = %v", got)
	}
	if one := idx.TopK("alpha", 1); len(one) != 1 || one[0].Ref != "y" {
		t.Fatalf("k=1 = %+v", one)
	}
}

func TestEmptyInputs(t *testing.T) {
	if hits := New(nil).TopK("anything", 3); hits != nil {
		t.Fatalf("empty index returned %v", hits)
	}
	idx := New([]Doc{{Ref: "a", Text: "hello there"}})
	for _, q := range []string{"", "   ", "!!!"} {
		if hits := idx.TopK(q, 3); hits != nil {
			t.Fatalf("query %q returned %v", q, hits)
		}
	}
}

func TestOptions(t *testing.T) {
	docs := []Doc{
		{Ref: "short", Text: "hi"},
		{Ref: "long", Text: "the quick brown fox jumps over the lazy dog"},
	}
	idx := New(docs, WithMinRunes(5), WithStopwords([]string{" The ", ""}), WithSnippetRunes(9))
	if idx.Len() != 1 {
		t.Fatalf("Len = %d", idx.Len())
	}
	if hits := idx.TopK("the", 3); hits != nil {
		t.Fatalf("stopword matched: %v", hits)
	}
	hits := idx.TopK("fox", 3)
	if len(hits) != 1 || hits[0].Snippet != "the quick…" {
		t.Fatalf("hits = %+v", hits)
	}
	if got := New(docs, WithSnippetRunes(0)).TopK("fox", 1)[0].Snippet; got != docs[1].Text {
		t.Fatalf("uncapped snippet = %q", got)
	}
}

func TestCaseFoldingAndUnicode(t *testing.T) {
	idx := New([]Doc{{Ref: "de", Text: "Die STRASSE ist lang"}, {Ref: "el", Text: "Καλημέρα κόσμε"}})
	if hits := idx.TopK("strasse", 1); len(hits) != 1 || hits[0].Ref != "de" {
		t.Fatalf("folded match = %+v", hits)
	}
	if hits := idx.TopK("ΚΌΣΜΕ", 1); len(hits) != 1 || hits[0].Ref != "el" {
		t.Fatalf("greek match = %+v", hits)
	}
}

func TestConcurrentQueries(t *testing.T) {
	idx := New([]Doc{{Ref: "a", Text: "shared read only index"}})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if hits := idx.TopK("index", 1); len(hits) != 1 {
				t.Errorf("hits = %v", hits)
			}
		}()
	}
	wg.Wait()
}
