// Package index implements the BM25 keyword index used for the lexical half
// of hybrid retrieval. The index is derived state: it is rebuilt on demand
// from the decision corpus and never persisted.
package index

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Okapi BM25 parameters.
const (
	k1 = 1.5
	b  = 0.75
)

// ScoredDoc is one keyword match with its min-max normalized score in [0,1].
type ScoredDoc struct {
	ID    string
	Score float64
}

// BM25 is an in-memory Okapi BM25 index over tokenized documents. It is safe
// for concurrent use; Search rebuilds lazily after Invalidate.
type BM25 struct {
	mu    sync.RWMutex
	docs  map[string]string
	dirty bool

	// built state
	tokens map[string][]string
	df     map[string]int
	lens   map[string]int
	avgLen float64
}

// NewBM25 creates an empty keyword index.
func NewBM25() *BM25 {
	return &BM25{
		docs:  make(map[string]string),
		dirty: true,
	}
}

// Put adds or replaces a document and marks the index stale.
func (x *BM25) Put(id, text string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs[id] = text
	x.dirty = true
}

// Delete removes a document and marks the index stale.
func (x *BM25) Delete(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.docs, id)
	x.dirty = true
}

// Reset drops all documents.
func (x *BM25) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs = make(map[string]string)
	x.dirty = true
}

// Len returns the number of indexed documents.
func (x *BM25) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Tokenize lowercases and splits on non-letter, non-digit runes.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func (x *BM25) rebuild() {
	x.tokens = make(map[string][]string, len(x.docs))
	x.df = make(map[string]int)
	x.lens = make(map[string]int, len(x.docs))

	total := 0
	for id, text := range x.docs {
		toks := Tokenize(text)
		x.tokens[id] = toks
		x.lens[id] = len(toks)
		total += len(toks)

		seen := make(map[string]bool, len(toks))
		for _, t := range toks {
			if !seen[t] {
				seen[t] = true
				x.df[t]++
			}
		}
	}
	if len(x.docs) > 0 {
		x.avgLen = float64(total) / float64(len(x.docs))
	} else {
		x.avgLen = 0
	}
	x.dirty = false
}

// Search scores all documents against the query and returns the top limit
// matches with scores min-max normalized to [0,1]. Documents scoring zero are
// omitted.
func (x *BM25) Search(query string, limit int) []ScoredDoc {
	qToks := Tokenize(query)
	if len(qToks) == 0 || limit <= 0 {
		return nil
	}

	x.mu.Lock()
	if x.dirty {
		x.rebuild()
	}
	x.mu.Unlock()

	x.mu.RLock()
	defer x.mu.RUnlock()

	n := len(x.docs)
	if n == 0 {
		return nil
	}

	// idf per query term, Okapi form with the +1 floor so common terms never
	// score negative.
	idf := make(map[string]float64, len(qToks))
	for _, t := range qToks {
		if _, ok := idf[t]; ok {
			continue
		}
		df := x.df[t]
		idf[t] = math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
	}

	var scored []ScoredDoc
	for id, toks := range x.tokens {
		tf := make(map[string]int)
		for _, t := range toks {
			tf[t]++
		}
		var score float64
		dl := float64(x.lens[id])
		for t, w := range idf {
			f := float64(tf[t])
			if f == 0 {
				continue
			}
			denom := f + k1*(1-b+b*dl/x.avgLen)
			score += w * (f * (k1 + 1)) / denom
		}
		if score > 0 {
			scored = append(scored, ScoredDoc{ID: id, Score: score})
		}
	}
	if len(scored) == 0 {
		return nil
	}

	normalize(scored)
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// normalize rescales scores to [0,1] via min-max. A single match or a flat
// score distribution maps to 1.0.
func normalize(docs []ScoredDoc) {
	lo, hi := docs[0].Score, docs[0].Score
	for _, d := range docs[1:] {
		if d.Score < lo {
			lo = d.Score
		}
		if d.Score > hi {
			hi = d.Score
		}
	}
	if hi == lo {
		for i := range docs {
			docs[i].Score = 1
		}
		return
	}
	for i := range docs {
		docs[i].Score = (docs[i].Score - lo) / (hi - lo)
	}
}
