package retrieval

import (
	"sort"
)

// Index is a small in-memory vector index over text passages. It lives for
// one run and is not safe for concurrent mutation.
type Index struct {
	passages []passage
}

type passage struct {
	text string
	vec  []float32
}

// Add stores a passage with its embedding.
func (ix *Index) Add(text string, vec []float32) {
	ix.passages = append(ix.passages, passage{text: text, vec: vec})
}

// Len returns the number of indexed passages.
func (ix *Index) Len() int {
	return len(ix.passages)
}

// Search returns the text of the k passages most similar to the query
// vector, best first. Passages whose dimensions do not match are skipped.
func (ix *Index) Search(query []float32, k int) []string {
	type scored struct {
		text  string
		score float64
	}

	ranked := make([]scored, 0, len(ix.passages))
	for _, p := range ix.passages {
		sim, err := CosineSimilarity(query, p.vec)
		if err != nil {
			continue
		}
		ranked = append(ranked, scored{text: p.text, score: sim})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]string, 0, k)
	for _, s := range ranked[:k] {
		out = append(out, s.text)
	}
	return out
}
