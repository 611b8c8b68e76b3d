// Package retrieval turns user-supplied reference documents into ranked
// context passages for the generation prompt. Documents are split into
// passages, embedded, and searched by cosine similarity against a query
// built from the diagnosis label.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// TopK passages are handed to the prompt builder.
	TopK = 6

	// MaxPassageChars caps each passage to bound prompt size.
	MaxPassageChars = 1400

	// queryTopics is appended to the diagnosis label when searching.
	queryTopics = "clinical features comorbidities treatment"
)

// Retriever indexes documents and answers similarity queries.
type Retriever struct {
	embedder Embedder
}

// NewRetriever creates a retriever over the given embedding engine.
func NewRetriever(embedder Embedder) *Retriever {
	return &Retriever{embedder: embedder}
}

// Passages ingests the documents and returns the TopK passages most relevant
// to the diagnosis label, each truncated to MaxPassageChars. Callers skip
// this entirely when no documents were supplied.
func (r *Retriever) Passages(ctx context.Context, docs []Document, diagnosisLabel string) ([]string, error) {
	var chunks []string     // passage text handed to the prompt
	var embedTexts []string // scope note + passage, what similarity sees

	for _, doc := range docs {
		text, err := ExtractText(doc)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("retrieval: no parsable content in %q", doc.Filename)
		}
		note := strings.TrimSpace(doc.ScopeNote)
		for _, chunk := range splitPassages(text, MaxPassageChars) {
			chunks = append(chunks, chunk)
			if note != "" {
				embedTexts = append(embedTexts, note+"\n"+chunk)
			} else {
				embedTexts = append(embedTexts, chunk)
			}
		}
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("retrieval: documents produced no passages")
	}

	vecs, err := r.embedder.EmbedBatch(ctx, embedTexts)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed documents: %w", err)
	}

	ix := &Index{}
	for i, chunk := range chunks {
		ix.Add(chunk, vecs[i])
	}

	qvec, err := r.embedder.Embed(ctx, diagnosisLabel+" "+queryTopics)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	top := ix.Search(qvec, TopK)
	for i, p := range top {
		top[i] = truncate(strings.TrimSpace(p), MaxPassageChars)
	}
	return top, nil
}

// splitPassages breaks text into chunks of at most max characters, preferring
// paragraph boundaries.
func splitPassages(text string, max int) []string {
	var out []string
	var b strings.Builder

	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		// A single oversized paragraph is sliced hard.
		for len(para) > max {
			flush()
			out = append(out, strings.TrimSpace(para[:max]))
			para = strings.TrimSpace(para[max:])
		}
		if para == "" {
			continue
		}
		if b.Len() > 0 && b.Len()+len(para)+2 > max {
			flush()
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(para)
	}
	flush()
	return out
}

// truncate caps s at max bytes without cutting a rune in half.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
