package retrieval

import (
	"sort"
	"strings"

	"github.com/kbase-ai/kbase-go/internal/vecindex"
)

// Hybrid fusion constants.
const (
	// relaxFactor widens the vector pass: the candidate search runs at
	// this fraction of the configured threshold.
	relaxFactor = 0.5
	// candidateMultiplier sizes the vector candidate set relative to top_k.
	candidateMultiplier = 4
	// keywordBoost compensates keyword scores for their systematically
	// smaller scale against cosine similarities.
	keywordBoost = 1.2
	// occurrenceBonus is added per repeated keyword occurrence beyond the
	// first, before the 1.0 cap.
	occurrenceBonus = 0.05
	// scrollLimit bounds the corpus walked by the keyword scan. The scan
	// is a linear pass over payload text with no index.
	scrollLimit = 10000
)

// keywordScore rates how well text matches the extracted keywords: the
// fraction of keywords present, plus a small bonus for repeats, capped at
// 1.0. Returns 0 when no keyword matches.
func keywordScore(text string, keywords []string) float32 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(text)

	matched := 0
	extra := 0
	for _, k := range keywords {
		n := strings.Count(lower, k)
		if n == 0 {
			continue
		}
		matched++
		extra += n - 1
	}
	if matched == 0 {
		return 0
	}

	score := float32(matched)/float32(len(keywords)) + float32(extra)*occurrenceBonus
	if score > 1 {
		score = 1
	}
	return score
}

// fuseResults merges the vector and keyword result sets by id. A candidate
// in both sets earns vector_score*vw + keyword_score*kw*boost; single-set
// candidates earn their own weighted term only. The output is sorted by
// final score descending; ties keep the original enumeration order, vector
// results before keyword-only results.
func fuseResults(vectorHits []vecindex.Result, keywordHits []scoredChunk, vectorWeight float32, topK int) []vecindex.Result {
	keywordWeight := 1 - vectorWeight

	type fused struct {
		order int
		res   vecindex.Result
		score float32
	}
	byID := make(map[string]*fused, len(vectorHits))
	var ordered []*fused

	for _, h := range vectorHits {
		f := &fused{order: len(ordered), res: h, score: h.Score * vectorWeight}
		byID[h.ID] = f
		ordered = append(ordered, f)
	}
	for _, h := range keywordHits {
		contribution := h.score * keywordWeight * keywordBoost
		if f, ok := byID[h.chunk.ID]; ok {
			f.score += contribution
			continue
		}
		res := h.chunk
		res.Score = h.score
		f := &fused{order: len(ordered), res: res, score: contribution}
		byID[h.chunk.ID] = f
		ordered = append(ordered, f)
	}

	sort.SliceStable(ordered, func(a, b int) bool {
		if ordered[a].score != ordered[b].score {
			return ordered[a].score > ordered[b].score
		}
		return ordered[a].order < ordered[b].order
	})

	if topK > 0 && len(ordered) > topK {
		ordered = ordered[:topK]
	}
	out := make([]vecindex.Result, 0, len(ordered))
	for _, f := range ordered {
		res := f.res
		res.Score = f.score
		out = append(out, res)
	}
	return out
}

// scoredChunk pairs a corpus chunk with its keyword score.
type scoredChunk struct {
	chunk vecindex.Result
	score float32
}

// scanKeywords walks the corpus linearly and scores every chunk against the
// keywords, returning matches sorted by score descending (scan order breaks
// ties).
func scanKeywords(corpus []vecindex.Result, keywords []string) []scoredChunk {
	var hits []scoredChunk
	for _, c := range corpus {
		if s := keywordScore(c.Payload.Text, keywords); s > 0 {
			hits = append(hits, scoredChunk{chunk: c, score: s})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].score > hits[b].score
	})
	return hits
}
