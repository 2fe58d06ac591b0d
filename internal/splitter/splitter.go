// Package splitter turns parsed document text into bounded, overlapping
// chunks ahead of embedding. Two strategies exist: a recursive splitter
// that descends a separator chain for space-delimited scripts, and a
// sentence splitter tuned for CJK punctuation. The chunking policy samples
// the head of the text and picks the sentence splitter when the CJK
// character fraction reaches 0.3, so a knowledge base holding mixed-script
// corpora still chunks each file sensibly.
package splitter

import (
	"strings"
	"unicode"

	"github.com/kbase-ai/kbase-go/internal/kb"
)

// sampleRunes is how much of the head of the text the script detector reads.
const sampleRunes = 1000

// cjkThreshold is the CJK fraction at which the sentence splitter wins.
const cjkThreshold = 0.3

// Split chunks text according to the knowledge base's chunk config. The
// result is deterministic: the same text and config always produce the same
// chunks. Empty or whitespace-only input yields nil.
func Split(text string, cfg kb.ChunkConfig) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	useSentence := cfg.ParserType == kb.ParserSentence
	if !useSentence && CJKFraction(text) >= cjkThreshold {
		useSentence = true
	}

	var units []string
	if useSentence {
		// A single run-on sentence longer than the chunk size is hard-cut
		// so the size bound still holds.
		for _, u := range splitSentences(text) {
			if len([]rune(u)) > cfg.ChunkSize {
				units = append(units, hardCut(u, cfg.ChunkSize)...)
			} else {
				units = append(units, u)
			}
		}
	} else {
		units = splitRecursive(text, separatorChain(cfg.Separator), cfg.ChunkSize)
	}
	return merge(units, cfg.ChunkSize, cfg.ChunkOverlap)
}

// CJKFraction returns the fraction of CJK runes in the first ~1000 runes of
// text. The denominator is the raw sample, whitespace included, so the
// fraction reflects how much of the document is CJK prose rather than how
// many of its letters are.
func CJKFraction(text string) float64 {
	var total, cjk int
	for _, r := range text {
		if total >= sampleRunes {
			break
		}
		total++
		if isCJK(r) {
			cjk++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(cjk) / float64(total)
}

// isCJK reports whether r belongs to a CJK script.
func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// sentenceTerminators end a CJK or Latin sentence. The unit keeps its
// terminator so merged chunks read naturally.
var sentenceTerminators = map[rune]bool{
	'。': true, '！': true, '？': true, '；': true, '…': true,
	'.': true, '!': true, '?': true, ';': true, '\n': true,
}

// splitSentences cuts text after each sentence terminator. Units keep their
// trailing whitespace so merged chunks preserve word boundaries.
func splitSentences(text string) []string {
	var units []string
	var current []rune
	terminated := false
	for _, r := range text {
		// Attach whitespace following a terminator to the finished unit.
		if terminated && !unicode.IsSpace(r) {
			if u := string(current); strings.TrimSpace(u) != "" {
				units = append(units, u)
			}
			current = current[:0]
			terminated = false
		}
		current = append(current, r)
		if sentenceTerminators[r] {
			terminated = true
		}
	}
	if u := string(current); strings.TrimSpace(u) != "" {
		units = append(units, u)
	}
	return units
}

// separatorChain builds the descent order for the recursive splitter: the
// configured separator first, then progressively finer fallbacks.
func separatorChain(primary string) []string {
	chain := []string{"\n\n", "\n", " "}
	if primary == "" {
		return chain
	}
	out := []string{primary}
	for _, s := range chain {
		if s != primary {
			out = append(out, s)
		}
	}
	return out
}

// splitRecursive cuts text into units no longer than maxRunes by descending
// the separator chain; pieces still too long after the last separator are
// hard-cut on rune boundaries. Each unit keeps its trailing separator so
// merging is pure concatenation.
func splitRecursive(text string, seps []string, maxRunes int) []string {
	if len([]rune(text)) <= maxRunes {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}
	if len(seps) == 0 {
		return hardCut(text, maxRunes)
	}

	sep := seps[0]
	parts := strings.SplitAfter(text, sep)
	if len(parts) == 1 {
		// Separator absent; try the next one.
		return splitRecursive(text, seps[1:], maxRunes)
	}

	var units []string
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		if len([]rune(part)) <= maxRunes {
			units = append(units, part)
			continue
		}
		units = append(units, splitRecursive(part, seps[1:], maxRunes)...)
	}
	return units
}

// hardCut slices text into maxRunes-sized pieces on rune boundaries.
func hardCut(text string, maxRunes int) []string {
	runes := []rune(text)
	var out []string
	for start := 0; start < len(runes); start += maxRunes {
		end := start + maxRunes
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// merge greedily packs units into chunks of at most size runes and seeds
// each subsequent chunk with the previous chunk's tail units, up to overlap
// runes, so context spans chunk boundaries.
func merge(units []string, size, overlap int) []string {
	var chunks []string
	var current []string
	currentLen := 0
	// fresh counts units appended since the last flush, excluding the
	// carried-over overlap seed. A buffer with fresh == 0 repeats text the
	// previous chunk already holds and must never be emitted on its own.
	fresh := 0

	flush := func() {
		if currentLen == 0 {
			return
		}
		chunk := strings.TrimSpace(strings.Join(current, ""))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		// Seed the next chunk with tail units totalling at most overlap runes.
		var tail []string
		tailLen := 0
		for i := len(current) - 1; i >= 0 && overlap > 0; i-- {
			l := len([]rune(current[i]))
			if tailLen+l > overlap {
				break
			}
			tail = append([]string{current[i]}, tail...)
			tailLen += l
		}
		current = tail
		currentLen = tailLen
		fresh = 0
	}

	for _, u := range units {
		l := len([]rune(u))
		if currentLen+l > size && currentLen > 0 {
			if fresh > 0 {
				flush()
			} else {
				// The overlap seed alone cannot host this unit; drop it and
				// start the chunk clean rather than re-emitting the seed.
				current = current[:0]
				currentLen = 0
			}
		}
		current = append(current, u)
		currentLen += l
		fresh++
	}
	if fresh > 0 && currentLen > 0 {
		if chunk := strings.TrimSpace(strings.Join(current, "")); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}
