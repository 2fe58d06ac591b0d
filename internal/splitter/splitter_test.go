package splitter

import (
	"strings"
	"testing"

	"github.com/kbase-ai/kbase-go/internal/kb"
)

// cfg builds a recursive chunk config with the given size and overlap.
func cfg(size, overlap int) kb.ChunkConfig {
	return kb.ChunkConfig{ChunkSize: size, ChunkOverlap: overlap, ParserType: kb.ParserRecursive, Separator: "\n\n"}
}

func Test_Splitter_EmptyInputYieldsNoChunks(t *testing.T) {
	t.Parallel()

	if got := Split("", cfg(100, 20)); got != nil {
		t.Errorf("empty: want nil, got %v", got)
	}
	if got := Split("   \n\t  ", cfg(100, 20)); got != nil {
		t.Errorf("whitespace: want nil, got %v", got)
	}
}

func Test_Splitter_ShortTextIsOneChunk(t *testing.T) {
	t.Parallel()

	chunks := Split("short text", cfg(100, 20))
	if len(chunks) != 1 || chunks[0] != "short text" {
		t.Fatalf("want single chunk, got %v", chunks)
	}
}

func Test_Splitter_LongPlainTextChunkCount(t *testing.T) {
	t.Parallel()

	// 500 characters of space-separated words, size 100 overlap 20:
	// effective stride is ~80 runes, so at least 4 chunks must come out.
	text := strings.TrimSpace(strings.Repeat("lorem ipsum dolor sit amet ", 19))[:500]
	chunks := Split(text, cfg(100, 20))

	if len(chunks) < 4 {
		t.Fatalf("want >= 4 chunks from 500 chars at size 100, got %d", len(chunks))
	}
	for i, c := range chunks {
		if n := len([]rune(c)); n > 100 {
			t.Errorf("chunk %d exceeds size: %d runes", i, n)
		}
	}
}

func Test_Splitter_Deterministic(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("alpha beta gamma delta epsilon. ", 40)
	c := cfg(128, 32)

	first := Split(text, c)
	second := Split(text, c)
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func Test_Splitter_OverlapCarriesTail(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("word ", 100)
	chunks := Split(text, cfg(100, 40))
	if len(chunks) < 2 {
		t.Fatalf("want multiple chunks, got %d", len(chunks))
	}

	// Each chunk after the first must start with text present near the end
	// of its predecessor.
	for i := 1; i < len(chunks); i++ {
		head := chunks[i]
		if len(head) > 20 {
			head = head[:20]
		}
		if !strings.Contains(chunks[i-1], strings.TrimSpace(head)) {
			t.Errorf("chunk %d does not overlap its predecessor", i)
		}
	}
}

func Test_Splitter_SeparatorChainHonorsParagraphs(t *testing.T) {
	t.Parallel()

	para := strings.Repeat("x", 90)
	text := para + "\n\n" + para + "\n\n" + para
	chunks := Split(text, cfg(100, 0))

	if len(chunks) != 3 {
		t.Fatalf("want 3 paragraph chunks, got %d: %v", len(chunks), chunks)
	}
	for i, c := range chunks {
		if strings.TrimSpace(c) != para {
			t.Errorf("chunk %d not a clean paragraph", i)
		}
	}
}

func Test_Splitter_RepeatedParagraphsAllKept(t *testing.T) {
	t.Parallel()

	// The final paragraph repeats the previous one verbatim; it is real
	// document content and must come out as its own chunk.
	para := strings.Repeat("y", 80)
	text := para + "\n\n" + para
	chunks := Split(text, cfg(100, 0))

	if len(chunks) != 2 {
		t.Fatalf("want 2 chunks for repeated paragraphs, got %d: %v", len(chunks), chunks)
	}
	for i, c := range chunks {
		if strings.TrimSpace(c) != para {
			t.Errorf("chunk %d altered: %q", i, c)
		}
	}
}

func Test_Splitter_CJKDetection(t *testing.T) {
	t.Parallel()

	if f := CJKFraction("hello world this is latin text"); f != 0 {
		t.Errorf("latin: want 0, got %v", f)
	}
	if f := CJKFraction("这是一段完整的中文文本内容"); f < 0.99 {
		t.Errorf("chinese: want ~1, got %v", f)
	}
	// Mostly CJK with a Latin word mixed in: 8 of 15 sampled runes are CJK.
	if f := CJKFraction("中文中文 words 中文中文"); f < cjkThreshold {
		t.Errorf("mostly cjk: want >= %v, got %v", cjkThreshold, f)
	}
	// A sprinkle of CJK in Latin prose stays under the policy threshold.
	if f := CJKFraction("中文 some mostly latin words here"); f >= cjkThreshold {
		t.Errorf("mostly latin: want < %v, got %v", cjkThreshold, f)
	}
}

func Test_Splitter_CJKUsesSentenceBoundaries(t *testing.T) {
	t.Parallel()

	sentence := strings.Repeat("知", 60) + "。"
	text := sentence + sentence + sentence
	chunks := Split(text, cfg(100, 0))

	if len(chunks) != 3 {
		t.Fatalf("want 3 sentence chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if !strings.HasSuffix(c, "。") {
			t.Errorf("chunk %d does not end on a sentence boundary: %q", i, c[len(c)-9:])
		}
	}
}

func Test_Splitter_SentenceParserForcedForLatin(t *testing.T) {
	t.Parallel()

	c := kb.ChunkConfig{ChunkSize: 100, ChunkOverlap: 0, ParserType: kb.ParserSentence, Separator: "\n\n"}
	text := strings.Repeat(strings.Repeat("w", 70)+". ", 3)
	chunks := Split(text, c)

	if len(chunks) != 3 {
		t.Fatalf("want 3 chunks, got %d: %v", len(chunks), chunks)
	}
	for i, chunk := range chunks {
		if !strings.HasSuffix(strings.TrimSpace(chunk), ".") {
			t.Errorf("chunk %d not sentence-bounded: %q", i, chunk)
		}
	}
}

func Test_Splitter_RunOnSentenceIsHardCut(t *testing.T) {
	t.Parallel()

	c := kb.ChunkConfig{ChunkSize: 100, ChunkOverlap: 0, ParserType: kb.ParserSentence}
	text := strings.Repeat("字", 250)
	chunks := Split(text, c)

	if len(chunks) != 3 {
		t.Fatalf("want 3 hard-cut chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if n := len([]rune(chunk)); n > 100 {
			t.Errorf("chunk %d exceeds size: %d runes", i, n)
		}
	}
}
