package retrieval

import (
	"sort"
	"strings"
	"unicode"
)

// Expansion defaults.
const (
	// defaultMaxExpansionRatio caps the expanded query at twice the
	// original length.
	defaultMaxExpansionRatio = 2.0
	// defaultMaxContextTerms caps how many terms the context string may
	// contribute.
	defaultMaxContextTerms = 5
	// minLatinTokenLen drops short Latin tokens ("a", "of", "to").
	minLatinTokenLen = 3
)

// stopwords are never useful as search keywords.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"was": true, "one": true, "our": true, "out": true, "has": true,
	"have": true, "this": true, "that": true, "with": true, "from": true,
	"they": true, "been": true, "were": true, "what": true, "when": true,
	"where": true, "which": true, "their": true, "will": true, "would": true,
	"there": true, "about": true, "into": true, "than": true, "then": true,
	"them": true, "these": true, "some": true, "such": true, "only": true,
	"other": true, "more": true, "most": true, "over": true, "very": true,
	"的": true, "了": true, "和": true, "是": true, "在": true,
	"我们": true, "你们": true, "他们": true, "这个": true, "那个": true,
	"什么": true, "怎么": true, "以及": true, "或者": true, "因为": true,
	"所以": true, "但是": true, "如果": true, "就是": true, "可以": true,
}

// synonyms is the static expansion dictionary. Entries are bidirectional
// only where listed both ways.
var synonyms = map[string][]string{
	"error":     {"failure", "fault"},
	"failure":   {"error"},
	"delete":    {"remove", "drop"},
	"remove":    {"delete"},
	"create":    {"add", "new"},
	"update":    {"modify", "change"},
	"config":    {"configuration", "settings"},
	"settings":  {"configuration"},
	"document":  {"file", "doc"},
	"file":      {"document"},
	"search":    {"query", "find"},
	"query":     {"search"},
	"install":   {"setup", "deploy"},
	"deploy":    {"install", "release"},
	"问题":        {"故障", "错误"},
	"错误":        {"问题"},
	"删除":        {"移除"},
	"配置":        {"设置"},
	"文档":        {"文件"},
	"搜索":        {"查询"},
	"查询":        {"搜索"},
}

// ExpandOptions tunes query expansion. Zero values select the defaults.
type ExpandOptions struct {
	// MaxExpansionRatio caps the expanded length at ratio × original length.
	MaxExpansionRatio float64
	// MaxContextTerms caps terms contributed by the context string.
	MaxContextTerms int
	// UseSynonyms unions in terms from the static synonym dictionary.
	UseSynonyms bool
}

// ExtractKeywords tokenizes text script-aware: runs of two or more CJK
// characters, whole Latin words of at least three characters, and digit
// runs. Stopwords are dropped; order of first appearance is preserved.
func ExtractKeywords(text string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(tok string) {
		tok = strings.ToLower(tok)
		if tok == "" || stopwords[tok] || seen[tok] {
			return
		}
		seen[tok] = true
		out = append(out, tok)
	}

	var latin, cjk, digits []rune
	flushLatin := func() {
		if len(latin) >= minLatinTokenLen {
			add(string(latin))
		}
		latin = latin[:0]
	}
	flushCJK := func() {
		if len(cjk) >= 2 {
			add(string(cjk))
		}
		cjk = cjk[:0]
	}
	flushDigits := func() {
		if len(digits) > 0 {
			add(string(digits))
		}
		digits = digits[:0]
	}

	for _, r := range text {
		switch {
		case isCJKRune(r):
			flushLatin()
			flushDigits()
			cjk = append(cjk, r)
		case unicode.IsLetter(r):
			flushCJK()
			flushDigits()
			latin = append(latin, r)
		case unicode.IsDigit(r):
			flushLatin()
			flushCJK()
			digits = append(digits, r)
		default:
			flushLatin()
			flushCJK()
			flushDigits()
		}
	}
	flushLatin()
	flushCJK()
	flushDigits()
	return out
}

// isCJKRune reports whether r belongs to a CJK script.
func isCJKRune(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// ExpandQuery appends unique related terms to the query: synonyms from the
// static dictionary and terms extracted from contextText sentences that
// contain at least one query keyword. Candidates are appended longest
// first until the total rune length reaches MaxExpansionRatio × the
// original length. The original query text is always the prefix of the
// result, so exact-match scoring is never diluted.
func ExpandQuery(query, contextText string, opts ExpandOptions) string {
	if opts.MaxExpansionRatio <= 0 {
		opts.MaxExpansionRatio = defaultMaxExpansionRatio
	}
	if opts.MaxContextTerms <= 0 {
		opts.MaxContextTerms = defaultMaxContextTerms
	}

	keywords := ExtractKeywords(query)
	if len(keywords) == 0 {
		return query
	}
	inQuery := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		inQuery[k] = true
	}

	var candidates []string
	seen := make(map[string]bool)
	addCandidate := func(term string) {
		if term == "" || inQuery[term] || seen[term] {
			return
		}
		seen[term] = true
		candidates = append(candidates, term)
	}

	if opts.UseSynonyms {
		for _, k := range keywords {
			for _, syn := range synonyms[k] {
				addCandidate(syn)
			}
		}
	}
	for _, term := range contextTerms(keywords, contextText, opts.MaxContextTerms) {
		addCandidate(term)
	}
	if len(candidates) == 0 {
		return query
	}

	// Longest first; ties break lexicographically for determinism.
	sort.SliceStable(candidates, func(a, b int) bool {
		la, lb := len([]rune(candidates[a])), len([]rune(candidates[b]))
		if la != lb {
			return la > lb
		}
		return candidates[a] < candidates[b]
	})

	maxLen := int(opts.MaxExpansionRatio * float64(len([]rune(query))))
	expanded := query
	for _, term := range candidates {
		next := expanded + " " + term
		if len([]rune(next)) > maxLen {
			break
		}
		expanded = next
	}
	return expanded
}

// contextTerms extracts up to max keywords from sentences of contextText
// that co-occur with at least one query keyword.
func contextTerms(queryKeywords []string, contextText string, max int) []string {
	if strings.TrimSpace(contextText) == "" {
		return nil
	}

	var out []string
	for _, sentence := range splitContextSentences(contextText) {
		lower := strings.ToLower(sentence)
		cooccurs := false
		for _, k := range queryKeywords {
			if strings.Contains(lower, k) {
				cooccurs = true
				break
			}
		}
		if !cooccurs {
			continue
		}
		for _, term := range ExtractKeywords(sentence) {
			out = append(out, term)
			if len(out) >= max {
				return out
			}
		}
	}
	return out
}

// splitContextSentences cuts the context on common sentence terminators.
func splitContextSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case '.', '!', '?', '。', '！', '？', ';', '；', '\n':
			return true
		}
		return false
	})
}
