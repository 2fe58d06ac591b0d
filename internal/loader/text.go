package loader

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// TextLoader reads a plain-text file as a single document.
type TextLoader struct{}

// Load reads the whole file as one Document.
func (TextLoader) Load(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return []Document{{Content: string(data), Metadata: map[string]string{}}}, nil
}

// Markdown syntax stripped before chunking. Links keep their anchor text;
// code fences keep their body.
var (
	mdHeading   = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdCodeFence = regexp.MustCompile("(?m)^```[^\n]*$")
	mdLink      = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdImage     = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	mdEmphasis  = regexp.MustCompile(`(\*{1,3}|_{1,3})([^*_]+)(\*{1,3}|_{1,3})`)
)

// MarkdownLoader reads a Markdown file, stripping formatting syntax so the
// splitter and embedder see prose rather than markup.
type MarkdownLoader struct{}

// Load reads the file and strips Markdown syntax into one Document.
func (MarkdownLoader) Load(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	text := string(data)
	text = mdImage.ReplaceAllString(text, "")
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdCodeFence.ReplaceAllString(text, "")
	text = mdHeading.ReplaceAllString(text, "")
	text = mdEmphasis.ReplaceAllString(text, "$2")
	text = strings.ReplaceAll(text, "`", "")

	return []Document{{Content: text, Metadata: map[string]string{"format": "markdown"}}}, nil
}
