// Package loader selects a document parser by file extension and turns
// stored blobs into raw text. Plain-text and Markdown loaders ship with the
// registry; PDF and DOCX parsing is provided by registering an external
// Loader; asking for an extension with no registered loader is a hard
// failure, never a silent fallback.
package loader

import (
	"fmt"
	"strings"
	"sync"

	"github.com/kbase-ai/kbase-go/internal/kb"
)

// Document is one parsed unit of an input file. Most loaders return a
// single Document; paginated formats may return one per page.
type Document struct {
	// Content is the extracted text.
	Content string
	// Metadata carries loader-specific annotations (e.g. page number).
	Metadata map[string]string
}

// Loader parses one file format.
type Loader interface {
	// Load reads and parses the file at path.
	Load(path string) ([]Document, error)
}

// Registry maps file extensions to loaders. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

// NewRegistry returns a Registry with the built-in text and markdown
// loaders registered.
func NewRegistry() *Registry {
	r := &Registry{loaders: make(map[string]Loader)}
	r.Register(".txt", TextLoader{})
	r.Register(".md", MarkdownLoader{})
	return r
}

// Register installs a loader for the given extension (leading dot, any
// case), replacing any previous registration.
func (r *Registry) Register(ext string, l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[strings.ToLower(ext)] = l
}

// Load parses the file at path using the loader registered for ext.
func (r *Registry) Load(ext, path string) ([]Document, error) {
	r.mu.RLock()
	l, ok := r.loaders[strings.ToLower(ext)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("loader: no loader registered for extension %q: %w", ext, kb.ErrValidation)
	}
	docs, err := l.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loader: parse %s: %w", path, err)
	}
	return docs, nil
}

// Supports reports whether a loader is registered for ext.
func (r *Registry) Supports(ext string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaders[strings.ToLower(ext)]
	return ok
}
