package embedder

import "fmt"

// Default embedding models and dimensions per backend.
const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"

	// defaultOllamaDimensions is the output dimension of nomic-embed-text.
	// Other Ollama models may differ; pass Dimensions explicitly.
	defaultOllamaDimensions = 768
	// defaultOpenAIDimensions is the output dimension of text-embedding-3-small.
	defaultOpenAIDimensions = 1536
)

// Options selects and configures an embedding backend. Model is overridden
// per knowledge base: each KnowledgeBase names its own embedding model, and
// the facade passes it through here.
type Options struct {
	// Backend selects the implementation: "ollama" or "openai".
	Backend string
	// Model is the embedding model name; empty selects the backend default.
	Model string
	// Endpoint is the server base URL; empty selects the backend default.
	Endpoint string
	// APIKey authenticates against hosted backends.
	APIKey string
	// Dimensions is the vector length; 0 selects the backend default.
	Dimensions int
}

// DefaultDimensions returns the default embedding vector size for the given
// backend. Callers that pre-create a vector collection should use this
// rather than hardcoding a value.
func DefaultDimensions(backend string) int {
	switch backend {
	case "ollama":
		return defaultOllamaDimensions
	default:
		return defaultOpenAIDimensions
	}
}

// New constructs a Service for the given options.
func New(opts Options) (Service, error) {
	switch opts.Backend {
	case "", "ollama":
		host := opts.Endpoint
		if host == "" {
			host = "http://localhost:11434"
		}
		model := opts.Model
		if model == "" {
			model = defaultOllamaModel
		}
		return NewOllamaEmbedder(&OllamaConfig{Host: host, Model: model}), nil

	case "openai":
		if opts.APIKey == "" {
			return nil, fmt.Errorf("embedder: openai backend requires an API key")
		}
		baseURL := opts.Endpoint
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		model := opts.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		dims := opts.Dimensions
		if dims == 0 {
			dims = defaultOpenAIDimensions
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    baseURL,
			APIKey:     opts.APIKey,
			Model:      model,
			Dimensions: dims,
		}), nil

	default:
		return nil, fmt.Errorf("embedder: unknown backend %q (valid: ollama, openai)", opts.Backend)
	}
}
