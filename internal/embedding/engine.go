// Package embedding generates the vectors behind the semantic memory
// tier. Two backends exist: a local Ollama server (the default, used by
// the remote compute worker) and Google GenAI for agents allowed to
// reach the cloud directly.
package embedding

import (
	"context"
	"fmt"
)

// Engine generates vector embeddings for text. Model identity travels
// with every engine so stores can refuse vectors from the wrong model.
type Engine interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Model returns the embedding model identity, e.g. "nomic-embed-text".
	Model() string
	// Name returns the backend-qualified engine name for logs.
	Name() string
}

// Config selects and configures an engine backend.
type Config struct {
	// Provider is "ollama" or "genai".
	Provider string

	OllamaEndpoint string
	OllamaModel    string

	GenAIAPIKey string
	GenAIModel  string
}

// NewEngine builds an engine from configuration.
func NewEngine(ctx context.Context, cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllama(cfg.OllamaEndpoint, cfg.OllamaModel), nil
	case "genai":
		return NewGenAI(ctx, cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q (use \"ollama\" or \"genai\")", cfg.Provider)
	}
}
