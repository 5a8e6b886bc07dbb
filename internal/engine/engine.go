package engine

import (
	"context"
	"fmt"
	"time"
)

// Kind is the closed set of supported backend variants. Unknown kinds
// are configuration errors at parse time, not runtime surprises.
type Kind string

const (
	// KindOllama is a self-hosted model server speaking the ollama HTTP API.
	KindOllama Kind = "ollama"
	// KindAgent is a hosted agent API exposing a single messages endpoint.
	KindAgent Kind = "agent"
)

// Config describes one backend a worker can execute jobs against.
type Config struct {
	Name    string // identifier jobs select the backend by
	Kind    Kind
	BaseURL string
	Model   string // default model for self-hosted backends
	AgentID string
	APIKey  string
	Timeout time.Duration
	Headers map[string]string
}

type Message struct {
	Role    string
	Content string
}

type Request struct {
	Prompt   string
	Messages []Message
	Input    string
	Model    string
}

type Result struct {
	Content      string
	Embedding    []float64
	Model        string
	InputTokens  int
	OutputTokens int
}

// Engine is the common capability surface of every backend variant.
type Engine interface {
	Chat(ctx context.Context, req *Request) (*Result, error)
	Generate(ctx context.Context, req *Request) (*Result, error)
	Embed(ctx context.Context, req *Request) (*Result, error)
	Name() string
	Kind() Kind
}

// New builds the backend client for cfg. An unrecognized kind is a
// configuration error.
func New(cfg Config) (Engine, error) {
	switch cfg.Kind {
	case KindOllama:
		return newOllama(cfg), nil
	case KindAgent:
		return newAgent(cfg), nil
	}
	return nil, fmt.Errorf("unknown engine kind %q", cfg.Kind)
}
