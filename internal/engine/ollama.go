package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaEngine talks to a self-hosted ollama model server.
type OllamaEngine struct {
	name    string
	baseURL string
	model   string
	client  *http.Client
}

func newOllama(cfg Config) *OllamaEngine {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = "llama3.2"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = string(KindOllama)
	}
	return &OllamaEngine{
		name:    name,
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

func (e *OllamaEngine) Chat(ctx context.Context, req *Request) (*Result, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("chat requires at least one message")
	}
	messages := make([]ollamaMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = ollamaMessage{Role: m.Role, Content: m.Content}
	}

	var resp ollamaChatResponse
	err := e.post(ctx, "/api/chat", ollamaChatRequest{
		Model:    e.resolveModel(req),
		Messages: messages,
		Stream:   false,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return &Result{
		Content:      resp.Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
	}, nil
}

func (e *OllamaEngine) Generate(ctx context.Context, req *Request) (*Result, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("generate requires a prompt")
	}

	var resp ollamaGenerateResponse
	err := e.post(ctx, "/api/generate", ollamaGenerateRequest{
		Model:  e.resolveModel(req),
		Prompt: req.Prompt,
		Stream: false,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return &Result{
		Content:      resp.Response,
		Model:        resp.Model,
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
	}, nil
}

func (e *OllamaEngine) Embed(ctx context.Context, req *Request) (*Result, error) {
	if req.Input == "" {
		return nil, fmt.Errorf("embed requires an input")
	}

	var resp ollamaEmbedResponse
	err := e.post(ctx, "/api/embed", ollamaEmbedRequest{
		Model: e.resolveModel(req),
		Input: req.Input,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama returned no embeddings")
	}

	return &Result{
		Embedding: resp.Embeddings[0],
		Model:     resp.Model,
	}, nil
}

func (e *OllamaEngine) resolveModel(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return e.model
}

func (e *OllamaEngine) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+path, bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode ollama response: %w", err)
	}
	return nil
}

func (e *OllamaEngine) Name() string {
	return e.name
}

func (e *OllamaEngine) Kind() Kind {
	return KindOllama
}
