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

// AgentEngine talks to a hosted agent API. Every capability maps onto
// the agent's single messages endpoint; embeddings are not supported.
type AgentEngine struct {
	name    string
	baseURL string
	agentID string
	apiKey  string
	headers map[string]string
	client  *http.Client
}

func newAgent(cfg Config) *AgentEngine {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = string(KindAgent)
	}
	return &AgentEngine{
		name:    name,
		baseURL: cfg.BaseURL,
		agentID: cfg.AgentID,
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}
}

type agentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type agentMessageRequest struct {
	Messages []agentMessage `json:"messages"`
}

type agentResponseMessage struct {
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
}

type agentUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type agentMessageResponse struct {
	Messages []agentResponseMessage `json:"messages"`
	Usage    agentUsage             `json:"usage"`
}

func (e *AgentEngine) Chat(ctx context.Context, req *Request) (*Result, error) {
	messages := make([]agentMessage, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		messages = append(messages, agentMessage{Role: m.Role, Content: m.Content})
	}
	if len(messages) == 0 {
		if req.Prompt == "" {
			return nil, fmt.Errorf("chat requires at least one message")
		}
		messages = append(messages, agentMessage{Role: "user", Content: req.Prompt})
	}

	body, err := json.Marshal(agentMessageRequest{Messages: messages})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/agents/%s/messages", e.baseURL, e.agentID)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", e.apiKey))
	}
	for k, v := range e.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("agent api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var agentResp agentMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&agentResp); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}

	// The agent interleaves reasoning and tool messages; the reply to
	// relay is the last assistant message.
	content := ""
	for _, m := range agentResp.Messages {
		if m.MessageType == "assistant_message" {
			content = m.Content
		}
	}
	if content == "" {
		return nil, fmt.Errorf("agent returned no assistant message")
	}

	return &Result{
		Content:      content,
		InputTokens:  agentResp.Usage.PromptTokens,
		OutputTokens: agentResp.Usage.CompletionTokens,
	}, nil
}

func (e *AgentEngine) Generate(ctx context.Context, req *Request) (*Result, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("generate requires a prompt")
	}
	return e.Chat(ctx, &Request{
		Messages: []Message{{Role: "user", Content: req.Prompt}},
	})
}

func (e *AgentEngine) Embed(ctx context.Context, req *Request) (*Result, error) {
	return nil, fmt.Errorf("engine %s: agent backends do not support embeddings", e.name)
}

func (e *AgentEngine) Name() string {
	return e.name
}

func (e *AgentEngine) Kind() Kind {
	return KindAgent
}
