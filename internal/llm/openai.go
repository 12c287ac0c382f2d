package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// OpenAIClient talks to the chat completions endpoint. BaseURL is
// configurable so OpenAI-compatible gateways work too.
type OpenAIClient struct {
	http    *http.Client
	baseURL string
}

func NewOpenAIClient(baseURL string) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIClient{http: &http.Client{}, baseURL: baseURL}
}

func (c *OpenAIClient) Name() string { return "openai" }

type openAIChatReq struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) Do(ctx context.Context, req Request) (Result, error) {
	payload := openAIChatReq{
		Model:       req.Model,
		Messages:    []openAIMessage{{Role: "user", Content: req.Prompt}},
		Temperature: 0,
		MaxTokens:   req.MaxTokens,
	}

	raw, status, err := c.post(ctx, "/v1/chat/completions", req.Key, payload)
	if err != nil {
		return Result{}, transportError(c.Name(), req.Model, err)
	}
	if status < 200 || status >= 300 {
		return Result{}, statusError(c.Name(), req.Model, status, string(raw))
	}

	var r openAIChatResp
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, malformedError(c.Name(), req.Model, "unparseable body: "+err.Error())
	}
	if len(r.Choices) == 0 || r.Choices[0].Message.Content == "" {
		return Result{}, malformedError(c.Name(), req.Model, "200 with empty content")
	}

	return Result{
		Content:   r.Choices[0].Message.Content,
		TokensIn:  r.Usage.PromptTokens,
		TokensOut: r.Usage.CompletionTokens,
		Raw:       raw,
	}, nil
}

func (c *OpenAIClient) Probe(ctx context.Context, model, key string) error {
	_, err := c.Do(ctx, Request{Model: model, Key: key, Prompt: "ping", MaxTokens: 1})
	return err
}

func (c *OpenAIClient) post(ctx context.Context, path, key string, payload any) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+key)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return raw, resp.StatusCode, nil
}
