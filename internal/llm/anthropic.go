package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

const anthropicVersion = "2023-06-01"

// AnthropicClient talks to the messages endpoint.
type AnthropicClient struct {
	http    *http.Client
	baseURL string
}

func NewAnthropicClient(baseURL string) *AnthropicClient {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicClient{http: &http.Client{}, baseURL: baseURL}
}

func (c *AnthropicClient) Name() string { return "anthropic" }

type anthropicMsgReq struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicMsgResp struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *AnthropicClient) Do(ctx context.Context, req Request) (Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	payload := anthropicMsgReq{
		Model:     req.Model,
		MaxTokens: maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
	}
	body, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Result{}, transportError(c.Name(), req.Model, err)
	}
	httpReq.Header.Set("x-api-key", req.Key)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, transportError(c.Name(), req.Model, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, transportError(c.Name(), req.Model, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, statusError(c.Name(), req.Model, resp.StatusCode, string(raw))
	}

	var r anthropicMsgResp
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, malformedError(c.Name(), req.Model, "unparseable body: "+err.Error())
	}

	var sb strings.Builder
	for _, block := range r.Content {
		if block.Type == "" || block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	content := sb.String()
	if content == "" {
		return Result{}, malformedError(c.Name(), req.Model, "200 with empty content")
	}

	return Result{
		Content:   content,
		TokensIn:  r.Usage.InputTokens,
		TokensOut: r.Usage.OutputTokens,
		Raw:       raw,
	}, nil
}

func (c *AnthropicClient) Probe(ctx context.Context, model, key string) error {
	_, err := c.Do(ctx, Request{Model: model, Key: key, Prompt: "ping", MaxTokens: 1})
	return err
}
