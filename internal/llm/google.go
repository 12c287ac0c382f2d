package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// GoogleClient talks to the Gemini generateContent endpoint.
type GoogleClient struct {
	http    *http.Client
	baseURL string
}

func NewGoogleClient(baseURL string) *GoogleClient {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &GoogleClient{http: &http.Client{}, baseURL: baseURL}
}

func (c *GoogleClient) Name() string { return "google" }

type geminiReq struct {
	Contents []geminiContent `json:"contents"`
	Config   *geminiGenCfg   `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenCfg struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature"`
}

type geminiResp struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (c *GoogleClient) Do(ctx context.Context, req Request) (Result, error) {
	payload := geminiReq{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
		Config:   &geminiGenCfg{MaxOutputTokens: req.MaxTokens, Temperature: 0},
	}
	body, _ := json.Marshal(payload)

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, transportError(c.Name(), req.Model, err)
	}
	httpReq.Header.Set("x-goog-api-key", req.Key)
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

	var r geminiResp
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, malformedError(c.Name(), req.Model, "unparseable body: "+err.Error())
	}
	if len(r.Candidates) == 0 {
		return Result{}, malformedError(c.Name(), req.Model, "200 with no candidates")
	}

	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	content := sb.String()
	if content == "" {
		return Result{}, malformedError(c.Name(), req.Model, "200 with empty content")
	}

	return Result{
		Content:   content,
		TokensIn:  r.UsageMetadata.PromptTokenCount,
		TokensOut: r.UsageMetadata.CandidatesTokenCount,
		Raw:       raw,
	}, nil
}

func (c *GoogleClient) Probe(ctx context.Context, model, key string) error {
	_, err := c.Do(ctx, Request{Model: model, Key: key, Prompt: "ping", MaxTokens: 1})
	return err
}
