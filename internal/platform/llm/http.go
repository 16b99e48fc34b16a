package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
)

// HTTPProvider talks to an OpenAI-compatible chat completions endpoint.
// Retries belong to Client, so resty's own retry is disabled.
type HTTPProvider struct {
	client *resty.Client
	model  string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func NewHTTPProvider(baseURL, apiKey, model string) *HTTPProvider {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &HTTPProvider{client: c, model: model}
}

func (p *HTTPProvider) Name() string  { return "http" }
func (p *HTTPProvider) Model() string { return p.model }

func (p *HTTPProvider) Generate(ctx context.Context, req Request) (string, error) {
	body := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature:    0,
		ResponseFormat: responseFormat{Type: "json_object"},
	}

	var out chatResponse
	var apiErr chatError
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("http provider: %w", err)
	}

	if resp.IsError() {
		if isPolicyCode(apiErr.Error.Code) || isPolicyCode(apiErr.Error.Type) {
			return "", fmt.Errorf("%w: %s", ErrPolicyRejected, apiErr.Error.Code)
		}
		if retryableStatus(resp.StatusCode()) {
			return "", fmt.Errorf("http provider: status %d", resp.StatusCode())
		}
		return "", fmt.Errorf("http provider: status %d: %w", resp.StatusCode(), ErrNonRetryable)
	}

	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	choice := out.Choices[0]
	if isPolicyCode(choice.FinishReason) {
		return "", fmt.Errorf("%w: finish reason %s", ErrPolicyRejected, choice.FinishReason)
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return choice.Message.Content, nil
}

func isPolicyCode(s string) bool {
	switch s {
	case "content_filter", "content_policy_violation":
		return true
	}
	return false
}
