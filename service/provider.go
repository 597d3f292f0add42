package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Yazington/aprv-ai-backend/config"
)

// CompareRequest is the model-facing payload for one page comparison. The
// design images always come first, then the guideline page image, then the
// textual prompt.
type CompareRequest struct {
	SystemPrompt string
	Prompt       string
	DesignImages [][]byte
	PageImage    []byte
}

// Provider is the single point of contact with the external model API.
type Provider interface {
	Compare(ctx context.Context, req CompareRequest) (string, error)
	Name() string
}

// Typed provider errors used for retry classification.

type rateLimitError struct{}

func (e *rateLimitError) Error() string { return "rate limited" }

type serverError struct {
	statusCode int
	body       string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server error (status %d): %s", e.statusCode, e.body)
}

type authError struct {
	message string
}

func (e *authError) Error() string {
	return "authentication error: " + e.message
}

// isTransient reports whether an error is worth retrying: rate limits,
// provider 5xx, timeouts, and cancelled-by-deadline network errors.
func isTransient(err error) bool {
	var rle *rateLimitError
	var se *serverError
	if errors.As(err, &rle) || errors.As(err, &se) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// OpenAIProvider talks to an OpenAI-compatible chat-completions endpoint
// with image content parts.
type OpenAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAIProvider(cfg *config.InferenceConfig) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: cfg.BaseURL,
		// Per-call deadlines come from the caller's context; the client
		// timeout is only a safety net.
		client: &http.Client{Timeout: cfg.RequestTimeout() + 10*time.Second},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func imagePart(img []byte) contentPart {
	encoded := base64.StdEncoding.EncodeToString(img)
	return contentPart{
		Type:     "image_url",
		ImageURL: &imageURL{URL: "data:image/png;base64," + encoded},
	}
}

func (p *OpenAIProvider) Compare(ctx context.Context, req CompareRequest) (string, error) {
	userContent := make([]contentPart, 0, len(req.DesignImages)+2)
	for _, img := range req.DesignImages {
		userContent = append(userContent, imagePart(img))
	}
	if len(req.PageImage) > 0 {
		userContent = append(userContent, imagePart(req.PageImage))
	}
	userContent = append(userContent, contentPart{Type: "text", Text: req.Prompt})

	body := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: []contentPart{{Type: "text", Text: req.SystemPrompt}}},
			{Role: "user", Content: userContent},
		},
		MaxTokens:      2048,
		ResponseFormat: &respFormat{Type: "json_object"},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return "", &rateLimitError{}
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return "", &authError{message: string(respBody)}
	case httpResp.StatusCode >= 500:
		return "", &serverError{statusCode: httpResp.StatusCode, body: string(respBody)}
	case httpResp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return result.Choices[0].Message.Content, nil
}
