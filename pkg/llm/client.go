// Package llm provides a client for OpenAI-compatible completion APIs.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"morpho-bot/internal/config"
	"net/http"
	"time"
)

const (
	ModeCompletions = "completions"
	ModeChat        = "chat"
)

// ErrEmptyResponse 表示接口返回成功但没有任何候选结果。
var ErrEmptyResponse = errors.New("completion api returned no choices")

// Client defines the interface for a completion client.
type Client interface {
	// Complete 发送一次补全请求，返回第一个候选的文本。
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// CompletionRequest 是一次补全请求的参数。
type CompletionRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// CompletionResponse 是补全结果。
type CompletionResponse struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

type openAICompatibleClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new completion client from the config.
func NewClient(cfg config.LLMConfig) Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionsRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	N           int      `json:"n"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	N           int           `json:"n"`
}

type completionResponse struct {
	Choices []struct {
		Text    string `json:"text"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *openAICompatibleClient) Complete(ctx context.Context, in CompletionRequest) (*CompletionResponse, error) {
	temperature := in.Temperature
	var (
		path string
		body interface{}
	)
	if c.cfg.Mode == ModeChat {
		// chat 模式下整段提示词作为一条 user 消息发送
		path = "/chat/completions"
		body = chatRequest{
			Model:       c.cfg.Model,
			Messages:    []chatMessage{{Role: "user", Content: in.Prompt}},
			MaxTokens:   in.MaxTokens,
			Temperature: &temperature,
			N:           1,
		}
	} else {
		path = "/completions"
		body = completionsRequest{
			Model:       c.cfg.Model,
			Prompt:      in.Prompt,
			MaxTokens:   in.MaxTokens,
			Temperature: &temperature,
			N:           1,
		}
	}

	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call completion api: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read completion response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("completion api returned non-2xx status: %s, body: %s", resp.Status, excerpt(respBytes, 400))
	}

	var parsed completionResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse completion response: %w, body: %s", err, excerpt(respBytes, 400))
	}
	if len(parsed.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	result := &CompletionResponse{Text: parsed.Choices[0].Text}
	if c.cfg.Mode == ModeChat {
		result.Text = parsed.Choices[0].Message.Content
	}
	if parsed.Usage != nil {
		result.InputTokens = parsed.Usage.PromptTokens
		result.OutputTokens = parsed.Usage.CompletionTokens
	}
	return result, nil
}

func excerpt(b []byte, maxBytes int) string {
	if len(b) <= maxBytes {
		return string(b)
	}
	return string(b[:maxBytes]) + "..."
}
