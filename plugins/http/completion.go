package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BDNK1/chatflow/runtime"
	"github.com/go-resty/resty/v2"
)

// CompletionConfig points at an OpenAI-compatible chat completions API.
type CompletionConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url" default:"https://api.openai.com/v1" validate:"required,url_format"`
	APIKey  string        `yaml:"api_key" json:"api_key"`
	Model   string        `yaml:"model" json:"model" default:"gpt-4o-mini" validate:"required"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" default:"60s" validate:"gte=1s"`
}

// CompletionClient implements runtime.LanguageModel over the chat
// completions endpoint.
type CompletionClient struct {
	Config CompletionConfig
	client *resty.Client
}

var _ runtime.LanguageModel = (*CompletionClient)(nil)

func NewCompletionClient(cfg CompletionConfig) *CompletionClient {
	return &CompletionClient{
		Config: cfg,
		client: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetAuthToken(cfg.APIKey),
	}
}

type completionTool struct {
	Type     string                 `json:"type"`
	Function runtime.ToolDefinition `json:"function"`
}

type completionBody struct {
	Model       string                `json:"model"`
	Temperature *float64              `json:"temperature,omitempty"`
	Messages    []runtime.ChatMessage `json:"messages"`
	Tools       []completionTool      `json:"tools,omitempty"`
}

type completionReply struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

type completionError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *CompletionClient) Complete(ctx context.Context, req runtime.CompletionRequest) (*runtime.CompletionResponse, error) {
	body := completionBody{
		Model:       req.Model,
		Temperature: req.Temperature,
		Messages:    req.Messages,
	}
	if body.Model == "" {
		body.Model = c.Config.Model
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, completionTool{Type: "function", Function: t})
	}

	var reply completionReply
	var failure completionError
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&reply).
		SetError(&failure).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if resp.IsError() {
		msg := failure.Error.Message
		if msg == "" {
			msg = resp.Status()
		}
		return nil, fmt.Errorf("chat completion: %s", msg)
	}
	if len(reply.Choices) == 0 {
		return nil, errors.New("chat completion: no choices returned")
	}

	choice := reply.Choices[0].Message
	out := &runtime.CompletionResponse{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("chat completion: tool %s arguments: %w", tc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, runtime.ToolCall{Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}
