// Package llm implements the simulated customer: a language model plays a
// real person chatting with the remote agent, decides when the goal is met,
// and grades the finished conversation.
package llm

import (
	"context"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentgauge/agentgauge/internal/config"
)

// Completer is the one-shot chat completion surface the simulator needs.
// The production implementation talks to an OpenAI-compatible endpoint;
// tests substitute a scripted fake.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompletionRequest is a single system+user prompt pair.
type CompletionRequest struct {
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

// ResponseError marks a failed or unusable model response.
type ResponseError struct {
	Op  string
	Err error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Op, e.Err)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

type openAIClient struct {
	client *openai.Client
	model  string
}

// NewClient builds a Completer from project configuration. The API key is
// read from the configured environment variable.
func NewClient(cfg config.LLMConfig) (Completer, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = config.DefaultAPIKeyEnv
	}
	key := os.Getenv(keyEnv)
	if key == "" {
		return nil, fmt.Errorf("llm api key: environment variable %s is not set", keyEnv)
	}

	clientCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = config.DefaultLLMModel
	}

	return &openAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}, nil
}

func (c *openAIClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
	})
	if err != nil {
		return "", &ResponseError{Op: "completion", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &ResponseError{Op: "completion", Err: fmt.Errorf("no choices returned")}
	}
	return resp.Choices[0].Message.Content, nil
}
