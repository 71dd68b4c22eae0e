// Package llm wraps the text generation service used to describe pipeline
// activities and to infer which columns an activity read.
package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrNoFencedBlock is returned when a completion carries no ``` fenced answer.
var ErrNoFencedBlock = errors.New("no fenced block in completion")

const defaultModel = "gpt-4o-mini"

// Completer turns a prompt into a completion.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config selects the model endpoint.
type Config struct {
	Model   string
	BaseURL string
	APIKey  string
}

// OpenAIClient is a Completer backed by any OpenAI compatible endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewOpenAIClient creates a client. The API key is required; BaseURL lets the
// client talk to self hosted OpenAI compatible servers.
func NewOpenAIClient(cfg Config, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key is not set")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
		logger.Warn("llm model not set, using default", zap.String("model", model))
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	logger.Info("initializing llm client", zap.String("model", model))
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		logger: logger,
	}, nil
}

// Complete sends prompt as a single user message with deterministic sampling.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You are an expert in data preprocessing pipelines."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0,
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	c.logger.Debug("completion received", zap.String("finishReason", string(resp.Choices[0].FinishReason)))
	return resp.Choices[0].Message.Content, nil
}

var fencedBlock = regexp.MustCompile("(?s)```(.*?)```")

// ExtractFenced returns the content of the first ``` block, minus an optional
// language tag line such as "json".
func ExtractFenced(completion string) (string, error) {
	match := fencedBlock.FindStringSubmatch(completion)
	if match == nil {
		return "", ErrNoFencedBlock
	}
	body := match[1]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		tag := strings.TrimSpace(body[:nl])
		if tag != "" && !strings.ContainsAny(tag, "[]{}\"'") {
			body = body[nl+1:]
		}
	}
	return strings.TrimSpace(body), nil
}
