// Package llm talks to a local OpenAI-compatible language model server
// (Ollama, LM Studio, llama.cpp) for open-ended replies.
package llm

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// ErrUnavailable wraps every failure to obtain a reply from the backend.
var ErrUnavailable = errors.New("language model unavailable")

const DefaultSystemPrompt = "You are a helpful voice assistant. Provide concise, accurate responses."

const maxHistory = 10

// Generator produces a reply for prompt given retrieved context and system
// instructions.
type Generator interface {
	Generate(ctx context.Context, prompt, retrieved, system string) (string, error)
}

type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	Temperature   float64
	MaxTokens     int
	ContextWindow int
	Timeout       time.Duration
	Retries       int
	HTTPClient    *http.Client
}

type Exchange struct {
	User      string
	Assistant string
	Time      time.Time
}

type Client struct {
	api openai.Client
	cfg Config

	mu      sync.Mutex
	history []Exchange
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 4096
	}
	if cfg.APIKey == "" {
		// Local servers ignore the key but the client insists on one.
		cfg.APIKey = "local"
	}

	opts := []option.RequestOption{
		option.WithBaseURL(cfg.BaseURL),
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &Client{
		api: openai.NewClient(opts...),
		cfg: cfg,
	}
}

// API exposes the underlying client for collaborators sharing the endpoint.
func (c *Client) API() openai.Client {
	return c.api
}

// Ping checks that the backend answers and serves the configured model.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	models, err := c.Models(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		if m == c.cfg.Model {
			return nil
		}
	}
	log.Warn("Configured model not listed by backend", "model", c.cfg.Model, "available", models)
	return nil
}

func (c *Client) Models(ctx context.Context) ([]string, error) {
	page, err := c.api.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list models: %w", ErrUnavailable, err)
	}
	out := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, m.ID)
	}
	return out, nil
}

// Generate asks the model for a reply. Failures are returned wrapped in
// ErrUnavailable; the caller decides how to degrade.
func (c *Client) Generate(ctx context.Context, prompt, retrieved, system string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	full := c.buildPrompt(prompt, retrieved, system)

	reply, err := c.complete(ctx, full)
	if err != nil {
		log.Error("Failed to generate response", "model", c.cfg.Model, "err", err)
		return "", err
	}

	c.history = append(c.history, Exchange{User: prompt, Assistant: reply, Time: time.Now()})
	if len(c.history) > maxHistory {
		c.history = c.history[len(c.history)-maxHistory:]
	}
	return reply, nil
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model:       openai.ChatModel(c.cfg.Model),
		Temperature: openai.Float(c.cfg.Temperature),
		MaxTokens:   openai.Int(int64(c.cfg.MaxTokens)),
	}

	var reply string
	op := func() error {
		resp, err := c.api.Chat.Completions.New(ctx, params)
		if err != nil {
			log.Debug("Chat completion attempt failed", "err", err)
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(errors.New("no choices in response"))
		}
		content := strings.TrimSpace(resp.Choices[0].Message.Content)
		if content == "" {
			return backoff.Permanent(errors.New("empty message content"))
		}
		reply = content
		return nil
	}

	retries := max(c.cfg.Retries, 0)
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return reply, nil
}

// retryable reports whether err may clear up on its own. Client errors other
// than timeouts and rate limits will not.
func retryable(err error) bool {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return true
	}
	switch code := apiErr.StatusCode; {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 400 && code < 500:
		return false
	}
	return true
}

// BuildPrompt lays out system instructions, retrieved context, the last
// three exchanges and the new prompt.
func (c *Client) BuildPrompt(prompt, retrieved, system string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buildPrompt(prompt, retrieved, system)
}

func (c *Client) buildPrompt(prompt, retrieved, system string) string {
	if system == "" {
		system = DefaultSystemPrompt
	}

	history := c.history
	if len(history) > 3 {
		history = history[len(history)-3:]
	}

	budget := c.cfg.ContextWindow - c.cfg.MaxTokens
	for {
		out := layout(prompt, retrieved, system, history)
		if estimateTokens(out) <= budget {
			return out
		}
		switch {
		case len(history) > 0:
			history = history[1:]
		case retrieved != "":
			retrieved = trimHead(retrieved, estimateTokens(out)-budget)
		default:
			return out
		}
	}
}

func layout(prompt, retrieved, system string, history []Exchange) string {
	var b strings.Builder
	b.WriteString("System: " + system + "\n")
	if retrieved != "" {
		b.WriteString("Context: " + retrieved + "\n")
	}
	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, h := range history {
			b.WriteString("User: " + h.User + "\n")
			b.WriteString("Assistant: " + h.Assistant + "\n")
		}
	}
	b.WriteString("User: " + prompt + "\n")
	b.WriteString("Assistant:")
	return b.String()
}

// estimateTokens approximates a token as four characters.
func estimateTokens(s string) int {
	return len([]rune(s))/4 + 1
}

// trimHead drops roughly over tokens from the start of s, keeping the most
// recent text.
func trimHead(s string, over int) string {
	r := []rune(s)
	cut := over * 4
	if cut >= len(r) {
		return ""
	}
	return string(r[cut:])
}

func (c *Client) History() []Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Exchange, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Client) ClearHistory() {
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
	log.Info("Conversation history cleared")
}

// SetParameters updates generation settings. Zero values leave a setting
// unchanged.
func (c *Client) SetParameters(temperature *float64, maxTokens int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if temperature != nil {
		if *temperature < 0 || *temperature > 2 {
			return fmt.Errorf("temperature must be between 0.0 and 2.0, got %v", *temperature)
		}
		c.cfg.Temperature = *temperature
	}
	if maxTokens < 0 {
		return fmt.Errorf("max tokens must be positive, got %d", maxTokens)
	}
	if maxTokens > 0 {
		c.cfg.MaxTokens = maxTokens
	}
	log.Info("Updated generation parameters", "temperature", c.cfg.Temperature, "max_tokens", c.cfg.MaxTokens)
	return nil
}
