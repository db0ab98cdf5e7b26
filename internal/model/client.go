// ABOUTME: Model capability client for OpenAI-compatible chat completion endpoints
// ABOUTME: Maps transport failures to ErrUnavailable/ErrTimeout so callers can retry

package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hallryn/attache/internal/store"
)

// ErrUnavailable is returned when the model endpoint cannot be reached or
// answers with a server error. Transient; the caller may retry.
var ErrUnavailable = errors.New("model unavailable")

// ErrTimeout is returned when the model call exceeds its deadline.
// Transient; the caller may retry.
var ErrTimeout = errors.New("model timeout")

// request is the body for OpenAI-compatible chat completion APIs
type request struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// response is the body returned by OpenAI-compatible chat completion APIs
type response struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int     `json:"index"`
		Message message `json:"message"`
	} `json:"choices"`
}

// Config holds model endpoint configuration.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client calls an OpenAI-compatible chat completion endpoint (vLLM,
// OpenRouter, and the real thing all speak it).
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a model client. Timeout defaults to 60s.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "model"),
	}
}

// Generate sends the selected history plus retrieval snippets and returns
// the assistant's reply. Snippets, when present, ride in a system message
// inserted before the final user message.
func (c *Client) Generate(ctx context.Context, turns []*store.Turn, snippets []string) (string, error) {
	msgs := make([]message, 0, len(turns)+1)
	for _, t := range turns {
		msgs = append(msgs, message{Role: t.Role, Content: t.Content})
	}
	if len(snippets) > 0 && len(msgs) > 0 {
		contextMsg := message{
			Role:    store.RoleSystem,
			Content: "Relevant context:\n" + strings.Join(snippets, "\n\n"),
		}
		msgs = append(msgs[:len(msgs)-1], contextMsg, msgs[len(msgs)-1])
	}

	body, err := json.Marshal(request{
		Model:       c.cfg.Model,
		Messages:    msgs,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("model request failed",
			"status", resp.StatusCode,
			"body", string(payload))
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrUnavailable)
	}

	c.logger.Debug("model reply received",
		"model", out.Model,
		"messages", len(msgs),
		"duration", time.Since(start))
	return out.Choices[0].Message.Content, nil
}

// isTimeout reports whether err is a net-level timeout.
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
