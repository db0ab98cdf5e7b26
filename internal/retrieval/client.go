// ABOUTME: Retrieval capability client for a vector-search service
// ABOUTME: Returns ranked context snippets for a query; callers treat failure as non-fatal

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Config holds retrieval service configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Limit   int
	Timeout time.Duration
}

// Client queries an external vector-search service for context snippets.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a retrieval client. Limit defaults to 3 and Timeout
// to 10s.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Limit == 0 {
		cfg.Limit = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "retrieval"),
	}
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	Snippets []string `json:"snippets"`
}

// Retrieve returns ranked context snippets for the query. An empty result
// is not an error.
func (c *Client) Retrieve(ctx context.Context, query string) ([]string, error) {
	body, err := json.Marshal(searchRequest{Query: query, Limit: c.cfg.Limit})
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/search"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying retrieval service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieval service returned status %d", resp.StatusCode)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	c.logger.Debug("retrieval complete", "query_len", len(query), "snippets", len(out.Snippets))
	return out.Snippets, nil
}
