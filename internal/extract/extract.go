// ABOUTME: Extraction capability - converts uploaded files into text for model context
// ABOUTME: The actual OCR/parse pipeline runs in an external service

package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Extractor converts an uploaded file into the text stored on a staged
// document.
type Extractor interface {
	Extract(ctx context.Context, r io.Reader, filename string) (string, error)
}

// Plain passes file bytes through unchanged. Suitable for text uploads and
// for tests.
type Plain struct{}

// Extract reads r and returns its contents as a trimmed string.
func (Plain) Extract(ctx context.Context, r io.Reader, filename string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", filename, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Config holds extraction service configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client posts files to an external extraction service (PDF parse with OCR
// fallback) and returns the extracted text.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an extraction client. Timeout defaults to 2m; OCR on
// large scanned documents is slow.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "extract"),
	}
}

// Extract uploads the file as multipart form data and returns the
// service's extracted text.
func (c *Client) Extract(ctx context.Context, r io.Reader, filename string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("building form: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("copying file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing form: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/extract"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling extraction service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("extraction service returned status %d", resp.StatusCode)
	}

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading extracted text: %w", err)
	}

	c.logger.Debug("text extracted", "filename", filename, "chars", len(text))
	return strings.TrimSpace(string(text)), nil
}
