// Package extract integrates the remote OCR / list-conversion service:
// receipt or memo images go out, shopping list entries come back.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Extractor converts captured images and free-form memo text into shopping
// list item names.
type Extractor interface {
	// ExtractText runs OCR over a base64-encoded image.
	ExtractText(ctx context.Context, image string) (string, error)
	// ConvertToList turns free-form text into list item names.
	ConvertToList(ctx context.Context, text string) ([]string, error)
}

// ClientConfig holds configuration for the extraction client.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout: 30 * time.Second,
	}
}

// Client is an HTTP JSON client to the extraction service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the extraction service. The base URL is
// validated up front so a misconfigured endpoint fails at startup, not on
// the first user request.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultClientConfig().RequestTimeout
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid extraction service URL %q", cfg.BaseURL)
	}

	logger.Info("extraction service configured", "url", cfg.BaseURL)
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		logger:  logger,
	}, nil
}

type ocrRequest struct {
	Image string `json:"image"`
}

type ocrResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

type convertRequest struct {
	OCRText string `json:"ocrText"`
}

type convertResponse struct {
	ShoppingList string `json:"shoppingList"`
	Error        string `json:"error,omitempty"`
}

// ExtractText runs OCR over a base64-encoded image.
func (c *Client) ExtractText(ctx context.Context, image string) (string, error) {
	var resp ocrResponse
	if err := c.post(ctx, "/ocr", ocrRequest{Image: image}, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("ocr service error: %s", resp.Error)
	}
	return resp.Text, nil
}

// ConvertToList turns free-form text into list item names, one per
// returned line of the service's bulleted output.
func (c *Client) ConvertToList(ctx context.Context, text string) ([]string, error) {
	var resp convertResponse
	if err := c.post(ctx, "/convert", convertRequest{OCRText: text}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("conversion service error: %s", resp.Error)
	}
	return ParseListText(resp.ShoppingList), nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal extraction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("extraction request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close extraction response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read extraction response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("extraction service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode extraction response: %w", err)
	}
	return nil
}

// ParseListText splits the conversion service's bulleted text into item
// names: one item per non-empty line, bullets and numbering stripped.
func ParseListText(text string) []string {
	var names []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*•・0123456789.)] ")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	return names
}
