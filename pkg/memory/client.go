// Package memory is the HTTP client for the memory sibling service. The
// session core asks it for a dialog priming block when a fresh conversation
// starts.
package memory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 5 * time.Second

type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client against the memory service base URL, e.g.
// "http://localhost:48912".
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("memory: base URL is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: baseURL, http: httpClient}, nil
}

// NewDialog fetches the priming text block for a new dialog with the named
// character. The response body is plain text, not JSON.
func (c *Client) NewDialog(ctx context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("memory: character name is required")
	}

	endpoint := c.baseURL + "/new_dialog/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("memory: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("memory: new_dialog: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("memory: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("memory: new_dialog returned %d", resp.StatusCode)
	}
	return string(body), nil
}
