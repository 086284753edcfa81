package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxHTTPResponseBytes bounds how much of a response body a fetch reads.
const maxHTTPResponseBytes = 1 << 20

// NewHTTPFetch builds a document-fetching tool backed by an HTTP client.
// GET fetches a page, POST submits a JSON body. The response body becomes a
// Document so downstream ranking treats fetched pages like any other source.
//
// Network reach makes this a moderately risky tool: it ships with risk level
// 3 and requires the "tools.http" permission. Callers can tighten or relax
// both on the returned Definition before registering it.
func NewHTTPFetch(client *http.Client) Definition {
	if client == nil {
		client = &http.Client{}
	}
	return Definition{
		Name:                "http_fetch",
		Description:         "Fetch a URL over HTTP and return the response body as a document",
		RiskLevel:           3,
		RequiredPermissions: []string{"tools.http"},
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url":    map[string]interface{}{"type": "string"},
				"method": map[string]interface{}{"type": "string"},
				"body":   map[string]interface{}{"type": "string"},
			},
			"required": []string{"url"},
		},
		Execute: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			return httpFetch(ctx, client, input)
		},
	}
}

func httpFetch(ctx context.Context, client *http.Client, input map[string]interface{}) (interface{}, error) {
	urlStr, _ := input["url"].(string)
	if urlStr == "" {
		return nil, fmt.Errorf("url parameter required")
	}

	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}

	var body io.Reader
	if bodyStr, ok := input["body"].(string); ok && bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := input["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			if valueStr, ok := value.(string); ok {
				req.Header.Set(key, valueStr)
			}
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, urlStr)
	}

	return Document{
		ID:     urlStr,
		Title:  urlStr,
		Body:   string(respBody),
		Source: urlStr,
	}, nil
}
