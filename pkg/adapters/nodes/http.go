package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aescanero/flowengine/internal/application/expression"
	"github.com/aescanero/flowengine/pkg/ports"
)

const maxResponseBytes = 10 << 20

type httpHandler struct {
	client *http.Client
}

type httpConfig struct {
	Method  string
	URL     string
	Headers map[string]interface{}
	Query   map[string]interface{}
	Body    interface{}
}

// Execute performs the request. Statuses >= 400 fail the node; the response
// body is decoded as JSON when the server says so.
func (h *httpHandler) Execute(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
	resolved, err := expression.ResolveValue(req.Config, req.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve http config: %w", err)
	}
	cfg := decodeHTTPConfig(resolved)
	if cfg.URL == "" {
		return nil, fmt.Errorf("http node requires url")
	}

	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if len(cfg.Query) > 0 {
		q := target.Query()
		for k, v := range cfg.Query {
			q.Set(k, fmt.Sprint(v))
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	if cfg.Body != nil {
		data, err := json.Marshal(cfg.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, cfg.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, fmt.Sprint(v))
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var payload interface{} = string(data)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") && len(data) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(data, &decoded); err == nil {
			payload = decoded
		}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	headers := make(map[string]interface{}, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &ports.NodeResult{
		Output: map[string]interface{}{
			"status":  resp.StatusCode,
			"headers": headers,
			"body":    payload,
		},
		Metrics: map[string]interface{}{"statusCode": resp.StatusCode},
		Success: true,
	}, nil
}

func decodeHTTPConfig(v interface{}) httpConfig {
	raw, _ := v.(map[string]interface{})
	cfg := httpConfig{Method: http.MethodGet}
	if m, ok := raw["method"].(string); ok && m != "" {
		cfg.Method = strings.ToUpper(m)
	}
	cfg.URL, _ = raw["url"].(string)
	cfg.Headers, _ = raw["headers"].(map[string]interface{})
	cfg.Query, _ = raw["query"].(map[string]interface{})
	cfg.Body = raw["body"]
	return cfg
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
