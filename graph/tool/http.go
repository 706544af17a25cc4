package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/kaptinlin/jsonrepair"
)

// DefaultMaxBodySize caps how much of a response body HTTPTool reads.
const DefaultMaxBodySize = 10 << 20

// HTTPTool performs GET and POST requests.
//
// Input:
//   - url: target URL (required)
//   - method: "GET" or "POST", default "GET"
//   - headers: map of request headers
//   - body: request body, string or JSON-encodable value
//
// Output:
//   - status_code: int
//   - headers: response headers, string or []string per key
//   - body: response body as a string; HTML is converted to Markdown when
//     the tool was created WithMarkdown
//   - json: the decoded body when the response is JSON (malformed JSON is
//     repaired first)
type HTTPTool struct {
	client      *http.Client
	maxBody     int64
	markdown    bool
	userAgent   string
	defaultHdrs map[string]string
}

// HTTPOption configures an HTTPTool.
type HTTPOption func(*HTTPTool)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPTool) { h.client = c }
}

// WithTimeout sets the client's overall request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPTool) { h.client.Timeout = d }
}

// WithMaxBodySize caps the bytes read from a response.
func WithMaxBodySize(n int64) HTTPOption {
	return func(h *HTTPTool) { h.maxBody = n }
}

// WithMarkdown converts text/html responses to Markdown.
func WithMarkdown() HTTPOption {
	return func(h *HTTPTool) { h.markdown = true }
}

// WithHeader adds a header sent on every request unless the input overrides it.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPTool) { h.defaultHdrs[key] = value }
}

// NewHTTPTool creates an HTTP tool. Request deadlines come from the context
// unless WithTimeout is set.
func NewHTTPTool(opts ...HTTPOption) *HTTPTool {
	h := &HTTPTool{
		client:      &http.Client{},
		maxBody:     DefaultMaxBodySize,
		userAgent:   "nodegraph-http-tool/1.0",
		defaultHdrs: make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPTool) Name() string { return "http_request" }

func (h *HTTPTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	url, _ := input["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url parameter required (string)")
	}
	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("unsupported HTTP method: %s (supported: GET, POST)", method)
	}

	body, contentType, err := requestBody(input["body"])
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range h.defaultHdrs {
		req.Header.Set(k, v)
	}
	if headers, ok := input["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(raw)) > h.maxBody {
		return nil, fmt.Errorf("response body exceeds %d bytes", h.maxBody)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k, vs := range resp.Header {
		if len(vs) == 1 {
			respHeaders[k] = vs[0]
		} else {
			respHeaders[k] = vs
		}
	}
	out := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(raw),
	}

	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, "json"):
		if v, ok := decodeJSON(string(raw)); ok {
			out["json"] = v
		}
	case h.markdown && strings.Contains(ct, "html"):
		md, err := htmltomarkdown.ConvertString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("convert HTML to Markdown: %w", err)
		}
		out["body"] = md
	}
	return out, nil
}

func requestBody(v any) (io.Reader, string, error) {
	switch b := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		if b == "" {
			return nil, "", nil
		}
		return strings.NewReader(b), "", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// decodeJSON parses s, repairing common defects such as trailing commas or
// single quotes when strict parsing fails.
func decodeJSON(s string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, true
	}
	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return nil, false
	}
	return v, true
}
