package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxProviderResponseBytes = 1 << 20

// Doer executes outbound provider requests. resilience.HTTPClient satisfies it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// doerTransport adapts a Doer to http.RoundTripper for clients that need an
// *http.Client.
type doerTransport struct {
	doer Doer
}

func (t doerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.doer.Do(req.Context(), req)
}

type apiRequest struct {
	method   string
	endpoint string
	header   http.Header
	body     any
}

// callJSON sends a JSON request and decodes a JSON response into out. Transport
// failures and 5xx map to ErrProviderUnavailable, other 4xx to ErrProviderRejected.
func callJSON(ctx context.Context, doer Doer, p Provider, in apiRequest, out any) error {
	var body io.Reader
	var payload []byte
	if in.body != nil {
		var err error
		payload, err = json.Marshal(in.body)
		if err != nil {
			return rejected(p, 0, "", fmt.Sprintf("encode request: %v", err))
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, in.method, in.endpoint, body)
	if err != nil {
		return rejected(p, 0, "", fmt.Sprintf("build request: %v", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}
	}
	req.Header.Set("Accept", "application/json")
	for key, values := range in.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := doer.Do(ctx, req)
	if err != nil {
		return unavailable(p, 0, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		return unavailable(p, resp.StatusCode, "read response", err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return unavailable(p, resp.StatusCode, snippet(raw), nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return unavailable(p, resp.StatusCode, "rate limited", nil)
	case resp.StatusCode >= http.StatusBadRequest:
		code, msg := errorFields(raw)
		return rejected(p, resp.StatusCode, code, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return unavailable(p, resp.StatusCode, "decode response", err)
	}
	return nil
}

// errorFields pulls a code and message out of the common provider error shapes.
func errorFields(raw []byte) (string, string) {
	var shape struct {
		Code          string `json:"code"`
		StatusCode    string `json:"statusCode"`
		Message       string `json:"message"`
		StatusMessage string `json:"statusMessage"`
		Error         any    `json:"error"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return "", snippet(raw)
	}
	code := firstNonEmpty(shape.Code, shape.StatusCode)
	msg := firstNonEmpty(shape.Message, shape.StatusMessage)
	switch v := shape.Error.(type) {
	case string:
		msg = firstNonEmpty(msg, v)
	case map[string]any:
		if m, ok := v["message"].(string); ok {
			msg = firstNonEmpty(msg, m)
		}
		if c, ok := v["code"].(string); ok {
			code = firstNonEmpty(code, c)
		}
	}
	if msg == "" {
		msg = snippet(raw)
	}
	return code, msg
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty response"
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func joinURL(base string, parts ...string) string {
	out := strings.TrimRight(strings.TrimSpace(base), "/")
	for _, p := range parts {
		out += "/" + strings.Trim(p, "/")
	}
	return out
}
