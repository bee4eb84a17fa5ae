// Package httpreq fetches a URL as a task body and returns the response to
// the caller. The task parameters must survive JSON serialization, so the
// request is described with plain strings and numbers.
package httpreq

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"relayq/internal/worker"
)

const TaskType = "http.fetch"

// maxBody caps how much of a response is carried back through the result
// store; results are short-lived broker values, not blob storage.
const maxBody = 256 * 1024

func Handler() worker.Handler {
	client := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		url, _ := params["url"].(string)
		if url == "" {
			return nil, fmt.Errorf("url is required")
		}
		method, _ := params["method"].(string)
		if method == "" {
			method = http.MethodGet
		}

		var body io.Reader
		if raw, ok := params["body"].(string); ok && raw != "" {
			body = strings.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		if headers, ok := params["headers"].(map[string]any); ok {
			for k, v := range headers {
				req.Header.Set(k, fmt.Sprint(v))
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}

		return map[string]any{
			"status_code": resp.StatusCode,
			"body":        string(respBody),
		}, nil
	}
}
