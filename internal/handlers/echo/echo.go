// Package echo provides a diagnostic handler that returns its parameters
// verbatim. Useful for smoke-testing a deployment end to end.
package echo

import (
	"context"

	"relayq/internal/worker"
)

const TaskType = "echo"

func Handler() worker.Handler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		out := make(map[string]any, len(params))
		for k, v := range params {
			out[k] = v
		}
		return out, nil
	}
}
