// Package shell runs allowlisted commands as a task body. The allowlist is
// injected, not global; anything off-list fails before exec.
package shell

import (
	"context"
	"fmt"
	"os/exec"

	"relayq/internal/permissions"
	"relayq/internal/worker"
)

const TaskType = "shell.run"

func Handler(perms *permissions.Store) worker.Handler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		command, _ := params["command"].(string)
		if command == "" {
			return nil, fmt.Errorf("command is required")
		}
		if !perms.CommandAllowed(command) {
			return nil, fmt.Errorf("command %q is not on the allowlist", command)
		}

		var args []string
		if raw, ok := params["args"].([]any); ok {
			for _, a := range raw {
				args = append(args, fmt.Sprint(a))
			}
		}

		cmd := exec.CommandContext(ctx, command, args...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return nil, fmt.Errorf("shell error: %v; out=%s", err, string(out))
		}
		return map[string]any{"output": string(out)}, nil
	}
}
