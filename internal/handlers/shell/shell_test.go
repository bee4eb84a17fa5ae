package shell

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayq/internal/config"
	"relayq/internal/permissions"
)

func TestAllowlistedCommandRuns(t *testing.T) {
	perms := permissions.NewStore(config.Permissions{AllowedCommands: []string{"echo"}})
	h := Handler(perms)

	data, err := h(context.Background(), map[string]any{
		"command": "echo",
		"args":    []any{"hello"},
	})
	require.NoError(t, err)
	assert.Contains(t, data["output"], "hello")
}

func TestOffListCommandRejected(t *testing.T) {
	perms := permissions.NewStore(config.Permissions{AllowedCommands: []string{"echo"}})
	h := Handler(perms)

	_, err := h(context.Background(), map[string]any{"command": "rm"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowlist")
}

func TestMissingCommandRejected(t *testing.T) {
	perms := permissions.NewStore(config.Permissions{})
	h := Handler(perms)

	_, err := h(context.Background(), map[string]any{})
	require.Error(t, err)
}
