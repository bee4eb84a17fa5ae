package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"relayq/internal/config"
)

func TestStore(t *testing.T) {
	s := NewStore(config.Permissions{
		Admins:          []string{"42"},
		AllowedCommands: []string{"echo", "uptime"},
	})

	assert.True(t, s.IsAdmin("42"))
	assert.False(t, s.IsAdmin("7"))
	assert.True(t, s.CommandAllowed("uptime"))
	assert.False(t, s.CommandAllowed("rm"))
}
