// Package permissions provides the allowlist store injected into handlers at
// construction time. Handlers stay pure functions of their parameters plus
// this store; there is no ambient global permission state.
package permissions

import "relayq/internal/config"

type Store struct {
	admins   map[string]struct{}
	commands map[string]struct{}
}

func NewStore(cfg config.Permissions) *Store {
	s := &Store{
		admins:   make(map[string]struct{}, len(cfg.Admins)),
		commands: make(map[string]struct{}, len(cfg.AllowedCommands)),
	}
	for _, a := range cfg.Admins {
		s.admins[a] = struct{}{}
	}
	for _, c := range cfg.AllowedCommands {
		s.commands[c] = struct{}{}
	}
	return s
}

// IsAdmin reports whether the caller context belongs to an administrator.
func (s *Store) IsAdmin(caller string) bool {
	_, ok := s.admins[caller]
	return ok
}

// CommandAllowed reports whether a shell command is on the allowlist.
func (s *Store) CommandAllowed(cmd string) bool {
	_, ok := s.commands[cmd]
	return ok
}
