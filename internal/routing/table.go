// Package routing maps task types to broker channels. The table is static:
// loaded once at process start on both the coordinator and the worker. A
// mismatch between the two processes' tables is a deployment error, not a
// runtime-recoverable condition.
package routing

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownTaskType is returned when a task type has no channel mapping.
// Submission fails fast on it; nothing is ever enqueued for an unknown type.
var ErrUnknownTaskType = errors.New("unknown task type")

// IsUnknownType reports whether err stems from an unrouted task type.
func IsUnknownType(err error) bool {
	return errors.Is(err, ErrUnknownTaskType)
}

type Table struct {
	routes map[string]string
}

// New builds a validated routing table from a type -> channel mapping.
func New(routes map[string]string) (*Table, error) {
	if len(routes) == 0 {
		return nil, errors.New("routing table is empty")
	}
	m := make(map[string]string, len(routes))
	for taskType, channel := range routes {
		if taskType == "" {
			return nil, errors.New("routing table contains an empty task type")
		}
		if channel == "" {
			return nil, fmt.Errorf("task type %q maps to an empty channel", taskType)
		}
		m[taskType] = channel
	}
	return &Table{routes: m}, nil
}

// Resolve returns the channel for a task type.
func (t *Table) Resolve(taskType string) (string, error) {
	channel, ok := t.routes[taskType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	return channel, nil
}

// Known reports whether the task type has a route.
func (t *Table) Known(taskType string) bool {
	_, ok := t.routes[taskType]
	return ok
}

// Channels returns the distinct channel names, sorted.
func (t *Table) Channels() []string {
	seen := make(map[string]struct{})
	var channels []string
	for _, ch := range t.routes {
		if _, ok := seen[ch]; !ok {
			seen[ch] = struct{}{}
			channels = append(channels, ch)
		}
	}
	sort.Strings(channels)
	return channels
}

// Types returns the known task types, sorted.
func (t *Table) Types() []string {
	types := make([]string, 0, len(t.routes))
	for taskType := range t.routes {
		types = append(types, taskType)
	}
	sort.Strings(types)
	return types
}
