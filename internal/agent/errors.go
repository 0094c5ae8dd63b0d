package agent

import "errors"

// ErrNoProvider is returned when Run is called without a configured
// model provider.
var ErrNoProvider = errors.New("no provider configured")

// ErrNoRegistry is returned when Run is called without a tool registry.
var ErrNoRegistry = errors.New("no tool registry configured")
