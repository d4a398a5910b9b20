// Package runner invokes role agents and turns their answers into tool
// calls. A backend executes one agent run to completion; the worker and
// gatekeeper handlers wrap backends into pool handlers.
package runner

import (
	"context"

	"github.com/citadel-dev/citadel/internal/config"
)

// Backend names, matching the agents.<role>.backend config values.
const (
	BackendHeadless = "headless"
	BackendDocker   = "docker"
)

// Invocation is one synchronous agent run.
type Invocation struct {
	Role   string
	BeadID string
	Prompt string
	Agent  config.Agent
}

// Backend executes an invocation and returns the agent's combined
// output. Run blocks until the agent exits; cancelling ctx kills it.
type Backend interface {
	Run(ctx context.Context, inv Invocation) (string, error)
	Name() string
}
