package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// HeadlessBackend runs the agent CLI as a direct child process and
// captures its output.
type HeadlessBackend struct {
	logger *slog.Logger
}

func NewHeadless(logger *slog.Logger) *HeadlessBackend {
	return &HeadlessBackend{logger: logger.With("component", "runner", "backend", BackendHeadless)}
}

func (b *HeadlessBackend) Name() string { return BackendHeadless }

// Run blocks until the agent exits. On failure the captured output is
// still returned, with stderr appended, so callers can log what the
// agent said before dying.
func (b *HeadlessBackend) Run(ctx context.Context, inv Invocation) (string, error) {
	argv, viaStdin, err := BuildCommand(inv.Agent, inv.Prompt)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if dir := strings.TrimSpace(inv.Agent.Workspace); dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if viaStdin {
		cmd.Stdin = strings.NewReader(inv.Prompt)
	}

	b.logger.Debug("starting agent", "role", inv.Role, "bead", inv.BeadID, "provider", argv[0])
	start := time.Now()
	err = cmd.Run()
	raw := strings.TrimSpace(stdout.String())
	if err != nil {
		if ctx.Err() != nil {
			return raw, fmt.Errorf("runner: %s agent killed after %s: %w", inv.Role, time.Since(start).Round(time.Second), ctx.Err())
		}
		if errOut := strings.TrimSpace(stderr.String()); errOut != "" {
			raw = strings.TrimSpace(raw + "\n" + errOut)
		}
		return raw, fmt.Errorf("runner: %s agent exited with error: %w", inv.Role, err)
	}
	return raw, nil
}

var _ Backend = (*HeadlessBackend)(nil)
