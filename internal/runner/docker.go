package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerBackend runs agents inside one-shot containers through the
// Docker API. The prompt is mounted read-only; the agent's workspace,
// when configured, is bind-mounted at /workspace.
type DockerBackend struct {
	cli    *client.Client
	logger *slog.Logger
}

func NewDocker(logger *slog.Logger) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runner: docker client: %w", err)
	}
	return &DockerBackend{cli: cli, logger: logger.With("component", "runner", "backend", BackendDocker)}, nil
}

func (b *DockerBackend) Name() string { return BackendDocker }

func (b *DockerBackend) Run(ctx context.Context, inv Invocation) (string, error) {
	argv, viaStdin, err := BuildCommand(inv.Agent, inv.Prompt)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("citadel-%s-%d", inv.Role, time.Now().UnixNano())

	ctxDir := filepath.Join(os.TempDir(), "citadel-ctx-"+name)
	if err := os.MkdirAll(ctxDir, 0o755); err != nil {
		return "", fmt.Errorf("runner: docker: create context dir: %w", err)
	}
	defer os.RemoveAll(ctxDir)

	cmd := argv
	if viaStdin {
		if err := os.WriteFile(filepath.Join(ctxDir, "prompt.txt"), []byte(inv.Prompt), 0o644); err != nil {
			return "", fmt.Errorf("runner: docker: write prompt: %w", err)
		}
		cmd = append([]string{"sh", "-c", `exec "$0" "$@" < /citadel/ctx/prompt.txt`}, argv...)
	}

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: ctxDir, Target: "/citadel/ctx", ReadOnly: true},
	}
	if ws := strings.TrimSpace(inv.Agent.Workspace); ws != "" {
		abs, err := filepath.Abs(ws)
		if err != nil {
			return "", fmt.Errorf("runner: docker: resolve workspace: %w", err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return "", fmt.Errorf("runner: docker: create workspace: %w", err)
		}
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: abs, Target: "/workspace"})
	}

	created, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image:      inv.Agent.Image,
		Cmd:        cmd,
		Tty:        false,
		WorkingDir: "/workspace",
		Env:        agentEnv(),
	}, &container.HostConfig{Mounts: mounts}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("runner: docker: create container: %w", err)
	}
	defer b.remove(created.ID)

	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("runner: docker: start container: %w", err)
	}

	b.logger.Debug("agent container started", "role", inv.Role, "bead", inv.BeadID, "container", name)

	waitCh, errCh := b.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exit int64
	select {
	case res := <-waitCh:
		exit = res.StatusCode
	case werr := <-errCh:
		// Includes ctx cancellation; the deferred remove kills the
		// still-running container.
		return "", fmt.Errorf("runner: docker: wait for %s agent: %w", inv.Role, werr)
	}

	out, logErr := b.capture(created.ID)
	if exit != 0 {
		return out, fmt.Errorf("runner: %s agent container exited with status %d", inv.Role, exit)
	}
	if logErr != nil {
		return "", fmt.Errorf("runner: docker: capture output: %w", logErr)
	}
	return out, nil
}

// capture pulls the container's demultiplexed stdout and stderr.
func (b *DockerBackend) capture(id string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logs, err := b.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return "", err
	}
	out := strings.TrimSpace(stdout.String())
	if errOut := strings.TrimSpace(stderr.String()); errOut != "" {
		out = strings.TrimSpace(out + "\n" + errOut)
	}
	return out, nil
}

// remove force-deletes the container, detached from the handler's
// context so cleanup survives cancellation.
func (b *DockerBackend) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		b.logger.Warn("container cleanup failed", "container", id, "error", err)
	}
}

// agentEnv passes provider credentials from the host through to the
// container.
func agentEnv() []string {
	keys := []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY"}
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			env = append(env, k+"="+v)
		}
	}
	return env
}

var _ Backend = (*DockerBackend)(nil)
