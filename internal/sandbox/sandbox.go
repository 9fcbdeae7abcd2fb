// Package sandbox executes verification scripts in locked-down Docker
// containers: no network, read-only root, dropped capabilities, memory
// and pid limits, non-root user. The deliverable is mounted read-only at
// /input/result.json and the script at /input/verify; exit code zero
// means the deliverable passed.
package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/metrics"
	"github.com/agoranet/marketplace/internal/verify"
)

// runtimeImages maps runtime identifiers to pinned images.
var runtimeImages = map[string]string{
	"python:3.13": "python:3.13-slim",
	"python:3.12": "python:3.12-slim",
	"node:20":     "node:20-slim",
	"node:22":     "node:22-slim",
	"bash":        "bash:5",
	"ruby:3.3":    "ruby:3.3-slim",
}

const defaultRuntime = "python:3.13"

// Runner executes scripts through the Docker Engine API.
type Runner struct {
	cli     client.APIClient
	cfg     config.SandboxConfig
	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewRunner connects to the Docker daemon. DockerHost overrides the
// environment when set.
func NewRunner(cfg config.SandboxConfig, m *metrics.Metrics) (*Runner, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("connect docker: %w", err)
	}
	return &Runner{
		cli:     cli,
		cfg:     cfg,
		metrics: m,
		logger:  log.New(log.Writer(), "[SANDBOX] ", log.LstdFlags),
	}, nil
}

// ValidateSpec statically checks a script spec at job creation so a suite
// the sandbox would reject never reaches escrow.
func (r *Runner) ValidateSpec(spec verify.ScriptSpec) error {
	script, err := base64.StdEncoding.DecodeString(spec.Script)
	if err != nil {
		return core.E(core.KindValidation, "script must be valid base64")
	}
	if len(script) > r.cfg.MaxScriptBytes {
		return core.E(core.KindValidation, "script too large: %d bytes (max %d)", len(script), r.cfg.MaxScriptBytes)
	}
	runtime := spec.Runtime
	if runtime == "" {
		runtime = defaultRuntime
	}
	if _, ok := runtimeImages[runtime]; !ok {
		return core.E(core.KindValidation, "unsupported runtime: %s", runtime)
	}
	// Zero means "use the configured default" for both limits.
	if spec.TimeoutSeconds < 0 || spec.TimeoutSeconds > r.cfg.MaxTimeoutSecs {
		return core.E(core.KindValidation, "timeout_seconds must be at most %d (0 for the default)", r.cfg.MaxTimeoutSecs)
	}
	if spec.MemoryLimitMB < 0 || spec.MemoryLimitMB > r.cfg.MaxMemoryMB {
		return core.E(core.KindValidation, "memory_limit_mb must be at most %d (0 for the default)", r.cfg.MaxMemoryMB)
	}
	return nil
}

// RunScript implements verify.ScriptRunner.
func (r *Runner) RunScript(ctx context.Context, spec verify.ScriptSpec, deliverable []byte) (*verify.ScriptResult, error) {
	if err := r.ValidateSpec(spec); err != nil {
		return nil, err
	}
	script, _ := base64.StdEncoding.DecodeString(spec.Script)

	runtime := spec.Runtime
	if runtime == "" {
		runtime = defaultRuntime
	}
	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = time.Duration(r.cfg.DefaultTimeoutSecs) * time.Second
	}
	memoryMB := spec.MemoryLimitMB
	if memoryMB == 0 {
		memoryMB = r.cfg.DefaultMemoryMB
	}

	dir, err := os.MkdirTemp(r.cfg.WorkDir, "sandbox-")
	if err != nil {
		r.metrics.SandboxFailures.WithLabelValues("infra").Inc()
		return nil, fmt.Errorf("sandbox workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, "result.json"), deliverable, 0o644); err != nil {
		r.metrics.SandboxFailures.WithLabelValues("infra").Inc()
		return nil, fmt.Errorf("write deliverable: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "verify"), script, 0o555); err != nil {
		r.metrics.SandboxFailures.WithLabelValues("infra").Inc()
		return nil, fmt.Errorf("write script: %w", err)
	}

	image := runtimeImages[runtime]
	name := "verify-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	pidsLimit := int64(256)

	created, err := r.create(ctx, image, name, dir, runtime, memoryMB, pidsLimit)
	if err != nil {
		r.metrics.SandboxFailures.WithLabelValues("infra").Inc()
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer r.cli.ContainerRemove(context.Background(), created, types.ContainerRemoveOptions{Force: true})

	start := time.Now()
	if err := r.cli.ContainerStart(ctx, created, types.ContainerStartOptions{}); err != nil {
		r.metrics.SandboxFailures.WithLabelValues("infra").Inc()
		return nil, fmt.Errorf("start container: %w", err)
	}

	// Docker enforces nothing time-based; the wait context does, with a
	// small grace on top of the script budget.
	waitCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	statusCh, errCh := r.cli.ContainerWait(waitCtx, created, container.WaitConditionNotRunning)
	var exitCode int
	timedOut := false
	select {
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		if waitCtx.Err() != nil {
			timedOut = true
			exitCode = -1
			_ = r.cli.ContainerKill(context.Background(), created, "KILL")
		} else {
			r.metrics.SandboxFailures.WithLabelValues("infra").Inc()
			return nil, fmt.Errorf("wait container: %w", err)
		}
	}
	elapsed := time.Since(start)

	stdout, stderr := r.collectLogs(created)
	if timedOut {
		stderr = "execution timed out"
	}

	r.metrics.SandboxDuration.Observe(elapsed.Seconds())
	switch {
	case timedOut:
		r.metrics.SandboxFailures.WithLabelValues("timeout").Inc()
	case exitCode == 137:
		r.metrics.SandboxFailures.WithLabelValues("oom").Inc()
	case exitCode != 0:
		r.metrics.SandboxFailures.WithLabelValues("nonzero_exit").Inc()
	}
	r.logger.Printf("container %s exit=%d timed_out=%t elapsed=%.2fs", name, exitCode, timedOut, elapsed.Seconds())

	return &verify.ScriptResult{
		ExitCode:        exitCode,
		Stdout:          stdout,
		Stderr:          stderr,
		DurationSeconds: elapsed.Seconds(),
		TimedOut:        timedOut,
	}, nil
}

func (r *Runner) create(ctx context.Context, image, name, dir, runtime string, memoryMB, pidsLimit int64) (string, error) {
	cfg := &container.Config{
		Image:           image,
		Cmd:             commandFor(runtime),
		User:            "65534:65534",
		NetworkDisabled: true,
	}
	host := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=32m"},
		Binds:          []string{dir + ":/input:ro"},
		Resources: container.Resources{
			Memory:     memoryMB << 20,
			MemorySwap: memoryMB << 20, // no swap headroom
			NanoCPUs:   1_000_000_000,  // one cpu
			PidsLimit:  &pidsLimit,
		},
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err == nil {
		return created.ID, nil
	}
	if !client.IsErrNotFound(err) {
		return "", err
	}
	// Image missing locally; pull and retry once.
	reader, perr := r.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if perr != nil {
		return "", fmt.Errorf("pull %s: %w", image, perr)
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()
	created, err = r.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (r *Runner) collectLogs(id string) (string, string) {
	logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reader, err := r.cli.ContainerLogs(logCtx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", ""
	}
	defer reader.Close()

	stdout := newCapWriter(r.cfg.MaxOutputBytes)
	stderr := newCapWriter(r.cfg.MaxOutputBytes)
	_, _ = stdcopy.StdCopy(stdout, stderr, reader)
	return stdout.String(), stderr.String()
}

func commandFor(runtime string) []string {
	switch {
	case strings.HasPrefix(runtime, "python"):
		return []string{"python", "/input/verify"}
	case strings.HasPrefix(runtime, "node"):
		return []string{"node", "/input/verify"}
	case strings.HasPrefix(runtime, "ruby"):
		return []string{"ruby", "/input/verify"}
	case strings.HasPrefix(runtime, "bash"):
		return []string{"bash", "/input/verify"}
	}
	return []string{"/input/verify"}
}
