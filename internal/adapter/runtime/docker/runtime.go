// Package docker implements the sandbox runtime port on the Docker Engine
// API.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	"github.com/codeclash/exec-engine/internal/domain"
	"github.com/codeclash/exec-engine/pkg/streamx"
)

// Runtime drives ephemeral sandbox containers. Every sandbox runs with
// network disabled, all capabilities dropped, no privilege escalation, a
// non-root user, and a read-only root filesystem writable only through a
// size-capped tmpfs at /tmp.
type Runtime struct {
	cli *client.Client
}

// Non-root UID:GID baked into the runner images.
const sandboxUser = "1000:1000"

// SandboxLabel marks sandbox containers so external tooling (cleanup jobs,
// the deploy-side exporter) can tell them apart from infrastructure.
const SandboxLabel = "exec-engine.sandbox"

// New connects to the Docker daemon at the given socket.
func New(socket string) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(socket),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("op=runtime.connect: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

// Create builds a sandbox container from the spec and returns its id.
func (r *Runtime) Create(ctx context.Context, spec domain.SandboxSpec) (string, error) {
	bind := spec.WorkspaceDir + ":/workspace"
	if spec.WorkdirRO {
		bind += ":ro"
	}
	tmpfsBytes := spec.TmpfsBytes
	if tmpfsBytes <= 0 {
		tmpfsBytes = 64 << 20
	}
	pids := spec.PidsLimit
	if pids <= 0 {
		pids = 50
	}
	host := &container.HostConfig{
		Binds:          []string{bind},
		NetworkMode:    "none",
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=" + strconv.FormatInt(tmpfsBytes, 10)},
		AutoRemove:     false,
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes, // swap disabled: swap == memory
			PidsLimit:  &pids,
			Ulimits: []*units.Ulimit{
				{Name: "cpu", Soft: spec.CPUSeconds, Hard: spec.CPUSeconds + 1},
				{Name: "nofile", Soft: 64, Hard: 64},
				{Name: "core", Soft: 0, Hard: 0},
			},
		},
	}
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		User:            sandboxUser,
		WorkingDir:      "/workspace",
		NetworkDisabled: true,
		Labels:          map[string]string{SandboxLabel: "true"},
	}
	resp, err := r.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("op=runtime.create: %w", err)
	}
	return resp.ID, nil
}

// Start launches the created sandbox.
func (r *Runtime) Start(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("op=runtime.start: %w", err)
	}
	return nil
}

// Wait blocks until the sandbox exits or ctx is done, returning the exit
// code. Callers race this against their wall-clock timer and Kill on expiry.
func (r *Runtime) Wait(ctx context.Context, id string) (int64, error) {
	waitCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		if res.Error != nil {
			return -1, fmt.Errorf("op=runtime.wait: %s", res.Error.Message)
		}
		return res.StatusCode, nil
	case err := <-errCh:
		return -1, fmt.Errorf("op=runtime.wait: %w", err)
	}
}

// Kill forcibly terminates the sandbox.
func (r *Runtime) Kill(ctx context.Context, id string) error {
	if err := r.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		return fmt.Errorf("op=runtime.kill: %w", err)
	}
	return nil
}

// Logs fetches and demultiplexes the sandbox output. Docker multiplexes both
// streams over one connection with 8-byte frame headers; stdcopy splits them.
// Each stream is capped at maxBytes with a truncation marker.
func (r *Runtime) Logs(ctx context.Context, id string, maxBytes int64) (stdout, stderr []byte, err error) {
	rc, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, nil, fmt.Errorf("op=runtime.logs: %w", err)
	}
	defer func() { _ = rc.Close() }()
	outBuf := streamx.NewBoundedBuffer(maxBytes)
	errBuf := streamx.NewBoundedBuffer(maxBytes)
	if _, err := stdcopy.StdCopy(outBuf, errBuf, rc); err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("op=runtime.logs: demux: %w", err)
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// PeakMemoryKB reads the sandbox's peak memory usage from the stats API.
// Returns 0 when the kernel does not expose a peak counter.
func (r *Runtime) PeakMemoryKB(ctx context.Context, id string) (int64, error) {
	resp, err := r.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("op=runtime.stats: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, fmt.Errorf("op=runtime.stats: decode: %w", err)
	}
	peak := stats.MemoryStats.MaxUsage
	if peak == 0 {
		peak = stats.MemoryStats.Usage
	}
	return int64(peak / 1024), nil
}

// Remove deletes the sandbox and its writable layer.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("op=runtime.remove: %w", err)
	}
	return nil
}

// Ping probes daemon reachability for health checks.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("op=runtime.ping: %w", err)
	}
	return nil
}
