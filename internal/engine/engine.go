// Package engine wraps the Docker SDK behind the narrow surface the
// orchestrator needs. Every daemon call carries its own deadline so a wedged
// engine surfaces as engine_timeout instead of a hung install.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/splax/modhost/internal/domain"
	"github.com/splax/modhost/internal/sandbox"
)

// ContainerState is the live view of one module container.
type ContainerState struct {
	Running   bool
	ExitCode  int
	Status    string
	StartedAt time.Time
}

// Engine is the container runtime surface the orchestrator consumes.
type Engine interface {
	Pull(ctx context.Context, imageRef string) (digest string, err error)
	Create(ctx context.Context, policy sandbox.Policy) (containerID string, err error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (ContainerState, error)
	Stats(ctx context.Context, containerID string) (domain.ModuleStats, error)
	EnsureNetwork(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Docker implements Engine on the Docker SDK.
type Docker struct {
	inner     *client.Client
	opTimeout time.Duration
	stopGrace time.Duration
	log       *slog.Logger
}

var _ Engine = (*Docker)(nil)

// New creates a Docker engine using environment defaults, optionally
// overridden by an explicit host.
func New(host string, opTimeout, stopGrace time.Duration, log *slog.Logger) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}
	if stopGrace <= 0 {
		stopGrace = 10 * time.Second
	}
	return &Docker{
		inner:     inner,
		opTimeout: opTimeout,
		stopGrace: stopGrace,
		log:       log.With("component", "engine"),
	}, nil
}

// Close releases the underlying client.
func (d *Docker) Close() error { return d.inner.Close() }

// Ping validates connectivity to the daemon.
func (d *Docker) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ping, err := d.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// classify maps SDK failures onto the orchestrator error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.E(domain.KindEngineTimeout, op+" timed out", err)
	}
	if client.IsErrNotFound(err) {
		return domain.E(domain.KindNotFound, op+": container not found", err)
	}
	return domain.E(domain.KindEngineOperation, op+" failed", err)
}

// Pull fetches an image and returns its pinned digest. Pulls get a longer
// deadline than other calls since layers may cross the wire.
func (d *Docker) Pull(ctx context.Context, imageRef string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 4*d.opTimeout)
	defer cancel()

	rc, err := d.inner.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return "", classify("image pull", err)
	}
	defer rc.Close()

	digest := ""
	decoder := json.NewDecoder(rc)
	for {
		var msg struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", classify("image pull", err)
		}
		if msg.Error != "" {
			return "", domain.Ef(domain.KindEngineOperation, "image pull failed: %s", msg.Error)
		}
		if idx := strings.Index(msg.Status, "sha256:"); idx >= 0 {
			digest = strings.TrimSpace(msg.Status[idx:])
		}
	}

	if digest == "" {
		inspect, _, err := d.inner.ImageInspectWithRaw(ctx, imageRef)
		if err == nil && len(inspect.RepoDigests) > 0 {
			if idx := strings.Index(inspect.RepoDigests[0], "sha256:"); idx >= 0 {
				digest = inspect.RepoDigests[0][idx:]
			}
		}
	}
	d.log.Info("image pulled", "image", imageRef, "digest", digest)
	return digest, nil
}

// Create builds a container from the sandbox policy verbatim. Nothing outside
// the policy reaches the engine.
func (d *Docker) Create(ctx context.Context, policy sandbox.Policy) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			policy.Network: {},
		},
	}
	resp, err := d.inner.ContainerCreate(ctx, policy.ContainerConfig(), policy.HostConfig(), netCfg, nil, policy.ContainerName)
	if err != nil {
		return "", classify("container create", err)
	}
	return resp.ID, nil
}

// Start starts a created container.
func (d *Docker) Start(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()
	return classify("container start", d.inner.ContainerStart(ctx, containerID, container.StartOptions{}))
}

// Stop stops a container, granting the grace period before the kill.
func (d *Docker) Stop(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout+d.stopGrace)
	defer cancel()
	grace := int(d.stopGrace.Seconds())
	err := d.inner.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace})
	if client.IsErrNotFound(err) {
		return nil
	}
	return classify("container stop", err)
}

// Remove force-removes a container. Removing an absent container is a no-op
// so uninstall stays idempotent.
func (d *Docker) Remove(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()
	err := d.inner.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if client.IsErrNotFound(err) {
		return nil
	}
	return classify("container remove", err)
}

// Inspect returns the live state of a container.
func (d *Docker) Inspect(ctx context.Context, containerID string) (ContainerState, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()

	info, err := d.inner.ContainerInspect(ctx, containerID)
	if err != nil {
		return ContainerState{}, classify("container inspect", err)
	}
	state := ContainerState{}
	if info.State != nil {
		state.Running = info.State.Running
		state.ExitCode = info.State.ExitCode
		state.Status = info.State.Status
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			state.StartedAt = t
		}
	}
	return state, nil
}

// Stats takes a one-shot resource sample. CPU percent follows the daemon's
// delta math: usage delta over system delta, scaled by online CPUs.
func (d *Docker) Stats(ctx context.Context, containerID string) (domain.ModuleStats, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()

	resp, err := d.inner.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return domain.ModuleStats{}, classify("container stats", err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return domain.ModuleStats{}, classify("decode container stats", err)
	}

	stats := domain.ModuleStats{
		MemoryBytes: int64(raw.MemoryStats.Usage),
		Pids:        int64(raw.PidsStats.Current),
		Running:     true,
	}
	if raw.MemoryStats.Limit > 0 {
		stats.MemoryPercent = float64(raw.MemoryStats.Usage) / float64(raw.MemoryStats.Limit) * 100
	}
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(raw.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		stats.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}
	return stats, nil
}

// EnsureNetwork creates the isolated module network if it does not exist.
func (d *Docker) EnsureNetwork(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()

	_, err := d.inner.NetworkInspect(ctx, sandbox.ModuleNetwork, types.NetworkInspectOptions{})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return classify("network inspect", err)
	}
	_, err = d.inner.NetworkCreate(ctx, sandbox.ModuleNetwork, types.NetworkCreate{
		Driver:   "bridge",
		Internal: false,
		Labels:   map[string]string{"modhost.managed": "true"},
	})
	return classify("network create", err)
}
