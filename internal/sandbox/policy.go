// Package sandbox derives the container isolation policy for a module. The
// builder is pure: it only maps an install request onto engine settings, so
// every decision here is unit testable without a docker daemon.
package sandbox

import (
	"fmt"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"

	"github.com/splax/modhost/internal/domain"
)

const (
	// DefaultUser is the non-root uid:gid modules run as unless the
	// install request names another non-root user.
	DefaultUser = "10001:10001"
	// ModuleNetwork is the isolated bridge network modules attach to.
	// Modules never join the platform's data-tier networks.
	ModuleNetwork = "modhost-modules"

	defaultPidsLimit = 256
	tmpfsSize        = "size=64m,mode=1777"
)

// Policy is the full sandbox configuration for one module container.
type Policy struct {
	ContainerName string
	Image         string
	Env           []string
	User          string
	ReadonlyRoot  bool
	CapDrop       []string
	SecurityOpt   []string
	Tmpfs         map[string]string
	NanoCPUs      int64
	MemoryBytes   int64
	PidsLimit     int64
	Network       string
	ExposedPorts  nat.PortSet
	PortBindings  nat.PortMap
	Labels        map[string]string
}

// Build derives the policy for a module. user may be empty to run as the
// default non-root account; "0", "root" and "0:0" are rejected.
func Build(m *domain.ModuleRecord, env []string, user string) (Policy, error) {
	if user == "" {
		user = DefaultUser
	}
	if user == "0" || user == "0:0" || user == "root" || user == "root:root" {
		return Policy{}, domain.Ef(domain.KindPolicyViolation, "modules may not run as root")
	}
	if m.Limits.CPUCores <= 0 {
		return Policy{}, domain.Ef(domain.KindInvalidInput, "cpu limit must be positive")
	}
	if m.Limits.MemoryBytes <= 0 {
		return Policy{}, domain.Ef(domain.KindInvalidInput, "memory limit must be positive")
	}
	pids := m.Limits.PidsLimit
	if pids <= 0 {
		pids = defaultPidsLimit
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, pm := range m.Ports {
		port, err := nat.NewPort("tcp", fmt.Sprintf("%d", pm.ContainerPort))
		if err != nil {
			return Policy{}, domain.E(domain.KindInvalidInput, "invalid container port", err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   "127.0.0.1",
			HostPort: fmt.Sprintf("%d", pm.HostPort),
		})
	}

	tmpfs := map[string]string{"/tmp": tmpfsSize}
	paths := append([]string(nil), m.WritablePaths...)
	sort.Strings(paths)
	for _, p := range paths {
		if p == "" || p == "/" {
			return Policy{}, domain.Ef(domain.KindPolicyViolation, "writable path %q is not allowed", p)
		}
		tmpfs[p] = tmpfsSize
	}

	return Policy{
		ContainerName: "mod-" + m.Name,
		Image:         fmt.Sprintf("%s:%s", m.Image, m.ImageTag),
		Env:           env,
		User:          user,
		ReadonlyRoot:  true,
		CapDrop:       []string{"ALL"},
		SecurityOpt:   []string{"no-new-privileges:true"},
		Tmpfs:         tmpfs,
		NanoCPUs:      int64(m.Limits.CPUCores * 1e9),
		MemoryBytes:   m.Limits.MemoryBytes,
		PidsLimit:     pids,
		Network:       ModuleNetwork,
		ExposedPorts:  exposed,
		PortBindings:  bindings,
		Labels: map[string]string{
			"modhost.module": m.Name,
			"modhost.id":     m.ID,
		},
	}, nil
}

// ContainerConfig renders the engine-side container configuration.
func (p Policy) ContainerConfig() *container.Config {
	return &container.Config{
		Image:        p.Image,
		Env:          p.Env,
		User:         p.User,
		ExposedPorts: p.ExposedPorts,
		Labels:       p.Labels,
	}
}

// HostConfig renders the engine-side host configuration. MemorySwap equals
// Memory so a module cannot spill its budget into swap.
func (p Policy) HostConfig() *container.HostConfig {
	pidsLimit := p.PidsLimit
	return &container.HostConfig{
		PortBindings:   p.PortBindings,
		ReadonlyRootfs: p.ReadonlyRoot,
		CapDrop:        p.CapDrop,
		SecurityOpt:    p.SecurityOpt,
		Tmpfs:          p.Tmpfs,
		NetworkMode:    container.NetworkMode(p.Network),
		RestartPolicy:  container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources: container.Resources{
			NanoCPUs:   p.NanoCPUs,
			Memory:     p.MemoryBytes,
			MemorySwap: p.MemoryBytes,
			PidsLimit:  &pidsLimit,
		},
	}
}
