package cgroup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"cdev/pkg/device"

	"github.com/docker/docker/client"
)

// cgroupDeviceRoot is the cgroupfs mount point under which every
// container's "devices" controller directory lives.
const cgroupDeviceRoot = "/sys/fs/cgroup/devices"

// DockerManager implements Manager against a container's devices
// cgroup, resolving the container name to a cgroup path via the Docker
// API the way internal/executor.DockerExecutor resolves a container ID
// to talk to the same daemon. The on-disk write itself is ported from
// opencontainers-runc's DevicesGroup.Set / the "<type> <major>:<minor>
// <perms>" control string, and from original_source/cdev/cgroups.py's
// lxc_cgroup_update, which writes the identical string shape to a
// different container runtime's cgroup.
type DockerManager struct {
	client *client.Client
}

// NewDockerManager wraps an existing Docker API client.
func NewDockerManager(c *client.Client) *DockerManager {
	return &DockerManager{client: c}
}

// Allow writes "<type> <major>:<minor> rwm" to the container's
// devices.allow.
func (m *DockerManager) Allow(containerName string, dev *device.Device) error {
	return m.write(containerName, dev, true)
}

// Deny writes "<type> <major>:<minor> rm" to the container's
// devices.deny.
func (m *DockerManager) Deny(containerName string, dev *device.Device) error {
	return m.write(containerName, dev, false)
}

func (m *DockerManager) write(containerName string, dev *device.Device, allow bool) error {
	if dev.DevNum.Major == 0 {
		return nil
	}

	path, err := m.cgroupPath(containerName)
	if err != nil {
		return fmt.Errorf("cgroup: resolve %s: %w", containerName, err)
	}

	kind := byte('c')
	if dev.Subsystem == "block" {
		kind = 'b'
	}
	perms := "rwm"
	file := "devices.allow"
	if !allow {
		perms = "rm"
		file = "devices.deny"
	}

	line := fmt.Sprintf("%c %d:%d %s", kind, dev.DevNum.Major, dev.DevNum.Minor, perms)
	if err := os.WriteFile(filepath.Join(path, file), []byte(line), 0644); err != nil {
		return fmt.Errorf("cgroup: write %s: %w", file, err)
	}
	return nil
}

// cgroupPath resolves a container name to its devices-controller cgroup
// directory via ContainerInspect.
func (m *DockerManager) cgroupPath(containerName string) (string, error) {
	info, err := m.client.ContainerInspect(context.Background(), containerName)
	if err != nil {
		return "", err
	}
	// CgroupParent is empty for containers created without an explicit
	// parent; Docker's default cgroup driver nests under the container
	// ID either way.
	parent := info.HostConfig.CgroupParent
	if parent == "" {
		return filepath.Join(cgroupDeviceRoot, "docker", info.ID), nil
	}
	return filepath.Join(cgroupDeviceRoot, parent, info.ID), nil
}
