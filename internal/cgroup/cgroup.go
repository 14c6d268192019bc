// Package cgroup implements the narrow controller-arbitration interface
// the host router uses during its filter pipeline (spec §4.5 step 1):
// allow/deny a device's major:minor pair on a container's devices
// cgroup.
package cgroup

import "cdev/pkg/device"

// Manager grants or revokes a container's access to a device node via
// its devices cgroup. The core only depends on this narrow interface;
// cgroup controller drivers themselves are an external collaborator
// (spec §1).
type Manager interface {
	Allow(containerName string, dev *device.Device) error
	Deny(containerName string, dev *device.Device) error
}

// Registry is a name-keyed lookup of Managers, one per controller kind
// a container's ruleset may request via CGROUPS= (spec §4.5 step 1:
// "obtain the controller manager for each requested controller").
// Ported from original_source/cdev/cgroups.py's
// ControlGroupManager.registry/get.
type Registry struct {
	managers map[string]Manager
}

// NewRegistry builds an empty controller registry.
func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]Manager)}
}

// Register adds (or replaces) the Manager for a controller name, e.g.
// "docker".
func (r *Registry) Register(name string, m Manager) {
	r.managers[name] = m
}

// Get looks up the Manager for a controller name.
func (r *Registry) Get(name string) (Manager, bool) {
	m, ok := r.managers[name]
	return m, ok
}
