// Package device implements the process-wide device registry and the
// sync buffer used to carry device state across the host/container
// boundary. One Device exists per sysfs path within a process; the
// registry in registry.go is the only thing that constructs or retires
// them.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	sysPathPrefix = "/sys"
	devPathPrefix = "/dev"
)

// Num is a device's major:minor pair. The zero value means "no node".
type Num struct {
	Major uint32
	Minor uint32
}

// IsZero reports whether n represents "no device node" (0:0).
func (n Num) IsZero() bool {
	return n.Major == 0 && n.Minor == 0
}

func (n Num) String() string {
	return fmt.Sprintf("%d:%d", n.Major, n.Minor)
}

// Device represents a kernel device keyed by its sysfs path. Identity is
// by SysPath: the registry guarantees that two lookups for the same
// path return the same *Device within a process.
type Device struct {
	SysPath string
	DevPath string // SysPath with the /sys prefix removed
	SysName string // basename of DevPath, with "!" translated to "/"

	Subsystem string
	DevType   string
	IfIndex   *int

	// DevNode is the /dev leaf name this device should appear at,
	// relative to /dev (e.g. "snd/pcmC0D0p"), or "" if none.
	DevNode     string
	DevNum      Num
	DevNodeMode os.FileMode // 0 if unset; a rule may still set a mode explicitly

	// Properties holds the kernel-uevent-derived properties plus any
	// rule overlays. Environment holds the persisted overlay (ENV
	// overlays that survive a flush/reload cycle; tags live in Tags) separately, the
	// way original_source/cdev/device.py splits `properties` (uevent,
	// not persisted) from `environment` (persisted db state).
	Properties map[string]string
	Environment map[string]string
	Tags        map[string]struct{}
	DevLinks    map[string]struct{} // relative to /dev

	idFilename string
	idComputed bool
}

// New creates an empty Device rooted at syspath. Callers normally go
// through Registry.LookupOrCreate instead of calling this directly.
func New(syspath string) *Device {
	d := &Device{
		Properties:  make(map[string]string),
		Environment: make(map[string]string),
		Tags:        make(map[string]struct{}),
		DevLinks:    make(map[string]struct{}),
	}
	d.setSysPath(syspath)
	return d
}

func (d *Device) setSysPath(syspath string) {
	d.SysPath = syspath
	d.DevPath = strings.TrimSuffix(strings.TrimPrefix(syspath, sysPathPrefix), "/")
	d.SysName = strings.ReplaceAll(filepath.Base(d.DevPath), "!", "/")
	d.Properties["DEVPATH"] = d.DevPath
	d.Properties["KERNEL"] = filepath.Base(d.DevPath)
}

// SetSubsystem records the device's subsystem and mirrors it into
// Properties, matching device.py's set_subsystem.
func (d *Device) SetSubsystem(subsystem string) {
	d.Subsystem = subsystem
	d.Properties["SUBSYSTEM"] = subsystem
}

// SetDevType records the device's devtype.
func (d *Device) SetDevType(devtype string) {
	d.DevType = devtype
	d.Properties["DEVTYPE"] = devtype
}

// SetDevNode records the /dev leaf and mirrors DEVNAME into Properties.
// A leading "/" is treated as already relative to the filesystem root
// rather than to /dev (matching device.py's set_devnode).
func (d *Device) SetDevNode(devnode string) {
	abs := devnode
	if !strings.HasPrefix(abs, "/") {
		abs = filepath.Join(devPathPrefix, devnode)
	}
	d.DevNode = strings.TrimPrefix(abs, devPathPrefix+"/")
	d.Properties["DEVNAME"] = abs
}

// SetDevNum records the device's major:minor pair.
func (d *Device) SetDevNum(n Num) {
	d.DevNum = n
}

// AddProperty sets a non-persistent kernel/uevent property.
func (d *Device) AddProperty(key, value string) {
	d.Properties[key] = value
}

// PropsAndEnv merges Properties (kernel-origin) with Environment
// (persisted overlay), environment entries winning on conflict, matching
// device.py's get_props_and_env.
func (d *Device) PropsAndEnv() map[string]string {
	out := make(map[string]string, len(d.Properties)+len(d.Environment))
	for k, v := range d.Properties {
		out[k] = v
	}
	for k, v := range d.Environment {
		out[k] = v
	}
	return out
}

// IDFilename computes the deterministic identity filename used for
// persistence and for the control-socket/sync-buffer lookups. It
// follows device.py:get_id_filename exactly:
//   - devnum'd devices: "b<major>:<minor>" (block) or "c<major>:<minor>" (char)
//   - netdevs: "n<ifindex>"
//   - everything else: "+<subsystem>:<sysname>"
//
// Returns "" if the subsystem is unknown (the device has not been
// populated by a loader yet).
func (d *Device) IDFilename() string {
	if d.idComputed {
		return d.idFilename
	}
	if d.Subsystem == "" {
		return ""
	}

	var id string
	switch {
	case d.DevNum.Major != 0:
		kind := byte('c')
		if d.Subsystem == "block" {
			kind = 'b'
		}
		id = fmt.Sprintf("%c%d:%d", kind, d.DevNum.Major, d.DevNum.Minor)
	case d.IfIndex != nil:
		id = "n" + strconv.Itoa(*d.IfIndex)
	default:
		id = "+" + d.Subsystem + ":" + filepath.Base(d.DevPath)
	}

	d.idFilename = id
	d.idComputed = true
	return id
}

// AddTag adds a tag to the device's tag set.
func (d *Device) AddTag(tag string) {
	d.Tags[tag] = struct{}{}
}

// HasTag reports whether tag is set.
func (d *Device) HasTag(tag string) bool {
	_, ok := d.Tags[tag]
	return ok
}

// AddDevLink records a devlink (relative to /dev).
func (d *Device) AddDevLink(link string) {
	d.DevLinks[strings.TrimPrefix(link, devPathPrefix+"/")] = struct{}{}
}

// FromProps builds a Device from a flat property map, as produced by
// parsing a kernel or libudev uevent buffer. Ported from
// device.py:from_props. The ACTION property, if present, is not a
// device attribute and is stripped.
func FromProps(props map[string]string) (*Device, error) {
	devpath, ok := props["DEVPATH"]
	if !ok {
		return nil, fmt.Errorf("device: uevent missing DEVPATH")
	}
	d := New(sysPathPrefix + devpath)
	d.ApplyUEventProps(props)
	return d, nil
}

// ApplyUEventProps overwrites d's kernel-origin fields (Properties,
// Subsystem, DevType, DevNode, DevNum, IfIndex, DevNodeMode) from a
// freshly-received uevent property map, leaving Environment, Tags and
// DevLinks — the persisted overlay — untouched. This is how the
// container agent updates an already-registered Device in place on
// every subsequent UEVENT for the same sysfs path (spec §4.6), instead
// of replacing the registry entry and losing its persisted state.
func (d *Device) ApplyUEventProps(props map[string]string) {
	d.Properties = make(map[string]string, len(props))
	for k, v := range props {
		d.Properties[k] = v
	}
	delete(d.Properties, "ACTION")
	d.Properties["DEVPATH"] = d.DevPath
	d.Properties["KERNEL"] = filepath.Base(d.DevPath)

	if v, ok := props["SUBSYSTEM"]; ok {
		d.SetSubsystem(v)
	}
	if v, ok := props["DEVTYPE"]; ok {
		d.SetDevType(v)
	}
	if v, ok := props["DEVNAME"]; ok {
		d.SetDevNode(v)
	}
	d.IfIndex = nil
	if v, ok := props["IFINDEX"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			d.IfIndex = &n
		}
	}
	d.DevNodeMode = 0
	if v, ok := props["DEVMODE"]; ok {
		if m, err := strconv.ParseUint(v, 8, 32); err == nil {
			d.DevNodeMode = os.FileMode(m)
		}
	}

	var major, minor uint64
	if v, ok := props["MAJOR"]; ok {
		major, _ = strconv.ParseUint(v, 10, 32)
	}
	if v, ok := props["MINOR"]; ok {
		minor, _ = strconv.ParseUint(v, 10, 32)
	}
	d.DevNum = Num{Major: uint32(major), Minor: uint32(minor)}
}
