package agent

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"cdev/internal/rules"
	"cdev/pkg/device"
)

// defaultDevRoot is the container's private /dev mount. Tests override
// it via Config.DevRoot to avoid touching the host filesystem.
const defaultDevRoot = "/dev"

// materializeDevice implements spec §4.6's "Device node materialization"
// for one event: add creates the node and its devlinks, remove tears
// them down. It is a no-op whenever devnum is 0:0, devnode is unset, or
// the agent is running dry (spec testable property #4, #5).
func (a *Agent) materializeDevice(ctx *rules.ClientContext, d *device.Device, action string) {
	if a.dry {
		return
	}
	if d.DevNum.IsZero() || d.DevNode == "" {
		return
	}

	switch action {
	case "add":
		a.materializeAdd(ctx, d)
	case "remove":
		a.materializeRemove(d)
	}
}

func (a *Agent) devPath(relative string) string {
	return filepath.Join(a.devRoot(), relative)
}

func (a *Agent) devRoot() string {
	if a.cfg.DevRoot != "" {
		return a.cfg.DevRoot
	}
	return defaultDevRoot
}

// materializeAdd implements spec §4.6's add-side semantics.
func (a *Agent) materializeAdd(ctx *rules.ClientContext, d *device.Device) {
	path := a.devPath(d.DevNode)
	mode := effectiveMode(ctx, d)
	uid, gid := a.resolveOwner(ctx, d)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		a.logger.Printf("device node %s: create parent dir: %v", path, err)
		return
	}

	if _, err := os.Lstat(path); err == nil {
		a.logger.Printf("device node %s: already exists, skipping creation", path)
	} else if !os.IsNotExist(err) {
		a.logger.Printf("device node %s: stat: %v", path, err)
	} else {
		kind := uint32(unix.S_IFCHR)
		if d.Subsystem == "block" {
			kind = unix.S_IFBLK
		}
		devt := unix.Mkdev(d.DevNum.Major, d.DevNum.Minor)
		if err := unix.Mknod(path, kind|uint32(mode), int(devt)); err != nil {
			a.logger.Printf("device node %s: mknod: %v", path, err)
			return
		}
		if err := os.Chown(path, uid, gid); err != nil {
			a.logger.Printf("device node %s: chown %d:%d: %v", path, uid, gid, err)
		}
		// A second chmod is required: mknod's mode argument is subject to
		// the process umask.
		if err := os.Chmod(path, mode); err != nil {
			a.logger.Printf("device node %s: chmod %o: %v", path, mode, err)
		}
	}

	for link := range d.DevLinks {
		a.createDevLink(link, path)
	}
}

func (a *Agent) createDevLink(relativeLink, targetPath string) {
	linkPath := a.devPath(relativeLink)
	if err := os.MkdirAll(filepath.Dir(linkPath), 0755); err != nil {
		a.logger.Printf("devlink %s: create parent dir: %v", linkPath, err)
		return
	}
	if _, err := os.Lstat(linkPath); err == nil {
		a.logger.Printf("devlink %s: already exists, skipping", linkPath)
		return
	}
	if err := os.Symlink(targetPath, linkPath); err != nil {
		a.logger.Printf("devlink %s -> %s: symlink: %v", linkPath, targetPath, err)
	}
}

// materializeRemove implements spec §4.6's remove-side semantics:
// devlinks first (each checked against the node it should point at),
// then the primary node, pruning now-empty directories upward after
// each unlink. ENOENT/EINVAL are warnings, not errors.
func (a *Agent) materializeRemove(d *device.Device) {
	path := a.devPath(d.DevNode)

	for link := range d.DevLinks {
		a.removeDevLink(link, path)
	}

	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if err != unix.ENOENT {
			a.logger.Printf("device node %s: lstat: %v", path, err)
		}
		return
	}
	want := unix.Mkdev(d.DevNum.Major, d.DevNum.Minor)
	if st.Rdev != want {
		a.logger.Printf("device node %s: rdev %d:%d does not match expected %s, skipping removal",
			path, unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)), d.DevNum)
		return
	}
	if err := os.Remove(path); err != nil {
		a.logger.Printf("device node %s: remove: %v", path, err)
		return
	}
	a.pruneEmptyDirsUpward(filepath.Dir(path))
}

func (a *Agent) removeDevLink(relativeLink, targetPath string) {
	linkPath := a.devPath(relativeLink)
	dest, err := os.Readlink(linkPath)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Printf("devlink %s: readlink: %v", linkPath, err)
		}
		return
	}
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(filepath.Dir(linkPath), dest)
	}
	if filepath.Clean(dest) != filepath.Clean(targetPath) {
		a.logger.Printf("devlink %s points at %s, not %s; leaving it alone", linkPath, dest, targetPath)
		return
	}
	if err := os.Remove(linkPath); err != nil {
		a.logger.Printf("devlink %s: remove: %v", linkPath, err)
		return
	}
	a.pruneEmptyDirsUpward(filepath.Dir(linkPath))
}

// pruneEmptyDirsUpward removes dir and each of its ancestors, stopping
// at the first non-empty directory or at the device root.
func (a *Agent) pruneEmptyDirsUpward(dir string) {
	root := filepath.Clean(a.devRoot())
	for {
		dir = filepath.Clean(dir)
		if dir == root || dir == "/" || dir == "." {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// effectiveMode implements spec §4.6's mode resolution: context.mode ∨
// device.devnode_mode ∨ 0o660.
func effectiveMode(ctx *rules.ClientContext, d *device.Device) os.FileMode {
	if ctx.Mode != nil {
		return os.FileMode(*ctx.Mode)
	}
	if d.DevNodeMode != 0 {
		return d.DevNodeMode
	}
	return 0660
}

// resolveOwner implements spec §4.6's user/group resolution: context
// overrides, then device properties, then the system name service;
// missing user/group resolve to uid/gid 0 with a logged error. Open
// question (b): the error message names whichever of user/group
// actually failed to resolve, not always "User".
func (a *Agent) resolveOwner(ctx *rules.ClientContext, d *device.Device) (uid, gid int) {
	userName := ""
	if ctx.User != nil {
		userName = *ctx.User
	} else {
		userName = d.PropsAndEnv()["OWNER"]
	}
	groupName := ""
	if ctx.Group != nil {
		groupName = *ctx.Group
	} else {
		groupName = d.PropsAndEnv()["GROUP"]
	}

	uid = 0
	if userName != "" {
		if u, err := user.Lookup(userName); err == nil {
			if n, err := strconv.Atoi(u.Uid); err == nil {
				uid = n
			}
		} else {
			a.logger.Printf("device node %s: user %q doesn't exist: %v", d.DevNode, userName, err)
		}
	}

	gid = 0
	if groupName != "" {
		if g, err := user.LookupGroup(groupName); err == nil {
			if n, err := strconv.Atoi(g.Gid); err == nil {
				gid = n
			}
		} else {
			a.logger.Printf("device node %s: group %q doesn't exist: %v", d.DevNode, groupName, err)
		}
	}

	return uid, gid
}
