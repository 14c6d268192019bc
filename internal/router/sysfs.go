package router

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cdev/pkg/device"
)

// LoadSysfsDevice is the default "low-level sysfs scraper" (spec §1
// names this an external collaborator; this is the concrete
// implementation the daemon ships with). It reads the kernel's own
// <syspath>/uevent file, which carries exactly the KEY=VALUE lines the
// kernel would otherwise emit over netlink, plus resolves subsystem via
// the conventional "subsystem" symlink. Exported so cmd/cdevd can build
// its own persistent Registry directly when -config enables db_dir.
func LoadSysfsDevice(syspath string) (*device.Device, error) {
	props, err := readUeventFile(filepath.Join(syspath, "uevent"))
	if err != nil {
		return nil, fmt.Errorf("read uevent file: %w", err)
	}
	props["DEVPATH"] = strings.TrimPrefix(syspath, "/sys")

	if subsystem, err := os.Readlink(filepath.Join(syspath, "subsystem")); err == nil {
		props["SUBSYSTEM"] = filepath.Base(subsystem)
	}

	d, err := device.FromProps(props)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// readUeventFile parses a sysfs uevent file's KEY=VALUE lines.
func readUeventFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	props := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[k] = v
	}
	return props, scanner.Err()
}

// WalkSysfsDevices implements the boot/shutdown sysfs replay (spec
// §4.5): a top-down walk of /sys/devices yielding every directory that
// contains a uevent file, in a deterministic order. filepath.WalkDir
// already visits directories before their children (pre-order), which
// matches the original's os.walk top-down traversal.
func WalkSysfsDevices(root string, visit func(syspath string) error) error {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if _, statErr := os.Stat(filepath.Join(path, "uevent")); statErr == nil {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	sort.Strings(dirs)
	for _, dir := range dirs {
		if err := visit(dir); err != nil {
			return err
		}
	}
	return nil
}
