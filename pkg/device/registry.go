package device

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Loader constructs a Device for a sysfs path on a registry miss. It is
// the "low-level sysfs scraper" external collaborator named in the
// device model: the registry owns identity and persistence, not sysfs
// parsing.
type Loader func(syspath string) (*Device, error)

// Config configures a Registry.
type Config struct {
	// Loader populates a newly-registered Device from sysfs. Required.
	Loader Loader

	// DBDir, if non-empty, enables persistence: Flush writes one file
	// per device, named by IDFilename, under DBDir. Equivalent to
	// device.py's enable_persistent_registry.
	DBDir string

	Logger *log.Logger
}

// Registry is the process-wide device table. One Device exists per
// sysfs path; LookupOrCreate and Register are the only ways a Device
// enters the table.
//
// The original Python implementation relies on a single-threaded event
// loop and needs no locking. This port is driven from multiple
// goroutines (the netlink listener and per-client handlers), so the
// registry holds a mutex — the same defensive-locking posture
// internal/jailhouse.Manager uses for its own map of jails.
type Registry struct {
	mu      sync.Mutex
	loader  Loader
	dbDir   string
	logger  *log.Logger
	devices map[string]*Device // keyed by SysPath
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[device] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Registry{
		loader:  cfg.Loader,
		dbDir:   cfg.DBDir,
		logger:  logger,
		devices: make(map[string]*Device),
	}
}

// EnablePersistentRegistry turns on (or retargets) on-disk persistence.
func (r *Registry) EnablePersistentRegistry(dbDir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dbDir = dbDir
}

// LookupOrCreate returns the Device for syspath, creating and loading it
// via the configured Loader on first sight. Subsequent calls for the
// same syspath return the identical *Device, matching the registry's
// identity guarantee (sync buffer round-trips and cgroup arbitration
// both depend on there being exactly one Device per sysfs path).
func (r *Registry) LookupOrCreate(syspath string) (*Device, error) {
	r.mu.Lock()
	if d, ok := r.devices[syspath]; ok {
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	if r.loader == nil {
		return nil, fmt.Errorf("device: no loader configured, cannot create %s", syspath)
	}
	d, err := r.loader(syspath)
	if err != nil {
		return nil, fmt.Errorf("device: load %s: %w", syspath, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.devices[syspath]; ok {
		// Lost a race against a concurrent LookupOrCreate; the first
		// winner's Device is authoritative.
		return existing, nil
	}
	r.devices[syspath] = d
	return d, nil
}

// Lookup returns the Device for syspath without creating it.
func (r *Registry) Lookup(syspath string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[syspath]
	return d, ok
}

// Register inserts an already-constructed Device (used when a Device is
// built from a uevent buffer via FromProps rather than sysfs).
// It returns the Device that ends up registered for that path: an
// existing entry wins over d.
func (r *Registry) Register(d *Device) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.devices[d.SysPath]; ok {
		return existing
	}
	r.devices[d.SysPath] = d
	return d
}

// Invalidate retires a device, removing it from the table and, if
// persistence is enabled, deleting its on-disk record.
func (r *Registry) Invalidate(syspath string) {
	r.mu.Lock()
	d, ok := r.devices[syspath]
	if ok {
		delete(r.devices, syspath)
	}
	dbDir := r.dbDir
	r.mu.Unlock()

	if !ok || dbDir == "" {
		return
	}
	id := d.IDFilename()
	if id == "" {
		return
	}
	if err := os.Remove(filepath.Join(dbDir, id)); err != nil && !os.IsNotExist(err) {
		r.logger.Printf("invalidate %s: remove db record: %v", syspath, err)
	}
}

// List returns all registered devices in SysPath order, for deterministic
// iteration (boot/shutdown replay, tests).
func (r *Registry) List() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SysPath < out[j].SysPath })
	return out
}

// Flush writes every registered device's persisted record to dbDir,
// atomically (temp file + rename), matching
// internal/jailhouse/state.go's saveStateUnlocked pattern. It is a
// no-op if persistence is disabled.
func (r *Registry) Flush() error {
	r.mu.Lock()
	dbDir := r.dbDir
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.Unlock()

	if dbDir == "" {
		return nil
	}
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return fmt.Errorf("device: create db dir: %w", err)
	}

	for _, d := range devices {
		id := d.IDFilename()
		if id == "" {
			continue
		}
		if err := writeDBRecord(dbDir, id, d); err != nil {
			return fmt.Errorf("device: flush %s: %w", id, err)
		}
	}
	return nil
}

// FlushDevice persists a single device's record, the per-device
// counterpart of Flush used by the host router after filter-rule
// evaluation modifies one device (spec §4.1 "flush(device)"). It is a
// no-op if persistence is disabled or the device has no stable id.
func (r *Registry) FlushDevice(d *Device) error {
	r.mu.Lock()
	dbDir := r.dbDir
	r.mu.Unlock()

	if dbDir == "" {
		return nil
	}
	id := d.IDFilename()
	if id == "" {
		return nil
	}
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return fmt.Errorf("device: create db dir: %w", err)
	}
	return writeDBRecord(dbDir, id, d)
}

// writeDBRecord serializes one device in the udev-db line format
// (S:/E:/G: prefixed lines, ported from device.py's flush_db) and writes
// it atomically under dbDir/id.
func writeDBRecord(dbDir, id string, d *Device) error {
	var b strings.Builder
	if d.DevNode != "" {
		fmt.Fprintf(&b, "S:%s\n", d.DevNode)
	}
	for link := range d.DevLinks {
		fmt.Fprintf(&b, "S:%s\n", link)
	}
	for k, v := range d.Environment {
		fmt.Fprintf(&b, "E:%s=%s\n", k, v)
	}
	for tag := range d.Tags {
		fmt.Fprintf(&b, "G:%s\n", tag)
	}

	path := filepath.Join(dbDir, id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// ReadDBRecord parses a udev-db-format record (as written by
// writeDBRecord) into devnode/devlinks, environment and tags, ported
// from device.py's read_db.
func ReadDBRecord(data []byte) (devnode string, devlinks []string, env map[string]string, tags []string) {
	env = make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		if len(line) < 2 || line[1] != ':' {
			continue
		}
		switch line[0] {
		case 'S':
			if devnode == "" {
				devnode = line[2:]
			} else {
				devlinks = append(devlinks, line[2:])
			}
		case 'E':
			kv := strings.SplitN(line[2:], "=", 2)
			if len(kv) == 2 {
				env[kv[0]] = kv[1]
			}
		case 'G':
			tags = append(tags, line[2:])
		}
	}
	return
}
