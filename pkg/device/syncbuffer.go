package device

import (
	"strings"
)

// Selector components for SyncBuffer. "E" carries Environment
// properties, "G" carries Tags. A selector is any combination, e.g.
// "EG" or "G".
const (
	SelectEnv  = "E"
	SelectTags = "G"
)

// Serialize builds a sync buffer for the selected components, in the
// line-oriented "E:key=value" / "G:tag" format ported from
// device.py's make_sync_buffer. It is used to carry device state across
// the host/container boundary (the SYNC command payload).
func (d *Device) Serialize(selector string) []byte {
	var b strings.Builder
	if strings.Contains(selector, SelectEnv) {
		for k, v := range d.Environment {
			b.WriteString("E:")
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
			b.WriteByte('\n')
		}
	}
	if strings.Contains(selector, SelectTags) {
		for tag := range d.Tags {
			b.WriteString("G:")
			b.WriteString(tag)
			b.WriteByte('\n')
		}
	}
	return []byte(b.String())
}

// Deserialize applies a sync buffer produced by Serialize onto d,
// restricted to the given selector. Components not present in selector
// are left untouched even if present in buf, matching
// device.py's store_sync_buffer.
//
// The round-trip law this supports (spec testable property #2) is:
// Deserialize(Serialize(d, sel), sel) leaves d's selected components
// unchanged, and never introduces a component outside sel.
func (d *Device) Deserialize(buf []byte, selector string) {
	wantEnv := strings.Contains(selector, SelectEnv)
	wantTags := strings.Contains(selector, SelectTags)

	for _, line := range strings.Split(string(buf), "\n") {
		if len(line) < 2 || line[1] != ':' {
			continue
		}
		switch line[0] {
		case 'E':
			if !wantEnv {
				continue
			}
			kv := strings.SplitN(line[2:], "=", 2)
			if len(kv) == 2 {
				d.Environment[kv[0]] = kv[1]
			}
		case 'G':
			if !wantTags {
				continue
			}
			d.Tags[line[2:]] = struct{}{}
		}
	}
}

// ApplySyncBuffer applies a SYNC message's (devpath, selector, buffer)
// triple against reg, creating the device via LookupOrCreate if it is
// not already registered. This is the container-agent-side half of the
// SYNC command (spec §4.6).
func ApplySyncBuffer(reg *Registry, devpath, selector string, buf []byte) (*Device, error) {
	d, err := reg.LookupOrCreate(sysPathPrefix + devpath)
	if err != nil {
		return nil, err
	}
	d.Deserialize(buf, selector)
	return d, nil
}
