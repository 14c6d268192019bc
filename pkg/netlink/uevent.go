package netlink

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// UEvent is the parsed result of a single netlink uevent, regardless of
// which wire format it arrived in.
type UEvent struct {
	Action     string
	Properties map[string]string

	// TagBloomHi/Lo carry the libudev header's tag bloom filter as
	// received. NeedsBloomRebuild is true for kernel-origin messages,
	// which carry no bloom at all — the router must fill it in from the
	// resolved device's tag set before handing the event onward (spec
	// §4.2, §4.5 "Global netlink listener").
	TagBloomHi        uint32
	TagBloomLo        uint32
	NeedsBloomRebuild bool

	// OriginalBuffer is the raw bytes as received, preserved so the
	// router can relay a libudev-origin message unchanged when no
	// rewrite is needed (spec §4.5 step 3).
	OriginalBuffer []byte
}

// DevPath returns the DEVPATH property, stripped of its /sys prefix.
func (u *UEvent) DevPath() string {
	return u.Properties["DEVPATH"]
}

// ParseUEvent discriminates libudev vs. raw kernel format by the first
// 8 bytes (spec §4.2) and parses accordingly.
func ParseUEvent(buf []byte) (*UEvent, error) {
	if len(buf) >= 8 && bytes.Equal(buf[:8], Prefix[:]) {
		return parseLibudev(buf)
	}
	return parseKernel(buf)
}

func parseLibudev(buf []byte) (*UEvent, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if int(h.PropertiesOff)+int(h.PropertiesLen) > len(buf) {
		return nil, fmt.Errorf("netlink: properties block out of bounds")
	}
	// The trailing NUL is not part of any KEY=VALUE pair.
	propsBuf := buf[h.PropertiesOff : h.PropertiesOff+h.PropertiesLen]
	propsBuf = bytes.TrimSuffix(propsBuf, []byte{0})

	props, err := splitProps(propsBuf)
	if err != nil {
		return nil, err
	}

	action := props["ACTION"]
	delete(props, "ACTION")

	return &UEvent{
		Action:            action,
		Properties:        props,
		TagBloomHi:        h.FilterTagBloomHi,
		TagBloomLo:        h.FilterTagBloomLo,
		NeedsBloomRebuild: false,
		OriginalBuffer:    append([]byte(nil), buf[:int(h.PropertiesOff)+int(h.PropertiesLen)]...),
	}, nil
}

func parseKernel(buf []byte) (*UEvent, error) {
	nul := bytes.IndexByte(buf, 0)
	if nul < 0 {
		return nil, fmt.Errorf("netlink: kernel uevent has no header line")
	}
	header := string(buf[:nul])
	action, devpath, ok := strings.Cut(header, "@")
	if !ok {
		return nil, fmt.Errorf("netlink: malformed kernel uevent header %q", header)
	}

	rest := buf[nul+1:]
	rest = bytes.TrimSuffix(rest, []byte{0})
	props, err := splitProps(rest)
	if err != nil {
		return nil, err
	}
	props["DEVPATH"] = devpath

	return &UEvent{
		Action:            action,
		Properties:        props,
		NeedsBloomRebuild: true,
		OriginalBuffer:    append([]byte(nil), buf...),
	}, nil
}

func splitProps(buf []byte) (map[string]string, error) {
	props := make(map[string]string)
	if len(buf) == 0 {
		return props, nil
	}
	for _, field := range bytes.Split(buf, []byte{0}) {
		if len(field) == 0 {
			continue
		}
		k, v, ok := strings.Cut(string(field), "=")
		if !ok {
			return nil, fmt.Errorf("netlink: malformed property %q", field)
		}
		props[k] = v
	}
	return props, nil
}

// PackLibudev serializes u as a libudev-format message, filling the
// subsystem/devtype filter hashes from its own properties and the tag
// bloom from bloom (0 if the caller has nothing to contribute).
func PackLibudev(u *UEvent, bloom uint64) []byte {
	var props bytes.Buffer
	props.WriteString("ACTION=")
	props.WriteString(u.Action)
	props.WriteByte(0)

	keys := make([]string, 0, len(u.Properties))
	for k := range u.Properties {
		if k == "ACTION" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		props.WriteString(k)
		props.WriteByte('=')
		props.WriteString(u.Properties[k])
		props.WriteByte(0)
	}

	h := NewHeader()
	h.PropertiesOff = headerSize
	h.PropertiesLen = uint32(props.Len())
	if sub, ok := u.Properties["SUBSYSTEM"]; ok {
		h.FilterSubsystemHash = FilterHash(sub)
	}
	if dt, ok := u.Properties["DEVTYPE"]; ok {
		h.FilterDevTypeHash = FilterHash(dt)
	}
	h.FilterTagBloomHi = uint32(bloom >> 32)
	h.FilterTagBloomLo = uint32(bloom & 0xffffffff)

	out := h.Pack()
	out = append(out, props.Bytes()...)
	return out
}

// PackKernel serializes u in the raw kernel uevent wire format
// ("ACTION@DEVPATH\0KEY=VALUE\0...").
func PackKernel(u *UEvent) []byte {
	var b bytes.Buffer
	b.WriteString(u.Action)
	b.WriteByte('@')
	b.WriteString(u.Properties["DEVPATH"])
	b.WriteByte(0)

	keys := make([]string, 0, len(u.Properties))
	for k := range u.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(u.Properties[k])
		b.WriteByte(0)
	}
	return b.Bytes()
}

// FilterHash hashes a subsystem or devtype string for the libudev
// header's filter_subsystem_hash/filter_devtype_hash fields. The
// original implementation uses murmurhash2, which has no maintained Go
// package in this dependency pack; xxhash (already pulled in
// transitively, and used the same way for the tag bloom in
// pkg/device) substitutes as a fast non-cryptographic hash — these
// fields are an optimistic kernel-side prefilter, not something this
// implementation's own receivers re-derive and compare against a
// foreign producer's hash.
func FilterHash(s string) uint32 {
	return uint32(xxhash.Sum64String(s))
}
