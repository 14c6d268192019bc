package netlink

import (
	"encoding/binary"
	"fmt"
)

// Prefix is the fixed 8-byte marker at the start of every libudev-format
// netlink payload.
var Prefix = [8]byte{'l', 'i', 'b', 'u', 'd', 'e', 'v', 0}

// Magic is the 32-bit value libudev stamps into every header it emits
// (spec §6, "Libudev netlink frame"). This is the real libudev-monitor
// value, distinct from the udev control socket's magic (see
// internal/udevctrl, which uses a different constant for the same
// reason spec §6's parenthetical calls out: match the tool claiming
// compatibility).
const Magic = 0xfeedcafe

// headerSize is the on-wire size of Header in bytes: 8 (prefix) + 4
// (magic) + 4*3 (header_size/properties_off/properties_len) + 4*4
// (the two hashes and the two bloom halves).
const headerSize = 40

// Header is the libudev netlink message header. Three of its fields
// (HeaderSize, PropertiesOff, PropertiesLen) are packed in the host's
// native byte order; everything else is packed big-endian. This mixed
// layout is not a bug here — it mirrors libudev-monitor.c on the wire,
// which this package must interoperate with byte-for-byte. Go only
// targets little-endian-native platforms in this deployment (x86_64,
// arm64), so "native" below is hardcoded to little-endian.
type Header struct {
	Magic               uint32
	HeaderSize          uint32
	PropertiesOff       uint32
	PropertiesLen       uint32
	FilterSubsystemHash uint32
	FilterDevTypeHash   uint32
	FilterTagBloomHi    uint32
	FilterTagBloomLo    uint32
}

// NewHeader builds a header with sane defaults for packing a
// fresh message (no device-filter hashes, no bloom bits).
func NewHeader() Header {
	return Header{
		Magic:      Magic,
		HeaderSize: headerSize,
	}
}

// Pack serializes h per the libudev wire layout described above.
func (h Header) Pack() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], Prefix[:])
	binary.BigEndian.PutUint32(buf[8:12], h.Magic)
	binary.LittleEndian.PutUint32(buf[12:16], h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[16:20], h.PropertiesOff)
	binary.LittleEndian.PutUint32(buf[20:24], h.PropertiesLen)
	binary.BigEndian.PutUint32(buf[24:28], h.FilterSubsystemHash)
	binary.BigEndian.PutUint32(buf[28:32], h.FilterDevTypeHash)
	binary.BigEndian.PutUint32(buf[32:36], h.FilterTagBloomHi)
	binary.BigEndian.PutUint32(buf[36:40], h.FilterTagBloomLo)
	return buf
}

// ParseHeader reads a Header from the front of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("netlink: header truncated: %d bytes", len(buf))
	}
	if string(buf[0:8]) != string(Prefix[:]) {
		return Header{}, fmt.Errorf("netlink: bad libudev prefix")
	}

	var h Header
	h.Magic = binary.BigEndian.Uint32(buf[8:12])
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("netlink: bad libudev magic: %#x", h.Magic)
	}
	h.HeaderSize = binary.LittleEndian.Uint32(buf[12:16])
	h.PropertiesOff = binary.LittleEndian.Uint32(buf[16:20])
	h.PropertiesLen = binary.LittleEndian.Uint32(buf[20:24])
	h.FilterSubsystemHash = binary.BigEndian.Uint32(buf[24:28])
	h.FilterDevTypeHash = binary.BigEndian.Uint32(buf[28:32])
	h.FilterTagBloomHi = binary.BigEndian.Uint32(buf[32:36])
	h.FilterTagBloomLo = binary.BigEndian.Uint32(buf[36:40])
	return h, nil
}
