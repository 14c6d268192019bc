package router

import (
	"cdev/pkg/device"
	"cdev/pkg/netlink"
)

// runNetlinkListener implements spec §4.5's "Global netlink listener":
// read uevents from the configured upstream group, resolve the device,
// fill the tag bloom for kernel-origin messages, then fan the event out
// to every live client. On remove, the device is invalidated in the
// registry only after every client has been notified.
func (s *Server) runNetlinkListener(group netlink.Group) {
	for {
		ue, err := s.nlConn.ReadUEvent()
		if err != nil {
			select {
			case <-s.shutdown.Done():
				return
			default:
			}
			s.logger.Printf("netlink: read error: %v", err)
			continue
		}

		select {
		case <-s.shutdown.Done():
			return
		default:
		}

		syspath := "/sys" + ue.DevPath()
		d, err := s.cfg.Registry.LookupOrCreate(syspath)
		if err != nil {
			s.logger.Printf("netlink: resolve %s: %v", syspath, err)
			continue
		}

		if ue.NeedsBloomRebuild {
			bloom := device.TagBloom(d.Tags)
			ue.TagBloomHi = uint32(bloom >> 32)
			ue.TagBloomLo = uint32(bloom & 0xffffffff)
		}

		for _, c := range s.liveClients() {
			c.submitEvent(eventJob{device: d, action: ue.Action, event: ue, source: sourceName(group)})
		}

		if ue.Action == "remove" {
			s.cfg.Registry.Invalidate(syspath)
		}
	}
}

func sourceName(group netlink.Group) string {
	if group == netlink.KernelEvent {
		return "kernel"
	}
	return "udev"
}
