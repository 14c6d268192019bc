// Package netlink implements the netlink uevent transport (spec §4.2):
// opening the kernel/udev multicast groups on NETLINK_KOBJECT_UEVENT,
// and parsing/emitting both wire formats that ride on it.
package netlink

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Group selects which multicast group a Conn subscribes to or sends on.
// The values match libudev-monitor.c's group numbering, reused directly
// by Connect's mode argument.
type Group uint32

const (
	// KernelEvent is the raw kernel-origin multicast group.
	KernelEvent Group = 1
	// UdevEvent is the udev-rebroadcast multicast group.
	UdevEvent Group = 2
)

// recvBufSize mirrors systemd-udevd's own receive buffer sizing
// (udevadm-monitor.c) to tolerate the largest observed uevent payloads.
const recvBufSize = 128 * 1024 * 1024

// Conn is a NETLINK_KOBJECT_UEVENT socket bound to one multicast group.
type Conn struct {
	fd   int
	addr unix.SockaddrNetlink
	buf  []byte
}

// Connect opens and binds a netlink uevent socket on the given group,
// setting SO_PASSCRED per spec §4.2.
func Connect(group Group) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("netlink: socket: %w", err)
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Pid:    uint32(os.Getpid()),
		Groups: uint32(group),
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netlink: bind: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netlink: setsockopt SO_PASSCRED: %w", err)
	}

	return &Conn{fd: fd, addr: *addr, buf: make([]byte, recvBufSize)}, nil
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

// ReadMsg reads one complete datagram.
func (c *Conn) ReadMsg() ([]byte, error) {
	n, _, err := unix.Recvfrom(c.fd, c.buf, 0)
	if err != nil {
		return nil, fmt.Errorf("netlink: recvfrom: %w", err)
	}
	out := make([]byte, n)
	copy(out, c.buf[:n])
	return out, nil
}

// ReadUEvent reads and parses one uevent.
func (c *Conn) ReadUEvent() (*UEvent, error) {
	msg, err := c.ReadMsg()
	if err != nil {
		return nil, err
	}
	return ParseUEvent(msg)
}

// Send multicasts buf to the given group. ECONNREFUSED (no subscriber
// on that group) is not an error per spec §4.2/§7.
func (c *Conn) Send(buf []byte, group Group) error {
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: uint32(group)}
	err := unix.Sendto(c.fd, buf, 0, addr)
	if err == unix.ECONNREFUSED {
		return nil
	}
	if err != nil {
		return fmt.Errorf("netlink: sendto: %w", err)
	}
	return nil
}

// Monitor runs a background reader that parses every inbound uevent and
// pushes it onto queue, reporting parse failures on errs. It returns a
// channel the caller closes (by sending to it) to stop the loop.
func (c *Conn) Monitor(queue chan<- *UEvent, errs chan<- error) chan<- struct{} {
	quit := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-quit:
				return
			default:
			}
			ue, err := c.ReadUEvent()
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				continue
			}
			queue <- ue
		}
	}()
	return quit
}
