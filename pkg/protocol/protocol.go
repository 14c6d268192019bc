// Package protocol defines the framed wire format carried between the
// host router and a container agent over a Unix stream socket, plus the
// command taxonomy that rides on it.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultSocketPath is the canonical path for the host router's socket.
const DefaultSocketPath = "/run/cdev/router.sock"

// Server-originated commands are uppercase; client-originated are lowercase.
const (
	CmdHello    = "HELLO"
	CmdHelloAck = "hello"
	CmdDryRun   = "dry_run"
	CmdBoot     = "boot"
	CmdShutdown = "shutdown"
	CmdBye      = "bye"
	CmdByeAck   = "BYE"
	CmdEcho     = "echo"
	CmdEchoAck  = "ECHO"
	CmdUEvent   = "UEVENT"
	CmdSync     = "SYNC"
	CmdBeginCmd = "BEGINCMD"
	CmdEndCmd   = "ENDCMD"
)

const maxPayload = 64 * 1024 * 1024

// Message is a single framed protocol message.
//
// Wire format: [4-byte big-endian length][1-byte type][1-byte command
// length][command bytes][payload]. length covers everything after the
// length field itself. The command taxonomy is fixed (see the Cmd*
// constants); payload framing beyond that is up to each command.
type Message struct {
	Command string
	Type    byte
	Data    []byte
}

// Type discriminators for Message.Type.
const (
	DTRaw    byte = 0 // Data is an opaque byte buffer (a libudev buffer, NUL-joined fields)
	DTString byte = 1 // Data is a UTF-8 string
)

// New builds a Message with no payload.
func New(command string) Message {
	return Message{Command: command, Type: DTRaw}
}

// WithData attaches a raw payload to the message.
func WithData(command string, data []byte) Message {
	return Message{Command: command, Type: DTRaw, Data: data}
}

// WithString attaches a UTF-8 string payload to the message.
func WithString(command string, s string) Message {
	return Message{Command: command, Type: DTString, Data: []byte(s)}
}

// WriteMessage serializes m to w. Callers are responsible for
// serializing writes per connection; WriteMessage itself issues two
// Write calls and is not safe to interleave with a concurrent writer on
// the same connection.
func WriteMessage(w io.Writer, m Message) error {
	if len(m.Command) > 255 {
		return fmt.Errorf("protocol: command %q too long", m.Command)
	}

	body := make([]byte, 0, 2+len(m.Command)+len(m.Data))
	body = append(body, m.Type, byte(len(m.Command)))
	body = append(body, m.Command...)
	body = append(body, m.Data...)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// ReadMessage reads a single framed message from r. It blocks on
// io.ReadFull so a partial read never yields a split message.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxPayload {
		return Message{}, fmt.Errorf("protocol: message too large: %d bytes", length)
	}
	if length < 2 {
		return Message{}, fmt.Errorf("protocol: truncated message header")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("read body: %w", err)
	}

	var m Message
	m.Type = body[0]
	cmdLen := int(body[1])
	if len(body) < 2+cmdLen {
		return Message{}, fmt.Errorf("protocol: truncated command")
	}
	m.Command = string(body[2 : 2+cmdLen])
	m.Data = body[2+cmdLen:]
	return m, nil
}

// JoinNUL joins fields with NUL separators, matching the wire format of
// SYNC (devpath\0selector\0buffer) and of libudev/kernel uevent property
// blocks.
func JoinNUL(fields ...string) []byte {
	total := 0
	for _, f := range fields {
		total += len(f) + 1
	}
	buf := make([]byte, 0, total)
	for _, f := range fields {
		buf = append(buf, f...)
		buf = append(buf, 0)
	}
	return buf
}

// SplitNUL splits a NUL-separated buffer into exactly n fields (the
// trailing separator, if present, is ignored). It returns an error if
// the buffer does not contain enough separators.
func SplitNUL(data []byte, n int) ([]string, error) {
	fields := make([]string, 0, n)
	start := 0
	for i := 0; i < len(data) && len(fields) < n; i++ {
		if data[i] == 0 {
			fields = append(fields, string(data[start:i]))
			start = i + 1
		}
	}
	if len(fields) < n && start < len(data) {
		fields = append(fields, string(data[start:]))
	}
	if len(fields) < n {
		return nil, fmt.Errorf("protocol: expected %d NUL-separated fields, got %d", n, len(fields))
	}
	return fields, nil
}
