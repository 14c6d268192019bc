package router

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"cdev/internal/rules"
	"cdev/pkg/device"
	"cdev/pkg/netlink"
	"cdev/pkg/protocol"
)

// handshakeTimeout bounds how long a newly-accepted connection has to
// send "hello <name>" (spec §4.5).
const handshakeTimeout = 10 * time.Second

// clientState is the Client's position in the Handshake → Ready →
// Closing state machine.
type clientState int

const (
	stateHandshake clientState = iota
	stateReady
	stateClosing
)

// workItem is a single entry on a Client's outbound work queue (spec
// §4.5 "Work-queue items"): SEND_UEVENT_RAW.
type workItem struct {
	buffer []byte
}

// eventJob is the HANDLE_UEVENT work-queue item (spec §4.5): a request
// to re-enter the filter pipeline for one device. The global netlink
// listener runs on its own goroutine and submits jobs here rather than
// calling (*Client).handleUEvent directly, so every write to the
// client's connection and every read of its dry/ruleset state happens
// on this Client's own readyLoop goroutine — the Go analogue of the
// single-threaded cooperative scheduler spec §5 assumes.
type eventJob struct {
	device *device.Device
	action string
	event  *netlink.UEvent
	source string
}

// Client is one container agent's connection and state machine.
type Client struct {
	id     uint64
	name   string
	conn   net.Conn
	server *Server
	logger *log.Logger

	mu      sync.Mutex
	state   clientState
	dry     bool
	ruleset rules.FilterRuleset

	work   chan workItem
	events chan eventJob
	done   chan struct{}
}

func newClient(conn net.Conn, s *Server) *Client {
	return &Client{
		conn:   conn,
		server: s,
		logger: s.logger,
		work:   make(chan workItem, 64),
		events: make(chan eventJob, 64),
		done:   make(chan struct{}),
	}
}

// submitEvent enqueues a HANDLE_UEVENT job for this client, delivering
// it to the client's own readyLoop goroutine. It never blocks past
// server shutdown.
func (c *Client) submitEvent(j eventJob) {
	select {
	case c.events <- j:
	case <-c.done:
	}
}

// serveClient runs one client connection to completion: handshake, then
// the ready loop, then cleanup. It never returns an error; failures are
// logged and simply end this client's task, matching spec §4.7's "all
// per-client tasks are awaited, exceptions logged, not propagated".
func (s *Server) serveClient(conn net.Conn) {
	c := newClient(conn, s)
	defer conn.Close()
	defer close(c.done)

	if !c.handshake() {
		return
	}

	s.addClient(c)
	defer s.removeClient(c)

	c.readyLoop()
}

// handshake implements spec §4.5's Handshake state: send HELLO, wait up
// to handshakeTimeout for "hello <name>", then resolve and load the
// container's ruleset.
func (c *Client) handshake() bool {
	if err := protocol.WriteMessage(c.conn, protocol.New(protocol.CmdHello)); err != nil {
		c.logger.Printf("handshake: write HELLO: %v", err)
		return false
	}

	type result struct {
		msg protocol.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := protocol.ReadMessage(c.conn)
		ch <- result{m, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil || r.msg.Command != protocol.CmdHelloAck {
			c.logger.Printf("handshake: expected hello, got %v (err=%v)", r.msg.Command, r.err)
			protocol.WriteMessage(c.conn, protocol.New(protocol.CmdByeAck))
			return false
		}
		c.name = string(r.msg.Data)
	case <-time.After(handshakeTimeout):
		c.logger.Printf("handshake: client did not send hello within %v", handshakeTimeout)
		protocol.WriteMessage(c.conn, protocol.New(protocol.CmdByeAck))
		return false
	}

	c.loadRuleset()
	c.logger.Printf("client %q connected", c.name)
	return true
}

// loadRuleset resolves <container_rules_dir>/<name>.rules and loads it
// via the configured RulesetLoader. A missing file leaves ruleset = nil,
// which this package treats identically to rules.PassthroughFilterRuleset
// (all events pass, default forwarding) per spec §4.5.
func (c *Client) loadRuleset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ruleset = c.resolveRulesetLocked()
}

func (c *Client) resolveRulesetLocked() rules.FilterRuleset {
	if c.server.cfg.ContainerRulesDir == "" {
		return rules.PassthroughFilterRuleset()
	}
	path, ok := resolveRulesetPath(c.server.cfg.ContainerRulesDir, c.name)
	if !ok {
		c.logger.Printf("warning: no rules file for %q (%s); all events pass with default forwarding", c.name, path)
		return rules.PassthroughFilterRuleset()
	}
	rs, err := c.server.cfg.RulesetLoad(path)
	if err != nil {
		c.logger.Printf("warning: failed to load rules for %q from %s: %v", c.name, path, err)
		return rules.PassthroughFilterRuleset()
	}
	return rs
}

// reloadRuleset re-resolves and reloads this client's ruleset, used by
// the ruleset directory watcher.
func (c *Client) reloadRuleset() {
	c.mu.Lock()
	c.ruleset = c.resolveRulesetLocked()
	c.mu.Unlock()
	c.logger.Printf("reloaded ruleset for %q", c.name)
}

func (c *Client) currentRuleset() rules.FilterRuleset {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ruleset == nil {
		return rules.PassthroughFilterRuleset()
	}
	return c.ruleset
}

func (c *Client) isDry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dry
}

func (c *Client) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateReady
}

// enqueue pushes buf onto the client's outbound work queue for deferred
// send (the "queue" emit-directive option, spec §4.5 step 4).
func (c *Client) enqueue(buf []byte) {
	select {
	case c.work <- workItem{buffer: buf}:
	case <-c.done:
	}
}

// send writes a framed message directly to the connection. Ready-loop
// inbound handling and work-queue draining both call this, but never
// concurrently: both run on the same readyLoop goroutine.
func (c *Client) send(m protocol.Message) error {
	return protocol.WriteMessage(c.conn, m)
}

// readyLoop implements spec §4.5's Ready loop: concurrently await the
// next inbound message, the next work-queue item, or shutdown; service
// whichever fires, then re-arm.
func (c *Client) readyLoop() {
	c.mu.Lock()
	c.state = stateReady
	c.mu.Unlock()

	inbound := make(chan protocol.Message, 1)
	inboundErr := make(chan error, 1)
	go c.readLoop(inbound, inboundErr)

	for {
		select {
		case <-c.server.shutdown.Done():
			c.send(protocol.New(protocol.CmdByeAck))
			c.setClosing()
			return

		case item := <-c.work:
			if err := c.send(protocol.WithData(protocol.CmdUEvent, item.buffer)); err != nil {
				c.logger.Printf("client %q: work-queue send: %v", c.name, err)
				c.setClosing()
				return
			}

		case m := <-inbound:
			if !c.handleInbound(m) {
				c.setClosing()
				return
			}

		case j := <-c.events:
			c.handleUEvent(j.device, j.action, j.event, j.source)

		case err := <-inboundErr:
			c.logger.Printf("client %q: read error: %v", c.name, err)
			c.setClosing()
			return
		}
	}
}

func (c *Client) setClosing() {
	c.mu.Lock()
	c.state = stateClosing
	c.mu.Unlock()
}

func (c *Client) readLoop(out chan<- protocol.Message, errs chan<- error) {
	for {
		m, err := protocol.ReadMessage(c.conn)
		if err != nil {
			errs <- err
			return
		}
		out <- m
	}
}

// handleInbound dispatches one inbound command (spec §4.5 "Inbound
// commands handled"). It returns false when the client connection
// should be torn down.
func (c *Client) handleInbound(m protocol.Message) bool {
	switch m.Command {
	case protocol.CmdBye:
		c.logger.Printf("client %q: bye: %s", c.name, string(m.Data))
		c.send(protocol.New(protocol.CmdByeAck))
		return false

	case protocol.CmdBoot, protocol.CmdShutdown:
		c.runBootOrShutdown(m.Command)
		return true

	case protocol.CmdDryRun:
		c.mu.Lock()
		c.dry = true
		c.mu.Unlock()
		return true

	case protocol.CmdEcho:
		c.send(protocol.WithData(protocol.CmdEchoAck, m.Data))
		return true

	default:
		c.logger.Printf("client %q: unknown command %q, dropping", c.name, m.Command)
		return true
	}
}

// runBootOrShutdown implements spec §4.5's boot/shutdown replay: reply
// BEGINCMD, walk /sys/devices yielding every directory with a uevent
// file, invoke handleUEvent(device, action, source="sys") for each, then
// reply ENDCMD.
func (c *Client) runBootOrShutdown(cmd string) {
	action := "add"
	if cmd == protocol.CmdShutdown {
		action = "remove"
	}

	c.send(protocol.WithString(protocol.CmdBeginCmd, cmd))

	err := WalkSysfsDevices("/sys/devices", func(syspath string) error {
		d, err := c.server.cfg.Registry.LookupOrCreate(syspath)
		if err != nil {
			c.logger.Printf("boot walk: %s: %v", syspath, err)
			return nil
		}
		c.handleUEvent(d, action, nil, "sys")
		return nil
	})
	if err != nil {
		c.logger.Printf("boot walk: %v", err)
	}

	c.send(protocol.WithString(protocol.CmdEndCmd, cmd))
}

// deviceLabel formats a device as "devpath (subsystem)" for log
// messages; shared by client.go and filter.go.
func deviceLabel(d *device.Device) string {
	if d == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s (%s)", d.DevPath, strings.TrimSpace(d.Subsystem))
}
