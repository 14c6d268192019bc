// Package agent implements the container-side agent (C6, spec §4.6):
// the client protocol peer that receives filtered events from the host
// router, runs container-local client rules, materializes device nodes
// inside the container's /dev, and rebroadcasts events on the
// container's own kernel-uevent netlink channel.
package agent

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"cdev/internal/rules"
	"cdev/internal/runtime"
	"cdev/internal/udevctrl"
	"cdev/pkg/device"
	"cdev/pkg/netlink"
	"cdev/pkg/protocol"
)

// helloTimeout bounds how long the agent waits for the host's initial
// HELLO after connecting (spec §4.6 step 1).
const helloTimeout = 10 * time.Second

// Config configures an Agent.
type Config struct {
	Name       string
	SocketPath string
	RulesDir   string

	Boot     bool
	BootOnly bool
	Shutdown bool
	Dry      bool

	// UdevCtrlPath/UdevCtrlFD configure the udev-compatible control
	// socket (spec §4.4); see internal/udevctrl.NewControl.
	UdevCtrlPath string
	UdevCtrlFD   *int

	// DevRoot overrides the device-node root, normally "/dev". Tests set
	// this to a temporary directory.
	DevRoot string

	Registry    *device.Registry
	RulesetLoad ClientRulesetLoader
	Logger      *log.Logger
}

// Agent is the container-side daemon.
type Agent struct {
	cfg    Config
	logger *log.Logger
	dry    bool

	conn     net.Conn
	nlConn   *netlink.Conn
	registry *device.Registry
	ctrl     *udevctrl.Control

	rulesets []rules.ClientRuleset

	shutdown *runtime.Shutdown
	reloadCh chan struct{}
	exitCh   chan struct{}

	// completeOnEndCmd makes ENDCMD for the agent's own boot/shutdown
	// request terminate the program, per spec §4.6's "--boot-only /
	// --shutdown" CLI modes.
	completeOnEndCmd bool
	wantCmd          string
}

// New constructs an Agent; call Run to connect and serve.
func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent: Name is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, fmt.Sprintf("[cdev-agent %s] ", cfg.Name), log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.Registry == nil {
		cfg.Registry = device.NewRegistry(device.Config{Loader: nilLoader, Logger: cfg.Logger})
	}
	if cfg.RulesetLoad == nil {
		cfg.RulesetLoad = DefaultClientRulesetLoader
	}

	a := &Agent{
		cfg:      cfg,
		logger:   cfg.Logger,
		dry:      cfg.Dry,
		registry: cfg.Registry,
		reloadCh: make(chan struct{}, 1),
		exitCh:   make(chan struct{}, 1),
	}
	a.completeOnEndCmd = cfg.BootOnly || cfg.Shutdown
	return a, nil
}

// nilLoader is the agent-side registry's Loader: the agent never scrapes
// sysfs itself, it only ever learns about devices via SYNC/UEVENT
// messages (device.FromProps), so a miss here is a logic error upstream.
func nilLoader(syspath string) (*device.Device, error) {
	return nil, fmt.Errorf("agent: no sysfs loader (device %s must arrive via a protocol message)", syspath)
}

// Run executes the full startup sequence (spec §4.6) and then serves the
// main loop until the connection closes, EXIT is requested over the
// control socket, or (in --boot-only/--shutdown mode) the corresponding
// ENDCMD arrives.
func (a *Agent) Run() error {
	a.shutdown = runtime.NewShutdown(context.Background())
	runtime.NotifyShutdownSignals(a.shutdown, a.logger)

	if err := a.connect(); err != nil {
		return err
	}
	defer a.conn.Close()

	if err := a.sendHello(); err != nil {
		return err
	}

	a.loadRulesets()

	nl, err := netlink.Connect(netlink.UdevEvent)
	if err != nil {
		a.logger.Printf("warning: container-local netlink unavailable: %v (rebroadcast disabled)", err)
	} else {
		a.nlConn = nl
		defer a.nlConn.Close()
	}

	if ctrl, err := udevctrl.NewControl(a.cfg.UdevCtrlPath, a.cfg.UdevCtrlFD, &ctrlHandler{a}); err != nil {
		a.logger.Printf("warning: udev control socket disabled: %v", err)
	} else if ctrl != nil {
		a.ctrl = ctrl
		defer a.ctrl.Close()
		a.shutdown.Go(func() {
			if err := a.ctrl.Serve(func(reason string) { a.logger.Printf("udev control: %s", reason) }); err != nil {
				select {
				case <-a.shutdown.Done():
				default:
					a.logger.Printf("udev control socket: %v", err)
				}
			}
		})
	}

	if a.cfg.Boot || a.cfg.BootOnly {
		a.wantCmd = protocol.CmdBoot
		if err := protocol.WriteMessage(a.conn, protocol.New(protocol.CmdBoot)); err != nil {
			return fmt.Errorf("agent: send boot: %w", err)
		}
	} else if a.cfg.Shutdown {
		a.wantCmd = protocol.CmdShutdown
		if err := protocol.WriteMessage(a.conn, protocol.New(protocol.CmdShutdown)); err != nil {
			return fmt.Errorf("agent: send shutdown: %w", err)
		}
	}

	return a.mainLoop()
}

// connect dials the host's socket and waits for the initial HELLO
// within helloTimeout.
func (a *Agent) connect() error {
	conn, err := net.Dial("unix", a.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("agent: connect %s: %w", a.cfg.SocketPath, err)
	}
	a.conn = conn

	type result struct {
		msg protocol.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := protocol.ReadMessage(conn)
		ch <- result{m, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil || r.msg.Command != protocol.CmdHello {
			conn.Close()
			return fmt.Errorf("agent: expected HELLO, got %v (err=%v)", r.msg.Command, r.err)
		}
	case <-time.After(helloTimeout):
		protocol.WriteMessage(conn, protocol.New(protocol.CmdBye))
		conn.Close()
		return fmt.Errorf("agent: no HELLO from host within %v", helloTimeout)
	}
	return nil
}

func (a *Agent) sendHello() error {
	if err := protocol.WriteMessage(a.conn, protocol.WithString(protocol.CmdHelloAck, a.cfg.Name)); err != nil {
		return fmt.Errorf("agent: send hello: %w", err)
	}
	if a.dry {
		if err := protocol.WriteMessage(a.conn, protocol.New(protocol.CmdDryRun)); err != nil {
			return fmt.Errorf("agent: send dry_run: %w", err)
		}
	}
	return nil
}

// mainLoop implements spec §4.6's main loop: dispatch inbound host
// messages, service control-socket requests, and honor shutdown.
func (a *Agent) mainLoop() error {
	inbound := make(chan protocol.Message, 1)
	inboundErr := make(chan error, 1)
	go func() {
		for {
			m, err := protocol.ReadMessage(a.conn)
			if err != nil {
				inboundErr <- err
				return
			}
			inbound <- m
		}
	}()

	for {
		select {
		case <-a.shutdown.Done():
			return nil

		case m := <-inbound:
			done, err := a.dispatch(m)
			if err != nil {
				a.logger.Printf("dispatch %s: %v", m.Command, err)
			}
			if done {
				return nil
			}

		case err := <-inboundErr:
			a.logger.Printf("host connection closed: %v", err)
			return nil

		case <-a.reloadCh:
			a.loadRulesets()

		case <-a.exitCh:
			a.logger.Printf("control socket requested exit")
			return nil
		}
	}
}

// ctrlHandler adapts udevctrl's synchronous callbacks onto the agent's
// channel-based main loop, so every mutation of agent state and every
// write to a.conn happens on the mainLoop goroutine even though the
// control socket is served on its own goroutine.
type ctrlHandler struct{ a *Agent }

func (h *ctrlHandler) Reload() {
	select {
	case h.a.reloadCh <- struct{}{}:
	default:
	}
}

func (h *ctrlHandler) Exit() {
	select {
	case h.a.exitCh <- struct{}{}:
	default:
	}
}
