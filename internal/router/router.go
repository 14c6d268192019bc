// Package router implements the host-side event router (C5, spec §4.5):
// accepts container-agent connections, runs per-client filter rules,
// arbitrates cgroup device access, and fans netlink uevents out to
// every ready client over the framed protocol.
package router

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"cdev/internal/cgroup"
	"cdev/internal/rules"
	"cdev/internal/runtime"
	"cdev/pkg/device"
	"cdev/pkg/netlink"
)

// RulesetLoader resolves a container name to its compiled FilterRuleset.
// The rules-file grammar and evaluator are external collaborators (spec
// §1 Non-goals); this core only depends on the call interface. The
// DefaultRulesetLoader below implements the file-resolution half of
// spec §4.5's handshake step (path construction, case-insensitive
// fallback, missing-file warning) without attempting to parse anything,
// since there is no rules grammar in this core.
type RulesetLoader func(path string) (rules.FilterRuleset, error)

// Config configures a Server.
type Config struct {
	ContainerRulesDir string // spec: <container_rules_dir>/<name>.rules
	KernelEvents      bool   // listen on the kernel group instead of udev

	Registry     *device.Registry
	Cgroups      *cgroup.Registry
	NetlinkConn  *netlink.Conn // if nil, Server opens one per KernelEvents
	RulesetLoad  RulesetLoader
	Logger       *log.Logger
}

// Server is the host router.
type Server struct {
	cfg      Config
	logger   *log.Logger
	listener net.Listener
	shutdown *runtime.Shutdown

	mu      sync.Mutex
	clients map[uint64]*Client
	nextID  uint64

	nlConn *netlink.Conn
	watcher *rulesDirWatcher
}

// NewServer constructs a Server; call ListenAndServe to start accepting
// connections on socketPath.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[cdevd] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.Registry == nil {
		cfg.Registry = device.NewRegistry(device.Config{Loader: LoadSysfsDevice})
	}
	if cfg.Cgroups == nil {
		cfg.Cgroups = cgroup.NewRegistry()
	}
	if cfg.RulesetLoad == nil {
		cfg.RulesetLoad = DefaultRulesetLoader
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		shutdown: runtime.NewShutdown(context.Background()),
		clients:  make(map[uint64]*Client),
	}

	if cfg.NetlinkConn != nil {
		s.nlConn = cfg.NetlinkConn
	}

	if cfg.ContainerRulesDir != "" {
		w, err := newRulesDirWatcher(cfg.ContainerRulesDir, s)
		if err != nil {
			s.logger.Printf("warning: ruleset directory watcher disabled: %v", err)
		} else {
			s.watcher = w
		}
	}

	return s, nil
}

// DefaultRulesetLoader resolves path (already case-insensitively
// matched by resolveRulesetPath) to a FilterRuleset. Since the rules
// grammar is out of scope for this core, any existing file yields the
// passthrough ruleset; only the existence check and the associated log
// message are meaningful here. A real deployment plugs in a rules
// compiler by overriding Config.RulesetLoad.
func DefaultRulesetLoader(path string) (rules.FilterRuleset, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return rules.PassthroughFilterRuleset(), nil
}

// resolveRulesetPath implements spec §4.5's
// "<container_rules_dir>/<name>.rules (case-insensitive fallback to
// lowercased name)" lookup.
func resolveRulesetPath(dir, name string) (string, bool) {
	exact := filepath.Join(dir, name+".rules")
	if _, err := os.Stat(exact); err == nil {
		return exact, true
	}
	lower := filepath.Join(dir, stringsToLower(name)+".rules")
	if _, err := os.Stat(lower); err == nil {
		return lower, true
	}
	return exact, false
}

func stringsToLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// ListenAndServe binds socketPath and serves client connections until
// Shutdown is called.
func (s *Server) ListenAndServe(socketPath string) error {
	os.Remove(socketPath)
	if dir := filepath.Dir(socketPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	os.Chmod(socketPath, 0666)
	s.logger.Printf("listening on %s", socketPath)
	return s.Serve(ln)
}

// Serve accepts client connections on an already-bound listener (either
// ListenAndServe's own, or one adopted from a systemd-passed fd) until
// Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	defer ln.Close()

	if s.nlConn == nil {
		group := netlink.UdevEvent
		if s.cfg.KernelEvents {
			group = netlink.KernelEvent
		}
		conn, err := netlink.Connect(group)
		if err != nil {
			s.logger.Printf("warning: netlink unavailable: %v (uevent ingestion disabled)", err)
		} else {
			s.nlConn = conn
			s.shutdown.Go(func() { s.runNetlinkListener(group) })
		}
	}

	if s.watcher != nil {
		s.shutdown.Go(s.watcher.run)
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown.Done():
				return nil
			default:
				s.logger.Printf("accept error: %v", err)
				continue
			}
		}
		s.shutdown.Go(func() { s.serveClient(conn) })
	}
}

// NotifyShutdownSignals arranges for SIGINT/SIGTERM to call Shutdown.
// Unlike runtime.NotifyShutdownSignals (which only cancels the shutdown
// future), this also closes the listener so the Accept loop unblocks.
func (s *Server) NotifyShutdownSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.logger.Printf("received signal %v, shutting down", sig)
		s.Shutdown()
	}()
}

// Shutdown cancels the shutdown future, closes the listener, and waits
// for every in-flight client and background task to finish.
func (s *Server) Shutdown() {
	s.shutdown.Cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.shutdown.Wait()
	if s.nlConn != nil {
		s.nlConn.Close()
	}
}

func (s *Server) addClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c.id = s.nextID
	s.clients[c.id] = c
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
}

// liveClients returns a snapshot of the clients that have completed the
// handshake (handleUEvent still drops events for a client not in the
// Ready state), used by
// the global netlink listener to fan an event out without holding the
// server lock during rule evaluation (rule evaluation may block for up
// to runtime.RuleTimeout).
func (s *Server) liveClients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// reloadClient reloads the ruleset for the named client, used by the
// ruleset directory watcher.
func (s *Server) reloadClient(name string) {
	for _, c := range s.liveClients() {
		if c.name == name {
			c.reloadRuleset()
		}
	}
}
