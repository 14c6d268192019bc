// Command cdev-agent is the container-side hotplug agent (C6): it
// connects to the host router, applies container-local client rules,
// materializes /dev nodes, and rebroadcasts events on the container's
// own netlink channel.
package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"

	"cdev/internal/agent"
	"cdev/pkg/protocol"
)

func main() {
	name := flag.String("name", "", "container name (required)")
	boot := flag.Bool("boot", false, "request a boot replay (add) before serving")
	bootOnly := flag.Bool("boot-only", false, "perform a boot replay, then exit")
	shutdown := flag.Bool("shutdown", false, "request a shutdown replay (remove), then exit")
	socketPath := flag.String("socket-path", protocol.DefaultSocketPath, "path to the host's control socket")
	rulesDir := flag.String("rules-dir", "", "directory of client rules files")
	systemdActivated := flag.Bool("systemd", false, "adopt the udev control socket from fd 3")
	dry := flag.Bool("dry", false, "run dry: skip device-node writes and state persistence")
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "cdev-agent: -name is required")
		os.Exit(-int(syscall.EINVAL))
	}
	if *systemdActivated && (*bootOnly || *shutdown) {
		fmt.Fprintln(os.Stderr, "cdev-agent: -systemd is mutually exclusive with -boot-only/-shutdown")
		os.Exit(-int(syscall.EINVAL))
	}
	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "cdev-agent: must run as root")
		os.Exit(-int(syscall.EPERM))
	}

	cfg := agent.Config{
		Name:       *name,
		SocketPath: *socketPath,
		RulesDir:   *rulesDir,
		Boot:       *boot,
		BootOnly:   *bootOnly,
		Shutdown:   *shutdown,
		Dry:        *dry,
	}
	if *systemdActivated {
		fd := 3
		cfg.UdevCtrlFD = &fd
	} else {
		cfg.UdevCtrlPath = udevCtrlPathFor(*name)
	}

	a, err := agent.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cdev-agent: %v\n", err)
		os.Exit(-int(syscall.EINVAL))
	}

	if err := a.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "cdev-agent: %v\n", err)
		os.Exit(-1)
	}
}

// udevCtrlPathFor names the per-container udev control socket so
// multiple agents on the same host don't collide.
func udevCtrlPathFor(name string) string {
	return "/run/cdev/" + name + "/udev-ctrl"
}
