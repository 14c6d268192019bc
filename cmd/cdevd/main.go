// Command cdevd is the host-side hotplug router (C5): it observes
// kernel uevents and container-agent connections, runs per-container
// filter rules, and fans events out to every attached container.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"syscall"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/docker/docker/client"

	"cdev/internal/cgroup"
	"cdev/internal/router"
	"cdev/pkg/device"
)

func main() {
	socketPath := flag.String("socket-path", "cdev.control", "path to the host control socket")
	rulesDir := flag.String("container-rules-dir", "containers.d", "directory of <name>.rules files")
	kernelEvents := flag.Bool("kernel-events", false, "listen on the kernel uevent group instead of udev")
	systemdActivated := flag.Bool("systemd", false, "accept an already-bound socket passed as fd 3")
	configPath := flag.String("config", "", "optional YAML file for persistence/controller settings not covered by flags")
	flag.Parse()

	logger := log.New(os.Stdout, "[cdevd] ", log.LstdFlags|log.Lmsgprefix)

	var hostCfg *router.HostConfig
	if *configPath != "" {
		hc, err := router.LoadHostConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cdevd: %v\n", err)
			os.Exit(-1)
		}
		hostCfg = hc
	}

	cgroups := cgroup.NewRegistry()
	if hostCfg != nil && len(hostCfg.Containers) > 0 {
		if dc, err := client.NewClientWithOpts(client.FromEnv); err != nil {
			logger.Printf("warning: docker client unavailable, cgroup arbitration disabled: %v", err)
		} else {
			mgr := cgroup.NewDockerManager(dc)
			for _, controllers := range hostCfg.Containers {
				for _, name := range controllers {
					cgroups.Register(name, mgr)
				}
			}
		}
	}

	var registry *device.Registry
	if hostCfg != nil && hostCfg.DBDir != "" {
		registry = device.NewRegistry(device.Config{Loader: router.LoadSysfsDevice, DBDir: hostCfg.DBDir, Logger: logger})
	}

	s, err := router.NewServer(router.Config{
		ContainerRulesDir: *rulesDir,
		KernelEvents:      *kernelEvents,
		Registry:          registry,
		Cgroups:           cgroups,
		Logger:            logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "cdevd: %v\n", err)
		os.Exit(-1)
	}

	s.NotifyShutdownSignals()

	if *systemdActivated {
		listeners, err := activation.Listeners()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cdevd: adopt systemd listener: %v\n", err)
			os.Exit(exitCode(err))
		}
		if len(listeners) != 1 {
			fmt.Fprintf(os.Stderr, "cdevd: expected exactly 1 systemd socket, got %d\n", len(listeners))
			os.Exit(-1)
		}
		logger.Printf("serving on inherited systemd socket (fd 3)")
		err = s.Serve(listeners[0])
	} else {
		err = s.ListenAndServe(*socketPath)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "cdevd: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a fatal startup error to a negative errno, per spec §6;
// anything not wrapping a recognizable syscall errno exits -1.
func exitCode(err error) int {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		if errno, ok := sysErr.Err.(syscall.Errno); ok {
			return -int(errno)
		}
	}
	return -1
}
