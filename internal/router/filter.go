package router

import (
	"path/filepath"

	"cdev/internal/rules"
	"cdev/internal/runtime"
	"cdev/pkg/device"
	"cdev/pkg/netlink"
	"cdev/pkg/protocol"
)

// handleUEvent implements spec §4.5's filter pipeline. event is nil for
// sys-sourced boot/shutdown replay; otherwise it is the parsed netlink
// uevent that triggered this call.
func (c *Client) handleUEvent(d *device.Device, action string, event *netlink.UEvent, source string) {
	if !c.isReady() {
		return
	}

	ctx := rules.NewFilterContext(d, action, source)
	if err := runtime.RunFilterRuleset(c.currentRuleset(), ctx); err != nil {
		c.logger.Printf("client %q: rule evaluation for %s: %v", c.name, deviceLabel(d), err)
	}
	if !ctx.Result {
		return
	}

	dry := c.isDry()

	// 1. Cgroup arbitration.
	if len(ctx.Cgroups) > 0 && !dry && (action == "add" || action == "remove") {
		for _, name := range ctx.Cgroups {
			mgr, ok := c.server.cfg.Cgroups.Get(name)
			if !ok {
				c.logger.Printf("client %q: no cgroup manager registered for %q", c.name, name)
				continue
			}
			var err error
			if action == "add" {
				err = mgr.Allow(c.name, d)
			} else {
				err = mgr.Deny(c.name, d)
			}
			if err != nil {
				c.logger.Printf("client %q: cgroup %s %s %s: %v", c.name, action, name, deviceLabel(d), err)
			}
		}
	}

	// 2. State forwarding.
	if id := d.IDFilename(); id != "" && action != "remove" {
		if selector := forwardSelector(ctx.Forward); selector != "" {
			buf := d.Serialize(selector)
			data := append(protocol.JoinNUL(d.DevPath, selector), buf...)
			if err := c.send(protocol.WithData(protocol.CmdSync, data)); err != nil {
				c.logger.Printf("client %q: send SYNC: %v", c.name, err)
			}
		}
	}

	// 3. Event emission.
	_, forwardEnv := ctx.Forward["ENV"]
	payload := buildUEventPayload(d, action, event, forwardEnv)
	if err := c.send(protocol.WithData(protocol.CmdUEvent, payload)); err != nil {
		c.logger.Printf("client %q: send UEVENT: %v", c.name, err)
	}

	// 4. Emit directive.
	if ctx.Emit != nil {
		c.handleEmitDirective(d, action, event, ctx.Emit)
	}

	if !dry {
		for _, md := range ctx.ModifiedDevices {
			if err := c.server.cfg.Registry.FlushDevice(md); err != nil {
				c.logger.Printf("client %q: flush %s: %v", c.name, deviceLabel(md), err)
			}
		}
	}
}

// forwardSelector maps the rule context's forward set onto a sync
// buffer selector string ("ENV" -> E, "TAGS" -> G), per spec §4.5 step 2.
func forwardSelector(forward map[string]struct{}) string {
	sel := ""
	if _, ok := forward["ENV"]; ok {
		sel += device.SelectEnv
	}
	if _, ok := forward["TAGS"]; ok {
		sel += device.SelectTags
	}
	return sel
}

// buildUEventPayload implements spec §4.5 step 3's reuse-vs-rebuild
// decision for the event buffer sent to a client.
func buildUEventPayload(d *device.Device, action string, event *netlink.UEvent, forwardEnv bool) []byte {
	if event != nil {
		if !forwardEnv {
			return packFreshUEvent(d, action, false)
		}
		libudevOrigin := !event.NeedsBloomRebuild
		if libudevOrigin && event.OriginalBuffer != nil {
			return event.OriginalBuffer
		}
		return packFreshUEvent(d, action, true)
	}
	return packFreshUEvent(d, action, forwardEnv)
}

// packFreshUEvent builds a libudev-format buffer from a device's current
// state: includeEnv selects Properties+Environment vs. Properties only
// ("stripping the environment", spec §4.5 step 3).
func packFreshUEvent(d *device.Device, action string, includeEnv bool) []byte {
	props := d.Properties
	if includeEnv {
		props = d.PropsAndEnv()
	}
	ue := &netlink.UEvent{Action: action, Properties: props}
	bloom := device.TagBloom(d.Tags)
	return netlink.PackLibudev(ue, bloom)
}

// handleEmitDirective implements spec §4.5 step 4: a rule-requested
// secondary event, either cloning the current device with a new action
// or resolving a sibling sysfs path via the registry.
func (c *Client) handleEmitDirective(d *device.Device, action string, event *netlink.UEvent, emit *rules.EmitDirective) {
	target := d
	if emit.What != "" && emit.What != "." {
		resolved, err := c.server.cfg.Registry.LookupOrCreate(filepath.Join(d.SysPath, emit.What))
		if err != nil {
			c.logger.Printf("client %q: emit directive resolve %q: %v", c.name, emit.What, err)
			return
		}
		target = resolved
	}

	emitAction := emit.Action
	if emitAction == "" {
		emitAction = action
	}

	includeEnv := !emit.HasOption("noenv")
	var payload []byte
	if target == d && event != nil && emitAction == action {
		payload = buildUEventPayload(target, emitAction, event, includeEnv)
	} else {
		payload = packFreshUEvent(target, emitAction, includeEnv)
	}

	if emit.HasOption("queue") {
		c.enqueue(payload)
		return
	}
	if err := c.send(protocol.WithData(protocol.CmdUEvent, payload)); err != nil {
		c.logger.Printf("client %q: send emitted UEVENT: %v", c.name, err)
	}
}
