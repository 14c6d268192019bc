package agent

import (
	"bytes"
	"fmt"

	"cdev/internal/rules"
	"cdev/internal/runtime"
	"cdev/pkg/device"
	"cdev/pkg/netlink"
	"cdev/pkg/protocol"
)

// dispatch handles one inbound framed message from the host (spec
// §4.6's main loop). It returns done=true when the agent should
// terminate.
func (a *Agent) dispatch(m protocol.Message) (done bool, err error) {
	switch m.Command {
	case protocol.CmdUEvent:
		return false, a.handleUEvent(m.Data)

	case protocol.CmdSync:
		return false, a.handleSync(m.Data)

	case protocol.CmdBeginCmd:
		// no-op marker, per spec §4.6.
		return false, nil

	case protocol.CmdEndCmd:
		if a.completeOnEndCmd && string(m.Data) == a.wantCmd {
			return true, nil
		}
		return false, nil

	case protocol.CmdByeAck:
		a.logger.Printf("host: bye: %s", string(m.Data))
		protocol.WriteMessage(a.conn, protocol.New(protocol.CmdBye))
		return true, nil

	case protocol.CmdEchoAck:
		a.logger.Printf("host: echo: %s", string(m.Data))
		return false, nil

	default:
		a.logger.Printf("unknown command %q, dropping", m.Command)
		return false, nil
	}
}

// handleUEvent implements spec §4.6's UEVENT handling: parse, resolve
// the device, run every client ruleset in the preset, flush modified
// devices, materialize nodes, and rebroadcast.
func (a *Agent) handleUEvent(buf []byte) error {
	ue, err := netlink.ParseUEvent(buf)
	if err != nil {
		return fmt.Errorf("parse UEVENT: %w", err)
	}

	d, err := a.resolveDevice(ue.Properties)
	if err != nil {
		return fmt.Errorf("resolve device: %w", err)
	}

	ctx := rules.NewClientContext(d, ue.Action)
	a.applyClientRulesets(ctx)

	if !a.dry {
		for md := range ctx.ModifiedDevices {
			if err := a.registry.FlushDevice(md); err != nil {
				a.logger.Printf("flush %s: %v", deviceLabel(md), err)
			}
		}
	}

	a.materializeDevice(ctx, d, ue.Action)

	if a.nlConn != nil {
		out := buf
		if ue.OriginalBuffer != nil {
			out = ue.OriginalBuffer
		}
		if err := a.nlConn.Send(out, netlink.UdevEvent); err != nil {
			a.logger.Printf("rebroadcast %s: %v", deviceLabel(d), err)
		}
	}
	return nil
}

// applyClientRulesets runs every ruleset in the preset against ctx,
// each isolated from the others: a panic or error in one rules file
// must not drop the event or prevent the remaining rulesets from
// running (spec §4.6 "each guarded by exception isolation").
func (a *Agent) applyClientRulesets(ctx *rules.ClientContext) {
	for _, rs := range a.rulesets {
		func(rs rules.ClientRuleset) {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Printf("client ruleset panicked: %v", r)
				}
			}()
			if err := runtime.RunClientRuleset(rs, ctx); err != nil {
				a.logger.Printf("client ruleset: %v", err)
			}
		}(rs)
		if ctx.Done {
			break
		}
	}
}

// handleSync implements spec §4.6's SYNC handling: devpath\0selector\0buffer.
func (a *Agent) handleSync(data []byte) error {
	i := bytes.IndexByte(data, 0)
	if i < 0 {
		return fmt.Errorf("SYNC: missing devpath separator")
	}
	devpath := string(data[:i])
	rest := data[i+1:]

	j := bytes.IndexByte(rest, 0)
	if j < 0 {
		return fmt.Errorf("SYNC: missing selector separator")
	}
	selector := string(rest[:j])
	buf := rest[j+1:]

	// The agent has no sysfs loader, so a SYNC for a device not seen yet
	// registers an empty Device that the companion UEVENT then fills in.
	syspath := "/sys" + devpath
	if _, ok := a.registry.Lookup(syspath); !ok {
		a.registry.Register(device.New(syspath))
	}
	_, err := device.ApplySyncBuffer(a.registry, devpath, selector, buf)
	return err
}

// resolveDevice looks up or creates the Device named by props' DEVPATH,
// preserving any already-persisted Environment/Tags/DevLinks when the
// device is already registered (device.ApplyUEventProps mutates only
// the kernel-origin fields).
func (a *Agent) resolveDevice(props map[string]string) (*device.Device, error) {
	devpath, ok := props["DEVPATH"]
	if !ok {
		return nil, fmt.Errorf("uevent missing DEVPATH")
	}
	syspath := "/sys" + devpath

	if d, ok := a.registry.Lookup(syspath); ok {
		d.ApplyUEventProps(props)
		return d, nil
	}
	fresh, err := device.FromProps(props)
	if err != nil {
		return nil, err
	}
	return a.registry.Register(fresh), nil
}

func deviceLabel(d *device.Device) string {
	if d == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s (%s)", d.DevPath, d.Subsystem)
}
