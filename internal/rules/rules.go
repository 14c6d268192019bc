// Package rules defines the call interface the host router and
// container agent use to run per-event rule evaluation. The rules-file
// grammar and expression evaluator themselves are out of scope (spec §1
// Non-goals): this package only specifies the context shapes a compiled
// ruleset receives and the interface it is invoked through.
package rules

import (
	"fmt"

	"cdev/pkg/device"
)

// EmitDirective requests a secondary synthetic event (spec §3 "Rule
// context", §4.5 step 4). What is either "" or "." (clone the current
// event with a new action) or a path relative to the device's sysfs
// directory to resolve via the registry.
type EmitDirective struct {
	What    string
	Action  string
	Options map[string]struct{}
}

// HasOption reports whether a named option ("queue", "noenv") was set.
func (e *EmitDirective) HasOption(name string) bool {
	if e == nil {
		return false
	}
	_, ok := e.Options[name]
	return ok
}

// FilterContext is the host-side rule execution context (spec §3 "Rule
// context", §4.5), passed to a FilterRuleset and mutated by it.
type FilterContext struct {
	Device *device.Device
	Action string
	Source string // "sys", "udev", or "kernel"

	Result bool // initially true; a rule may clear it to drop the event
	Done   bool // a rule set Result and asked evaluation to stop early

	Cgroups []string // host-side: which controllers to update
	Forward map[string]struct{} // "ENV" -> E, "TAGS" -> G
	Emit    *EmitDirective

	ModifiedDevices map[string]*device.Device
}

// NewFilterContext builds a FilterContext with the default forwarding
// set used by the original implementation's filter_rules.Context:
// {"ENV", "DEVLINKS"}.
func NewFilterContext(d *device.Device, action, source string) *FilterContext {
	return &FilterContext{
		Device: d,
		Action: action,
		Source: source,
		Result: true,
		Forward: map[string]struct{}{
			"ENV":      {},
			"DEVLINKS": {},
		},
		ModifiedDevices: make(map[string]*device.Device),
	}
}

// UpdateResult sets Result but lets evaluation continue (TARGET+=).
func (c *FilterContext) UpdateResult(v bool) {
	c.Result = v
}

// SetResult sets Result and stops further rule evaluation (TARGET=).
func (c *FilterContext) SetResult(v bool) {
	c.Result = v
	c.Done = true
}

// MarkModified records that a device's persisted state changed during
// evaluation and must be flushed.
func (c *FilterContext) MarkModified(d *device.Device) {
	id := d.IDFilename()
	if id == "" {
		return
	}
	c.ModifiedDevices[id] = d
}

// ClientContext is the container-side rule execution context (spec §3,
// §4.6), passed to a ClientRuleset.
type ClientContext struct {
	Device *device.Device
	Action string

	Result bool
	Done   bool

	User  *string
	Group *string
	Mode  *uint32 // octal file mode bits, as parsed from a MODE= assignment

	ModifiedDevices map[*device.Device]struct{}
}

// NewClientContext builds a ClientContext with Result defaulted true.
func NewClientContext(d *device.Device, action string) *ClientContext {
	return &ClientContext{
		Device:          d,
		Action:          action,
		Result:          true,
		ModifiedDevices: make(map[*device.Device]struct{}),
	}
}

// MarkModified records that a device's persisted state (environment,
// tags, devlinks) changed during client-rule evaluation.
func (c *ClientContext) MarkModified(d *device.Device) {
	c.ModifiedDevices[d] = struct{}{}
}

// FilterRuleset is the compiled host-side rules object. Apply may run
// on a separate goroutine under a deadline (internal/runtime); it must
// not retain ctx beyond returning.
type FilterRuleset interface {
	Apply(ctx *FilterContext) error
}

// ClientRuleset is the compiled container-side rules object.
type ClientRuleset interface {
	Apply(ctx *ClientContext) error
}

// passthroughFilterRuleset is used when a container's ruleset file is
// absent: all events pass with the default forwarding set (spec §4.5
// handshake: "a missing file ... leaves ruleset = None (all events pass
// with default forwarding)").
type passthroughFilterRuleset struct{}

func (passthroughFilterRuleset) Apply(ctx *FilterContext) error { return nil }

// PassthroughFilterRuleset returns the no-op FilterRuleset used in place
// of a missing per-container rules file.
func PassthroughFilterRuleset() FilterRuleset { return passthroughFilterRuleset{} }

type passthroughClientRuleset struct{}

func (passthroughClientRuleset) Apply(ctx *ClientContext) error { return nil }

// PassthroughClientRuleset returns the no-op ClientRuleset used in place
// of a missing agent-side rules file.
func PassthroughClientRuleset() ClientRuleset { return passthroughClientRuleset{} }

// ErrRulesetTimeout is returned by internal/runtime's RunFilterRuleset
// and RunClientRuleset when a ruleset fails to complete within its time
// budget.
var ErrRulesetTimeout = fmt.Errorf("rules: ruleset evaluation timed out")
