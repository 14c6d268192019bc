package agent

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"testing"

	"cdev/internal/rules"
	"cdev/pkg/device"
	"cdev/pkg/protocol"
)

func testLogger() *log.Logger {
	return log.New(os.Stdout, "[agent-test] ", 0)
}

func stubLoader(syspath string) (*device.Device, error) {
	return nil, fmt.Errorf("agent: unexpected sysfs load of %s", syspath)
}

func newTestAgent(t *testing.T, dbDir string) *Agent {
	t.Helper()
	reg := device.NewRegistry(device.Config{Loader: stubLoader, DBDir: dbDir, Logger: testLogger()})
	return &Agent{
		cfg:      Config{Registry: reg},
		logger:   testLogger(),
		registry: reg,
	}
}

// taggingRuleset adds a tag and marks the device modified, simulating a
// client rules file with a "TAGS+=..." assignment.
type taggingRuleset struct{ tag string }

func (r taggingRuleset) Apply(ctx *rules.ClientContext) error {
	ctx.Device.AddTag(r.tag)
	ctx.MarkModified(ctx.Device)
	return nil
}

type panickingRuleset struct{}

func (panickingRuleset) Apply(ctx *rules.ClientContext) error {
	panic("boom")
}

func kernelUEventBuffer(action, devpath string, extra map[string]string) []byte {
	buf := action + "@" + devpath + "\x00"
	for k, v := range extra {
		buf += k + "=" + v + "\x00"
	}
	return []byte(buf)
}

func TestHandleUEventRunsRulesetsAndFlushesModified(t *testing.T) {
	dbDir := t.TempDir()
	a := newTestAgent(t, dbDir)
	a.rulesets = []rules.ClientRuleset{taggingRuleset{tag: "cdev-tagged"}}

	buf := kernelUEventBuffer("add", "/devices/virtual/foo/bar", map[string]string{"SUBSYSTEM": "foo"})
	if err := a.handleUEvent(buf); err != nil {
		t.Fatalf("handleUEvent: %v", err)
	}

	d, ok := a.registry.Lookup("/sys/devices/virtual/foo/bar")
	if !ok {
		t.Fatal("expected device registered")
	}
	if !d.HasTag("cdev-tagged") {
		t.Error("expected tag applied by ruleset")
	}

	id := d.IDFilename()
	if id == "" {
		t.Fatal("expected a stable id filename")
	}
	if _, err := os.Stat(filepath.Join(dbDir, id)); err != nil {
		t.Errorf("expected flushed record at %s: %v", id, err)
	}
}

func TestHandleUEventPreservesStateAcrossRepeatedEvents(t *testing.T) {
	a := newTestAgent(t, "")

	buf1 := kernelUEventBuffer("add", "/devices/virtual/foo/bar", map[string]string{"SUBSYSTEM": "foo"})
	if err := a.handleUEvent(buf1); err != nil {
		t.Fatalf("first handleUEvent: %v", err)
	}
	d, _ := a.registry.Lookup("/sys/devices/virtual/foo/bar")
	d.AddTag("sticky")

	buf2 := kernelUEventBuffer("change", "/devices/virtual/foo/bar", map[string]string{"SUBSYSTEM": "foo"})
	if err := a.handleUEvent(buf2); err != nil {
		t.Fatalf("second handleUEvent: %v", err)
	}

	if !d.HasTag("sticky") {
		t.Error("expected persisted tag to survive a repeated UEVENT for the same device")
	}
}

func TestApplyClientRulesetsIsolatesPanic(t *testing.T) {
	a := &Agent{logger: testLogger()}
	ran := false
	a.rulesets = []rules.ClientRuleset{
		panickingRuleset{},
		taggingRuleset{tag: "ran-after-panic"},
	}

	d := device.New("/sys/devices/virtual/foo/bar")
	ctx := rules.NewClientContext(d, "add")

	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("panic escaped applyClientRulesets: %v", r)
			}
		}()
		a.applyClientRulesets(ctx)
	}()

	if d.HasTag("ran-after-panic") {
		ran = true
	}
	if !ran {
		t.Error("expected the ruleset after the panicking one to still run")
	}
}

func TestHandleSyncAppliesEnvAndTags(t *testing.T) {
	a := newTestAgent(t, "")

	src := device.New("/sys/devices/virtual/foo/bar")
	src.Environment["COLOR"] = "blue"
	src.AddTag("seat")
	buf := src.Serialize(device.SelectEnv + device.SelectTags)

	data := append([]byte("/devices/virtual/foo/bar\x00"+device.SelectEnv+device.SelectTags+"\x00"), buf...)
	if err := a.handleSync(data); err != nil {
		t.Fatalf("handleSync: %v", err)
	}

	d, ok := a.registry.Lookup("/sys/devices/virtual/foo/bar")
	if !ok {
		t.Fatal("expected SYNC to create the device")
	}
	if d.Environment["COLOR"] != "blue" {
		t.Errorf("got env %v, want COLOR=blue", d.Environment)
	}
	if !d.HasTag("seat") {
		t.Error("expected tag seat applied")
	}
}

func TestDispatchBye(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	a := &Agent{logger: testLogger(), conn: serverSide}

	type dispatchResult struct {
		done bool
		err  error
	}
	resultCh := make(chan dispatchResult, 1)
	go func() {
		done, err := a.dispatch(protocol.WithString(protocol.CmdByeAck, "done"))
		resultCh <- dispatchResult{done, err}
	}()

	reply, err := protocol.ReadMessage(clientSide)
	if err != nil {
		t.Fatalf("read bye reply: %v", err)
	}
	if reply.Command != protocol.CmdBye {
		t.Errorf("got %q, want bye", reply.Command)
	}

	r := <-resultCh
	if r.err != nil {
		t.Fatalf("dispatch bye: %v", r.err)
	}
	if !r.done {
		t.Error("expected BYE to signal done")
	}
}

func TestDispatchEndCmdCompletesOnlyWhenAwaited(t *testing.T) {
	a := &Agent{logger: testLogger(), completeOnEndCmd: true, wantCmd: protocol.CmdBoot}

	done, err := a.dispatch(protocol.WithString(protocol.CmdEndCmd, protocol.CmdShutdown))
	if err != nil || done {
		t.Fatalf("expected ENDCMD for a different command to be ignored, got done=%v err=%v", done, err)
	}

	done, err = a.dispatch(protocol.WithString(protocol.CmdEndCmd, protocol.CmdBoot))
	if err != nil {
		t.Fatalf("dispatch endcmd: %v", err)
	}
	if !done {
		t.Error("expected ENDCMD for the awaited command to signal done")
	}
}

func TestDispatchUnknownCommandIsDroppedNotFatal(t *testing.T) {
	a := &Agent{logger: testLogger()}
	done, err := a.dispatch(protocol.New("NOSUCHCOMMAND"))
	if err != nil {
		t.Fatalf("expected unknown commands to be dropped silently, got %v", err)
	}
	if done {
		t.Error("expected unknown command not to terminate the agent")
	}
}

func TestCtrlHandlerReloadAndExit(t *testing.T) {
	a := &Agent{
		logger:   testLogger(),
		reloadCh: make(chan struct{}, 1),
		exitCh:   make(chan struct{}, 1),
	}
	h := &ctrlHandler{a}

	h.Reload()
	select {
	case <-a.reloadCh:
	default:
		t.Error("expected Reload to signal reloadCh")
	}

	h.Exit()
	select {
	case <-a.exitCh:
	default:
		t.Error("expected Exit to signal exitCh")
	}
}

func TestDefaultClientRulesetLoaderMissingFile(t *testing.T) {
	_, err := DefaultClientRulesetLoader(filepath.Join(t.TempDir(), "ghost.rules"))
	if err == nil {
		t.Fatal("expected error for missing rules file")
	}
}

func TestLoadRulesetsSkipsFailingFilesButKeepsOthers(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.rules"), []byte(""), 0644)
	os.WriteFile(filepath.Join(dir, "b.rules"), []byte(""), 0644)

	a := &Agent{
		logger: testLogger(),
		cfg: Config{
			RulesDir: dir,
			RulesetLoad: func(path string) (rules.ClientRuleset, error) {
				if filepath.Base(path) == "a.rules" {
					return nil, fmt.Errorf("boom")
				}
				return rules.PassthroughClientRuleset(), nil
			},
		},
	}
	a.loadRulesets()

	if len(a.rulesets) != 1 {
		t.Fatalf("got %d rulesets, want 1 (a.rules should have been skipped)", len(a.rulesets))
	}
}
