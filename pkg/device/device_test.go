package device

import "testing"

func TestIDFilenameBlockDevice(t *testing.T) {
	d := New("/sys/devices/pci0000:00/block/sda")
	d.SetSubsystem("block")
	d.SetDevNum(Num{Major: 8, Minor: 0})

	if got, want := d.IDFilename(), "b8:0"; got != want {
		t.Errorf("IDFilename() = %q, want %q", got, want)
	}
}

func TestIDFilenameCharDevice(t *testing.T) {
	d := New("/sys/devices/virtual/tty/tty0")
	d.SetSubsystem("tty")
	d.SetDevNum(Num{Major: 4, Minor: 0})

	if got, want := d.IDFilename(), "c4:0"; got != want {
		t.Errorf("IDFilename() = %q, want %q", got, want)
	}
}

func TestIDFilenameNetdev(t *testing.T) {
	d := New("/sys/devices/virtual/net/eth0")
	d.SetSubsystem("net")
	ifidx := 3
	d.IfIndex = &ifidx

	if got, want := d.IDFilename(), "n3"; got != want {
		t.Errorf("IDFilename() = %q, want %q", got, want)
	}
}

func TestIDFilenameFallback(t *testing.T) {
	d := New("/sys/devices/virtual/misc/rtc")
	d.SetSubsystem("misc")

	if got, want := d.IDFilename(), "+misc:rtc"; got != want {
		t.Errorf("IDFilename() = %q, want %q", got, want)
	}
}

func TestIDFilenameCachedAcrossMutation(t *testing.T) {
	d := New("/sys/devices/virtual/misc/rtc")
	d.SetSubsystem("misc")
	first := d.IDFilename()

	// Mutating DevNum after the first computation must not change the
	// cached id: identity is fixed at first sight, matching the
	// registry's single-identity-per-syspath guarantee.
	d.SetDevNum(Num{Major: 1, Minor: 2})
	second := d.IDFilename()

	if first != second {
		t.Errorf("IDFilename changed after caching: %q -> %q", first, second)
	}
}

func TestFromProps(t *testing.T) {
	props := map[string]string{
		"ACTION":    "add",
		"DEVPATH":   "/devices/pci0000:00/block/sda",
		"SUBSYSTEM": "block",
		"DEVNAME":   "sda",
		"MAJOR":     "8",
		"MINOR":     "0",
	}

	d, err := FromProps(props)
	if err != nil {
		t.Fatalf("FromProps failed: %v", err)
	}
	if d.Subsystem != "block" {
		t.Errorf("Subsystem = %q, want block", d.Subsystem)
	}
	if d.DevNum != (Num{Major: 8, Minor: 0}) {
		t.Errorf("DevNum = %v, want 8:0", d.DevNum)
	}
	if _, ok := d.Properties["ACTION"]; ok {
		t.Error("ACTION should be stripped from Properties")
	}
	if d.SysPath != "/sys/devices/pci0000:00/block/sda" {
		t.Errorf("SysPath = %q", d.SysPath)
	}
}

func TestFromPropsMissingDevpath(t *testing.T) {
	if _, err := FromProps(map[string]string{"SUBSYSTEM": "block"}); err == nil {
		t.Fatal("expected error for missing DEVPATH")
	}
}

func TestPropsAndEnvOverlay(t *testing.T) {
	d := New("/sys/devices/virtual/misc/rtc")
	d.AddProperty("FOO", "kernel-value")
	d.Environment["FOO"] = "overlay-value"

	got := d.PropsAndEnv()
	if got["FOO"] != "overlay-value" {
		t.Errorf("PropsAndEnv()[FOO] = %q, want overlay to win", got["FOO"])
	}
}

func TestApplyUEventPropsPreservesPersistedOverlay(t *testing.T) {
	d := New("/sys/devices/virtual/misc/rtc")
	d.SetSubsystem("misc")
	d.Environment["OWNER"] = "alice"
	d.AddTag("seat")
	d.AddDevLink("rtc-default")

	d.ApplyUEventProps(map[string]string{
		"ACTION":    "change",
		"DEVPATH":   "/devices/virtual/misc/rtc",
		"SUBSYSTEM": "misc",
		"DEVNAME":   "rtc0",
	})

	if d.DevNode != "rtc0" {
		t.Errorf("DevNode = %q, want rtc0", d.DevNode)
	}
	if d.Environment["OWNER"] != "alice" {
		t.Error("expected persisted Environment to survive ApplyUEventProps")
	}
	if !d.HasTag("seat") {
		t.Error("expected persisted Tags to survive ApplyUEventProps")
	}
	if _, ok := d.DevLinks["rtc-default"]; !ok {
		t.Error("expected persisted DevLinks to survive ApplyUEventProps")
	}
	if _, ok := d.Properties["ACTION"]; ok {
		t.Error("ACTION should be stripped from Properties")
	}
}

func TestApplyUEventPropsClearsStaleKernelFields(t *testing.T) {
	d := New("/sys/devices/virtual/net/eth0")
	d.SetSubsystem("net")
	ifidx := 3
	d.IfIndex = &ifidx
	d.DevNodeMode = 0644

	// A later uevent for the same device with no IFINDEX/DEVMODE must
	// clear the stale values rather than leave them stuck.
	d.ApplyUEventProps(map[string]string{
		"DEVPATH":   "/devices/virtual/net/eth0",
		"SUBSYSTEM": "net",
	})

	if d.IfIndex != nil {
		t.Errorf("IfIndex = %v, want nil after a uevent with no IFINDEX", d.IfIndex)
	}
	if d.DevNodeMode != 0 {
		t.Errorf("DevNodeMode = %o, want 0 after a uevent with no DEVMODE", d.DevNodeMode)
	}
}

func TestBloomMembership(t *testing.T) {
	tags := map[string]struct{}{"seat": {}, "uaccess": {}}
	bloom := TagBloom(tags)

	if !BloomMayContain(bloom, "seat") {
		t.Error("expected seat to test as a possible member")
	}
	if !BloomMayContain(bloom, "uaccess") {
		t.Error("expected uaccess to test as a possible member")
	}
}
