package device

import (
	"os"
	"path/filepath"
	"testing"
)

func stubLoader(calls *int) Loader {
	return func(syspath string) (*Device, error) {
		*calls++
		d := New(syspath)
		d.SetSubsystem("misc")
		return d, nil
	}
}

func TestLookupOrCreateIdentity(t *testing.T) {
	var calls int
	reg := NewRegistry(Config{Loader: stubLoader(&calls)})

	d1, err := reg.LookupOrCreate("/sys/devices/virtual/misc/rtc")
	if err != nil {
		t.Fatalf("LookupOrCreate failed: %v", err)
	}
	d2, err := reg.LookupOrCreate("/sys/devices/virtual/misc/rtc")
	if err != nil {
		t.Fatalf("LookupOrCreate failed: %v", err)
	}

	if d1 != d2 {
		t.Error("LookupOrCreate returned distinct Device pointers for the same syspath")
	}
	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}
}

func TestLookupMiss(t *testing.T) {
	reg := NewRegistry(Config{Loader: stubLoader(new(int))})
	if _, ok := reg.Lookup("/sys/devices/virtual/misc/rtc"); ok {
		t.Error("Lookup found a device that was never created")
	}
}

func TestInvalidateRemovesFromTable(t *testing.T) {
	reg := NewRegistry(Config{Loader: stubLoader(new(int))})
	if _, err := reg.LookupOrCreate("/sys/devices/virtual/misc/rtc"); err != nil {
		t.Fatal(err)
	}
	reg.Invalidate("/sys/devices/virtual/misc/rtc")
	if _, ok := reg.Lookup("/sys/devices/virtual/misc/rtc"); ok {
		t.Error("device still present after Invalidate")
	}
}

func TestFlushAndReadBack(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(Config{Loader: stubLoader(new(int)), DBDir: dir})

	d, err := reg.LookupOrCreate("/sys/devices/virtual/misc/rtc")
	if err != nil {
		t.Fatal(err)
	}
	d.Environment["SEAT"] = "seat0"
	d.AddTag("uaccess")
	d.AddDevLink("input/by-id/rtc")

	if err := reg.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, d.IDFilename()))
	if err != nil {
		t.Fatalf("reading flushed record: %v", err)
	}
	_, links, env, tags := ReadDBRecord(data)
	if env["SEAT"] != "seat0" {
		t.Errorf("env[SEAT] = %q, want seat0", env["SEAT"])
	}
	if len(tags) != 1 || tags[0] != "uaccess" {
		t.Errorf("tags = %v, want [uaccess]", tags)
	}
	if len(links) != 0 {
		t.Errorf("devlinks = %v, want empty (devnode slot captured the only S: line)", links)
	}
}

func TestInvalidateRemovesDBRecord(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(Config{Loader: stubLoader(new(int)), DBDir: dir})

	d, err := reg.LookupOrCreate("/sys/devices/virtual/misc/rtc")
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Flush(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, d.IDFilename())
	if _, err := os.ReadFile(path); err != nil {
		t.Fatalf("expected db record to exist before invalidate: %v", err)
	}

	reg.Invalidate("/sys/devices/virtual/misc/rtc")
	if _, err := os.ReadFile(path); err == nil {
		t.Error("expected db record to be removed after invalidate")
	}
}

func TestSyncBufferRoundTrip(t *testing.T) {
	reg := NewRegistry(Config{Loader: stubLoader(new(int))})
	d, err := reg.LookupOrCreate("/sys/devices/virtual/misc/rtc")
	if err != nil {
		t.Fatal(err)
	}
	d.Environment["SEAT"] = "seat0"
	d.AddTag("uaccess")

	buf := d.Serialize("EG")

	target := New("/sys/devices/virtual/misc/rtc")
	target.Deserialize(buf, "EG")

	if target.Environment["SEAT"] != "seat0" {
		t.Errorf("round-tripped SEAT = %q, want seat0", target.Environment["SEAT"])
	}
	if !target.HasTag("uaccess") {
		t.Error("round-tripped device missing uaccess tag")
	}
}

func TestSyncBufferSelectorRestrictsApplication(t *testing.T) {
	reg := NewRegistry(Config{Loader: stubLoader(new(int))})
	d, err := reg.LookupOrCreate("/sys/devices/virtual/misc/rtc")
	if err != nil {
		t.Fatal(err)
	}
	d.Environment["SEAT"] = "seat0"
	d.AddTag("uaccess")

	buf := d.Serialize("EG")

	// Deserializing with a narrower selector than was used to serialize
	// must not introduce the excluded component.
	target := New("/sys/devices/virtual/misc/rtc")
	target.Deserialize(buf, "E")

	if target.HasTag("uaccess") {
		t.Error("tag leaked through despite selector excluding G")
	}
	if target.Environment["SEAT"] != "seat0" {
		t.Error("expected E component to still apply")
	}
}
