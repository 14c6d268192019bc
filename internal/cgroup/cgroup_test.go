package cgroup

import (
	"testing"

	"cdev/pkg/device"
)

type recordingManager struct {
	allowed []string
	denied  []string
}

func (m *recordingManager) Allow(containerName string, dev *device.Device) error {
	m.allowed = append(m.allowed, containerName+":"+dev.DevNum.String())
	return nil
}

func (m *recordingManager) Deny(containerName string, dev *device.Device) error {
	m.denied = append(m.denied, containerName+":"+dev.DevNum.String())
	return nil
}

func TestRegistryGetMiss(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("docker"); ok {
		t.Error("expected miss on empty registry")
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	rm := &recordingManager{}
	r.Register("docker", rm)

	got, ok := r.Get("docker")
	if !ok {
		t.Fatal("expected to find registered manager")
	}

	dev := device.New("/sys/devices/virtual/misc/rtc")
	dev.SetSubsystem("misc")
	dev.SetDevNum(device.Num{Major: 10, Minor: 135})

	if err := got.Allow("web", dev); err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if len(rm.allowed) != 1 || rm.allowed[0] != "web:10:135" {
		t.Errorf("allowed = %v", rm.allowed)
	}
}
