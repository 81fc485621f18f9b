package irmd

import (
	"testing"
	"time"

	"ouroboros.dev/ouroboros/internal/portmap"
)

func TestReaperReclaimsStalePendingEntry(t *testing.T) {
	d := New(Config{RunDir: t.TempDir(), FlowTimeout: 20 * time.Millisecond}, nil)
	d.Start()
	defer d.Stop()

	entry, err := d.Ports.Allocate(1, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for entry.State() != portmap.StateNull {
		if time.Now().After(deadline) {
			t.Fatal("reaper never reclaimed the stale pending entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := d.Ports.Lookup(entry.PortID); ok {
		t.Fatal("expected port-id released after reclaim")
	}
}

func TestReaperTearsDownFlowWithDeadOwner(t *testing.T) {
	d := New(Config{RunDir: t.TempDir(), FlowTimeout: 2 * time.Second}, nil)
	d.reaper.probe = func(pid int) bool { return pid != 999 } // 999 never answers the kill probe
	d.Start()
	defer d.Stop()

	entry, err := d.Ports.Allocate(999, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := d.Ports.Transition(entry.PortID, portmap.StateAllocated); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := d.Ports.Lookup(entry.PortID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reaper never reclaimed the flow with a dead n_api owner")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReaperLeavesHealthyFlowsAlone(t *testing.T) {
	d := New(Config{RunDir: t.TempDir(), FlowTimeout: 2 * time.Second}, nil)
	d.reaper.probe = func(pid int) bool { return true }
	d.Start()
	defer d.Stop()

	entry, err := d.Ports.Allocate(1234, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := d.Ports.Transition(entry.PortID, portmap.StateAllocated); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if _, ok := d.Ports.Lookup(entry.PortID); !ok {
		t.Fatal("reaper should not have touched a healthy allocated flow")
	}
}

func TestReaperPrunesDeadRegistryInstance(t *testing.T) {
	d := New(Config{RunDir: t.TempDir(), FlowTimeout: 2 * time.Second}, nil)
	d.reaper.probe = func(pid int) bool { return pid != 555 }
	d.Start()
	defer d.Stop()

	d.Names.Bind("rina.apps.echo", "/bin/echo-server", false, nil)
	done := make(chan error, 1)
	go func() { _, err := d.Names.FlowAccept("rina.apps.echo", 555); done <- err }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected the instance to be destroyed by the reaper, not to receive a flow")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reaper never pruned the dead instance")
	}
}
