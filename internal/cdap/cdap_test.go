package cdap

import (
	"testing"
	"time"
)

func TestRespondResolvesWaiter(t *testing.T) {
	tbl := New()
	req := tbl.NewRequest("mgmt-1", OpRead, "/dif/neighbors", time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := req.Wait(tbl)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := tbl.Respond("mgmt-1", req.InvokeID, Result{Code: 0, Payload: []byte("ok")}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected Wait to succeed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Respond")
	}
	if tbl.Len() != 0 {
		t.Fatal("expected request removed from table after Wait")
	}
}

func TestWaitTimesOutPastDeadline(t *testing.T) {
	tbl := New()
	req := tbl.NewRequest("mgmt-1", OpWrite, "/dif/rib/x", 20*time.Millisecond)

	_, err := req.Wait(tbl)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestRespondOnlyOnce(t *testing.T) {
	tbl := New()
	req := tbl.NewRequest("mgmt-1", OpCreate, "/dif/x", time.Second)
	if err := tbl.Respond("mgmt-1", req.InvokeID, Result{Code: 0}); err != nil {
		t.Fatalf("first Respond: %v", err)
	}
	if err := tbl.Respond("mgmt-1", req.InvokeID, Result{Code: 1}); err == nil {
		t.Fatal("expected second Respond to fail")
	}
}

func TestRespondWrongInstanceFails(t *testing.T) {
	tbl := New()
	req := tbl.NewRequest("mgmt-1", OpCreate, "/dif/x", time.Second)
	if err := tbl.Respond("mgmt-2", req.InvokeID, Result{Code: 0}); err == nil {
		t.Fatal("expected error responding from the wrong instance")
	}
}

func TestDestroyWakesWaiterWithFailure(t *testing.T) {
	tbl := New()
	req := tbl.NewRequest("mgmt-1", OpDelete, "/dif/x", time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := req.Wait(tbl)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	tbl.Destroy(req.InvokeID)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected destroyed request to surface an error to its waiter")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Destroy")
	}
}

func TestDestroyAllTargetsOnlyMatchingInstance(t *testing.T) {
	tbl := New()
	a := tbl.NewRequest("mgmt-1", OpRead, "/a", time.Second)
	b := tbl.NewRequest("mgmt-2", OpRead, "/b", time.Second)

	tbl.DestroyAll("mgmt-1")

	if a.State() != StateDone {
		t.Fatalf("expected mgmt-1's request destroyed, got %v", a.State())
	}
	if b.State() != StatePending {
		t.Fatalf("expected mgmt-2's request untouched, got %v", b.State())
	}
}

func TestDestroyIsSafeWhenAlreadyResolved(t *testing.T) {
	tbl := New()
	req := tbl.NewRequest("mgmt-1", OpStart, "/x", time.Second)
	tbl.Respond("mgmt-1", req.InvokeID, Result{Code: 0})
	tbl.Destroy(req.InvokeID) // no-op, request already removed by Respond's caller via Wait normally
}
