package nameregistry

import (
	"testing"
	"time"
)

func TestBindTransitionsToIdle(t *testing.T) {
	r := New(time.Second)
	if err := r.Bind("rina.apps.echo", "/bin/echo-server", false, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	e := r.entry("rina.apps.echo")
	if got := e.State(); got != StateIdle {
		t.Fatalf("expected IDLE after plain bind, got %v", got)
	}
}

func TestBindAutoTransitionsToAutoAccept(t *testing.T) {
	r := New(time.Second)
	if err := r.Bind("rina.apps.echo", "/bin/echo-server", true, []string{"/bin/echo-server"}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	e := r.entry("rina.apps.echo")
	if got := e.State(); got != StateAutoAccept {
		t.Fatalf("expected AUTO_ACCEPT after auto bind, got %v", got)
	}
}

func TestUnbindLastInstanceReturnsToNull(t *testing.T) {
	r := New(time.Second)
	r.Bind("rina.apps.echo", "/bin/echo-server", false, nil)
	if err := r.Unbind("rina.apps.echo", "/bin/echo-server"); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	e := r.entry("rina.apps.echo")
	if got := e.State(); got != StateNull {
		t.Fatalf("expected NULL after unbinding only ap_name, got %v", got)
	}
}

func TestFlowAcceptWithoutBindIsNotBound(t *testing.T) {
	r := New(time.Second)
	if _, err := r.FlowAccept("rina.apps.nothing", 123); err == nil {
		t.Fatal("expected error accepting on an unbound name")
	}
}

func TestFlowReqArrWakesExactlyOneSleepingInstance(t *testing.T) {
	r := New(time.Second)
	r.Bind("rina.apps.echo", "/bin/echo-server", false, nil)

	type result struct {
		ae  string
		err error
	}
	results := make(chan result, 2)
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func(pid int) {
			started <- struct{}{}
			ae, err := r.FlowAccept("rina.apps.echo", pid)
			results <- result{ae, err}
		}(1000 + i)
	}
	<-started
	<-started
	time.Sleep(20 * time.Millisecond)

	winner, err := r.FlowReqArr("rina.apps.echo", "dst-ae")
	if err != nil {
		t.Fatalf("FlowReqArr: %v", err)
	}
	if winner != 1000 && winner != 1001 {
		t.Fatalf("expected winner pid to be one of the two instances, got %d", winner)
	}

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("expected winning FlowAccept to succeed: %v", res.err)
		}
		if res.ae != "dst-ae" {
			t.Fatalf("expected AE name %q, got %q", "dst-ae", res.ae)
		}
	case <-time.After(time.Second):
		t.Fatal("no FlowAccept returned after FlowReqArr")
	}

	select {
	case res := <-results:
		t.Fatalf("expected only one winner, got a second return: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFlowReqArrWithoutListenerIsNotBound(t *testing.T) {
	r := New(time.Second)
	r.Bind("rina.apps.echo", "/bin/echo-server", false, nil)
	if _, err := r.FlowReqArr("rina.apps.echo", "dst-ae"); err == nil {
		t.Fatal("expected error delivering a flow with no sleeping listener")
	}
}

func TestFlowReqArrAutoExecSpawnsAndWaits(t *testing.T) {
	r := New(2 * time.Second)
	spawned := make(chan struct{}, 1)
	r.Exec = func(path string, argv []string) (int, error) {
		go func() {
			spawned <- struct{}{}
			// Simulate the spawned process reaching accept() shortly after exec.
			time.Sleep(10 * time.Millisecond)
			r.FlowAccept("rina.apps.echo", 4242)
		}()
		return 4242, nil
	}
	r.Bind("rina.apps.echo", "/bin/echo-server", true, []string{"/bin/echo-server"})

	done := make(chan error, 1)
	go func() { _, err := r.FlowReqArr("rina.apps.echo", "dst-ae"); done <- err }()

	<-spawned
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("FlowReqArr: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("FlowReqArr never completed after auto-exec")
	}
}

func TestFlowReqArrAutoExecTimesOutIfNeverAccepts(t *testing.T) {
	r := New(20 * time.Millisecond)
	r.Exec = func(path string, argv []string) (int, error) {
		return 9999, nil // never calls FlowAccept
	}
	r.Bind("rina.apps.echo", "/bin/echo-server", true, []string{"/bin/echo-server"})

	_, err := r.FlowReqArr("rina.apps.echo", "dst-ae")
	if err == nil {
		t.Fatal("expected timeout error when auto-exec never reaches accept")
	}
}
