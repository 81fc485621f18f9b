// Package condutil provides a timed variant of sync.Cond.Wait.
// The standard library's Cond has no deadline-aware wait, and several
// spec-mandated rendezvous points need one: the CDAP request's
// absolute reply deadline (§4.11), the auto-exec wait for a spawned
// application to reach accept() (§4.2), and the RPC per-code receive
// timeouts (§4.3).
package condutil

import (
	"sync"
	"time"
)

// WaitTimeout calls cond.Wait but gives up and returns true (timed
// out) once deadline passes, instead of blocking forever. The
// caller must hold cond.L, exactly as for a plain cond.Wait call.
func WaitTimeout(cond *sync.Cond, deadline time.Time) (timedOut bool) {
	timer := time.AfterFunc(time.Until(deadline), func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
	return !time.Now().Before(deadline)
}
