// Package shm stands in for the out-of-scope shared-memory
// transport (spec §1: "the shared-memory buffer pool and
// ring-buffer transport (shm_du_map, shm_ap_rbuff)... only their
// consumed contracts are specified here"). fmgr and the IRMd only
// ever interact with the narrow RingBuffer contract below; this
// package's channel-based implementation is a single-process
// stand-in for the real cross-process shared-memory queue.
package shm

import (
	"context"
	"sync"

	"ouroboros.dev/ouroboros/internal/errors"
)

// RingBuffer is the per-port SDU queue an application and its
// owning IPCP exchange buffers over (spec §2 "Data flow on the
// datapath"). Only the owner (the side that created the flow
// endpoint) allocates/frees buffers; the other side borrows pointers
// valid until the flow is torn down (spec §5 "Shared resources").
type RingBuffer interface {
	// WriteSDU enqueues an SDU. It returns an error if the buffer has
	// been closed (flow torn down) or is full.
	WriteSDU(sdu []byte) error
	// ReadSDU blocks until an SDU is available, ctx is cancelled, or
	// the ring buffer is closed.
	ReadSDU(ctx context.Context) ([]byte, error)
	// Close tears down the ring buffer; pending readers observe an
	// error rather than blocking forever, matching the reaper's
	// requirement to close the peer ring buffer on dealloc (§4.5).
	Close()
}

// chanRingBuffer is an in-process RingBuffer backed by a bounded
// channel. depth bounds how many in-flight SDUs are queued; WriteSDU
// on a full buffer returns a KindResource error instead of blocking.
type chanRingBuffer struct {
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

// NewRingBuffer creates a RingBuffer with the given queue depth.
func NewRingBuffer(depth int) RingBuffer {
	if depth <= 0 {
		depth = 1
	}
	return &chanRingBuffer{ch: make(chan []byte, depth)}
}

func (r *chanRingBuffer) WriteSDU(sdu []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New(errors.KindState, "shm: ring buffer closed")
	}
	r.mu.Unlock()

	select {
	case r.ch <- sdu:
		return nil
	default:
		return errors.New(errors.KindResource, "shm: ring buffer full")
	}
}

func (r *chanRingBuffer) ReadSDU(ctx context.Context) ([]byte, error) {
	select {
	case sdu, ok := <-r.ch:
		if !ok {
			return nil, errors.New(errors.KindState, "shm: ring buffer closed")
		}
		return sdu, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *chanRingBuffer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}
