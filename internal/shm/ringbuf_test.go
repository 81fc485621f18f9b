package shm

import (
	"context"
	"testing"
	"time"
)

func TestRingBufferWriteRead(t *testing.T) {
	rb := NewRingBuffer(4)
	payload := []byte{1, 2, 3}
	if err := rb.WriteSDU(payload); err != nil {
		t.Fatalf("WriteSDU: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := rb.ReadSDU(ctx)
	if err != nil {
		t.Fatalf("ReadSDU: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %v want %v", got, payload)
	}
}

func TestRingBufferFIFOOrder(t *testing.T) {
	rb := NewRingBuffer(8)
	for i := 0; i < 5; i++ {
		if err := rb.WriteSDU([]byte{byte(i)}); err != nil {
			t.Fatalf("WriteSDU %d: %v", i, err)
		}
	}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		got, err := rb.ReadSDU(ctx)
		if err != nil {
			t.Fatalf("ReadSDU %d: %v", i, err)
		}
		if got[0] != byte(i) {
			t.Fatalf("out of order: got %d want %d", got[0], i)
		}
	}
}

func TestRingBufferFullReturnsResourceError(t *testing.T) {
	rb := NewRingBuffer(1)
	if err := rb.WriteSDU([]byte{1}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := rb.WriteSDU([]byte{2}); err == nil {
		t.Fatal("expected error writing to a full ring buffer")
	}
}

func TestRingBufferCloseUnblocksReader(t *testing.T) {
	rb := NewRingBuffer(1)
	errCh := make(chan error, 1)
	go func() {
		_, err := rb.ReadSDU(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	rb.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error after close")
		}
	case <-time.After(time.Second):
		t.Fatal("ReadSDU did not unblock on Close")
	}
}

func TestRingBufferWriteAfterCloseErrors(t *testing.T) {
	rb := NewRingBuffer(1)
	rb.Close()
	if err := rb.WriteSDU([]byte{1}); err == nil {
		t.Fatal("expected error writing to a closed ring buffer")
	}
}

func TestRingBufferContextCancelUnblocksReader(t *testing.T) {
	rb := NewRingBuffer(1)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := rb.ReadSDU(ctx)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(time.Second):
		t.Fatal("ReadSDU did not unblock on context cancel")
	}
}
