package hvlock

import (
	"context"
	"testing"
	"time"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	l := New()

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	l.Release()
}

func TestTryAcquireFailsWhileHeld(t *testing.T) {
	l := New()

	if !l.TryAcquire() {
		t.Fatal("TryAcquire on a fresh lock failed")
	}
	if l.TryAcquire() {
		t.Error("TryAcquire succeeded while the lock was already held")
	}
	l.Release()

	if !l.TryAcquire() {
		t.Error("TryAcquire failed after Release")
	}
	l.Release()
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	l := New()
	if !l.TryAcquire() {
		t.Fatal("initial TryAcquire failed")
	}

	done := make(chan struct{})
	go func() {
		if err := l.Acquire(context.Background()); err != nil {
			t.Error(err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Acquire returned before the holder released")
	case <-time.After(20 * time.Millisecond):
	}

	l.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	l := New()
	if !l.TryAcquire() {
		t.Fatal("initial TryAcquire failed")
	}
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := l.Acquire(ctx); err == nil {
		t.Error("Acquire on an already-held lock with an expiring context did not return an error")
	}
}
