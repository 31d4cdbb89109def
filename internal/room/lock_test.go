package room

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		u, err := k.Lock(ctx, "a")
		if err == nil {
			acquired.Store(true)
			u()
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if acquired.Load() {
		t.Fatal("second holder acquired a held key")
	}
	unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the key")
	}
	if !acquired.Load() {
		t.Error("waiter failed to acquire")
	}
	if k.size() != 0 {
		t.Errorf("expected no entries left, got %d", k.size())
	}
}

func TestKeyedMutexDifferentKeysIndependent(t *testing.T) {
	k := newKeyedMutex()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ua, err := k.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer ua()
	ub, err := k.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("lock b while a held: %v", err)
	}
	ub()
}

func TestKeyedMutexContextCancel(t *testing.T) {
	k := newKeyedMutex()
	unlock, _ := k.Lock(context.Background(), "a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	unlock()
	if k.size() != 0 {
		t.Errorf("expected no entries left, got %d", k.size())
	}
}

func TestKeyedMutexDoubleUnlock(t *testing.T) {
	k := newKeyedMutex()
	unlock, _ := k.Lock(context.Background(), "a")
	unlock()
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u, err := k.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("relock after double unlock: %v", err)
	}
	u()
}
