package presence

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryKVFaultLeavesDataUntouched(t *testing.T) {
	boom := errors.New("down")
	kv := NewMemoryKV(WithFault(func(op Op, key string) error {
		if op == OpSet {
			return boom
		}
		return nil
	}))

	if err := kv.Set(context.Background(), "k", []byte("v")); !errors.Is(err, boom) {
		t.Fatalf("expected fault, got %v", err)
	}
	if kv.Len() != 0 {
		t.Errorf("expected no data after failed set, got %d keys", kv.Len())
	}
}

func TestMemoryKVLatencyHonorsContext(t *testing.T) {
	kv := NewMemoryKV(WithLatency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := kv.Get(ctx, "k")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("latency was not interrupted by context")
	}
}

func TestMemoryKVReturnsCopies(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	kv.Set(ctx, "k", []byte("abc"))

	v, _ := kv.Get(ctx, "k")
	v[0] = 'x'

	again, _ := kv.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("store was mutated: %q", again)
	}
}
