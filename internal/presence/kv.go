package presence

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by KV.Get when the key is absent.
var ErrNotFound = errors.New("presence: key not found")

// KV is the key-value capability the presence layer needs. Every call is an
// independent round trip; no multi-key atomicity is assumed.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Scan returns every key starting with prefix, in no particular order.
	Scan(ctx context.Context, prefix string) ([]string, error)
	// MultiGet returns one entry per key; absent keys yield nil.
	MultiGet(ctx context.Context, keys ...string) ([][]byte, error)
}

// Op names a KV operation for fault injection.
type Op string

const (
	OpGet      Op = "get"
	OpSet      Op = "set"
	OpDelete   Op = "delete"
	OpScan     Op = "scan"
	OpMultiGet Op = "multiget"
)

// MemoryKV is an in-process KV used when no Redis is configured and in tests.
type MemoryKV struct {
	mu      sync.RWMutex
	data    map[string][]byte
	latency time.Duration
	fault   func(op Op, key string) error
}

// MemoryOption configures a MemoryKV.
type MemoryOption func(*MemoryKV)

// WithLatency delays every call by d, honoring context cancellation.
func WithLatency(d time.Duration) MemoryOption {
	return func(m *MemoryKV) {
		m.latency = d
	}
}

// WithFault installs a hook consulted before every call. A non-nil error
// fails the call without touching the data.
func WithFault(fn func(op Op, key string) error) MemoryOption {
	return func(m *MemoryKV) {
		m.fault = fn
	}
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV(opts ...MemoryOption) *MemoryKV {
	m := &MemoryKV{data: make(map[string][]byte)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryKV) before(ctx context.Context, op Op, key string) error {
	if m.latency > 0 {
		t := time.NewTimer(m.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.fault != nil {
		return m.fault(op, key)
	}
	return nil
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.before(ctx, OpGet, key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, value []byte) error {
	if err := m.before(ctx, OpSet, key); err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = slices.Clone(value)
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	if err := m.before(ctx, OpDelete, key); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Scan(ctx context.Context, prefix string) ([]string, error) {
	if err := m.before(ctx, OpScan, prefix); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemoryKV) MultiGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if err := m.before(ctx, OpMultiGet, strings.Join(keys, ",")); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := m.data[k]; ok {
			out[i] = slices.Clone(v)
		}
	}
	return out, nil
}

// Len returns the number of stored keys.
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
