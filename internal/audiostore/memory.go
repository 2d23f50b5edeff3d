package audiostore

import (
	"context"
	"slices"
	"sync"
)

// Compile-time assertion that Memory satisfies the Store interface.
var _ Store = (*Memory)(nil)

// Memory is a thread-safe, in-memory [Store]. Artifacts are partitioned by
// namespace and disappear with the process.
type Memory struct {
	// mu guards slots and keeps them in step with index.
	mu    sync.RWMutex
	index *nsIndex
	slots map[Namespace]map[string]Artifact
}

// NewMemory returns an empty [Memory] store.
func NewMemory() *Memory {
	return &Memory{
		index: newNSIndex(),
		slots: make(map[Namespace]map[string]Artifact),
	}
}

// Reserve implements [Store.Reserve].
func (m *Memory) Reserve(_ context.Context, callID string) (Namespace, error) {
	if callID == "" {
		return "", storageErr("reserve", errEmptyCallID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, created := m.index.reserve(callID)
	if created {
		m.slots[ns] = make(map[string]Artifact)
	}
	return ns, nil
}

// Save implements [Store.Save].
func (m *Memory) Save(_ context.Context, key Key, data []byte, contentType string) (Ref, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.index.lookup(key.CallID)
	if !ok {
		return "", ErrNotReserved
	}
	m.slots[ns][slotFor(key)] = Artifact{Data: slices.Clone(data), ContentType: contentType}
	return NewRef(ns, key), nil
}

// Load implements [Store.Load].
func (m *Memory) Load(_ context.Context, ref Ref) (Artifact, error) {
	ns, name, err := ParseRef(ref)
	if err != nil {
		return Artifact{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.slots[ns][name]
	if !ok {
		return Artifact{}, ErrNotFound
	}
	return Artifact{Data: slices.Clone(a.Data), ContentType: a.ContentType}, nil
}

// Release implements [Store.Release].
func (m *Memory) Release(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.index.remove(callID); ok {
		delete(m.slots, ns)
	}
	return nil
}

// Ping implements [Store.Ping]. A Memory store is always ready.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements [Store.Close]. It drops every artifact.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = newNSIndex()
	clear(m.slots)
	return nil
}
