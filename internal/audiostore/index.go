package audiostore

import "sync"

// nsIndex maps active calls to their namespaces and back. It is the process
// local bookkeeping shared by the Memory, Disk and NATS backends; SQLite
// keeps it in its namespaces table.
type nsIndex struct {
	mu     sync.RWMutex
	byCall map[string]Namespace
	byNS   map[Namespace]string
}

func newNSIndex() *nsIndex {
	return &nsIndex{
		byCall: make(map[string]Namespace),
		byNS:   make(map[Namespace]string),
	}
}

// reserve returns the namespace of callID, allocating one if needed. created
// is true when a new namespace was allocated.
func (x *nsIndex) reserve(callID string) (ns Namespace, created bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if ns, ok := x.byCall[callID]; ok {
		return ns, false
	}
	ns = newNamespace()
	x.byCall[callID] = ns
	x.byNS[ns] = callID
	return ns, true
}

func (x *nsIndex) lookup(callID string) (Namespace, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ns, ok := x.byCall[callID]
	return ns, ok
}

func (x *nsIndex) active(ns Namespace) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.byNS[ns]
	return ok
}

// remove forgets callID and returns its namespace.
func (x *nsIndex) remove(callID string) (Namespace, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ns, ok := x.byCall[callID]
	if !ok {
		return "", false
	}
	delete(x.byCall, callID)
	delete(x.byNS, ns)
	return ns, true
}

// all returns a snapshot of the active namespaces.
func (x *nsIndex) all() map[string]Namespace {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string]Namespace, len(x.byCall))
	for c, ns := range x.byCall {
		out[c] = ns
	}
	return out
}
