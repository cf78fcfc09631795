// Package presence tracks which drivers currently hold a live delivery
// channel and are therefore eligible to receive a dispatch.
package presence

import "sync"

// Registry is pure process memory: a restart clears it and drivers are
// expected to reconnect on their own.
type Registry struct {
	mu           sync.RWMutex
	online       map[string]struct{}
	onDisconnect func(driverID string)
}

func NewRegistry() *Registry {
	return &Registry{online: make(map[string]struct{})}
}

// SetDisconnectHook installs the callback fired after a disconnect; the
// notification coordinator uses it to resolve the driver's pending offer
// as a rejection. Must be called before the transport starts.
func (r *Registry) SetDisconnectHook(fn func(driverID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = fn
}

// Connect marks the driver reachable. Idempotent.
func (r *Registry) Connect(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online[driverID] = struct{}{}
}

// Disconnect marks the driver unreachable and fires the hook outside the
// lock so the coordinator can re-enter the registry if it needs to.
func (r *Registry) Disconnect(driverID string) {
	r.mu.Lock()
	_, was := r.online[driverID]
	delete(r.online, driverID)
	hook := r.onDisconnect
	r.mu.Unlock()
	if was && hook != nil {
		hook(driverID)
	}
}

func (r *Registry) IsReachable(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[driverID]
	return ok
}
