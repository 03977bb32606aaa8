package registry

import (
	"sync"

	"github.com/WakuwakuP/roon-librespot-streamer/internal/metrics"
)

// Member is the view of a session the health endpoints need.
type Member interface {
	Receiving() bool
}

// Registry is the process-wide set of active client sessions. Sessions add
// themselves on creation and remove themselves during teardown; the health
// and status endpoints only ever read it.
type Registry struct {
	mu      sync.RWMutex
	members map[string]Member
}

func New() *Registry {
	return &Registry{members: make(map[string]Member)}
}

func (r *Registry) Add(id string, m Member) {
	r.TryAdd(id, m, 0)
}

// TryAdd registers m unless that would push the member count past max.
// max <= 0 means no cap. The check and the insert happen under one lock.
func (r *Registry) TryAdd(id string, m Member, max int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if max > 0 && len(r.members) >= max {
		return false
	}
	r.members[id] = m
	metrics.ActiveClients.Set(float64(len(r.members)))
	metrics.ClientsTotal.Inc()
	return true
}

// Remove is a no-op for ids that are already gone, so a session's
// idempotent teardown can call it unconditionally.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, id)
	metrics.ActiveClients.Set(float64(len(r.members)))
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// ReceivingAudio reports whether any session is currently receiving real
// audio from the source.
func (r *Registry) ReceivingAudio() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		if m.Receiving() {
			return true
		}
	}
	return false
}
