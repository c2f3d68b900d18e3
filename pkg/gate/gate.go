// Package gate admits at most one in-flight chat request per principal. The
// permit travels with the streaming response and is released only when the
// stream ends.
package gate

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

type Gate struct {
	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

func New() *Gate {
	return &Gate{slots: map[string]*semaphore.Weighted{}}
}

// TryAcquire attempts a non-blocking acquire of the principal's single slot.
// The slot is created on first sight and retained for the process lifetime.
func (g *Gate) TryAcquire(name string) (*Permit, bool) {
	g.mu.Lock()
	slot := g.slots[name]
	if slot == nil {
		slot = semaphore.NewWeighted(1)
		g.slots[name] = slot
	}
	g.mu.Unlock()

	if !slot.TryAcquire(1) {
		return nil, false
	}
	return &Permit{slot: slot}, true
}

// Permit is the admission slot held by an in-flight request. Release is
// idempotent.
type Permit struct {
	slot *semaphore.Weighted
	once sync.Once
}

func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.slot.Release(1)
	})
}
