package lifecycle

import (
	"context"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
)

// LeaseListener is notified after a lease change has been committed.
// Implementations must not call back into the Manager for the same owner.
type LeaseListener interface {
	LeaseChanged(ctx context.Context, lease storage.Lease)
}

// ListenerFunc adapts a function to LeaseListener.
type ListenerFunc func(ctx context.Context, lease storage.Lease)

// LeaseChanged calls f.
func (f ListenerFunc) LeaseChanged(ctx context.Context, lease storage.Lease) {
	f(ctx, lease)
}

// AddListener registers l for all subsequent lease changes.
func (m *Manager) AddListener(l LeaseListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify(ctx context.Context, lease storage.Lease) {
	m.listenersMu.RLock()
	listeners := m.listeners
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l.LeaseChanged(ctx, lease)
	}
}
