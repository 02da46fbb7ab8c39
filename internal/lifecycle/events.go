package lifecycle

import (
	"context"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/google/uuid"
)

// RecordEvent appends an audit event for owner. Failures are logged only.
func (m *Manager) RecordEvent(ctx context.Context, owner string, eventType storage.EventType, details map[string]string) {
	event := storage.Event{
		ID:        uuid.NewString(),
		Owner:     owner,
		Type:      eventType,
		Timestamp: m.clock.Now().UTC(),
		Details:   details,
	}

	if err := m.events.Add(ctx, event); err != nil {
		m.logger.Error().
			Err(err).
			Str("owner", owner).
			Str("event", string(eventType)).
			Msg("Failed to record event")
	}
}

// Events returns the owner's audit trail, newest first.
func (m *Manager) Events(ctx context.Context, owner string, limit int) ([]storage.Event, error) {
	return m.events.List(ctx, owner, limit)
}
