package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// parseLease converts a Redis hash to Lease
func parseLease(data map[string]string) (*storage.Lease, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	state, err := storage.ParseLeaseState(data["state"])
	if err != nil {
		return nil, err
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, data["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse expires_at: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	lease := &storage.Lease{
		ID:           data["id"],
		Owner:        data["owner"],
		Region:       data["region"],
		PeerMaterial: data["peer_material"],
		State:        state,
		CreatedAt:    createdAt,
		ExpiresAt:    expiresAt,
		UpdatedAt:    updatedAt,
	}

	if raw := data["ended_at"]; raw != "" {
		endedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ended_at: %w", err)
		}
		lease.EndedAt = &endedAt
	}

	return lease, nil
}

// formatWeekdays encodes a weekday set as "1,2,3"
func formatWeekdays(days []time.Weekday) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(int(d))
	}
	return strings.Join(parts, ",")
}

func parseWeekdays(raw string) ([]time.Weekday, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	days := make([]time.Weekday, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid weekday %q", p)
		}
		days = append(days, time.Weekday(n))
	}
	return days, nil
}

// parseSchedule converts a Redis hash to Schedule
func parseSchedule(data map[string]string) (*storage.Schedule, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	weekdays, err := parseWeekdays(data["weekdays"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse weekdays: %w", err)
	}

	active, err := strconv.ParseBool(data["active"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse active: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &storage.Schedule{
		ID:       data["id"],
		Owner:    data["owner"],
		Region:   data["region"],
		Start:    data["start"],
		End:      data["end"],
		Weekdays: weekdays,
		Active:   active,
		LastFired: storage.Firing{
			Date: data["last_fired_date"],
			Edge: storage.Edge(data["last_fired_edge"]),
		},
		LastError: data["last_error"],
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}
