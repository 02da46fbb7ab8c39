package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LeaseState is the lifecycle position of a lease.
type LeaseState string

const (
	StatePending  LeaseState = "pending"
	StateActive   LeaseState = "active"
	StateExpiring LeaseState = "expiring"
	StateExpired  LeaseState = "expired"
	StateRevoked  LeaseState = "revoked"
	StateFailed   LeaseState = "failed"
)

// UnmarshalJSON implements json.Unmarshaler to normalize state to lowercase.
func (s *LeaseState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	parsed, err := ParseLeaseState(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseLeaseState validates a textual lease state.
func ParseLeaseState(raw string) (LeaseState, error) {
	state := LeaseState(strings.ToLower(strings.TrimSpace(raw)))
	switch state {
	case StatePending, StateActive, StateExpiring, StateExpired, StateRevoked, StateFailed:
		return state, nil
	default:
		return "", fmt.Errorf("invalid lease state: %q", raw)
	}
}

// Live reports whether the state counts against the one-lease-per-owner rule.
func (s LeaseState) Live() bool {
	return s == StateActive || s == StateExpiring
}

// Terminal reports whether no further transitions are possible.
func (s LeaseState) Terminal() bool {
	return s == StateExpired || s == StateRevoked || s == StateFailed
}

// Lease is a time-bounded WireGuard peer configuration issued to one owner.
type Lease struct {
	ID           string     `json:"id"`
	Owner        string     `json:"owner"`
	Region       string     `json:"region"`
	PeerMaterial string     `json:"peer_config,omitempty"`
	State        LeaseState `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// Remaining returns the time left before expiry, never negative.
func (l *Lease) Remaining(now time.Time) time.Duration {
	d := l.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Redacted returns a copy without peer material.
func (l Lease) Redacted() Lease {
	l.PeerMaterial = ""
	return l
}

// Edge identifies the boundary of a schedule window.
type Edge string

const (
	EdgeStart Edge = "start"
	EdgeEnd   Edge = "end"
)

// Firing records the last schedule edge acted on.
type Firing struct {
	Date string `json:"date"` // YYYY-MM-DD of the occurrence's start day
	Edge Edge   `json:"edge"`
}

// IsZero reports whether nothing has fired yet.
func (f Firing) IsZero() bool {
	return f.Date == "" && f.Edge == ""
}

// Schedule is a recurring connection window for an owner.
type Schedule struct {
	ID        string         `json:"id"`
	Owner     string         `json:"owner"`
	Region    string         `json:"country_code"`
	Start     string         `json:"start_time"` // HH:MM
	End       string         `json:"end_time"`   // HH:MM
	Weekdays  []time.Weekday `json:"days_of_week"`
	Active    bool           `json:"is_active"`
	LastFired Firing         `json:"last_fired"`
	LastError string         `json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// OneShot reports whether the schedule runs once instead of weekly.
func (s *Schedule) OneShot() bool {
	return len(s.Weekdays) == 0
}

// RunsOn reports whether an occurrence may start on the given weekday.
func (s *Schedule) RunsOn(day time.Weekday) bool {
	if s.OneShot() {
		return true
	}
	for _, d := range s.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// LoadedLatency holds latency measured under load, in milliseconds.
type LoadedLatency struct {
	Download float64 `json:"download"`
	Upload   float64 `json:"upload"`
}

// MetricSample is one speed/latency measurement taken over a lease.
type MetricSample struct {
	LeaseID       string          `json:"lease_id"`
	Timestamp     time.Time       `json:"timestamp"`
	DownloadBps   float64         `json:"download_bps"`
	UploadBps     float64         `json:"upload_bps"`
	LatencyMS     float64         `json:"latency_ms"`
	PacketLossPct float64         `json:"packet_loss_pct"`
	LoadedLatency *LoadedLatency  `json:"loaded_latency,omitempty"`
	Scores        json.RawMessage `json:"scores,omitempty"`
}

// EventType classifies audit events.
type EventType string

const (
	EventConnected       EventType = "vpn_connected"
	EventDisconnected    EventType = "vpn_disconnected"
	EventExpired         EventType = "lease_expired"
	EventScheduleCreated EventType = "schedule_created"
	EventScheduleDeleted EventType = "schedule_deleted"
	EventScheduleFailed  EventType = "schedule_failed"
)

// Event is an append-only audit record for an owner.
type Event struct {
	ID        string            `json:"id"`
	Owner     string            `json:"owner"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}
