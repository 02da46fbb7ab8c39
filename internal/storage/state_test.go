package storage

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to LeaseState
		want     bool
	}{
		{StatePending, StateActive, true},
		{StatePending, StateFailed, true},
		{StatePending, StateRevoked, false},
		{StateActive, StateExpiring, true},
		{StateActive, StateRevoked, true},
		{StateActive, StateExpired, false},
		{StateExpiring, StateExpired, true},
		{StateExpiring, StateRevoked, true},
		{StateExpiring, StateActive, false},
		{StateRevoked, StateActive, false},
		{StateExpired, StateRevoked, false},
		{StateFailed, StateActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestApplyTransition(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	lease := &Lease{ID: "l1", State: StateActive}

	if err := ApplyTransition(lease, StateExpired, at); err == nil {
		t.Fatal("Expected error for active -> expired")
	} else {
		var invalid *InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Fatalf("Expected InvalidTransitionError, got %T", err)
		}
	}
	if lease.State != StateActive {
		t.Errorf("Expected state unchanged, got %s", lease.State)
	}

	if err := ApplyTransition(lease, StateRevoked, at); err != nil {
		t.Fatalf("ApplyTransition failed: %v", err)
	}
	if lease.EndedAt == nil || !lease.EndedAt.Equal(at) {
		t.Errorf("Expected ended_at %v, got %v", at, lease.EndedAt)
	}
}

func TestValidatePut(t *testing.T) {
	expiry := time.Date(2025, 3, 10, 12, 30, 0, 0, time.UTC)
	incoming := Lease{ID: "b", Owner: "u1", State: StateActive, ExpiresAt: expiry}

	if err := ValidatePut(incoming, nil, &Lease{ID: "a", State: StateActive}); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}
	if err := ValidatePut(incoming, nil, &Lease{ID: "b", State: StateActive}); err != nil {
		t.Errorf("Expected same lease to pass, got %v", err)
	}

	stored := &Lease{ID: "b", State: StateActive, ExpiresAt: expiry.Add(time.Minute)}
	if err := ValidatePut(incoming, stored, nil); !errors.Is(err, ErrImmutableExpiry) {
		t.Errorf("Expected ErrImmutableExpiry, got %v", err)
	}

	stored.State = StatePending
	if err := ValidatePut(incoming, stored, nil); err != nil {
		t.Errorf("Expected pending lease expiry to be mutable, got %v", err)
	}
}

func TestValidatePutRejectsTerminalRewrite(t *testing.T) {
	expiry := time.Date(2025, 3, 10, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		stored   LeaseState
		incoming LeaseState
		wantErr  bool
	}{
		{"active re-put", StateActive, StateActive, false},
		{"active to expiring", StateActive, StateExpiring, false},
		{"active to revoked", StateActive, StateRevoked, false},
		{"revoked to active", StateRevoked, StateActive, true},
		{"expired to expiring", StateExpired, StateExpiring, true},
		{"failed to active", StateFailed, StateActive, true},
		{"revoked to revoked", StateRevoked, StateRevoked, true},
		{"expiring to active", StateExpiring, StateActive, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored := &Lease{ID: "a", State: tt.stored, ExpiresAt: expiry}
			incoming := Lease{ID: "a", State: tt.incoming, ExpiresAt: expiry}

			err := ValidatePut(incoming, stored, nil)
			var invalid *InvalidTransitionError
			if tt.wantErr {
				if !errors.As(err, &invalid) {
					t.Fatalf("Expected InvalidTransitionError, got %v", err)
				}
				if invalid.From != tt.stored || invalid.To != tt.incoming {
					t.Errorf("Expected %s -> %s, got %s -> %s", tt.stored, tt.incoming, invalid.From, invalid.To)
				}
				return
			}
			if err != nil {
				t.Errorf("Expected put to pass, got %v", err)
			}
		})
	}
}

func TestLeaseStateUnmarshal(t *testing.T) {
	var s LeaseState
	if err := json.Unmarshal([]byte(`"ACTIVE"`), &s); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if s != StateActive {
		t.Errorf("Expected active, got %s", s)
	}
	if err := json.Unmarshal([]byte(`"dormant"`), &s); err == nil {
		t.Error("Expected error for unknown state")
	}
}

func TestScheduleRunsOn(t *testing.T) {
	weekly := Schedule{Weekdays: []time.Weekday{time.Monday, time.Friday}}
	if !weekly.RunsOn(time.Friday) || weekly.RunsOn(time.Sunday) {
		t.Error("Expected weekly schedule to run only on listed days")
	}

	oneShot := Schedule{}
	if !oneShot.OneShot() || !oneShot.RunsOn(time.Sunday) {
		t.Error("Expected one-shot schedule to run on any day")
	}
}
