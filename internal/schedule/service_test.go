package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
)

func TestCreateValidation(t *testing.T) {
	_, svc, _, _ := setupEngine(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		region   string
		start    string
		end      string
		weekdays []int
	}{
		{"missing region", "", "09:00", "17:00", nil},
		{"bad start", "US", "9am", "17:00", nil},
		{"bad end", "US", "09:00", "25:00", nil},
		{"empty window", "US", "09:00", "09:00", nil},
		{"weekday out of range", "US", "09:00", "17:00", []int{7}},
		{"negative weekday", "US", "09:00", "17:00", []int{-1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, "u1", tt.region, tt.start, tt.end, tt.weekdays)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestCreateNormalizes(t *testing.T) {
	_, svc, ctrl, _ := setupEngine(t)
	ctx := context.Background()

	s, err := svc.Create(ctx, "u1", "ANY", "9:05", "17:00", []int{5, 1, 5})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s.Region != "any" {
		t.Errorf("Expected region any, got %s", s.Region)
	}
	if s.Start != "09:05" {
		t.Errorf("Expected start 09:05, got %s", s.Start)
	}
	want := []time.Weekday{time.Monday, time.Friday}
	if len(s.Weekdays) != 2 || s.Weekdays[0] != want[0] || s.Weekdays[1] != want[1] {
		t.Errorf("Expected weekdays %v, got %v", want, s.Weekdays)
	}
	if len(ctrl.events) != 1 || ctrl.events[0] != storage.EventScheduleCreated {
		t.Errorf("Expected schedule_created event, got %v", ctrl.events)
	}
}

func TestDeleteIsOwnerScoped(t *testing.T) {
	_, svc, ctrl, _ := setupEngine(t)
	ctx := context.Background()

	s, err := svc.Create(ctx, "u1", "US", "09:00", "17:00", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := svc.Delete(ctx, s.ID, "u2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for another owner, got %v", err)
	}
	if _, err := svc.SetActive(ctx, s.ID, "u2", false); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for another owner, got %v", err)
	}

	if err := svc.Delete(ctx, s.ID, "u1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	list, err := svc.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("Expected no schedules, got %d", len(list))
	}
	if ctrl.events[len(ctrl.events)-1] != storage.EventScheduleDeleted {
		t.Errorf("Expected schedule_deleted event, got %v", ctrl.events)
	}
}

func TestMinutesUntil(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 30, 0, time.UTC)
	if got := minutesUntil(now.Add(30*time.Second), now); got != 1 {
		t.Errorf("Expected 1, got %d", got)
	}
	if got := minutesUntil(now.Add(90*time.Minute), now); got != 90 {
		t.Errorf("Expected 90, got %d", got)
	}
	if got := minutesUntil(now.Add(-time.Minute), now); got != 1 {
		t.Errorf("Expected floor of 1, got %d", got)
	}
}
