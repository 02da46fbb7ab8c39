package redis

import (
	"context"
	"testing"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func putArgs(id, owner, state, live, terminal, expiresAt string) []interface{} {
	args := []interface{}{
		id, owner, "US", "peer", state,
		"2025-03-10T12:00:00Z", expiresAt, "2025-03-10T12:00:00Z", "",
		live, terminal, 1741608000000, 1741609800000,
	}
	for _, from := range storage.PutSources(storage.LeaseState(state)) {
		args = append(args, string(from))
	}
	return args
}

func putKeys(id, owner string) []string {
	return []string{leaseKey(id), liveKey(owner), ownerIndexKey(owner), expiryIndexKey(), ownersKey()}
}

func TestPutLeaseScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		id       string
		state    string
		live     string
		terminal string
		expires  string
		want     string
		wantLive string
	}{
		{
			name: "first live lease", id: "a", state: "active", live: "1", terminal: "0",
			expires: "2025-03-10T12:30:00Z", want: "OK", wantLive: "a",
		},
		{
			name: "second live lease conflicts", id: "b", state: "active", live: "1", terminal: "0",
			expires: "2025-03-10T12:30:00Z", want: "CONFLICT", wantLive: "a",
		},
		{
			name: "expiry change rejected", id: "a", state: "active", live: "1", terminal: "0",
			expires: "2025-03-10T13:30:00Z", want: "IMMUTABLE", wantLive: "a",
		},
		{
			name: "terminal rewrite clears live key", id: "a", state: "revoked", live: "0", terminal: "1",
			expires: "2025-03-10T12:30:00Z", want: "OK", wantLive: "",
		},
		{
			name: "revoked lease cannot return to active", id: "a", state: "active", live: "1", terminal: "0",
			expires: "2025-03-10T12:30:00Z", want: "INVALID:revoked", wantLive: "",
		},
		{
			name: "revoked lease cannot be rewritten", id: "a", state: "revoked", live: "0", terminal: "1",
			expires: "2025-03-10T12:30:00Z", want: "INVALID:revoked", wantLive: "",
		},
		{
			name: "new lease after revoke", id: "b", state: "active", live: "1", terminal: "0",
			expires: "2025-03-10T12:30:00Z", want: "OK", wantLive: "b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Eval(ctx, putLeaseScript, putKeys(tt.id, "u1"),
				putArgs(tt.id, "u1", tt.state, tt.live, tt.terminal, tt.expires)...).Text()
			if err != nil {
				t.Fatalf("Script execution failed: %v", err)
			}
			if result != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, result)
			}

			live, _ := mr.Get(liveKey("u1"))
			if live != tt.wantLive {
				t.Errorf("Expected live key %q, got %q", tt.wantLive, live)
			}
		})
	}

	if !mr.Exists(ownersKey()) {
		t.Error("Expected owners set to exist")
	}
}

func TestMarkLeaseScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	if err := client.Eval(ctx, putLeaseScript, putKeys("a", "u1"),
		putArgs("a", "u1", "active", "1", "0", "2025-03-10T12:30:00Z")...).Err(); err != nil {
		t.Fatalf("Failed to seed lease: %v", err)
	}

	keys := []string{leaseKey("a"), liveKey("u1"), expiryIndexKey()}

	result, err := client.Eval(ctx, markLeaseScript, keys,
		"a", "expired", "2025-03-10T12:31:00Z", "2025-03-10T12:31:00Z", "0", "1", "expiring").Text()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if result != "INVALID:active" {
		t.Errorf("Expected INVALID:active, got %s", result)
	}

	result, err = client.Eval(ctx, markLeaseScript, keys,
		"a", "expiring", "2025-03-10T12:25:00Z", "", "1", "0", "active").Text()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if result != "OK" {
		t.Errorf("Expected OK, got %s", result)
	}
	if state := mr.HGet(leaseKey("a"), "state"); state != "expiring" {
		t.Errorf("Expected state expiring, got %s", state)
	}

	result, err = client.Eval(ctx, markLeaseScript, keys,
		"a", "expired", "2025-03-10T12:30:00Z", "2025-03-10T12:30:00Z", "0", "1", "expiring").Text()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if result != "OK" {
		t.Errorf("Expected OK, got %s", result)
	}
	if mr.Exists(liveKey("u1")) {
		t.Error("Expected live key to be cleared after expiry")
	}
	if ended := mr.HGet(leaseKey("a"), "ended_at"); ended == "" {
		t.Error("Expected ended_at to be set")
	}

	result, err = client.Eval(ctx, markLeaseScript, []string{leaseKey("zzz"), liveKey("u1"), expiryIndexKey()},
		"zzz", "revoked", "2025-03-10T12:30:00Z", "", "0", "1", "active", "expiring").Text()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if result != "NOT_FOUND" {
		t.Errorf("Expected NOT_FOUND, got %s", result)
	}
}

func TestAppendCappedScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	key := eventsKey("u1")
	for i := 0; i < 5; i++ {
		if err := client.Eval(ctx, appendCappedScript, []string{key}, "entry", 3, 60).Err(); err != nil {
			t.Fatalf("Script execution failed: %v", err)
		}
	}

	items, err := mr.List(key)
	if err != nil {
		t.Fatalf("Failed to read list: %v", err)
	}
	if len(items) != 3 {
		t.Errorf("Expected list capped at 3, got %d", len(items))
	}
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Errorf("Expected TTL to be set, got %v", ttl)
	}
}

func TestUpdateScheduleScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()
	key := scheduleKey("s1")

	result, err := client.Eval(ctx, updateScheduleScript, []string{key}, "active", "false").Text()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if result != "NOT_FOUND" {
		t.Errorf("Expected NOT_FOUND, got %s", result)
	}
	if mr.Exists(key) {
		t.Fatal("Expected missing schedule to stay missing")
	}

	mr.HSet(key, "id", "s1", "active", "true")
	result, err = client.Eval(ctx, updateScheduleScript, []string{key},
		"active", "false", "last_error", "boom").Text()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if result != "OK" {
		t.Errorf("Expected OK, got %s", result)
	}
	if got := mr.HGet(key, "active"); got != "false" {
		t.Errorf("Expected active false, got %s", got)
	}
	if got := mr.HGet(key, "last_error"); got != "boom" {
		t.Errorf("Expected last_error boom, got %s", got)
	}
}
