package allocator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/clock"
	"github.com/Utitofon-Udoekong/nexushield/internal/config"
	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func testPeerConfig(t *testing.T) (string, wgtypes.Key) {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	peer, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)

	text := fmt.Sprintf(`[Interface]
PrivateKey = %s
Address = 10.13.0.2/32
DNS = 1.1.1.1

[Peer]
PublicKey = %s
Endpoint = 203.0.113.7:51820
AllowedIPs = 0.0.0.0/0, ::/0
`, priv.String(), peer.PublicKey().String())
	return text, priv.PublicKey()
}

type fakeAllocator struct {
	regions      []string
	regionsFail  atomic.Bool
	regionsDelay time.Duration
	regionsCalls atomic.Int32
	newHandler   http.HandlerFunc
	newCalls     atomic.Int32
	released     chan map[string]string
}

func (f *fakeAllocator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/config/countries":
		f.regionsCalls.Add(1)
		time.Sleep(f.regionsDelay)
		if f.regionsFail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(f.regions)
	case "/api/config/new":
		f.newCalls.Add(1)
		f.newHandler(w, r)
	case "/api/config/release":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.released <- body
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func setupClient(t *testing.T, fake *fakeAllocator, mutate func(*config.AllocatorConfig)) (*Client, *clock.TestClock) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := config.Default().Allocator
	cfg.BaseURL = srv.URL
	if mutate != nil {
		mutate(&cfg)
	}

	clk := clock.NewTestClock(testNow)
	c, err := New(cfg, clk, zerolog.Nop())
	require.NoError(t, err)
	return c, clk
}

func TestClampMinutes(t *testing.T) {
	c, _ := setupClient(t, &fakeAllocator{}, nil)

	assert.Equal(t, 1, c.ClampMinutes(0))
	assert.Equal(t, 1, c.ClampMinutes(-5))
	assert.Equal(t, 30, c.ClampMinutes(30))
	assert.Equal(t, 1440, c.ClampMinutes(5000))
}

func TestAllocateJSON(t *testing.T) {
	peer, _ := testPeerConfig(t)
	expiry := testNow.Add(30 * time.Minute)

	fake := &fakeAllocator{regions: []string{"us", "DE"}}
	fake.newHandler = func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "US", r.URL.Query().Get("geo"))
		assert.Equal(t, "30", r.URL.Query().Get("lease_minutes"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"peer_config": peer,
			"expires_at":  expiry.Format(time.RFC3339),
		})
	}

	c, _ := setupClient(t, fake, nil)
	lease, err := c.Allocate(context.Background(), "u1", "us", 30)
	require.NoError(t, err)

	assert.NotEmpty(t, lease.ID)
	assert.Equal(t, "u1", lease.Owner)
	assert.Equal(t, "US", lease.Region)
	assert.Equal(t, storage.StateActive, lease.State)
	assert.Equal(t, peer, lease.PeerMaterial)
	assert.True(t, lease.ExpiresAt.Equal(expiry), "expires_at %v", lease.ExpiresAt)
	assert.True(t, lease.CreatedAt.Equal(testNow))
}

func TestAllocateExpiryFormats(t *testing.T) {
	peer, _ := testPeerConfig(t)
	expiry := testNow.Add(45 * time.Minute)

	tests := []struct {
		name      string
		expiresAt any
		want      time.Time
	}{
		{"epoch seconds", expiry.Unix(), expiry},
		{"epoch millis", expiry.UnixMilli(), expiry},
		{"numeric string", fmt.Sprintf("%d", expiry.Unix()), expiry},
		{"missing", nil, testNow.Add(15 * time.Minute)},
		{"in the past", testNow.Add(-time.Minute).Format(time.RFC3339), testNow.Add(15 * time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeAllocator{}
			fake.newHandler = func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"peer_config": peer,
					"expires_at":  tt.expiresAt,
				})
			}
			c, _ := setupClient(t, fake, nil)

			lease, err := c.Allocate(context.Background(), "u1", "any", 15)
			require.NoError(t, err)
			assert.True(t, lease.ExpiresAt.Equal(tt.want), "expected %v, got %v", tt.want, lease.ExpiresAt)
		})
	}
}

func TestAllocateTextFormat(t *testing.T) {
	peer, _ := testPeerConfig(t)

	fake := &fakeAllocator{}
	fake.newHandler = func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(peer))
	}
	c, _ := setupClient(t, fake, func(cfg *config.AllocatorConfig) { cfg.Format = "text" })

	lease, err := c.Allocate(context.Background(), "u1", "", 20)
	require.NoError(t, err)
	assert.Equal(t, AnyRegion, lease.Region)
	assert.True(t, lease.ExpiresAt.Equal(testNow.Add(20*time.Minute)))
}

func TestAllocateErrors(t *testing.T) {
	peer, _ := testPeerConfig(t)

	tests := []struct {
		name    string
		handler http.HandlerFunc
		kind    Kind
	}{
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
			kind:    Upstream,
		},
		{
			name:    "not found",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
			kind:    RegionUnavailable,
		},
		{
			name:    "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("{nope")) },
			kind:    InvalidResponse,
		},
		{
			name: "missing peer config",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"expires_at": 1}`))
			},
			kind: InvalidResponse,
		},
		{
			name: "unparsable peer config",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]string{"peer_config": "[Interface]\nAddress = 10.0.0.2/32\n"})
			},
			kind: InvalidResponse,
		},
		{
			name: "bad expiry",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]string{"peer_config": peer, "expires_at": "tomorrow"})
			},
			kind: InvalidResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeAllocator{newHandler: tt.handler}
			c, _ := setupClient(t, fake, nil)

			lease, err := c.Allocate(context.Background(), "u1", "any", 10)
			require.Error(t, err)
			assert.Nil(t, lease)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, tt.kind == Upstream, IsRetryable(err))
		})
	}
}

func TestAllocateUnknownRegion(t *testing.T) {
	fake := &fakeAllocator{regions: []string{"US"}}
	fake.newHandler = func(w http.ResponseWriter, r *http.Request) {
		t.Error("allocator should not be asked for an unoffered region")
	}
	c, _ := setupClient(t, fake, nil)

	_, err := c.Allocate(context.Background(), "u1", "FR", 10)
	assert.Equal(t, RegionUnavailable, KindOf(err))
	assert.Equal(t, int32(0), fake.newCalls.Load())
}

func TestAllocateTimeout(t *testing.T) {
	fake := &fakeAllocator{}
	fake.newHandler = func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}
	c, _ := setupClient(t, fake, func(cfg *config.AllocatorConfig) { cfg.Timeout = "20ms" })

	_, err := c.Allocate(context.Background(), "u1", "any", 10)
	assert.Equal(t, Upstream, KindOf(err))
}

func TestRegionsCache(t *testing.T) {
	fake := &fakeAllocator{regions: []string{"US", "DE"}}
	c, clk := setupClient(t, fake, nil)
	ctx := context.Background()

	regions, err := c.Regions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"US", "DE"}, regions)

	_, err = c.Regions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fake.regionsCalls.Load(), "second lookup should hit the cache")

	// Expired entry with a failing upstream serves the stale list
	clk.Advance(31 * time.Minute)
	fake.regionsFail.Store(true)
	regions, err = c.Regions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"US", "DE"}, regions)
	assert.Equal(t, int32(2), fake.regionsCalls.Load())
}

func TestRegionsUnavailableWithoutCache(t *testing.T) {
	peer, _ := testPeerConfig(t)
	newHandler := func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"peer_config": peer})
	}

	fake := &fakeAllocator{newHandler: newHandler}
	fake.regionsFail.Store(true)
	c, _ := setupClient(t, fake, nil)

	_, err := c.Allocate(context.Background(), "u1", "US", 10)
	assert.Equal(t, Upstream, KindOf(err))

	lenient := &fakeAllocator{newHandler: newHandler}
	lenient.regionsFail.Store(true)
	c, _ = setupClient(t, lenient, func(cfg *config.AllocatorConfig) { cfg.AllowUnverifiedRegions = true })

	lease, err := c.Allocate(context.Background(), "u1", "US", 10)
	require.NoError(t, err)
	assert.Equal(t, "US", lease.Region)
}

func TestConcurrentAllocateRegionsFailure(t *testing.T) {
	fake := &fakeAllocator{regionsDelay: 100 * time.Millisecond}
	fake.regionsFail.Store(true)
	fake.newHandler = func(w http.ResponseWriter, r *http.Request) {
		t.Error("allocator should not be asked without a region list")
	}
	c, _ := setupClient(t, fake, nil)

	regions := []string{"US", "DE", "FR", "GB"}
	errs := make([]error, len(regions))

	var wg sync.WaitGroup
	for i, region := range regions {
		wg.Add(1)
		go func(i int, region string) {
			defer wg.Done()
			_, errs[i] = c.Allocate(context.Background(), "owner-"+region, region, 10)
		}(i, region)
	}
	wg.Wait()

	for i, region := range regions {
		var allocErr *AllocationError
		require.ErrorAs(t, errs[i], &allocErr)
		assert.Equal(t, Upstream, allocErr.Kind)
		assert.Equal(t, region, allocErr.Region, "error should name the region that was requested")
	}
}

func TestRegionUnavailableRefreshesRegions(t *testing.T) {
	fake := &fakeAllocator{regions: []string{"US", "DE"}}
	fake.newHandler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}
	c, _ := setupClient(t, fake, nil)
	ctx := context.Background()

	_, err := c.Allocate(ctx, "u1", "DE", 10)
	assert.Equal(t, RegionUnavailable, KindOf(err))
	assert.Equal(t, int32(1), fake.regionsCalls.Load())

	// The allocator dropped DE; the next lookup must not trust the cached list
	fake.regions = []string{"US"}
	_, err = c.Allocate(ctx, "u1", "DE", 10)
	assert.Equal(t, RegionUnavailable, KindOf(err))
	assert.Equal(t, int32(2), fake.regionsCalls.Load())
	assert.Equal(t, int32(1), fake.newCalls.Load(), "second request should be rejected from the refreshed list")
}

func TestRelease(t *testing.T) {
	peer, pub := testPeerConfig(t)
	lease := storage.Lease{ID: "l1", PeerMaterial: peer}

	fake := &fakeAllocator{released: make(chan map[string]string, 1)}
	c, _ := setupClient(t, fake, nil)
	require.NoError(t, c.Release(context.Background(), lease))
	assert.Len(t, fake.released, 0, "release without a path must not call out")

	c, _ = setupClient(t, fake, func(cfg *config.AllocatorConfig) { cfg.ReleasePath = "/api/config/release" })
	require.NoError(t, c.Release(context.Background(), lease))

	select {
	case body := <-fake.released:
		assert.Equal(t, pub.String(), body["public_key"])
		assert.Equal(t, "l1", body["lease_id"])
	case <-time.After(time.Second):
		t.Fatal("release was not sent")
	}
}

func TestParsePeerConfig(t *testing.T) {
	peer, pub := testPeerConfig(t)

	cfg, err := ParsePeerConfig(peer)
	require.NoError(t, err)
	assert.Equal(t, pub, cfg.PublicKey())
	assert.Equal(t, "203.0.113.7:51820", cfg.Endpoint)
	assert.Equal(t, []string{"0.0.0.0/0", "::/0"}, cfg.AllowedIPs)
	assert.Equal(t, []string{"10.13.0.2/32"}, cfg.Address)

	_, err = ParsePeerConfig("[Interface]\nPrivateKey = not-a-key\n")
	assert.Error(t, err)
}
