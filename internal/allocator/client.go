package allocator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/clock"
	"github.com/Utitofon-Udoekong/nexushield/internal/config"
	"github.com/Utitofon-Udoekong/nexushield/internal/metrics"
	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AnyRegion lets the allocator pick a region.
const AnyRegion = "any"

// maxBody bounds how much of an allocator reply is read.
const maxBody = 1 << 20

// Client requests leases from the upstream TPN validator.
type Client struct {
	baseURL         *url.URL
	httpClient      *http.Client
	format          string
	minLease        int
	maxLease        int
	releasePath     string
	allowUnverified bool
	clock           clock.Clock
	regions         *regionCache
	logger          zerolog.Logger
}

// New creates an allocator client.
func New(cfg config.AllocatorConfig, clk clock.Clock, logger zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid allocator base URL: %w", err)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	c := &Client{
		baseURL:         base,
		httpClient:      &http.Client{Timeout: config.Duration(cfg.Timeout, 5*time.Second)},
		format:          cfg.Format,
		minLease:        cfg.MinLeaseMinutes,
		maxLease:        cfg.MaxLeaseMinutes,
		releasePath:     cfg.ReleasePath,
		allowUnverified: cfg.AllowUnverifiedRegions,
		clock:           clk,
		logger:          logger.With().Str("component", "allocator").Logger(),
	}
	if c.format == "" {
		c.format = "json"
	}
	if c.minLease <= 0 {
		c.minLease = 1
	}
	if c.maxLease < c.minLease {
		c.maxLease = 1440
	}

	c.regions = &regionCache{
		ttl:    config.Duration(cfg.RegionsTTL, 30*time.Minute),
		clock:  clk,
		fetch:  c.fetchRegions,
		logger: c.logger,
	}

	return c, nil
}

// ClampMinutes bounds a requested lease duration to the configured range.
func (c *Client) ClampMinutes(minutes int) int {
	if minutes < c.minLease {
		return c.minLease
	}
	if minutes > c.maxLease {
		return c.maxLease
	}
	return minutes
}

// Regions returns the region codes the allocator currently serves.
func (c *Client) Regions(ctx context.Context) ([]string, error) {
	return c.regions.get(ctx)
}

func (c *Client) fetchRegions(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, "/api/config/countries", nil)
	if err != nil {
		return nil, err
	}

	var regions []string
	if err := json.Unmarshal(body, &regions); err != nil {
		return nil, &AllocationError{Kind: InvalidResponse, Err: fmt.Errorf("decode regions: %w", err)}
	}
	for i, r := range regions {
		regions[i] = strings.ToUpper(strings.TrimSpace(r))
	}
	return regions, nil
}

// Allocate requests a new peer configuration for owner. On success the
// returned lease is fully populated and active; nothing is returned otherwise.
func (c *Client) Allocate(ctx context.Context, owner, region string, minutes int) (*storage.Lease, error) {
	region = normalizeRegion(region)
	minutes = c.ClampMinutes(minutes)

	if err := c.checkRegion(ctx, region); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("format", c.format)
	query.Set("geo", region)
	query.Set("lease_minutes", strconv.Itoa(minutes))

	start := c.clock.Now()
	body, err := c.get(ctx, "/api/config/new", query)
	metrics.AllocatorRequestDuration.WithLabelValues(c.format).Observe(time.Since(start).Seconds())
	if err != nil {
		var allocErr *AllocationError
		if errors.As(err, &allocErr) {
			allocErr.Region = region
			metrics.AllocationsTotal.WithLabelValues(string(allocErr.Kind)).Inc()
			if allocErr.Kind == RegionUnavailable {
				// The cached list offered a region the allocator no longer serves
				c.regions.invalidate()
			}
		}
		return nil, err
	}

	now := c.clock.Now().UTC()
	fallbackExpiry := now.Add(time.Duration(minutes) * time.Minute)

	peer, expiresAt, err := c.decode(body, fallbackExpiry, now)
	if err != nil {
		metrics.AllocationsTotal.WithLabelValues(string(InvalidResponse)).Inc()
		return nil, &AllocationError{Kind: InvalidResponse, Region: region, Err: err}
	}
	if _, err := ParsePeerConfig(peer); err != nil {
		metrics.AllocationsTotal.WithLabelValues(string(InvalidResponse)).Inc()
		return nil, &AllocationError{Kind: InvalidResponse, Region: region, Err: fmt.Errorf("peer config: %w", err)}
	}

	metrics.AllocationsTotal.WithLabelValues("ok").Inc()
	c.logger.Debug().
		Str("owner", owner).
		Str("region", region).
		Int("lease_minutes", minutes).
		Time("expires_at", expiresAt).
		Msg("Lease allocated")

	return &storage.Lease{
		ID:           uuid.NewString(),
		Owner:        owner,
		Region:       region,
		PeerMaterial: peer,
		State:        storage.StateActive,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		UpdatedAt:    now,
	}, nil
}

func (c *Client) checkRegion(ctx context.Context, region string) error {
	if region == AnyRegion {
		return nil
	}

	regions, err := c.Regions(ctx)
	if err != nil {
		if c.allowUnverified {
			c.logger.Warn().Err(err).Str("region", region).Msg("Region list unavailable, skipping region check")
			return nil
		}
		// Concurrent callers share the fetch error; each gets its own copy.
		var allocErr *AllocationError
		if errors.As(err, &allocErr) {
			return &AllocationError{Kind: allocErr.Kind, Region: region, Err: allocErr.Err}
		}
		return &AllocationError{Kind: Upstream, Region: region, Err: err}
	}

	for _, r := range regions {
		if r == region {
			return nil
		}
	}
	metrics.AllocationsTotal.WithLabelValues(string(RegionUnavailable)).Inc()
	return &AllocationError{Kind: RegionUnavailable, Region: region, Err: fmt.Errorf("region not offered")}
}

type newConfigResponse struct {
	PeerConfig string          `json:"peer_config"`
	ExpiresAt  json.RawMessage `json:"expires_at"`
}

// decode extracts peer material and expiry from an allocator reply.
func (c *Client) decode(body []byte, fallback, now time.Time) (string, time.Time, error) {
	if c.format == "text" {
		peer := strings.TrimSpace(string(body))
		if peer == "" {
			return "", time.Time{}, fmt.Errorf("empty peer config")
		}
		return peer, fallback, nil
	}

	var resp newConfigResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", time.Time{}, fmt.Errorf("decode reply: %w", err)
	}
	if strings.TrimSpace(resp.PeerConfig) == "" {
		return "", time.Time{}, fmt.Errorf("missing peer_config")
	}

	expiresAt, err := parseExpiry(resp.ExpiresAt)
	if err != nil {
		return "", time.Time{}, err
	}
	if expiresAt.IsZero() || !expiresAt.After(now) {
		expiresAt = fallback
	}
	return resp.PeerConfig, expiresAt.UTC(), nil
}

// parseExpiry accepts RFC 3339 strings or epoch seconds/milliseconds, either
// as JSON numbers or numeric strings. A missing value yields the zero time.
func parseExpiry(raw json.RawMessage) (time.Time, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Time{}, nil
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(int64(n)), nil
		}
		return time.Unix(int64(n), 0), nil
	}

	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable expires_at %q", s)
}

// Release tells the allocator a lease is no longer used. It is a no-op
// unless a release path is configured.
func (c *Client) Release(ctx context.Context, lease storage.Lease) error {
	if c.releasePath == "" {
		return nil
	}

	peer, err := ParsePeerConfig(lease.PeerMaterial)
	if err != nil {
		return fmt.Errorf("parse peer config: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"public_key": peer.PublicKey().String(),
		"lease_id":   lease.ID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.releasePath, nil), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &AllocationError{Kind: Upstream, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))

	if resp.StatusCode >= 300 {
		return &AllocationError{Kind: Upstream, Err: fmt.Errorf("release returned %d", resp.StatusCode)}
	}
	return nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return nil, &AllocationError{Kind: Upstream, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &AllocationError{Kind: Upstream, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &AllocationError{Kind: Upstream, Err: fmt.Errorf("read reply: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &AllocationError{Kind: Upstream, Err: fmt.Errorf("allocator returned %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &AllocationError{Kind: RegionUnavailable, Err: fmt.Errorf("allocator returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &AllocationError{Kind: InvalidResponse, Err: fmt.Errorf("allocator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	return body, nil
}

func normalizeRegion(region string) string {
	region = strings.TrimSpace(region)
	if region == "" || strings.EqualFold(region, AnyRegion) {
		return AnyRegion
	}
	return strings.ToUpper(region)
}
