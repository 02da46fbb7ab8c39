package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/allocator"
	"github.com/Utitofon-Udoekong/nexushield/internal/clock"
	"github.com/Utitofon-Udoekong/nexushield/internal/metrics"
	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned when an owner holds no live lease.
var ErrNotConnected = errors.New("lifecycle: owner is not connected")

const (
	// DefaultWarningThreshold is how long before expiry a lease turns expiring.
	DefaultWarningThreshold = 5 * time.Minute

	// DefaultSweepInterval is the period of the authoritative expiry sweep.
	DefaultSweepInterval = 30 * time.Second

	// timerTimeout bounds store work done from a deferred action.
	timerTimeout = 10 * time.Second

	// putAttempts bounds conflict resolution against other writers.
	putAttempts = 3
)

// Allocator issues and releases peer configurations.
type Allocator interface {
	Allocate(ctx context.Context, owner, region string, minutes int) (*storage.Lease, error)
	Release(ctx context.Context, lease storage.Lease) error
}

// Config holds lifecycle timings
type Config struct {
	WarningThreshold    time.Duration
	SweepInterval       time.Duration
	StatusCacheSize     int
	StatusCacheTTL      time.Duration
	DefaultLeaseMinutes int
}

// Manager is the only writer of leases. It allocates, revokes, expires and
// renews them, keeping deferred expiry actions in step with the store.
type Manager struct {
	leases    storage.LeaseStore
	events    storage.EventStore
	allocator Allocator
	clock     clock.Clock
	config    Config
	locks     *ownerLocks
	timers    *timerSet
	status    *expirable.LRU[string, storage.Lease]
	logger    zerolog.Logger

	listeners   []LeaseListener
	listenersMu sync.RWMutex

	sweepNow chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a lifecycle manager
func New(store storage.Store, alloc Allocator, cfg Config, clk clock.Clock, logger zerolog.Logger) *Manager {
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.StatusCacheSize <= 0 {
		cfg.StatusCacheSize = 10000
	}
	if cfg.StatusCacheTTL <= 0 {
		cfg.StatusCacheTTL = 10 * time.Second
	}
	if cfg.DefaultLeaseMinutes <= 0 {
		cfg.DefaultLeaseMinutes = 60
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Manager{
		leases:    store.Leases(),
		events:    store.Events(),
		allocator: alloc,
		clock:     clk,
		config:    cfg,
		locks:     newOwnerLocks(),
		timers:    newTimerSet(),
		status:    expirable.NewLRU[string, storage.Lease](cfg.StatusCacheSize, nil, cfg.StatusCacheTTL),
		logger:    logger.With().Str("component", "lifecycle").Logger(),
		sweepNow:  make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}
}

// Connect replaces any live lease for owner with a freshly allocated one.
func (m *Manager) Connect(ctx context.Context, owner, region string, minutes int) (*storage.Lease, error) {
	start := time.Now()
	unlock := m.locks.lock(owner)
	defer unlock()

	lease, err := m.connectLocked(ctx, owner, region, minutes)
	if err != nil {
		return nil, err
	}

	metrics.ConnectDuration.Observe(time.Since(start).Seconds())
	return lease, nil
}

func (m *Manager) connectLocked(ctx context.Context, owner, region string, minutes int) (*storage.Lease, error) {
	if minutes <= 0 {
		minutes = m.config.DefaultLeaseMinutes
	}

	if _, err := m.revokeLive(ctx, owner, "replaced"); err != nil {
		return nil, fmt.Errorf("revoke previous lease: %w", err)
	}

	lease, err := m.allocator.Allocate(ctx, owner, region, minutes)
	if err != nil && allocator.IsRetryable(err) {
		m.logger.Warn().Err(err).Str("owner", owner).Msg("Allocation failed, retrying once")
		lease, err = m.allocator.Allocate(ctx, owner, region, minutes)
	}
	if err != nil {
		return nil, err
	}

	if err := m.put(ctx, *lease); err != nil {
		// Nothing references the allocation now
		m.release(ctx, *lease)
		return nil, fmt.Errorf("store lease: %w", err)
	}

	m.arm(*lease)
	m.status.Remove(owner)
	metrics.ActiveLeases.Inc()
	metrics.LeaseTransitionsTotal.WithLabelValues(string(lease.State)).Inc()

	m.logger.Info().
		Str("owner", owner).
		Str("lease_id", lease.ID).
		Str("region", lease.Region).
		Time("expires_at", lease.ExpiresAt).
		Msg("Owner connected")

	m.RecordEvent(ctx, owner, storage.EventConnected, map[string]string{
		"lease_id":   lease.ID,
		"region":     lease.Region,
		"expires_at": lease.ExpiresAt.Format(time.RFC3339),
	})
	m.notify(ctx, *lease)

	return lease, nil
}

// put stores a new live lease, revoking whatever another writer stored for
// the owner in the meantime.
func (m *Manager) put(ctx context.Context, lease storage.Lease) error {
	var err error
	for attempt := 0; attempt < putAttempts; attempt++ {
		err = m.leases.Put(ctx, lease)
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}

		m.logger.Warn().
			Str("owner", lease.Owner).
			Str("lease_id", lease.ID).
			Msg("Owner gained a live lease concurrently, revoking it")

		if _, err := m.revokeLive(ctx, lease.Owner, "replaced"); err != nil {
			return err
		}
	}
	return fmt.Errorf("owner %s kept gaining live leases after %d attempts", lease.Owner, putAttempts)
}

// Disconnect revokes the owner's live lease.
func (m *Manager) Disconnect(ctx context.Context, owner string) error {
	unlock := m.locks.lock(owner)
	defer unlock()

	return m.disconnectLocked(ctx, owner)
}

func (m *Manager) disconnectLocked(ctx context.Context, owner string) error {
	revoked, err := m.revokeLive(ctx, owner, "disconnected")
	if err != nil {
		return err
	}
	if revoked == nil {
		return ErrNotConnected
	}

	m.logger.Info().
		Str("owner", owner).
		Str("lease_id", revoked.ID).
		Msg("Owner disconnected")
	return nil
}

// revokeLive revokes the owner's live lease if there is one and returns it.
func (m *Manager) revokeLive(ctx context.Context, owner, reason string) (*storage.Lease, error) {
	live, err := m.leases.GetActive(ctx, owner)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load live lease: %w", err)
	}

	m.timers.cancel(live.ID)

	revoked, err := m.mark(ctx, live, storage.StateRevoked)
	if err != nil {
		var invalid *storage.InvalidTransitionError
		if errors.As(err, &invalid) {
			// Another writer finished it first
			m.logger.Warn().Str("owner", owner).Str("lease_id", live.ID).Msg("Lease changed state during revoke")
			return nil, nil
		}
		return nil, err
	}

	m.release(ctx, *revoked)

	details := map[string]string{
		"lease_id": revoked.ID,
		"region":   revoked.Region,
		"reason":   reason,
	}
	if revoked.EndedAt != nil {
		details["duration_seconds"] = strconv.FormatInt(int64(revoked.EndedAt.Sub(revoked.CreatedAt).Seconds()), 10)
	}
	m.RecordEvent(ctx, owner, storage.EventDisconnected, details)

	return revoked, nil
}

// Renew disconnects the owner and connects again in the same region. It is
// not atomic: when allocation fails the owner stays disconnected.
func (m *Manager) Renew(ctx context.Context, owner string, minutes int) (*storage.Lease, error) {
	unlock := m.locks.lock(owner)
	defer unlock()

	region := allocator.AnyRegion
	live, err := m.leases.GetActive(ctx, owner)
	switch {
	case err == nil:
		region = live.Region
	case errors.Is(err, storage.ErrNotFound):
		history, err := m.leases.ListByOwner(ctx, owner, 1)
		if err != nil {
			return nil, fmt.Errorf("load lease history: %w", err)
		}
		if len(history) > 0 {
			region = history[0].Region
		}
	default:
		return nil, fmt.Errorf("load live lease: %w", err)
	}

	if live != nil {
		if err := m.disconnectLocked(ctx, owner); err != nil && !errors.Is(err, ErrNotConnected) {
			return nil, err
		}
	}

	return m.connectLocked(ctx, owner, region, minutes)
}

// GetStatus returns the owner's live lease.
func (m *Manager) GetStatus(ctx context.Context, owner string) (*storage.Lease, error) {
	now := m.clock.Now()
	if lease, ok := m.status.Get(owner); ok && now.Before(lease.ExpiresAt) {
		metrics.StatusCacheHits.Inc()
		return &lease, nil
	}
	metrics.StatusCacheMisses.Inc()

	unlock := m.locks.lock(owner)
	defer unlock()

	lease, err := m.leases.GetActive(ctx, owner)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}

	// A missed deferred action shows up as an overdue live lease
	if !now.Before(lease.ExpiresAt) {
		if err := m.advance(ctx, lease); err != nil {
			return nil, err
		}
		return nil, ErrNotConnected
	}

	m.status.Add(owner, *lease)
	return lease, nil
}

// History returns the owner's leases, newest first.
func (m *Manager) History(ctx context.Context, owner string, limit int) ([]storage.Lease, error) {
	return m.leases.ListByOwner(ctx, owner, limit)
}

// Owners returns every owner known to the store.
func (m *Manager) Owners(ctx context.Context) ([]string, error) {
	return m.leases.Owners(ctx)
}

// Reconcile brings the owner's live lease in line with the clock and re-arms
// its deferred actions. Safe to call any number of times.
func (m *Manager) Reconcile(ctx context.Context, owner string) error {
	unlock := m.locks.lock(owner)
	defer unlock()

	lease, err := m.leases.GetActive(ctx, owner)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load live lease: %w", err)
	}

	return m.advance(ctx, lease)
}

// advance applies whatever transitions the clock calls for. Caller holds the
// owner lock.
func (m *Manager) advance(ctx context.Context, lease *storage.Lease) error {
	now := m.clock.Now()

	if !now.Before(lease.ExpiresAt) {
		m.timers.cancel(lease.ID)

		var err error
		if lease.State == storage.StateActive {
			if lease, err = m.mark(ctx, lease, storage.StateExpiring); err != nil {
				return err
			}
		}
		if lease, err = m.mark(ctx, lease, storage.StateExpired); err != nil {
			return err
		}

		m.release(ctx, *lease)
		m.logger.Info().
			Str("owner", lease.Owner).
			Str("lease_id", lease.ID).
			Msg("Lease expired")
		m.RecordEvent(ctx, lease.Owner, storage.EventExpired, map[string]string{
			"lease_id": lease.ID,
			"region":   lease.Region,
		})
		return nil
	}

	if lease.State == storage.StateActive && !now.Before(lease.ExpiresAt.Add(-m.config.WarningThreshold)) {
		var err error
		if lease, err = m.mark(ctx, lease, storage.StateExpiring); err != nil {
			return err
		}
		m.logger.Info().
			Str("owner", lease.Owner).
			Str("lease_id", lease.ID).
			Dur("remaining", lease.Remaining(now)).
			Msg("Lease entering warning window")
	}

	m.arm(*lease)
	return nil
}

// mark commits a transition and notifies everyone who tracks lease state.
func (m *Manager) mark(ctx context.Context, lease *storage.Lease, state storage.LeaseState) (*storage.Lease, error) {
	updated, err := m.leases.Mark(ctx, lease.ID, state, m.clock.Now())
	if err != nil {
		var invalid *storage.InvalidTransitionError
		if errors.As(err, &invalid) {
			m.logger.Error().Err(err).Str("lease_id", lease.ID).Msg("Rejected lease transition")
		}
		return nil, err
	}

	m.status.Remove(lease.Owner)
	metrics.LeaseTransitionsTotal.WithLabelValues(string(state)).Inc()
	if state.Terminal() && lease.State.Live() {
		metrics.ActiveLeases.Dec()
	}

	m.notify(ctx, *updated)
	return updated, nil
}

// arm schedules the warning and expiry actions for a live lease.
func (m *Manager) arm(lease storage.Lease) {
	m.timers.cancel(lease.ID)

	now := m.clock.Now()
	fire := func() { m.onTimer(lease.ID, lease.Owner) }

	if lease.State == storage.StateActive {
		m.timers.schedule(lease.ID, lease.ExpiresAt.Add(-m.config.WarningThreshold).Sub(now), fire)
	}
	m.timers.schedule(lease.ID, lease.ExpiresAt.Sub(now), fire)
}

// onTimer acts only if leaseID is still the owner's live lease.
func (m *Manager) onTimer(leaseID, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), timerTimeout)
	defer cancel()

	unlock := m.locks.lock(owner)
	defer unlock()

	live, err := m.leases.GetActive(ctx, owner)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error().Err(err).Str("owner", owner).Msg("Failed to load lease for deferred action")
		}
		return
	}
	if live.ID != leaseID {
		m.logger.Debug().
			Str("owner", owner).
			Str("lease_id", leaseID).
			Msg("Ignoring deferred action for superseded lease")
		return
	}

	if err := m.advance(ctx, live); err != nil {
		m.logger.Error().
			Err(err).
			Str("owner", owner).
			Str("lease_id", leaseID).
			Msg("Deferred lease action failed, sweep will retry")
	}
}

func (m *Manager) release(ctx context.Context, lease storage.Lease) {
	if err := m.allocator.Release(ctx, lease); err != nil {
		m.logger.Warn().
			Err(err).
			Str("lease_id", lease.ID).
			Msg("Failed to release lease upstream")
	}
}

// Sweep reconciles every owner whose lease is due for a transition.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	due, err := m.leases.ListExpiringBefore(ctx, m.clock.Now().Add(m.config.WarningThreshold))
	if err != nil {
		return 0, fmt.Errorf("list expiring leases: %w", err)
	}

	seen := make(map[string]bool)
	var errs []error
	for _, lease := range due {
		if seen[lease.Owner] {
			continue
		}
		seen[lease.Owner] = true

		if err := m.Reconcile(ctx, lease.Owner); err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", lease.Owner, err))
		}
	}

	return len(seen), errors.Join(errs...)
}

// Recover reconciles every known owner, typically once at startup.
func (m *Manager) Recover(ctx context.Context) error {
	owners, err := m.leases.Owners(ctx)
	if err != nil {
		return fmt.Errorf("list owners: %w", err)
	}

	var errs []error
	live := 0
	for _, owner := range owners {
		if err := m.Reconcile(ctx, owner); err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", owner, err))
			continue
		}
		if _, err := m.leases.GetActive(ctx, owner); err == nil {
			live++
		}
	}
	metrics.ActiveLeases.Set(float64(live))

	m.logger.Info().
		Int("owners", len(owners)).
		Int("live_leases", live).
		Msg("Lease state recovered")

	return errors.Join(errs...)
}

// Start runs the periodic sweep in the background.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
	m.logger.Info().
		Dur("sweep_interval", m.config.SweepInterval).
		Dur("warning_threshold", m.config.WarningThreshold).
		Msg("Lease lifecycle manager started")
}

// TriggerSweep requests an immediate sweep without waiting for it.
func (m *Manager) TriggerSweep() {
	select {
	case m.sweepNow <- struct{}{}:
	default:
	}
}

// Stop ends the sweep loop and cancels every deferred action.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.wg.Wait()
		m.timers.stopAll()
		m.logger.Info().Msg("Lease lifecycle manager stopped")
	})
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-m.sweepNow:
		case <-m.stopChan:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.config.SweepInterval)
		n, err := m.Sweep(ctx)
		cancel()

		if err != nil {
			m.logger.Error().Err(err).Msg("Lease sweep failed")
		} else if n > 0 {
			m.logger.Debug().Int("owners", n).Msg("Lease sweep complete")
		}
	}
}
