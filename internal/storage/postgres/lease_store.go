package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/jackc/pgx/v5"
)

const leaseColumns = `id, owner, region, peer_material, state, created_at, expires_at, updated_at, ended_at`

type leaseStore struct {
	db DB
}

func scanLease(row pgx.Row) (*storage.Lease, error) {
	var (
		lease storage.Lease
		state string
	)
	err := row.Scan(&lease.ID, &lease.Owner, &lease.Region, &lease.PeerMaterial, &state,
		&lease.CreatedAt, &lease.ExpiresAt, &lease.UpdatedAt, &lease.EndedAt)
	if err != nil {
		return nil, err
	}

	parsed, err := storage.ParseLeaseState(state)
	if err != nil {
		return nil, err
	}
	lease.State = parsed
	return &lease, nil
}

func collectLeases(rows pgx.Rows) ([]storage.Lease, error) {
	defer rows.Close()

	leases := make([]storage.Lease, 0)
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		leases = append(leases, *lease)
	}
	return leases, rows.Err()
}

// Put upserts a lease. The partial unique index rejects a second live lease
// per owner; the WHERE clause only overwrites legal predecessor states and
// keeps expires_at fixed once issued.
func (s *leaseStore) Put(ctx context.Context, lease storage.Lease) error {
	if lease.UpdatedAt.IsZero() {
		lease.UpdatedAt = time.Now()
	}

	sources := make([]string, 0, 3)
	for _, from := range storage.PutSources(lease.State) {
		sources = append(sources, string(from))
	}

	tag, err := s.db.Exec(ctx,
		`INSERT INTO leases (`+leaseColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   owner = EXCLUDED.owner,
		   region = EXCLUDED.region,
		   peer_material = EXCLUDED.peer_material,
		   state = EXCLUDED.state,
		   expires_at = EXCLUDED.expires_at,
		   updated_at = EXCLUDED.updated_at,
		   ended_at = EXCLUDED.ended_at
		 WHERE leases.state = ANY($10)
		   AND (leases.state = 'pending' OR leases.expires_at = EXCLUDED.expires_at)`,
		lease.ID, lease.Owner, lease.Region, lease.PeerMaterial, string(lease.State),
		lease.CreatedAt, lease.ExpiresAt, lease.UpdatedAt, lease.EndedAt, sources,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put lease: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	if err := s.db.QueryRow(ctx, `SELECT state FROM leases WHERE id = $1`, lease.ID).Scan(&current); err != nil {
		return fmt.Errorf("put lease: %w", notFound(err))
	}
	if !slices.Contains(sources, current) {
		return &storage.InvalidTransitionError{ID: lease.ID, From: storage.LeaseState(current), To: lease.State}
	}
	return storage.ErrImmutableExpiry
}

func (s *leaseStore) Get(ctx context.Context, id string) (*storage.Lease, error) {
	lease, err := scanLease(s.db.QueryRow(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return lease, nil
}

func (s *leaseStore) GetActive(ctx context.Context, owner string) (*storage.Lease, error) {
	lease, err := scanLease(s.db.QueryRow(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE owner = $1 AND state IN ('active', 'expiring')`, owner))
	if err != nil {
		return nil, notFound(err)
	}
	return lease, nil
}

// Mark is a conditional update on the allowed predecessor states.
func (s *leaseStore) Mark(ctx context.Context, id string, state storage.LeaseState, at time.Time) (*storage.Lease, error) {
	var endedAt *time.Time
	if state.Terminal() {
		t := at.UTC()
		endedAt = &t
	}

	from := make([]string, 0, 2)
	for _, p := range storage.Predecessors(state) {
		from = append(from, string(p))
	}

	lease, err := scanLease(s.db.QueryRow(ctx,
		`UPDATE leases SET state = $2, updated_at = $3, ended_at = COALESCE($4, ended_at)
		 WHERE id = $1 AND state = ANY($5)
		 RETURNING `+leaseColumns,
		id, string(state), at.UTC(), endedAt, from))
	if err == nil {
		return lease, nil
	}
	if isUniqueViolation(err) {
		return nil, storage.ErrConflict
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("mark lease: %w", err)
	}

	var current string
	if err := s.db.QueryRow(ctx, `SELECT state FROM leases WHERE id = $1`, id).Scan(&current); err != nil {
		return nil, notFound(err)
	}
	return nil, &storage.InvalidTransitionError{ID: id, From: storage.LeaseState(current), To: state}
}

func (s *leaseStore) ListExpiringBefore(ctx context.Context, instant time.Time) ([]storage.Lease, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+leaseColumns+` FROM leases
		 WHERE state IN ('pending', 'active', 'expiring') AND expires_at <= $1
		 ORDER BY expires_at`, instant)
	if err != nil {
		return nil, fmt.Errorf("list expiring leases: %w", err)
	}
	return collectLeases(rows)
}

func (s *leaseStore) ListByOwner(ctx context.Context, owner string, limit int) ([]storage.Lease, error) {
	var max *int
	if limit > 0 {
		max = &limit
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE owner = $1 ORDER BY created_at DESC LIMIT $2`,
		owner, max)
	if err != nil {
		return nil, fmt.Errorf("list leases by owner: %w", err)
	}
	return collectLeases(rows)
}

func (s *leaseStore) Owners(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT owner FROM leases ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	owners := make([]string, 0)
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}
