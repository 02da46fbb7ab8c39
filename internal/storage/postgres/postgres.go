package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/Utitofon-Udoekong/nexushield/internal/config"
	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// uniqueViolation is the SQLSTATE raised by the live-lease index.
const uniqueViolation = "23505"

// DB defines the database operations used by the store.
// *pgxpool.Pool satisfies this interface.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements the storage.Store interface on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	db   DB
}

// Open connects to PostgreSQL, optionally applying migrations first.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	if cfg.Migrate {
		if err := RunMigrations(cfg.URL); err != nil {
			return nil, err
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool, db: pool}, nil
}

// New wraps an existing connection.
func New(db DB) *Store {
	return &Store{db: db}
}

// Pool exposes the connection pool for instrumentation; nil when built with New.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// RunMigrations opens a connection to the database and runs all pending
// embedded migrations.
func RunMigrations(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Leases returns the lease store.
func (s *Store) Leases() storage.LeaseStore { return &leaseStore{db: s.db} }

// Schedules returns the schedule store.
func (s *Store) Schedules() storage.ScheduleStore { return &scheduleStore{db: s.db} }

// Samples returns the metric sample store.
func (s *Store) Samples() storage.SampleStore { return &sampleStore{db: s.db} }

// Events returns the audit event store.
func (s *Store) Events() storage.EventStore { return &eventStore{db: s.db} }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}
