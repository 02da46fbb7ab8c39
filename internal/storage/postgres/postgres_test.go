package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ---------- Mock DB ----------

type mockDB struct {
	mock.Mock
}

func (m *mockDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDB) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	return r.scanFunc(dest...)
}

type mockRows struct {
	callIndex int
	scanFuncs []func(dest ...any) error
	err       error
}

func newMockRows(scanFuncs ...func(dest ...any) error) *mockRows {
	return &mockRows{scanFuncs: scanFuncs}
}

func (m *mockRows) Next() bool {
	return m.callIndex < len(m.scanFuncs)
}

func (m *mockRows) Scan(dest ...any) error {
	if m.callIndex < len(m.scanFuncs) {
		fn := m.scanFuncs[m.callIndex]
		m.callIndex++
		return fn(dest...)
	}
	return nil
}

func (m *mockRows) Err() error                                   { return m.err }
func (m *mockRows) Close()                                       {}
func (m *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (m *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (m *mockRows) RawValues() [][]byte                          { return nil }
func (m *mockRows) Values() ([]any, error)                       { return nil, nil }
func (m *mockRows) Conn() *pgx.Conn                              { return nil }

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func leaseScanner(id, owner, state string) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = owner
		*(dest[2].(*string)) = "US"
		*(dest[3].(*string)) = "peer"
		*(dest[4].(*string)) = state
		*(dest[5].(*time.Time)) = now
		*(dest[6].(*time.Time)) = now.Add(30 * time.Minute)
		*(dest[7].(*time.Time)) = now
		*(dest[8].(**time.Time)) = nil
		return nil
	}
}

func testLease() storage.Lease {
	return storage.Lease{
		ID: "lease-1", Owner: "u1", Region: "US", State: storage.StateActive,
		CreatedAt: now, ExpiresAt: now.Add(30 * time.Minute), UpdatedAt: now,
	}
}

// ---------- Leases ----------

func TestLeaseStore_Put_Success(t *testing.T) {
	db := &mockDB{}
	store := New(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := store.Leases().Put(ctx, testLease())
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestLeaseStore_Put_UniqueViolationIsConflict(t *testing.T) {
	db := &mockDB{}
	store := New(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505", ConstraintName: "leases_owner_live_idx"})

	err := store.Leases().Put(ctx, testLease())
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestLeaseStore_Put_ExpiryChangeRejected(t *testing.T) {
	db := &mockDB{}
	store := New(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.NewCommandTag("INSERT 0 0"), nil)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(&mockRow{
		scanFunc: func(dest ...any) error {
			*(dest[0].(*string)) = "active"
			return nil
		},
	})

	err := store.Leases().Put(ctx, testLease())
	assert.ErrorIs(t, err, storage.ErrImmutableExpiry)
}

func TestLeaseStore_Put_TerminalLeaseNotRevived(t *testing.T) {
	db := &mockDB{}
	store := New(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		sources, ok := args[9].([]string)
		return ok && assert.ObjectsAreEqual([]string{"pending", "active"}, sources)
	})).Return(pgconn.NewCommandTag("INSERT 0 0"), nil)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(&mockRow{
		scanFunc: func(dest ...any) error {
			*(dest[0].(*string)) = "revoked"
			return nil
		},
	})

	err := store.Leases().Put(ctx, testLease())

	var invalid *storage.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, storage.StateRevoked, invalid.From)
	assert.Equal(t, storage.StateActive, invalid.To)
	db.AssertExpectations(t)
}

func TestLeaseStore_Get_NotFound(t *testing.T) {
	db := &mockDB{}
	store := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }})

	lease, err := store.Leases().Get(ctx, "missing")
	assert.Nil(t, lease)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLeaseStore_Mark_Success(t *testing.T) {
	db := &mockDB{}
	store := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.MatchedBy(func(sql string) bool { return len(sql) > 6 && sql[:6] == "UPDATE" }), mock.Anything).
		Return(&mockRow{scanFunc: leaseScanner("lease-1", "u1", "expiring")})

	lease, err := store.Leases().Mark(ctx, "lease-1", storage.StateExpiring, now)
	require.NoError(t, err)
	assert.Equal(t, storage.StateExpiring, lease.State)
	db.AssertExpectations(t)
}

func TestLeaseStore_Mark_InvalidTransition(t *testing.T) {
	db := &mockDB{}
	store := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.MatchedBy(func(sql string) bool { return sql[:6] == "UPDATE" }), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}).Once()
	db.On("QueryRow", ctx, mock.MatchedBy(func(sql string) bool { return sql[:6] == "SELECT" }), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*string)) = "revoked"
			return nil
		}}).Once()

	_, err := store.Leases().Mark(ctx, "lease-1", storage.StateExpired, now)
	var invalid *storage.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, storage.StateRevoked, invalid.From)
	assert.Equal(t, storage.StateExpired, invalid.To)
	db.AssertExpectations(t)
}

func TestLeaseStore_Mark_Missing(t *testing.T) {
	db := &mockDB{}
	store := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }})

	_, err := store.Leases().Mark(ctx, "ghost", storage.StateRevoked, now)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLeaseStore_ListExpiringBefore(t *testing.T) {
	db := &mockDB{}
	store := New(db)
	ctx := context.Background()

	rows := newMockRows(leaseScanner("a", "u1", "active"), leaseScanner("b", "u2", "expiring"))
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	leases, err := store.Leases().ListExpiringBefore(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, leases, 2)
	assert.Equal(t, "a", leases[0].ID)
	assert.Equal(t, storage.StateExpiring, leases[1].State)
}

// ---------- Schedules ----------

func TestScheduleStore_Delete_OtherOwner(t *testing.T) {
	db := &mockDB{}
	store := New(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.NewCommandTag("DELETE 0"), nil)

	err := store.Schedules().Delete(ctx, "sched-1", "intruder")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestScheduleStore_Get(t *testing.T) {
	db := &mockDB{}
	store := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(&mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*string)) = "sched-1"
		*(dest[1].(*string)) = "u1"
		*(dest[2].(*string)) = "DE"
		*(dest[3].(*string)) = "09:00"
		*(dest[4].(*string)) = "17:00"
		*(dest[5].(*[]int32)) = []int32{1, 2, 3, 4, 5}
		*(dest[6].(*bool)) = true
		*(dest[7].(*string)) = "2025-03-10"
		*(dest[8].(*string)) = "start"
		*(dest[9].(*string)) = ""
		*(dest[10].(*time.Time)) = now
		*(dest[11].(*time.Time)) = now
		return nil
	}})

	schedule, err := store.Schedules().Get(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}, schedule.Weekdays)
	assert.Equal(t, storage.Firing{Date: "2025-03-10", Edge: storage.EdgeStart}, schedule.LastFired)
}

// ---------- History ----------

func TestSampleStore_AppendTrims(t *testing.T) {
	db := &mockDB{}
	store := New(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool { return sql[:6] == "INSERT" }), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()
	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool { return sql[:6] == "DELETE" }), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 0"), nil).Once()

	err := store.Samples().Append(ctx, storage.MetricSample{LeaseID: "lease-1", Timestamp: now, LatencyMS: 21})
	require.NoError(t, err)
	db.AssertExpectations(t)
}
