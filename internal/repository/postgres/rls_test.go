package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/careshield/internal/errs"
	"github.com/and161185/careshield/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func newPropagator(t *testing.T) (*Propagator, pgxmock.PgxPoolIface) {
	t.Helper()
	db, mock := newDB(t)
	return NewPropagator(db, zaptest.NewLogger(t)), mock
}

var testID = model.IdentityContext{
	TenantID:  "8f14e45f-ceea-467f-a0e6-2b7c0c7d1a11",
	UserID:    "u-1",
	UserRole:  "OWNER",
	SessionID: "s-1",
	IPAddress: "10.0.0.1",
	UserAgent: "test",
}

func expectSetContext(mock pgxmock.PgxPoolIface, id model.IdentityContext) *pgxmock.ExpectedExec {
	return mock.ExpectExec(`set_config\('app\.tenant_id', \$1, true\)`).
		WithArgs(id.TenantID, id.UserID, id.UserRole, id.SessionID, id.IPAddress, id.UserAgent)
}

func TestWithContext_SetsContextAndCommits(t *testing.T) {
	p, mock := newPropagator(t)
	defer mock.Close()

	mock.ExpectBegin()
	expectSetContext(mock, testID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`UPDATE something`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := p.WithContext(context.Background(), testID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "UPDATE something")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithContext_FailsClosedWhenContextNotApplied(t *testing.T) {
	p, mock := newPropagator(t)
	defer mock.Close()

	mock.ExpectBegin()
	expectSetContext(mock, testID).WillReturnError(errors.New("conn reset"))
	mock.ExpectRollback()

	called := false
	err := p.WithContext(context.Background(), testID, func(context.Context, pgx.Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, errs.ErrRLSContext)
	require.False(t, called, "work must not run without identity")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithContext_IncompleteIdentity(t *testing.T) {
	p, mock := newPropagator(t)
	defer mock.Close()

	id := testID
	id.UserRole = ""
	err := p.WithContext(context.Background(), id, func(context.Context, pgx.Tx) error { return nil })
	require.ErrorIs(t, err, errs.ErrRLSContext)
	require.NoError(t, mock.ExpectationsWereMet(), "no transaction is opened")
}

func TestWithContext_RollsBackOnError(t *testing.T) {
	p, mock := newPropagator(t)
	defer mock.Close()

	boom := errors.New("boom")
	mock.ExpectBegin()
	expectSetContext(mock, testID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectRollback()

	err := p.WithContext(context.Background(), testID, func(context.Context, pgx.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithContext_RollsBackOnPanic(t *testing.T) {
	p, mock := newPropagator(t)
	defer mock.Close()

	mock.ExpectBegin()
	expectSetContext(mock, testID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectRollback()

	require.Panics(t, func() {
		_ = p.WithContext(context.Background(), testID, func(context.Context, pgx.Tx) error { panic("bad") })
	})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithContext_RollsBackOnCancellation(t *testing.T) {
	p, mock := newPropagator(t)
	defer mock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	mock.ExpectBegin()
	expectSetContext(mock, testID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectRollback()

	err := p.WithContext(ctx, testID, func(ctx context.Context, _ pgx.Tx) error {
		cancel()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithContext_CommitFailure(t *testing.T) {
	p, mock := newPropagator(t)
	defer mock.Close()

	mock.ExpectBegin()
	expectSetContext(mock, testID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	err := p.WithContext(context.Background(), testID, func(context.Context, pgx.Tx) error { return nil })
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithoutContext_AppliesNoSettings(t *testing.T) {
	p, mock := newPropagator(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT count`).WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectCommit()

	var n int64
	err := p.WithoutContext(context.Background(), func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, "SELECT count(*) FROM placement_info").Scan(&n)
	})
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	cols := []string{"tenant", "user", "role", "session", "ip", "ua"}

	t.Run("clean connection", func(t *testing.T) {
		p, mock := newPropagator(t)
		defer mock.Close()
		mock.ExpectBegin()
		mock.ExpectQuery(`current_setting\('app\.tenant_id', true\)`).
			WillReturnRows(pgxmock.NewRows(cols).AddRow("", "", "", "", "", ""))
		mock.ExpectCommit()

		require.NoError(t, p.Ping(context.Background()))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("leftover identity", func(t *testing.T) {
		p, mock := newPropagator(t)
		defer mock.Close()
		mock.ExpectBegin()
		mock.ExpectQuery(`current_setting\('app\.tenant_id', true\)`).
			WillReturnRows(pgxmock.NewRows(cols).AddRow(testID.TenantID, testID.UserID, testID.UserRole, "", "", ""))
		mock.ExpectRollback()

		require.ErrorIs(t, p.Ping(context.Background()), errs.ErrRLSContext)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database down", func(t *testing.T) {
		p, mock := newPropagator(t)
		defer mock.Close()
		mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

		require.Error(t, p.Ping(context.Background()))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCurrentContext(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	ctx := context.Background()
	cols := []string{"tenant", "user", "role", "session", "ip", "ua"}

	mock.ExpectQuery(`current_setting\('app\.tenant_id', true\)`).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(testID.TenantID, testID.UserID, testID.UserRole, testID.SessionID, testID.IPAddress, testID.UserAgent))
	got, ok, err := CurrentContext(ctx, db.Pool)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, testID, got)

	mock.ExpectQuery(`current_setting`).
		WillReturnRows(pgxmock.NewRows(cols).AddRow("", "", "", "", "", ""))
	_, ok, err = CurrentContext(ctx, db.Pool)
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectQuery(`current_setting`).WillReturnError(errors.New("gone"))
	_, _, err = CurrentContext(ctx, db.Pool)
	require.ErrorIs(t, err, errs.ErrRLSContext)
}

func TestClearContext(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	mock.ExpectExec(`set_config\('app\.tenant_id', '', true\)`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	require.NoError(t, ClearContext(context.Background(), db.Pool))

	mock.ExpectExec(`set_config`).WillReturnError(errors.New("gone"))
	require.ErrorIs(t, ClearContext(context.Background(), db.Pool), errs.ErrRLSContext)
}
