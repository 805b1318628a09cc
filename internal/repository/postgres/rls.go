package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/and161185/careshield/internal/errs"
	"github.com/and161185/careshield/internal/model"
)

// Session settings read by RLS policies and the row audit trigger.
const (
	SettingTenantID  = "app.tenant_id"
	SettingUserID    = "app.user_id"
	SettingUserRole  = "app.user_role"
	SettingSessionID = "app.session_id"
	SettingIPAddress = "app.ip_address"
	SettingUserAgent = "app.user_agent"
)

// Querier is satisfied by pgx.Tx and *pgxpool.Conn.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const setContextSQL = `
SELECT set_config('app.tenant_id', $1, true),
       set_config('app.user_id', $2, true),
       set_config('app.user_role', $3, true),
       set_config('app.session_id', $4, true),
       set_config('app.ip_address', $5, true),
       set_config('app.user_agent', $6, true)`

const clearContextSQL = `
SELECT set_config('app.tenant_id', '', true),
       set_config('app.user_id', '', true),
       set_config('app.user_role', '', true),
       set_config('app.session_id', '', true),
       set_config('app.ip_address', '', true),
       set_config('app.user_agent', '', true)`

const currentContextSQL = `
SELECT coalesce(current_setting('app.tenant_id', true), ''),
       coalesce(current_setting('app.user_id', true), ''),
       coalesce(current_setting('app.user_role', true), ''),
       coalesce(current_setting('app.session_id', true), ''),
       coalesce(current_setting('app.ip_address', true), ''),
       coalesce(current_setting('app.user_agent', true), '')`

// SetContext applies id to the current transaction. Settings vanish at commit or
// rollback and never leak to the next user of the connection.
func SetContext(ctx context.Context, q Querier, id model.IdentityContext) error {
	if !id.IsSet() {
		return fmt.Errorf("%w: incomplete identity", errs.ErrRLSContext)
	}
	if _, err := q.Exec(ctx, setContextSQL,
		id.TenantID, id.UserID, id.UserRole, id.SessionID, id.IPAddress, id.UserAgent,
	); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrRLSContext, err)
	}
	return nil
}

// ClearContext resets every setting to the empty string.
func ClearContext(ctx context.Context, q Querier) error {
	if _, err := q.Exec(ctx, clearContextSQL); err != nil {
		return fmt.Errorf("%w: clear: %v", errs.ErrRLSContext, err)
	}
	return nil
}

// CurrentContext reads the settings back. ok is false when any of tenant, user or
// role is empty.
func CurrentContext(ctx context.Context, q Querier) (id model.IdentityContext, ok bool, err error) {
	err = q.QueryRow(ctx, currentContextSQL).Scan(
		&id.TenantID, &id.UserID, &id.UserRole, &id.SessionID, &id.IPAddress, &id.UserAgent,
	)
	if err != nil {
		return model.IdentityContext{}, false, fmt.Errorf("%w: read: %v", errs.ErrRLSContext, err)
	}
	if !id.IsSet() {
		return model.IdentityContext{}, false, nil
	}
	return id, true, nil
}

// TxFunc is the body of a scoped transaction.
type TxFunc func(ctx context.Context, tx pgx.Tx) error

// Propagator runs work in transactions that carry the caller's identity.
type Propagator struct {
	db  *DB
	log *zap.Logger
}

// NewPropagator constructs a Propagator.
func NewPropagator(db *DB, log *zap.Logger) *Propagator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Propagator{db: db, log: log}
}

// WithContext begins a transaction, applies id and runs fn. The transaction is
// committed when fn succeeds and rolled back on any error, panic or cancellation.
// A failure to apply id aborts before fn runs.
func (p *Propagator) WithContext(ctx context.Context, id model.IdentityContext, fn TxFunc) error {
	if !id.IsSet() {
		return fmt.Errorf("%w: incomplete identity", errs.ErrRLSContext)
	}
	return p.run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := SetContext(ctx, tx, id); err != nil {
			p.log.Error("rls context not applied", zap.String("tenant_id", id.TenantID), zap.Error(err))
			return err
		}
		return fn(ctx, tx)
	})
}

// WithoutContext runs fn with no identity applied. RLS policies then match no
// tenant rows; it exists for unauthenticated lookups and maintenance jobs.
func (p *Propagator) WithoutContext(ctx context.Context, fn TxFunc) error {
	return p.run(ctx, fn)
}

// Ping opens an identity-free transaction and checks that the pooled
// connection carries no leftover identity settings.
func (p *Propagator) Ping(ctx context.Context) error {
	return p.WithoutContext(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, leaked, err := CurrentContext(ctx, tx)
		if err != nil {
			return err
		}
		if leaked {
			return fmt.Errorf("%w: identity left on pooled connection", errs.ErrRLSContext)
		}
		return nil
	})
}

func (p *Propagator) run(ctx context.Context, fn TxFunc) (err error) {
	tx, err := p.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			p.rollback(ctx, tx)
			panic(r)
		}
		if err != nil {
			p.rollback(ctx, tx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = fmt.Errorf("commit: %w", e)
		}
	}()
	return fn(ctx, tx)
}

// rollback uses a context detached from cancellation so a cancelled request
// still returns its connection clean.
func (p *Propagator) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		p.log.Warn("rollback failed", zap.Error(err))
	}
}
