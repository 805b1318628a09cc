// Package audit records explicit user actions and serves the compliance read,
// export and retention paths of the audit trail.
package audit

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/and161185/careshield/internal/errs"
	"github.com/and161185/careshield/internal/identity"
	"github.com/and161185/careshield/internal/metrics"
	"github.com/and161185/careshield/internal/model"
	"github.com/and161185/careshield/internal/repository"
)

// Action is a semantic user action. The actor and tenant come from the identity.
type Action struct {
	Name             string
	TargetFacilityID string
	TargetUserID     string
	ClientID         string
	Details          map[string]any
}

// ActionRecorder is the contract used by services that emit action audit.
type ActionRecorder interface {
	// RecordActionOrFail writes synchronously and returns the write error.
	RecordActionOrFail(ctx context.Context, id model.IdentityContext, a Action) error
	// RecordActionBestEffort schedules the write and never reports failure.
	RecordActionBestEffort(ctx context.Context, id model.IdentityContext, a Action)
}

type job struct {
	id  model.IdentityContext
	rec *model.UserActionAuditLog
}

// Recorder writes user-action audit records. Best-effort records are written by a
// background worker through a bounded queue; ordering is not preserved.
type Recorder struct {
	repo    repository.AuditRepository
	log     *zap.Logger
	m       *metrics.Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

var _ ActionRecorder = (*Recorder)(nil)

// RecorderOptions tune the background writer.
type RecorderOptions struct {
	QueueSize    int
	Workers      int
	WriteTimeout time.Duration
}

// NewRecorder starts the background workers. Close must be called to drain them.
func NewRecorder(repo repository.AuditRepository, log *zap.Logger, m *metrics.Metrics, opts RecorderOptions) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	r := &Recorder{
		repo:    repo,
		log:     log,
		m:       m,
		timeout: opts.WriteTimeout,
		queue:   make(chan job, opts.QueueSize),
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// RecordActionOrFail validates and writes the record under the actor's RLS context.
func (r *Recorder) RecordActionOrFail(ctx context.Context, id model.IdentityContext, a Action) error {
	rec, err := r.build(id, a)
	if err != nil {
		return err
	}
	if err := r.repo.InsertAction(ctx, id, rec); err != nil {
		return fmt.Errorf("record %s: %w", rec.Action, err)
	}
	r.m.Recorded("strict")
	return nil
}

// RecordActionBestEffort enqueues the record. Invalid records, a full queue and
// write errors are logged and counted.
func (r *Recorder) RecordActionBestEffort(_ context.Context, id model.IdentityContext, a Action) {
	rec, err := r.build(id, a)
	if err != nil {
		r.drop("invalid", a.Name, id, err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop("closed", rec.Action, id, nil)
		return
	}
	select {
	case r.queue <- job{id: id, rec: rec}:
		r.m.QueueDepth(len(r.queue))
	default:
		r.drop("queue_full", rec.Action, id, nil)
	}
}

// Close stops accepting records and waits for queued ones until ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit drain: %w", ctx.Err())
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for j := range r.queue {
		r.m.QueueDepth(len(r.queue))
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.repo.InsertAction(ctx, j.id, j.rec)
		cancel()
		if err != nil {
			r.drop("write_error", j.rec.Action, j.id, err)
			continue
		}
		r.m.Recorded("best_effort")
	}
}

func (r *Recorder) drop(reason, action string, id model.IdentityContext, err error) {
	r.m.Dropped(reason)
	fields := []zap.Field{
		zap.String("reason", reason),
		zap.String("action", action),
		zap.String("tenant_id", id.TenantID),
		zap.String("user_id", id.UserID),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	r.log.Warn("action audit not recorded", fields...)
}

func (r *Recorder) build(id model.IdentityContext, a Action) (*model.UserActionAuditLog, error) {
	tenantID, err := identity.VerifyTenantAccess(id, "")
	if err != nil {
		return nil, err
	}
	if id.UserID == "" {
		return nil, errs.ErrUnauthenticated
	}
	name := strings.TrimSpace(a.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: action name is empty", errs.ErrInvalidInput)
	}
	if a.TargetFacilityID == "" {
		return nil, fmt.Errorf("%w: target facility is required", errs.ErrInvalidInput)
	}
	rec := &model.UserActionAuditLog{
		ID:               r.newID(),
		UserID:           id.UserID,
		TargetFacilityID: a.TargetFacilityID,
		TargetTenantID:   tenantID,
		Action:           name,
		TargetUserID:     optional(a.TargetUserID),
		ClientID:         optional(a.ClientID),
	}
	if len(a.Details) > 0 {
		raw, err := json.Marshal(a.Details)
		if err != nil {
			return nil, fmt.Errorf("%w: details: %v", errs.ErrInvalidInput, err)
		}
		rec.Details = raw
	}
	return rec, nil
}

func (r *Recorder) newID() string {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(r.now()), r.entropy).String()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
