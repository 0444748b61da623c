// Package workflow implements the approval engine: chain construction at
// submission time, the per-expense decision state machine, the quorum rule
// evaluator, and the role-scoped read surface. Every multi-row write runs
// inside a gorm transaction; decisions additionally lock the expense row so
// concurrent approvers on the same expense serialize.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"expenseflow/models"
)

// CascadeComment is stamped on every slot rejected as a consequence of an
// earlier rejection in the same chain.
const CascadeComment = "Rejected due to prior rejection in approval chain"

// Converter normalizes a submitted amount into the company base currency.
// currency.Normalizer is the production implementation.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, decimal.Decimal, error)
}

// Actor is the authenticated principal a request acts as. The engine trusts
// it blindly; extraction and verification happen at the transport layer.
type Actor struct {
	UserID    uuid.UUID
	CompanyID uuid.UUID
	Role      models.Role
}

// Engine drives expenses from submission to a terminal decision.
type Engine struct {
	db        *gorm.DB
	converter Converter
	now       func() time.Time
	log       *slog.Logger
	metrics   *Metrics
}

// Option adjusts optional Engine behaviour.
type Option func(*Engine)

// WithClock overrides the time source. Tests use it to pin decided_at values.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger overrides the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics attaches engine counters. Without it the engine records nothing.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine constructs the approval engine over an opened database handle.
func NewEngine(db *gorm.DB, converter Converter, opts ...Option) *Engine {
	e := &Engine{
		db:        db,
		converter: converter,
		now:       func() time.Time { return time.Now().UTC() },
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DB exposes the underlying handle for transports that need read access
// outside the engine (health checks, principal lookups).
func (e *Engine) DB() *gorm.DB { return e.db }

// appendAudit writes one audit event inside the caller's transaction.
func (e *Engine) appendAudit(tx *gorm.DB, expenseID *uuid.UUID, actorID uuid.UUID, action, details string) error {
	event := models.AuditEvent{
		ID:        uuid.New(),
		ExpenseID: expenseID,
		ActorID:   actorID,
		Action:    action,
		Details:   details,
		CreatedAt: e.now(),
	}
	if err := tx.Create(&event).Error; err != nil {
		return fmt.Errorf("append audit event %s: %w", action, err)
	}
	return nil
}

// detailJSON renders audit details as compact JSON, falling back to empty on
// marshal failure so audit writes never sink a transaction.
func detailJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
