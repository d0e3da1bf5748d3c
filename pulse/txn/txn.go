// Package txn is the transaction manager used by the scheduler core.
//
// A transaction is carried on the context. RunInTransaction starts one (or
// joins the one already on the context), and everything below it reaches the
// database through Conn(ctx), so stores never care whether they run inside a
// transaction or not.
//
// Beyond commit/rollback the manager offers the hooks the job wrapper needs:
// buffered writes flushed before commit (Defer/Flush), rollback-only marking,
// and synchronizations whose AfterCompletion runs once the transaction has
// finished, with a context that no longer carries it.
package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/jobkeeper/errors"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Status is the outcome reported to AfterCompletion.
type Status int

const (
	StatusCommitted Status = iota
	StatusRolledBack
	// StatusUnknown means COMMIT itself failed; the database decides what survived.
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Synchronization observes the end of a transaction.
type Synchronization interface {
	// BeforeCommit runs after buffered writes are flushed, before COMMIT.
	// An error rolls the transaction back.
	BeforeCommit(ctx context.Context) error
	// AfterCompletion runs after COMMIT or ROLLBACK. ctx carries no transaction.
	AfterCompletion(ctx context.Context, status Status)
}

// AfterCompletionFunc adapts a function to a Synchronization with no before-commit work.
type AfterCompletionFunc func(ctx context.Context, status Status)

func (f AfterCompletionFunc) BeforeCommit(context.Context) error { return nil }

func (f AfterCompletionFunc) AfterCompletion(ctx context.Context, status Status) { f(ctx, status) }

var (
	// ErrNoTransaction is returned by operations that need an active transaction.
	ErrNoTransaction = errors.New("no active transaction")
	// ErrRolledBack is returned when fn succeeded but the transaction was marked rollback-only.
	ErrRolledBack = errors.New("transaction rolled back: marked rollback-only")
	// ErrCommitUnknown marks a failed COMMIT. The writes may or may not have
	// landed, so the unit of work must not simply be run again.
	ErrCommitUnknown = errors.New("transaction outcome unknown")
)

// Manager runs units of work in database transactions.
type Manager struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewManager creates a transaction manager over db.
func NewManager(db *sql.DB, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{db: db, logger: logger}
}

type stateKey struct{}

type txState struct {
	tx *sql.Tx

	mu           sync.Mutex
	rollbackOnly bool
	syncs        []Synchronization
	pending      []func(ctx context.Context, conn DBTX) error
}

func stateFrom(ctx context.Context) *txState {
	st, _ := ctx.Value(stateKey{}).(*txState)
	return st
}

// RunInTransaction runs fn inside a transaction. If ctx already carries one,
// fn joins it and a failure marks the shared transaction rollback-only.
// Otherwise a new transaction is started; it is rolled back when fn fails or
// the transaction was marked rollback-only, and committed otherwise. Registered
// synchronizations complete before RunInTransaction returns.
func (m *Manager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if st := stateFrom(ctx); st != nil {
		if err := fn(ctx); err != nil {
			st.markRollbackOnly()
			return err
		}
		return nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	st := &txState{tx: tx}
	txCtx := context.WithValue(ctx, stateKey{}, st)

	defer func() {
		if p := recover(); p != nil {
			m.rollback(st)
			m.complete(ctx, st, StatusRolledBack)
			panic(p)
		}
	}()

	status, err := m.finish(txCtx, st, fn(txCtx))
	m.complete(ctx, st, status)
	return err
}

func (m *Manager) finish(ctx context.Context, st *txState, fnErr error) (Status, error) {
	if fnErr != nil {
		m.rollback(st)
		return StatusRolledBack, fnErr
	}
	if st.isRollbackOnly() {
		m.rollback(st)
		return StatusRolledBack, errors.WithStack(ErrRolledBack)
	}

	if err := st.flush(ctx); err != nil {
		m.rollback(st)
		return StatusRolledBack, err
	}
	for _, s := range st.synchronizations() {
		if err := s.BeforeCommit(ctx); err != nil {
			m.rollback(st)
			return StatusRolledBack, errors.Wrap(err, "before commit")
		}
	}

	if err := st.tx.Commit(); err != nil {
		return StatusUnknown, errors.Mark(errors.Wrap(err, "commit transaction"), ErrCommitUnknown)
	}
	return StatusCommitted, nil
}

func (m *Manager) rollback(st *txState) {
	if err := st.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		m.logger.Warnw("Rollback failed", "error", err)
	}
}

// complete runs AfterCompletion on every synchronization in registration order.
// A panicking synchronization is logged and does not stop the others.
func (m *Manager) complete(ctx context.Context, st *txState, status Status) {
	syncs := st.synchronizations()
	m.logger.Debugw("Transaction completed", "status", status.String(), "synchronizations", len(syncs))

	for _, s := range syncs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					m.logger.Errorw("Transaction synchronization panicked",
						"status", status.String(),
						"panic", fmt.Sprint(p))
				}
			}()
			s.AfterCompletion(ctx, status)
		}()
	}
}

// Conn returns the transaction carried by ctx, or the database when there is none.
func (m *Manager) Conn(ctx context.Context) DBTX {
	if st := stateFrom(ctx); st != nil {
		return st.tx
	}
	return m.db
}

// Active reports whether ctx carries a transaction.
func (m *Manager) Active(ctx context.Context) bool {
	return stateFrom(ctx) != nil
}

// MarkRollbackOnly makes the transaction on ctx roll back whatever fn returns.
func (m *Manager) MarkRollbackOnly(ctx context.Context) error {
	st := stateFrom(ctx)
	if st == nil {
		return errors.WithStack(ErrNoTransaction)
	}
	st.markRollbackOnly()
	return nil
}

// IsRollbackOnly reports whether the transaction on ctx is marked rollback-only.
func (m *Manager) IsRollbackOnly(ctx context.Context) bool {
	st := stateFrom(ctx)
	return st != nil && st.isRollbackOnly()
}

// RegisterSynchronization attaches s to the transaction on ctx.
func (m *Manager) RegisterSynchronization(ctx context.Context, s Synchronization) error {
	st := stateFrom(ctx)
	if st == nil {
		return errors.WithStack(ErrNoTransaction)
	}
	st.mu.Lock()
	st.syncs = append(st.syncs, s)
	st.mu.Unlock()
	return nil
}

// Defer buffers a write until the transaction flushes (explicit Flush or commit).
// Without a transaction the write runs immediately.
func (m *Manager) Defer(ctx context.Context, write func(ctx context.Context, conn DBTX) error) error {
	st := stateFrom(ctx)
	if st == nil {
		return write(ctx, m.db)
	}
	st.mu.Lock()
	st.pending = append(st.pending, write)
	st.mu.Unlock()
	return nil
}

// Flush executes buffered writes now, so their errors surface to the caller
// rather than at commit.
func (m *Manager) Flush(ctx context.Context) error {
	st := stateFrom(ctx)
	if st == nil {
		return nil
	}
	return st.flush(ctx)
}

// Detach returns a context that no longer carries a transaction, so work
// started from it opens its own.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, stateKey{}, (*txState)(nil))
}

func (st *txState) markRollbackOnly() {
	st.mu.Lock()
	st.rollbackOnly = true
	st.mu.Unlock()
}

func (st *txState) isRollbackOnly() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rollbackOnly
}

func (st *txState) synchronizations() []Synchronization {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Synchronization, len(st.syncs))
	copy(out, st.syncs)
	return out
}

func (st *txState) flush(ctx context.Context) error {
	st.mu.Lock()
	pending := st.pending
	st.pending = nil
	st.mu.Unlock()

	for i, write := range pending {
		if err := write(ctx, st.tx); err != nil {
			return errors.Wrapf(err, "flush buffered write %d of %d", i+1, len(pending))
		}
	}
	return nil
}
