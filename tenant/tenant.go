// Package tenant carries the acting tenant on a context.Context.
//
// Every scheduler operation is tenant-scoped. Instead of binding a tenant to
// the calling goroutine, callers derive a context with WithID (or through a
// Binder) and pass it down; code that needs the tenant calls Require.
package tenant

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/logger"
)

// ErrNotBound is returned when an operation needs a tenant and none is on the context.
var ErrNotBound = errors.New("tenant not bound")

// ErrInvalidID is returned when binding a blank tenant id.
var ErrInvalidID = errors.New("invalid tenant id")

type contextKey struct{}

func init() {
	logger.RegisterTenantLookup(ID)
}

// WithID returns a copy of ctx carrying tenantID (surrounding whitespace removed).
func WithID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKey{}, strings.TrimSpace(tenantID))
}

// ID returns the tenant carried by ctx, or "" when none is bound.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Require returns the bound tenant or ErrNotBound.
func Require(ctx context.Context) (string, error) {
	id := ID(ctx)
	if id == "" {
		return "", errors.WithStack(ErrNotBound)
	}
	return id, nil
}

// Binder binds a context to a tenant. The returned release func undoes the
// binding and must be called exactly once, typically with defer.
type Binder interface {
	Bind(ctx context.Context, tenantID string) (context.Context, func(), error)
}

// ContextBinder is the default Binder. It stores the tenant on the context and
// optionally validates it first (e.g. against a tenant directory).
type ContextBinder struct {
	// Validate, when set, rejects unknown tenants. Its error is returned from Bind.
	Validate func(ctx context.Context, tenantID string) error

	active atomic.Int64
}

// NewContextBinder returns a binder that accepts any non-blank tenant.
func NewContextBinder() *ContextBinder {
	return &ContextBinder{}
}

// Bind implements Binder.
func (b *ContextBinder) Bind(ctx context.Context, tenantID string) (context.Context, func(), error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ctx, func() {}, errors.WithStack(ErrInvalidID)
	}
	if b.Validate != nil {
		if err := b.Validate(ctx, tenantID); err != nil {
			return ctx, func() {}, errors.Wrapf(err, "bind tenant %s", tenantID)
		}
	}

	b.active.Add(1)
	var released atomic.Bool
	release := func() {
		if released.CompareAndSwap(false, true) {
			b.active.Add(-1)
		}
	}
	return WithID(ctx, tenantID), release, nil
}

// Active returns the number of bindings not yet released.
func (b *ContextBinder) Active() int64 {
	return b.active.Load()
}
