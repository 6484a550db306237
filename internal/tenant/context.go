package tenant

import (
	"context"
	"strings"
)

// Plan identifies the subscription tier of a tenant.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Context describes the tenant a logical call executes on behalf of. Values
// are immutable; a new one is resolved per inbound request and never
// persisted.
type Context struct {
	ID     string
	Plan   Plan
	Active bool
	// DBURL optionally points at a dedicated database for the tenant.
	DBURL string
}

type contextKey string

const tenantContextKey contextKey = "tenant.ctx"

// none marks a scope that deliberately runs without a tenant. It shadows any
// enclosing tenant so cross-tenant code cannot accidentally inherit one.
type none struct{}

// With stores the tenant inside the context. Callers should treat the
// returned context as the only handle carrying the tenant; the previous
// context keeps its previous tenant (or absence), so nested scopes restore
// naturally.
func With(ctx context.Context, t Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, tenantContextKey, t)
}

// Without returns a context that runs outside any tenant scope, even when the
// parent carries one. This is the escape hatch for cross-tenant
// administrative operations; callers at the boundary must gate its use with
// their own authorization check.
func Without(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, tenantContextKey, none{})
}

// From extracts the tenant from the context. The second return value is false
// both outside any scope and inside a Without scope; a zero-valued tenant
// with an empty ID is also treated as absent.
func From(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	switch v := ctx.Value(tenantContextKey).(type) {
	case Context:
		if strings.TrimSpace(v.ID) == "" {
			return Context{}, false
		}
		return v, true
	default:
		return Context{}, false
	}
}

// RunWithout executes fn with the tenant scope explicitly cleared for the
// duration of the call.
func RunWithout(ctx context.Context, fn func(context.Context) error) error {
	return fn(Without(ctx))
}

// PrefixKey creates a namespaced cache/queue key per tenant id.
func PrefixKey(tenantID, key string) string {
	if tenantID == "" {
		return key
	}
	return tenantID + ":" + key
}
