package store

import (
	"context"
	"time"
)

// OpKind identifies a storage operation against an entity collection.
// Update and Delete address a single row: callers must filter on a key that
// matches at most one (in practice the id). What a driver does with a
// broader filter is unspecified, so the Many forms are the only way to touch
// multiple rows deliberately.
type OpKind string

const (
	FindUnique OpKind = "findUnique"
	FindFirst  OpKind = "findFirst"
	FindMany   OpKind = "findMany"
	Count      OpKind = "count"
	Aggregate  OpKind = "aggregate"
	Create     OpKind = "create"
	CreateMany OpKind = "createMany"
	Update     OpKind = "update"
	UpdateMany OpKind = "updateMany"
	Delete     OpKind = "delete"
	DeleteMany OpKind = "deleteMany"
	Upsert     OpKind = "upsert"
)

// Filter selects rows by column. Values are matched for equality; nil
// matches NULL, NotNull matches non-NULL, a slice value builds an IN clause
// and LT builds a less-than comparison.
type Filter map[string]any

// Row is a single record keyed by column name. It doubles as the payload
// type for writes.
type Row map[string]any

type notNull struct{}

// NotNull is the filter value matching rows whose column is set. It is how a
// caller explicitly asks for tombstoned rows.
var NotNull any = notNull{}

type ltCond struct{ v any }

// LT builds a filter value matching rows whose column is strictly less than v.
func LT(v any) any { return ltCond{v: v} }

// AggregateSpec describes the aggregate to compute over matching rows.
type AggregateSpec struct {
	// Sum names the column whose values are summed.
	Sum string
}

// Conflict describes upsert behaviour when the insert collides on the given
// unique columns.
type Conflict struct {
	Columns   []string
	DoNothing bool
	// Set holds the assignments applied to the existing row on conflict.
	// Ignored when DoNothing is true.
	Set Row
}

// Op is a tagged description of one storage operation. The interception
// layer rewrites Ops before they reach a driver; drivers execute them
// verbatim.
type Op struct {
	Entity   string
	Kind     OpKind
	Filter   Filter
	Data     Row   // update payload
	Rows     []Row // create/createMany/upsert rows
	Conflict *Conflict
	Agg      *AggregateSpec
	OrderBy  string
	Limit    int
}

// Result carries whichever outputs the operation kind produces.
type Result struct {
	Rows     []Row
	Affected int64
	Count    int64
	Sum      float64
}

// First returns the first row of the result, or nil.
func (r Result) First() Row {
	if len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

// TxOptions controls transaction scoping.
type TxOptions struct {
	Serializable bool
	Timeout      time.Duration
}

// Driver executes storage operations. Implementations must honour context
// cancellation on every dispatch.
type Driver interface {
	Dispatch(ctx context.Context, op Op) (Result, error)
	// InTx runs fn with a driver bound to a single transaction. A non-nil
	// error from fn rolls the transaction back.
	InTx(ctx context.Context, opts TxOptions, fn func(Driver) error) error
	// BindTenant sets the session-level tenant variable. An empty id is the
	// sentinel for "no tenant".
	BindTenant(ctx context.Context, tenantID string) error
}

// String getter with a zero value for missing or mistyped columns.
func (r Row) String(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

// Int64 coerces common numeric scan types.
func (r Row) Int64(key string) int64 {
	switch v := r[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Bool coerces booleans and the numeric scan forms some drivers use.
func (r Row) Bool(key string) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

// Time returns the column as a time.Time, zero when absent.
func (r Row) Time(key string) time.Time {
	if v, ok := r[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

// Has reports whether the column is present and non-NULL.
func (r Row) Has(key string) bool {
	v, ok := r[key]
	return ok && v != nil
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy of the filter.
func (f Filter) Clone() Filter {
	if f == nil {
		return Filter{}
	}
	out := make(Filter, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
