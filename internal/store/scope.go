package store

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/commerce-core/internal/tenant"
)

// ErrUnfilteredDelete rejects a delete against a soft-delete collection with
// no filter, which would otherwise tombstone every row.
var ErrUnfilteredDelete = errors.New("store: delete on a soft-delete collection requires a filter")

// Policy classifies entity collections. Both sets are fixed at startup and
// never mutated afterwards; a collection may belong to both.
type Policy struct {
	shared     map[string]struct{}
	softDelete map[string]struct{}
}

// NewPolicy builds the classification tables.
func NewPolicy(shared, softDelete []string) Policy {
	p := Policy{
		shared:     make(map[string]struct{}, len(shared)),
		softDelete: make(map[string]struct{}, len(softDelete)),
	}
	for _, e := range shared {
		p.shared[e] = struct{}{}
	}
	for _, e := range softDelete {
		p.softDelete[e] = struct{}{}
	}
	return p
}

// Shared reports whether the collection is visible across all tenants.
func (p Policy) Shared(entity string) bool {
	_, ok := p.shared[entity]
	return ok
}

// SoftDeleted reports whether the collection uses deleted_at tombstones.
func (p Policy) SoftDeleted(entity string) bool {
	_, ok := p.softDelete[entity]
	return ok
}

// scoped decorates a Driver so every dispatched operation is rewritten for
// the tenant carried by the call's context before it reaches storage.
type scoped struct {
	inner  Driver
	policy Policy
	now    func() time.Time
}

// Scope wraps the driver with tenant and soft-delete interception.
func Scope(inner Driver, policy Policy) Driver {
	return &scoped{inner: inner, policy: policy, now: time.Now}
}

func (s *scoped) Dispatch(ctx context.Context, op Op) (Result, error) {
	tc, ok := tenant.From(ctx)

	// Session binding happens once per operation, before any rewrite, so the
	// storage engine's own row policies stay enforced even if the rewrite is
	// ever bypassed.
	id := ""
	if ok {
		id = tc.ID
	}
	if err := s.inner.BindTenant(ctx, id); err != nil {
		return Result{}, err
	}

	var tcp *tenant.Context
	if ok {
		tcp = &tc
	}
	rewritten, err := Rewrite(op, tcp, s.policy, s.now())
	if err != nil {
		return Result{}, err
	}
	return s.inner.Dispatch(ctx, rewritten)
}

func (s *scoped) InTx(ctx context.Context, opts TxOptions, fn func(Driver) error) error {
	return s.inner.InTx(ctx, opts, func(tx Driver) error {
		return fn(&scoped{inner: tx, policy: s.policy, now: s.now})
	})
}

func (s *scoped) BindTenant(ctx context.Context, tenantID string) error {
	return s.inner.BindTenant(ctx, tenantID)
}

// filteredKinds are the operations whose row selection gets the tenant
// predicate merged in.
func filtered(kind OpKind) bool {
	switch kind {
	case FindUnique, FindFirst, FindMany, Count, Aggregate, Update, UpdateMany, Delete, DeleteMany, Upsert:
		return true
	}
	return false
}

func readLike(kind OpKind) bool {
	switch kind {
	case FindUnique, FindFirst, FindMany, Count, Aggregate:
		return true
	}
	return false
}

func creates(kind OpKind) bool {
	switch kind {
	case Create, CreateMany, Upsert:
		return true
	}
	return false
}

// Rewrite applies the interception steps to one operation as a pure
// function: tenant filtering first, then soft-delete filtering, then the
// delete-to-tombstone substitution. A nil tenant skips tenant filtering
// entirely; that is the deliberate escape hatch for cross-tenant scopes.
func Rewrite(op Op, tc *tenant.Context, policy Policy, now time.Time) (Op, error) {
	if tc != nil && !policy.Shared(op.Entity) {
		if filtered(op.Kind) {
			f := op.Filter.Clone()
			f["tenant_id"] = tc.ID
			op.Filter = f
			// Adding a non-unique predicate to a unique-key lookup is not
			// valid, so the lookup degrades to a filtered first match.
			if op.Kind == FindUnique {
				op.Kind = FindFirst
			}
		}
		if creates(op.Kind) {
			rows := make([]Row, len(op.Rows))
			for i, row := range op.Rows {
				r := row.Clone()
				// An explicit tenant_id is preserved verbatim: that is how a
				// privileged scope provisions rows for another tenant.
				if _, explicit := r["tenant_id"]; !explicit {
					r["tenant_id"] = tc.ID
				}
				rows[i] = r
			}
			op.Rows = rows
		}
	}

	if policy.SoftDeleted(op.Entity) {
		if readLike(op.Kind) {
			if _, constrained := op.Filter["deleted_at"]; !constrained {
				f := op.Filter.Clone()
				f["deleted_at"] = nil
				op.Filter = f
				if op.Kind == FindUnique {
					op.Kind = FindFirst
				}
			}
		}
		if op.Kind == Delete || op.Kind == DeleteMany {
			if len(op.Filter) == 0 {
				return Op{}, ErrUnfilteredDelete
			}
			if op.Kind == Delete {
				op.Kind = Update
			} else {
				op.Kind = UpdateMany
			}
			data := op.Data.Clone()
			if data == nil {
				data = Row{}
			}
			data["deleted_at"] = now
			op.Data = data
		}
	}

	return op, nil
}
