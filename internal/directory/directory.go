// Package directory resolves tenant slugs against the shared tenants
// collection.
package directory

import (
	"context"
	"errors"

	"github.com/noah-isme/commerce-core/internal/common"
	"github.com/noah-isme/commerce-core/internal/store"
	"github.com/noah-isme/commerce-core/internal/tenant"
)

// EntityTenants is the shared collection of tenant records.
const EntityTenants = "tenants"

// StoreDirectory looks tenants up through the storage driver. The tenants
// collection sits in the shared set, so the lookup works from any scope.
type StoreDirectory struct {
	Store store.Driver
}

// Lookup resolves a slug (or raw id) to a tenant context.
func (d StoreDirectory) Lookup(ctx context.Context, slugOrID string) (tenant.Context, error) {
	if slugOrID == "" {
		return tenant.Context{}, common.ErrNotFound
	}
	res, err := d.Store.Dispatch(ctx, store.Op{
		Entity: EntityTenants,
		Kind:   store.FindFirst,
		Filter: store.Filter{"slug": slugOrID},
	})
	if errors.Is(err, common.ErrNotFound) {
		res, err = d.Store.Dispatch(ctx, store.Op{
			Entity: EntityTenants,
			Kind:   store.FindUnique,
			Filter: store.Filter{"id": slugOrID},
		})
	}
	if err != nil {
		return tenant.Context{}, err
	}
	row := res.First()
	return tenant.Context{
		ID:     row.String("id"),
		Plan:   tenant.Plan(row.String("plan")),
		Active: row.Bool("active"),
		DBURL:  row.String("db_url"),
	}, nil
}
