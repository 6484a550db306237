// Package app holds wiring shared between the binaries.
package app

import (
	"github.com/noah-isme/commerce-core/internal/cart"
	"github.com/noah-isme/commerce-core/internal/directory"
	"github.com/noah-isme/commerce-core/internal/store"
)

// DefaultPolicy fixes the entity classification for this deployment: which
// collections are visible across tenants and which use tombstones. Built
// once at startup and handed to the interception layer read-only. The sets
// may overlap; audit logs are both shared and tombstoned.
func DefaultPolicy() store.Policy {
	return store.NewPolicy(
		[]string{directory.EntityTenants, "roles", "permissions", "audit_logs"},
		[]string{"products", cart.EntitySKUs, "audit_logs"},
	)
}
