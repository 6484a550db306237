package cart_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/noah-isme/commerce-core/internal/app"
	"github.com/noah-isme/commerce-core/internal/cart"
	"github.com/noah-isme/commerce-core/internal/common"
	"github.com/noah-isme/commerce-core/internal/store"
	"github.com/noah-isme/commerce-core/internal/tenant"
)

const (
	tenantA = "tenant-a"
	tenantB = "tenant-b"
)

func newService(t *testing.T) (*cart.Service, *store.Mem) {
	t.Helper()
	mem := store.NewMem()
	svc := &cart.Service{
		Store:     store.Scope(mem, app.DefaultPolicy()),
		TxTimeout: time.Second,
	}
	return svc, mem
}

func ctxFor(tenantID string) context.Context {
	return tenant.With(context.Background(), tenant.Context{ID: tenantID, Active: true})
}

func seedSKU(mem *store.Mem, tenantID, id string, stock, price int64, extra store.Row) {
	row := store.Row{
		"id":        id,
		"tenant_id": tenantID,
		"stock":     stock,
		"status":    cart.SKUStatusActive,
		"price":     price,
	}
	for k, v := range extra {
		row[k] = v
	}
	mem.Seed(cart.EntitySKUs, row)
}

func TestGetOrCreateCartLazilyCreates(t *testing.T) {
	svc, mem := newService(t)
	ctx := ctxFor(tenantA)

	view, err := svc.GetOrCreateCart(ctx, "u1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if view.ID == "" || view.UserID != "u1" || view.TenantID != tenantA {
		t.Fatalf("unexpected cart: %+v", view.Cart)
	}
	if view.TotalAmount != 0 || view.TotalItems != 0 || len(view.Items) != 0 {
		t.Fatalf("fresh cart should be empty: %+v", view)
	}

	again, err := svc.GetOrCreateCart(ctx, "u1")
	if err != nil {
		t.Fatalf("second access: %v", err)
	}
	if again.ID != view.ID {
		t.Fatalf("second access created a new cart: %s vs %s", again.ID, view.ID)
	}
	if rows := mem.Table(cart.EntityCarts); len(rows) != 1 {
		t.Fatalf("expected one cart row, got %d", len(rows))
	}
}

func TestGetOrCreateCartSeparatePerTenant(t *testing.T) {
	svc, mem := newService(t)

	a, err := svc.GetOrCreateCart(ctxFor(tenantA), "u1")
	if err != nil {
		t.Fatalf("tenant A: %v", err)
	}
	b, err := svc.GetOrCreateCart(ctxFor(tenantB), "u1")
	if err != nil {
		t.Fatalf("tenant B: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("tenants must not share a cart row")
	}
	if rows := mem.Table(cart.EntityCarts); len(rows) != 2 {
		t.Fatalf("expected two cart rows, got %d", len(rows))
	}
}

func TestGetOrCreateCartTotals(t *testing.T) {
	svc, mem := newService(t)
	ctx := ctxFor(tenantA)
	sale := int64(80)
	seedSKU(mem, tenantA, "sku-plain", 10, 100, nil)
	seedSKU(mem, tenantA, "sku-sale", 10, 100, store.Row{"sale_price": sale})

	if _, err := svc.AddItem(ctx, "u1", "sku-plain", 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.AddItem(ctx, "u1", "sku-sale", 3); err != nil {
		t.Fatalf("add: %v", err)
	}

	view, err := svc.GetOrCreateCart(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// 2×100 + 3×80: the sale price wins when lower.
	if view.TotalAmount != 440 {
		t.Fatalf("expected total 440, got %d", view.TotalAmount)
	}
	if view.TotalItems != 5 {
		t.Fatalf("expected 5 items, got %d", view.TotalItems)
	}
}

func TestGetOrCreateCartMissingSKUContributesZero(t *testing.T) {
	svc, mem := newService(t)
	ctx := ctxFor(tenantA)
	seedSKU(mem, tenantA, "sku-1", 10, 100, nil)

	if _, err := svc.AddItem(ctx, "u1", "sku-1", 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	// The SKU disappears (hard removal by the catalog) after the item exists.
	if _, err := mem.Dispatch(context.Background(), store.Op{
		Entity: cart.EntitySKUs,
		Kind:   store.Delete,
		Filter: store.Filter{"id": "sku-1"},
	}); err != nil {
		t.Fatalf("remove sku: %v", err)
	}

	view, err := svc.GetOrCreateCart(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(view.Items) != 1 || view.TotalAmount != 0 {
		t.Fatalf("dangling SKU must contribute zero: %+v", view)
	}
}

func TestOperationsRequireTenant(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.GetOrCreateCart(ctx, "u1"); !errors.Is(err, common.ErrTenantRequired) {
		t.Fatalf("get: expected ErrTenantRequired, got %v", err)
	}
	if _, err := svc.AddItem(ctx, "u1", "sku", 1); !errors.Is(err, common.ErrTenantRequired) {
		t.Fatalf("add: expected ErrTenantRequired, got %v", err)
	}
	if _, err := svc.UpdateItemQuantity(ctx, "u1", "item", 1); !errors.Is(err, common.ErrTenantRequired) {
		t.Fatalf("update: expected ErrTenantRequired, got %v", err)
	}
	if err := svc.RemoveItem(ctx, "u1", "item"); !errors.Is(err, common.ErrTenantRequired) {
		t.Fatalf("remove: expected ErrTenantRequired, got %v", err)
	}
	if err := svc.ClearCart(ctx, "u1"); !errors.Is(err, common.ErrTenantRequired) {
		t.Fatalf("clear: expected ErrTenantRequired, got %v", err)
	}
	if _, err := svc.MergeCart(ctx, "u1", []cart.MergeItem{{SKUID: "s", Quantity: 1}}); !errors.Is(err, common.ErrTenantRequired) {
		t.Fatalf("merge: expected ErrTenantRequired, got %v", err)
	}
}

func TestAddItemValidations(t *testing.T) {
	svc, mem := newService(t)
	ctx := ctxFor(tenantA)
	seedSKU(mem, tenantA, "sku-low", 2, 100, nil)
	mem.Seed(cart.EntitySKUs, store.Row{
		"id": "sku-off", "tenant_id": tenantA, "stock": int64(5), "status": "RETIRED", "price": int64(100),
	})

	if _, err := svc.AddItem(ctx, "u1", "missing", 1); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	var inactive *common.SKUInactiveError
	if _, err := svc.AddItem(ctx, "u1", "sku-off", 1); !errors.As(err, &inactive) {
		t.Fatalf("expected SKUInactiveError, got %v", err)
	}

	var stock *common.StockError
	_, err := svc.AddItem(ctx, "u1", "sku-low", 3)
	if !errors.As(err, &stock) {
		t.Fatalf("expected StockError, got %v", err)
	}
	if stock.Available != 2 || stock.Requested != 3 {
		t.Fatalf("stock error must carry counts: %+v", stock)
	}

	if _, err := svc.AddItem(ctx, "u1", "sku-low", 0); !errors.Is(err, cart.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestAddItemTombstonedSKUHidden(t *testing.T) {
	svc, mem := newService(t)
	seedSKU(mem, tenantA, "sku-dead", 5, 100, store.Row{"deleted_at": time.Now()})

	if _, err := svc.AddItem(ctxFor(tenantA), "u1", "sku-dead", 1); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("tombstoned SKU must be invisible, got %v", err)
	}
}

func TestAddItemCapCorrectness(t *testing.T) {
	svc, mem := newService(t)
	ctx := ctxFor(tenantA)
	seedSKU(mem, tenantA, "sku-1", 5, 100, nil)

	first, err := svc.AddItem(ctx, "u1", "sku-1", 2)
	if err != nil {
		t.Fatalf("first add: %v", err)
	}
	if first.Capped || first.Item.Quantity != 2 {
		t.Fatalf("first add wrong: %+v", first)
	}

	// An existing line absorbs an oversized addition: the stored quantity is
	// clamped to stock instead of failing the call.
	second, err := svc.AddItem(ctx, "u1", "sku-1", 10)
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if !second.Capped {
		t.Fatal("expected capped result")
	}
	if second.Item.Quantity != 5 {
		t.Fatalf("expected stored quantity 5, got %d", second.Item.Quantity)
	}

	view, err := svc.GetOrCreateCart(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.TotalItems != 5 {
		t.Fatalf("expected persisted quantity 5, got %d", view.TotalItems)
	}
}

func TestAddItemFreshLineAboveStockFails(t *testing.T) {
	svc, mem := newService(t)
	ctx := ctxFor(tenantA)
	seedSKU(mem, tenantA, "sku-1", 5, 100, nil)

	var stockErr *common.StockError
	_, err := svc.AddItem(ctx, "u1", "sku-1", 10)
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected StockError, got %v", err)
	}
	if stockErr.Available != 5 || stockErr.Requested != 10 {
		t.Fatalf("stock error must carry counts: %+v", stockErr)
	}
	// The rolled-back transaction leaves no line behind.
	if rows := mem.Table(cart.EntityItems); len(rows) != 0 {
		t.Fatalf("failed add must not leave an item: %v", rows)
	}
}

func TestAddItemTwiceWithinStock(t *testing.T) {
	svc, mem := newService(t)
	ctx := ctxFor(tenantA)
	seedSKU(mem, tenantA, "sku-1", 10, 100, nil)

	for i := 0; i < 2; i++ {
		res, err := svc.AddItem(ctx, "u1", "sku-1", 3)
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		if res.Capped {
			t.Fatalf("add %d should not cap", i)
		}
	}

	view, err := svc.GetOrCreateCart(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.TotalItems != 6 {
		t.Fatalf("expected stored quantity 6, got %d", view.TotalItems)
	}
	if len(view.Items) != 1 {
		t.Fatalf("expected one line per SKU, got %d", len(view.Items))
	}
}

func TestAddItemConcurrentNeverOversells(t *testing.T) {
	svc, mem := newService(t)
	ctx := ctxFor(tenantA)
	seedSKU(mem, tenantA, "sku-1", 5, 100, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.AddItem(ctx, "u1", "sku-1", 2)
		}()
	}
	wg.Wait()

	view, err := svc.GetOrCreateCart(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.TotalItems > 5 {
		t.Fatalf("oversold: %d reserved with stock 5", view.TotalItems)
	}
	if view.TotalItems != 5 {
		t.Fatalf("expected the cart to fill to stock, got %d", view.TotalItems)
	}
}

func TestUpdateItemQuantity(t *testing.T) {
	svc, mem := newService(t)
	ctx := ctxFor(tenantA)
	seedSKU(mem, tenantA, "sku-1", 10, 100, nil)

	added, err := svc.AddItem(ctx, "u1", "sku-1", 2)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	item, err := svc.UpdateItemQuantity(ctx, "u1", added.Item.ID, 7)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if item.Quantity != 7 {
		t.Fatalf("expected quantity 7, got %d", item.Quantity)
	}

	var stockErr *common.StockError
	if _, err := svc.UpdateItemQuantity(ctx, "u1", added.Item.ID, 11); !errors.As(err, &stockErr) {
		t.Fatalf("expected StockError, got %v", err)
	}
	if stockErr.Available != 10 {
		t.Fatalf("stock error must carry current stock: %+v", stockErr)
	}

	// Zero quantity means removal.
	if _, err := svc.UpdateItemQuantity(ctx, "u1", added.Item.ID, 0); err != nil {
		t.Fatalf("update to zero: %v", err)
	}
	if rows := mem.Table(cart.EntityItems); len(rows) != 0 {
		t.Fatalf("item should be gone: %v", rows)
	}
}

func TestOwnershipChecks(t *testing.T) {
	svc, mem := newService(t)
	ctx := ctxFor(tenantA)
	seedSKU(mem, tenantA, "sku-1", 10, 100, nil)

	added, err := svc.AddItem(ctx, "owner", "sku-1", 2)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := svc.UpdateItemQuantity(ctx, "intruder", added.Item.ID, 5); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("update must not reach a foreign item, got %v", err)
	}
	if err := svc.RemoveItem(ctx, "intruder", added.Item.ID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("remove must not reach a foreign item, got %v", err)
	}

	// The owner still can.
	if err := svc.RemoveItem(ctx, "owner", added.Item.ID); err != nil {
		t.Fatalf("owner remove: %v", err)
	}
}

func TestClearCart(t *testing.T) {
	svc, mem := newService(t)
	ctx := ctxFor(tenantA)

	// Without a cart it is a no-op.
	if err := svc.ClearCart(ctx, "u1"); err != nil {
		t.Fatalf("clear without cart: %v", err)
	}

	seedSKU(mem, tenantA, "sku-1", 10, 100, nil)
	if _, err := svc.AddItem(ctx, "u1", "sku-1", 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.ClearCart(ctx, "u1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if rows := mem.Table(cart.EntityItems); len(rows) != 0 {
		t.Fatalf("items remain after clear: %v", rows)
	}
}

func TestMergeCartProcessesLinesIndependently(t *testing.T) {
	svc, mem := newService(t)
	ctx := ctxFor(tenantA)
	seedSKU(mem, tenantA, "sku-ok", 10, 100, nil)
	mem.Seed(cart.EntitySKUs, store.Row{
		"id": "sku-off", "tenant_id": tenantA, "stock": int64(5), "status": "RETIRED", "price": int64(100),
	})

	results, err := svc.MergeCart(ctx, "u1", []cart.MergeItem{
		{SKUID: "sku-missing", Quantity: 1},
		{SKUID: "sku-off", Quantity: 1},
		{SKUID: "sku-ok", Quantity: 4},
		{SKUID: "sku-ok", Quantity: 0},
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected four results, got %d", len(results))
	}
	if results[0].Success || results[0].Error == "" {
		t.Fatalf("missing SKU must fail its line: %+v", results[0])
	}
	if results[1].Success {
		t.Fatalf("inactive SKU must fail its line: %+v", results[1])
	}
	if !results[2].Success || results[2].Capped {
		t.Fatalf("valid line must succeed: %+v", results[2])
	}
	if results[3].Success {
		t.Fatalf("non-positive quantity must fail its line: %+v", results[3])
	}

	view, err := svc.GetOrCreateCart(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.TotalItems != 4 {
		t.Fatalf("expected quantity 4 after merge, got %d", view.TotalItems)
	}
}

func TestMergeCartAdditiveAndClamped(t *testing.T) {
	svc, mem := newService(t)
	ctx := ctxFor(tenantA)
	seedSKU(mem, tenantA, "sku-1", 5, 100, nil)

	lines := []cart.MergeItem{{SKUID: "sku-1", Quantity: 3}}

	first, err := svc.MergeCart(ctx, "u1", lines)
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if !first[0].Success || first[0].Capped {
		t.Fatalf("first merge wrong: %+v", first[0])
	}

	// Replaying the same guest cart is additive and hits the stock ceiling.
	second, err := svc.MergeCart(ctx, "u1", lines)
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if !second[0].Success || !second[0].Capped {
		t.Fatalf("second merge should cap: %+v", second[0])
	}

	view, err := svc.GetOrCreateCart(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.TotalItems != 5 {
		t.Fatalf("expected clamp at stock 5, got %d", view.TotalItems)
	}

	// Merging once with doubled quantities lands on the same final state.
	doubled, mem2 := newService(t)
	seedSKU(mem2, tenantA, "sku-1", 5, 100, nil)
	if _, err := doubled.MergeCart(ctx, "u1", []cart.MergeItem{{SKUID: "sku-1", Quantity: 6}}); err != nil {
		t.Fatalf("doubled merge: %v", err)
	}
	dView, err := doubled.GetOrCreateCart(ctx, "u1")
	if err != nil {
		t.Fatalf("get doubled: %v", err)
	}
	if dView.TotalItems != view.TotalItems {
		t.Fatalf("merge is not idempotent under doubling: %d vs %d", dView.TotalItems, view.TotalItems)
	}
}

func TestMergeCartZeroStockLeavesNoItem(t *testing.T) {
	svc, mem := newService(t)
	ctx := ctxFor(tenantA)
	seedSKU(mem, tenantA, "sku-empty", 0, 100, nil)

	results, err := svc.MergeCart(ctx, "u1", []cart.MergeItem{{SKUID: "sku-empty", Quantity: 2}})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !results[0].Success || !results[0].Capped {
		t.Fatalf("zero stock line should clamp: %+v", results[0])
	}
	if rows := mem.Table(cart.EntityItems); len(rows) != 0 {
		t.Fatalf("clamp to zero must remove the item: %v", rows)
	}
}

func TestCartRowsCarryTenant(t *testing.T) {
	svc, mem := newService(t)
	seedSKU(mem, tenantA, "sku-1", 10, 100, nil)

	if _, err := svc.AddItem(ctxFor(tenantA), "u1", "sku-1", 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	for _, row := range mem.Table(cart.EntityCarts) {
		if row.String("tenant_id") != tenantA {
			t.Fatalf("cart row missing tenant stamp: %v", row)
		}
	}
	for _, row := range mem.Table(cart.EntityItems) {
		if row.String("tenant_id") != tenantA {
			t.Fatalf("item row missing tenant stamp: %v", row)
		}
	}
}
