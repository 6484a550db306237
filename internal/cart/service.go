package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/commerce-core/internal/common"
	"github.com/noah-isme/commerce-core/internal/store"
	"github.com/noah-isme/commerce-core/internal/tenant"
)

// Entity collections the engine reads and writes. Product SKUs are owned by
// the catalog subsystem; the engine treats them as plain rows it may read
// and update transactionally.
const (
	EntityCarts = "carts"
	EntityItems = "cart_items"
	EntitySKUs  = "product_skus"
)

// SKUStatusActive is the only sellable SKU status.
const SKUStatusActive = "ACTIVE"

// ErrInvalidInput is returned when the provided payload is invalid.
var ErrInvalidInput = errors.New("invalid input")

// Cart is the per-(tenant,user) aggregate root. Uniqueness of the pair is
// enforced by the storage layer, not here.
type Cart struct {
	ID        string
	TenantID  string
	UserID    string
	UpdatedAt time.Time
}

// CartItem holds one SKU's reserved quantity inside a cart.
type CartItem struct {
	ID       string
	CartID   string
	SKUID    string
	TenantID string
	Quantity int64
}

// SKU is the catalog stock row, prices in minor units.
type SKU struct {
	ID        string
	Stock     int64
	Status    string
	Price     int64
	SalePrice *int64
}

// EffectivePrice returns the sale price when present and lower.
func (s SKU) EffectivePrice() int64 {
	if s.SalePrice != nil && *s.SalePrice < s.Price {
		return *s.SalePrice
	}
	return s.Price
}

// ItemView is a cart item joined with its current pricing.
type ItemView struct {
	CartItem
	UnitPrice int64
	Subtotal  int64
}

// View is a cart with its items and computed totals.
type View struct {
	Cart
	Items       []ItemView
	TotalAmount int64
	TotalItems  int64
}

// ItemResult reports the stored item after an add, and whether the quantity
// was capped to the available stock.
type ItemResult struct {
	Item   CartItem
	Capped bool
}

// MergeItem is one line of a guest cart being merged in.
type MergeItem struct {
	SKUID    string
	Quantity int64
}

// MergeResult reports the outcome of one merged line.
type MergeResult struct {
	SKUID   string
	Success bool
	Capped  bool
	Error   string
}

// Service implements the cart and inventory mutation protocol on top of a
// tenant-scoped storage driver. Every operation requires an established
// tenant scope.
type Service struct {
	Store     store.Driver
	TxTimeout time.Duration
	Now       func() time.Time
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) txOptions() store.TxOptions {
	timeout := s.TxTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return store.TxOptions{Serializable: true, Timeout: timeout}
}

func requireTenant(ctx context.Context) error {
	if _, ok := tenant.From(ctx); !ok {
		return common.ErrTenantRequired
	}
	return nil
}

// GetOrCreateCart loads the caller's cart, creating it lazily on first
// access, and returns it with items and computed totals. The create path is
// a single upsert so there is no check-then-act window.
func (s *Service) GetOrCreateCart(ctx context.Context, userID string) (View, error) {
	if err := requireTenant(ctx); err != nil {
		return View{}, err
	}
	if userID == "" {
		return View{}, fmt.Errorf("user id required: %w", ErrInvalidInput)
	}
	cart, err := s.ensureCart(ctx, s.Store, userID)
	if err != nil {
		return View{}, err
	}
	items, err := s.listItems(ctx, s.Store, cart.ID)
	if err != nil {
		return View{}, err
	}
	skus, err := s.fetchSKUs(ctx, s.Store, skuIDs(items))
	if err != nil {
		return View{}, err
	}
	return buildView(cart, items, skus), nil
}

// AddItem adds quantity of a SKU to the caller's cart inside one
// serializable transaction: read stock, validate, upsert the item, re-check
// the resulting quantity and clamp it to stock rather than failing the whole
// addition when a concurrent transaction won the race. A request that opens
// a brand new line above stock fails outright; a line that already exists
// absorbs the addition and is clamped with Capped=true.
func (s *Service) AddItem(ctx context.Context, userID, skuID string, quantity int64) (ItemResult, error) {
	if err := requireTenant(ctx); err != nil {
		return ItemResult{}, err
	}
	if userID == "" || skuID == "" || quantity <= 0 {
		return ItemResult{}, fmt.Errorf("user, sku and a positive quantity required: %w", ErrInvalidInput)
	}

	var out ItemResult
	err := s.Store.InTx(ctx, s.txOptions(), func(tx store.Driver) error {
		sku, err := s.getSKU(ctx, tx, skuID)
		if err != nil {
			return err
		}
		if sku.Status != SKUStatusActive {
			return &common.SKUInactiveError{SKUID: sku.ID, Status: sku.Status}
		}

		cart, err := s.ensureCart(ctx, tx, userID)
		if err != nil {
			return err
		}

		item, created, err := s.upsertItem(ctx, tx, cart.ID, sku.ID, quantity)
		if err != nil {
			return err
		}
		// Stock is only ever compared against the value read inside this
		// transaction. The rollback discards the row just created.
		if created && quantity > sku.Stock {
			return &common.StockError{SKUID: sku.ID, Requested: quantity, Available: sku.Stock}
		}

		stored, err := s.getItem(ctx, tx, item.ID)
		if err != nil {
			return err
		}
		if stored.Quantity > sku.Stock {
			if _, err := tx.Dispatch(ctx, store.Op{
				Entity: EntityItems,
				Kind:   store.Update,
				Filter: store.Filter{"id": stored.ID},
				Data:   store.Row{"quantity": sku.Stock},
			}); err != nil {
				return err
			}
			stored.Quantity = sku.Stock
			out.Capped = true
		}
		out.Item = stored
		return nil
	})
	if err != nil {
		return ItemResult{}, err
	}
	return out, nil
}

// UpdateItemQuantity sets the quantity of an item the caller owns,
// re-validating against the SKU's current stock. A non-positive quantity
// removes the item.
func (s *Service) UpdateItemQuantity(ctx context.Context, userID, itemID string, quantity int64) (CartItem, error) {
	if err := requireTenant(ctx); err != nil {
		return CartItem{}, err
	}
	if quantity <= 0 {
		return CartItem{}, s.RemoveItem(ctx, userID, itemID)
	}

	item, err := s.ownedItem(ctx, userID, itemID)
	if err != nil {
		return CartItem{}, err
	}
	sku, err := s.getSKU(ctx, s.Store, item.SKUID)
	if err != nil {
		return CartItem{}, err
	}
	if quantity > sku.Stock {
		return CartItem{}, &common.StockError{SKUID: sku.ID, Requested: quantity, Available: sku.Stock}
	}
	if _, err := s.Store.Dispatch(ctx, store.Op{
		Entity: EntityItems,
		Kind:   store.Update,
		Filter: store.Filter{"id": item.ID},
		Data:   store.Row{"quantity": quantity},
	}); err != nil {
		return CartItem{}, err
	}
	item.Quantity = quantity
	return item, nil
}

// RemoveItem deletes an item the caller owns.
func (s *Service) RemoveItem(ctx context.Context, userID, itemID string) error {
	if err := requireTenant(ctx); err != nil {
		return err
	}
	item, err := s.ownedItem(ctx, userID, itemID)
	if err != nil {
		return err
	}
	_, err = s.Store.Dispatch(ctx, store.Op{
		Entity: EntityItems,
		Kind:   store.Delete,
		Filter: store.Filter{"id": item.ID},
	})
	return err
}

// ClearCart removes every item from the caller's cart. Without a cart it is
// a no-op.
func (s *Service) ClearCart(ctx context.Context, userID string) error {
	if err := requireTenant(ctx); err != nil {
		return err
	}
	res, err := s.Store.Dispatch(ctx, store.Op{
		Entity: EntityCarts,
		Kind:   store.FindFirst,
		Filter: store.Filter{"user_id": userID},
	})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err = s.Store.Dispatch(ctx, store.Op{
		Entity: EntityItems,
		Kind:   store.DeleteMany,
		Filter: store.Filter{"cart_id": res.First().String("id")},
	})
	return err
}

// MergeCart merges a guest cart's lines into the caller's cart in one
// serializable transaction. Lines are processed independently: a missing or
// unsellable SKU fails its own line and processing continues. Quantities are
// additive and clamped to stock, so replaying a merge never oversells.
func (s *Service) MergeCart(ctx context.Context, userID string, items []MergeItem) ([]MergeResult, error) {
	if err := requireTenant(ctx); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("user id required: %w", ErrInvalidInput)
	}
	if len(items) == 0 {
		return nil, nil
	}

	results := make([]MergeResult, 0, len(items))
	err := s.Store.InTx(ctx, s.txOptions(), func(tx store.Driver) error {
		cart, err := s.ensureCart(ctx, tx, userID)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.SKUID)
		}
		skus, err := s.fetchSKUs(ctx, tx, ids)
		if err != nil {
			return err
		}

		for _, line := range items {
			res := MergeResult{SKUID: line.SKUID}
			sku, ok := skus[line.SKUID]
			switch {
			case line.Quantity <= 0:
				res.Error = "quantity must be positive"
			case !ok:
				res.Error = "sku not found"
			case sku.Status != SKUStatusActive:
				res.Error = "sku is not sellable"
			default:
				capped, err := s.mergeLine(ctx, tx, cart.ID, sku, line.Quantity)
				if err != nil {
					return err
				}
				res.Success = true
				res.Capped = capped
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// mergeLine increments (or creates) the cart item for a SKU and clamps the
// resulting quantity to the stock read inside the surrounding transaction.
func (s *Service) mergeLine(ctx context.Context, tx store.Driver, cartID string, sku SKU, quantity int64) (bool, error) {
	item, _, err := s.upsertItem(ctx, tx, cartID, sku.ID, quantity)
	if err != nil {
		return false, err
	}
	stored, err := s.getItem(ctx, tx, item.ID)
	if err != nil {
		return false, err
	}
	if stored.Quantity <= sku.Stock {
		return false, nil
	}
	if sku.Stock <= 0 {
		// Clamping to zero leaves no item at all.
		_, err = tx.Dispatch(ctx, store.Op{
			Entity: EntityItems,
			Kind:   store.Delete,
			Filter: store.Filter{"id": stored.ID},
		})
		return true, err
	}
	_, err = tx.Dispatch(ctx, store.Op{
		Entity: EntityItems,
		Kind:   store.Update,
		Filter: store.Filter{"id": stored.ID},
		Data:   store.Row{"quantity": sku.Stock},
	})
	return true, err
}

// ensureCart upserts the (tenant,user) cart and fetches it. The upsert
// touches updated_at on conflict so active carts never look abandoned.
func (s *Service) ensureCart(ctx context.Context, d store.Driver, userID string) (Cart, error) {
	now := s.now()
	if _, err := d.Dispatch(ctx, store.Op{
		Entity: EntityCarts,
		Kind:   store.Upsert,
		Rows: []store.Row{{
			"id":         uuid.NewString(),
			"user_id":    userID,
			"updated_at": now,
		}},
		Conflict: &store.Conflict{
			Columns: []string{"tenant_id", "user_id"},
			Set:     store.Row{"updated_at": now},
		},
	}); err != nil {
		return Cart{}, err
	}
	res, err := d.Dispatch(ctx, store.Op{
		Entity: EntityCarts,
		Kind:   store.FindFirst,
		Filter: store.Filter{"user_id": userID},
	})
	if err != nil {
		return Cart{}, err
	}
	return cartFromRow(res.First()), nil
}

// upsertItem increments an existing (cart, sku) line or creates it. The
// second return reports whether the line was created by this call.
func (s *Service) upsertItem(ctx context.Context, d store.Driver, cartID, skuID string, quantity int64) (CartItem, bool, error) {
	res, err := d.Dispatch(ctx, store.Op{
		Entity: EntityItems,
		Kind:   store.FindFirst,
		Filter: store.Filter{"cart_id": cartID, "sku_id": skuID},
	})
	if err == nil {
		item := itemFromRow(res.First())
		item.Quantity += quantity
		_, err = d.Dispatch(ctx, store.Op{
			Entity: EntityItems,
			Kind:   store.Update,
			Filter: store.Filter{"id": item.ID},
			Data:   store.Row{"quantity": item.Quantity},
		})
		return item, false, err
	}
	if !errors.Is(err, common.ErrNotFound) {
		return CartItem{}, false, err
	}

	item := CartItem{ID: uuid.NewString(), CartID: cartID, SKUID: skuID, Quantity: quantity}
	_, err = d.Dispatch(ctx, store.Op{
		Entity: EntityItems,
		Kind:   store.Create,
		Rows: []store.Row{{
			"id":       item.ID,
			"cart_id":  item.CartID,
			"sku_id":   item.SKUID,
			"quantity": item.Quantity,
		}},
	})
	return item, true, err
}

// ownedItem loads an item and verifies the caller owns its cart. A foreign
// item surfaces as not found, never as someone else's row.
func (s *Service) ownedItem(ctx context.Context, userID, itemID string) (CartItem, error) {
	item, err := s.getItem(ctx, s.Store, itemID)
	if err != nil {
		return CartItem{}, err
	}
	if _, err := s.Store.Dispatch(ctx, store.Op{
		Entity: EntityCarts,
		Kind:   store.FindFirst,
		Filter: store.Filter{"id": item.CartID, "user_id": userID},
	}); err != nil {
		return CartItem{}, err
	}
	return item, nil
}

func (s *Service) getItem(ctx context.Context, d store.Driver, itemID string) (CartItem, error) {
	res, err := d.Dispatch(ctx, store.Op{
		Entity: EntityItems,
		Kind:   store.FindUnique,
		Filter: store.Filter{"id": itemID},
	})
	if err != nil {
		return CartItem{}, err
	}
	return itemFromRow(res.First()), nil
}

func (s *Service) getSKU(ctx context.Context, d store.Driver, skuID string) (SKU, error) {
	res, err := d.Dispatch(ctx, store.Op{
		Entity: EntitySKUs,
		Kind:   store.FindUnique,
		Filter: store.Filter{"id": skuID},
	})
	if err != nil {
		return SKU{}, err
	}
	return skuFromRow(res.First()), nil
}

func (s *Service) listItems(ctx context.Context, d store.Driver, cartID string) ([]CartItem, error) {
	res, err := d.Dispatch(ctx, store.Op{
		Entity:  EntityItems,
		Kind:    store.FindMany,
		Filter:  store.Filter{"cart_id": cartID},
		OrderBy: "id",
	})
	if err != nil {
		return nil, err
	}
	items := make([]CartItem, len(res.Rows))
	for i, r := range res.Rows {
		items[i] = itemFromRow(r)
	}
	return items, nil
}

// fetchSKUs bulk-loads the referenced SKUs in one query.
func (s *Service) fetchSKUs(ctx context.Context, d store.Driver, ids []string) (map[string]SKU, error) {
	skus := map[string]SKU{}
	if len(ids) == 0 {
		return skus, nil
	}
	res, err := d.Dispatch(ctx, store.Op{
		Entity: EntitySKUs,
		Kind:   store.FindMany,
		Filter: store.Filter{"id": ids},
	})
	if err != nil {
		return nil, err
	}
	for _, r := range res.Rows {
		sku := skuFromRow(r)
		skus[sku.ID] = sku
	}
	return skus, nil
}

func buildView(cart Cart, items []CartItem, skus map[string]SKU) View {
	view := View{Cart: cart, Items: make([]ItemView, 0, len(items))}
	for _, item := range items {
		iv := ItemView{CartItem: item}
		// A dangling SKU reference contributes zero instead of failing the
		// whole read.
		if sku, ok := skus[item.SKUID]; ok {
			iv.UnitPrice = sku.EffectivePrice()
			iv.Subtotal = item.Quantity * iv.UnitPrice
		}
		view.Items = append(view.Items, iv)
		view.TotalAmount += iv.Subtotal
		view.TotalItems += item.Quantity
	}
	return view
}

func skuIDs(items []CartItem) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.SKUID)
	}
	return ids
}

func cartFromRow(r store.Row) Cart {
	return Cart{
		ID:        r.String("id"),
		TenantID:  r.String("tenant_id"),
		UserID:    r.String("user_id"),
		UpdatedAt: r.Time("updated_at"),
	}
}

func itemFromRow(r store.Row) CartItem {
	return CartItem{
		ID:       r.String("id"),
		CartID:   r.String("cart_id"),
		SKUID:    r.String("sku_id"),
		TenantID: r.String("tenant_id"),
		Quantity: r.Int64("quantity"),
	}
}

func skuFromRow(r store.Row) SKU {
	sku := SKU{
		ID:     r.String("id"),
		Stock:  r.Int64("stock"),
		Status: r.String("status"),
		Price:  r.Int64("price"),
	}
	if r.Has("sale_price") {
		sale := r.Int64("sale_price")
		sku.SalePrice = &sale
	}
	return sku
}
