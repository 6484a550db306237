// Package maintenance hosts the periodic jobs that run outside any tenant
// scope.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/commerce-core/internal/cart"
	"github.com/noah-isme/commerce-core/internal/lock"
	"github.com/noah-isme/commerce-core/internal/store"
	"github.com/noah-isme/commerce-core/internal/tenant"
)

const pruneLockKey = "maintenance:cart_prune"

// Pruner removes carts abandoned for longer than MaxAge, across all tenants.
type Pruner struct {
	Store    store.Driver
	Locker   *lock.Locker
	MaxAge   time.Duration
	Interval time.Duration
	Batch    int
	Logger   zerolog.Logger
	Now      func() time.Time
}

func (p *Pruner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run prunes on every tick until the context is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				p.Logger.Error().Err(err).Msg("prune abandoned carts")
			}
		}
	}
}

func (p *Pruner) tick(ctx context.Context) error {
	if p.Locker == nil {
		_, err := p.PruneOnce(ctx)
		return err
	}
	err := p.Locker.TryLock(ctx, pruneLockKey, p.Interval, func(ctx context.Context) error {
		_, err := p.PruneOnce(ctx)
		return err
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		// Another instance holds the tick.
		return nil
	}
	return err
}

// PruneOnce deletes one batch of stale carts and their items, returning the
// number of carts removed. It deliberately runs without a tenant so carts of
// every tenant age out.
func (p *Pruner) PruneOnce(ctx context.Context) (int, error) {
	ctx = tenant.Without(ctx)

	maxAge := p.MaxAge
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	batch := p.Batch
	if batch <= 0 {
		batch = 500
	}
	cutoff := p.now().Add(-maxAge)

	res, err := p.Store.Dispatch(ctx, store.Op{
		Entity:  cart.EntityCarts,
		Kind:    store.FindMany,
		Filter:  store.Filter{"updated_at": store.LT(cutoff)},
		OrderBy: "updated_at",
		Limit:   batch,
	})
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, row := range res.Rows {
		cartID := row.String("id")
		if cartID == "" {
			continue
		}
		if _, err := p.Store.Dispatch(ctx, store.Op{
			Entity: cart.EntityItems,
			Kind:   store.DeleteMany,
			Filter: store.Filter{"cart_id": cartID},
		}); err != nil {
			return pruned, err
		}
		if _, err := p.Store.Dispatch(ctx, store.Op{
			Entity: cart.EntityCarts,
			Kind:   store.Delete,
			Filter: store.Filter{"id": cartID},
		}); err != nil {
			return pruned, err
		}
		pruned++
	}
	if pruned > 0 {
		p.Logger.Info().Int("carts", pruned).Time("cutoff", cutoff).Msg("pruned abandoned carts")
	}
	return pruned, nil
}
