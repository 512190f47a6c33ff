package usecase

import (
	"context"
	"log/slog"
	"sync"

	"writeoff-bot/internal/domain"
)

// noNameLabel is the display fallback for entries the backend returns
// without a usable name or code.
const noNameLabel = "Без названия"

// CatalogLoader loads the reference collections from the ERP backend.
type CatalogLoader interface {
	GetStores(ctx context.Context) ([]domain.CatalogEntry, error)
	GetExpenseAccounts(ctx context.Context) []domain.CatalogEntry
	GetProducts(ctx context.Context) ([]domain.CatalogEntry, error)
}

// CatalogCache holds the reference collections in memory. Refresh replaces
// the snapshot wholesale under the write lock; readers always see a
// complete snapshot, never a partially loaded one.
type CatalogCache struct {
	loader CatalogLoader
	log    *slog.Logger

	mu       sync.RWMutex
	snapshot domain.Catalog
}

func NewCatalogCache(loader CatalogLoader, log *slog.Logger) *CatalogCache {
	if log == nil {
		log = slog.Default()
	}
	return &CatalogCache{loader: loader, log: log}
}

// Refresh reloads all collections. Each load is attempted on every call.
// Stores are mandatory: a failed or empty store load returns false and
// keeps the previous snapshot. Account and product failures are logged and
// tolerated; the system continues with reduced functionality.
func (c *CatalogCache) Refresh(ctx context.Context) bool {
	stores, storesErr := c.loader.GetStores(ctx)

	accounts := c.loader.GetExpenseAccounts(ctx)

	products, err := c.loader.GetProducts(ctx)
	if err != nil {
		c.log.Warn("catalog: product load failed, matching disabled", "err", err)
		products = nil
	}

	if storesErr != nil {
		c.log.Error("catalog: store load failed", "err", storesErr)
		return false
	}
	if len(stores) == 0 {
		c.log.Error("catalog: store list is empty")
		return false
	}

	snapshot := domain.Catalog{
		Stores:   applyLabelFallback(stores),
		Accounts: applyLabelFallback(accounts),
		Products: applyLabelFallback(products),
	}

	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()

	c.log.Info("catalog refreshed",
		"stores", len(snapshot.Stores),
		"accounts", len(snapshot.Accounts),
		"products", len(snapshot.Products))
	return true
}

// Loaded reports whether a usable snapshot (non-empty store list) is held.
func (c *CatalogCache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshot.Stores) > 0
}

func (c *CatalogCache) Stores() []domain.CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.Stores
}

func (c *CatalogCache) Accounts() []domain.CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.Accounts
}

func (c *CatalogCache) Products() []domain.CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.Products
}

func (c *CatalogCache) StoreByID(id string) (domain.CatalogEntry, bool) {
	return entryByID(c.Stores(), id)
}

func (c *CatalogCache) AccountByID(id string) (domain.CatalogEntry, bool) {
	return entryByID(c.Accounts(), id)
}

func (c *CatalogCache) ProductByID(id string) (domain.CatalogEntry, bool) {
	return entryByID(c.Products(), id)
}

func entryByID(entries []domain.CatalogEntry, id string) (domain.CatalogEntry, bool) {
	for _, e := range entries {
		if e.ID == id {
			return e, true
		}
	}
	return domain.CatalogEntry{}, false
}

func applyLabelFallback(entries []domain.CatalogEntry) []domain.CatalogEntry {
	out := make([]domain.CatalogEntry, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			switch {
			case e.Code != "":
				e.Name = e.Code
			case len(e.ID) > 8:
				e.Name = e.ID[:8]
			case e.ID != "":
				e.Name = e.ID
			default:
				e.Name = noNameLabel
			}
		}
		out[i] = e
	}
	return out
}
