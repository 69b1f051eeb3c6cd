// Package inventory defines the contract to the external product/store
// document store. The core reads per-store snapshots and writes proposed
// trades; both paths are treated as eventually consistent.
package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Snapshot is one store's view of a product.
type Snapshot struct {
	StoreID          string  `json:"storeId"`
	Quantity         int     `json:"quantity"`
	ReservedQuantity int     `json:"reservedQuantity"`
	Cost             float64 `json:"cost"`
	RetailPrice      float64 `json:"retailPrice"`
	DemandForecast   float64 `json:"demandForecast"`
}

// Trade is a proposed transfer record written back to the store.
type Trade struct {
	ID           string    `json:"id"`
	ProductID    string    `json:"productId"`
	FromStoreID  string    `json:"fromStoreId"`
	ToStoreID    string    `json:"toStoreId"`
	Quantity     int       `json:"quantity"`
	PricePerUnit float64   `json:"pricePerUnit"`
	Reasoning    string    `json:"reasoning,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store is the external inventory collaborator. Reads return the latest
// known snapshots; writes are fire-and-forget from the core's perspective.
type Store interface {
	Snapshots(ctx context.Context, productID string) ([]Snapshot, error)
	RecordTrade(ctx context.Context, trade Trade) error
}

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]Snapshot // productID → per-store snapshots
	trades    []Trade
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string][]Snapshot)}
}

// SetSnapshots replaces the snapshots for a product.
func (m *MemoryStore) SetSnapshots(productID string, snaps []Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[productID] = snaps
}

// Snapshots returns the per-store snapshots for a product.
func (m *MemoryStore) Snapshots(ctx context.Context, productID string) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps, ok := m.snapshots[productID]
	if !ok {
		return nil, fmt.Errorf("inventory: product %s not found", productID)
	}
	out := make([]Snapshot, len(snaps))
	copy(out, snaps)
	return out, nil
}

// RecordTrade appends a trade record.
func (m *MemoryStore) RecordTrade(ctx context.Context, trade Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

// Trades returns a copy of recorded trades.
func (m *MemoryStore) Trades() []Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Trade, len(m.trades))
	copy(out, m.trades)
	return out
}
