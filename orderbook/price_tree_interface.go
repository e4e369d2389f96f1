package orderbook

import "github.com/lightningbook/obm/domain"

// PriceTreeInterface is the price-level ordered map contract, implemented
// both by a plain HashMap+doubly-linked-list tree (good for a handful of
// price levels) and a sharded red-black-tree-of-buckets tree (good for many
// levels) per spec.md section 9's ordered-associative-container note.
type PriceTreeInterface interface {
	// Insert adds an order to the tree at order.Price, creating the price
	// level if necessary.
	Insert(order *domain.Order)

	// Remove splices an order out of its price level, dropping the level if
	// it becomes empty.
	Remove(order *domain.Order)

	// GetBestPrice returns the best price in the tree, or 0 if empty.
	GetBestPrice() int64

	// GetBestLevel returns the best price level, or nil if empty.
	GetBestLevel() *PriceLevel_

	// GetBestOrders returns the orders at the best price level, in arrival
	// order, for consumption by the matching loop.
	GetBestOrders() []*domain.Order

	// GetLevel returns the price level at a specific price, or nil.
	GetLevel(price int64) *PriceLevel_

	// GetDepth returns up to maxLevels price levels, best-first.
	GetDepth(maxLevels int) []PriceLevel_

	// IsEmpty reports whether the tree holds any live order.
	IsEmpty() bool

	// Size returns the number of distinct price levels.
	Size() int
}
