package orderbook

import (
	"container/list"
	"github.com/lightningbook/obm/domain"
)

// HashMapListPriceTree represents a price-ordered structure of orders
// Architecture: NASDAQ-style HashMap + Doubly Linked List
//
// Design rationale (based on NASDAQ ITCH implementation):
//   - HashMap for O(1) price level lookup
//   - Doubly linked list for O(1) best price access and O(1) price level removal
//   - Direct pointer to best price level (no tree traversal needed)
//
// Performance:
//   - GetBestPrice: O(1) - direct pointer access (~1ns)
//   - AddOrder at best price: O(1) - append to FIFO queue
//   - RemoveOrder: O(1) - doubly linked list deletion
//   - Insert new price level: O(n) worst case, but rare (most orders near best price)
//
// This is the industry standard used by:
//   - NASDAQ (ITCH protocol)
//   - Binance, Coinbase (cryptocurrency exchanges)
//   - Traditional HFT firms
type HashMapListPriceTree struct {
	levels     map[int64]*PriceLevel_ // price -> PriceLevel (O(1) lookup)
	bestPrice  *PriceLevel_            // pointer to best price level (O(1) access)
	descending bool                    // true for bids (high to low), false for asks (low to high)
}

// Ensure HashMapListPriceTree implements PriceTreeInterface
var _ PriceTreeInterface = (*HashMapListPriceTree)(nil)

// NewHashMapListPriceTree creates a new HashMap+List price tree
func NewHashMapListPriceTree(descending bool) *HashMapListPriceTree {
	return &HashMapListPriceTree{
		levels:     make(map[int64]*PriceLevel_),
		bestPrice:  nil,
		descending: descending,
	}
}

// PriceTree 类型别名，保持向后兼容
type PriceTree = HashMapListPriceTree

// NewPriceTree 工厂函数，保持向后兼容
func NewPriceTree(descending bool) *PriceTree {
	return NewHashMapListPriceTree(descending)
}

// PriceLevel_ represents all orders at a specific price level
// Forms a doubly linked list for efficient price ordering
// Performance optimization: Orders store their list.Element for O(1) deletion
type PriceLevel_ struct {
	Price  int64
	Orders *list.List // FIFO queue for time priority
	Volume int64

	// Doubly linked list pointers for price ordering
	NextPrice *PriceLevel_ // next (worse) price level: higher for asks, lower for bids
	PrevPrice *PriceLevel_ // previous price level
}

// Insert adds an order to the tree
// Performance: O(1) for existing price level, O(n) for new price level (rare)
func (pt *HashMapListPriceTree) Insert(order *domain.Order) {
	level, exists := pt.levels[order.Price]
	if !exists {
		// Create new price level
		level = &PriceLevel_{
			Price:     order.Price,
			Orders:    list.New(),
			Volume:    0,
			NextPrice: nil,
			PrevPrice: nil,
		}
		pt.levels[order.Price] = level
		pt.insertPriceLevel(level)
	}

	// Add order to FIFO queue and store element in order for O(1) deletion
	elem := level.Orders.PushBack(order)
	order.ListElement = elem
	level.Volume += order.RemainingQty()
}

// Remove removes an order from the tree
// Performance: O(1) via order.listElement direct access
func (pt *HashMapListPriceTree) Remove(order *domain.Order) {
	level, exists := pt.levels[order.Price]
	if !exists {
		return
	}

	// O(1) deletion: order stores its own list.Element
	if order.ListElement != nil {
		elem := order.ListElement.(*list.Element)
		level.Orders.Remove(elem)
		order.ListElement = nil
		level.Volume -= order.RemainingQty()
	}

	// Remove price level if no orders left
	if level.Orders.Len() == 0 {
		pt.removePriceLevel(level)
	}
}

// GetBestPrice returns the best price in the tree
// Performance: O(1) - direct pointer access
func (pt *HashMapListPriceTree) GetBestPrice() int64 {
	if pt.bestPrice == nil {
		return 0
	}
	return pt.bestPrice.Price
}

// GetBestLevel returns the best price level
// Performance: O(1) - direct pointer access
func (pt *HashMapListPriceTree) GetBestLevel() *PriceLevel_ {
	return pt.bestPrice
}

// GetBestOrders returns orders at the best price level
func (pt *HashMapListPriceTree) GetBestOrders() []*domain.Order {
	bestLevel := pt.GetBestLevel()
	if bestLevel == nil {
		return nil
	}

	orders := make([]*domain.Order, 0, bestLevel.Orders.Len())
	for e := bestLevel.Orders.Front(); e != nil; e = e.Next() {
		orders = append(orders, e.Value.(*domain.Order))
	}

	return orders
}

// GetLevel returns the price level at a specific price
// Performance: O(1) via hashmap lookup
func (pt *HashMapListPriceTree) GetLevel(price int64) *PriceLevel_ {
	return pt.levels[price]
}

// GetDepth returns the total volume at each price level
// Performance: O(n) iteration via doubly linked list
func (pt *HashMapListPriceTree) GetDepth(maxLevels int) []PriceLevel_ {
	if pt.bestPrice == nil {
		return nil
	}
	
	depth := make([]PriceLevel_, 0, maxLevels)
	current := pt.bestPrice
	
	// Traverse linked list from best price
	for current != nil && len(depth) < maxLevels {
		depth = append(depth, *current)
		current = current.NextPrice
	}
	
	return depth
}

// IsEmpty returns true if the tree has no orders
// Performance: O(1)
func (pt *HashMapListPriceTree) IsEmpty() bool {
	return pt.bestPrice == nil
}

// Size returns the number of price levels
// Performance: O(1)
func (pt *HashMapListPriceTree) Size() int {
	return len(pt.levels)
}

// insertPriceLevel inserts a new price level into the doubly linked list
// Performance: O(n) worst case, but typically O(1) as new orders are near best price
func (pt *HashMapListPriceTree) insertPriceLevel(newLevel *PriceLevel_) {
	// Empty tree
	if pt.bestPrice == nil {
		pt.bestPrice = newLevel
		return
	}
	
	// Check if new level should be the best price
	if pt.isBetterPrice(newLevel.Price, pt.bestPrice.Price) {
		newLevel.NextPrice = pt.bestPrice
		pt.bestPrice.PrevPrice = newLevel
		pt.bestPrice = newLevel
		return
	}
	
	// Find insertion point
	current := pt.bestPrice
	for current.NextPrice != nil {
		if pt.isBetterPrice(newLevel.Price, current.NextPrice.Price) {
			break
		}
		current = current.NextPrice
	}
	
	// Insert after current
	newLevel.NextPrice = current.NextPrice
	newLevel.PrevPrice = current
	if current.NextPrice != nil {
		current.NextPrice.PrevPrice = newLevel
	}
	current.NextPrice = newLevel
}

// removePriceLevel removes a price level from the doubly linked list
// Performance: O(1)
func (pt *HashMapListPriceTree) removePriceLevel(level *PriceLevel_) {
	delete(pt.levels, level.Price)
	
	// Update linked list pointers
	if level.PrevPrice != nil {
		level.PrevPrice.NextPrice = level.NextPrice
	}
	if level.NextPrice != nil {
		level.NextPrice.PrevPrice = level.PrevPrice
	}
	
	// Update best price if needed
	if pt.bestPrice == level {
		pt.bestPrice = level.NextPrice
	}
}

// isBetterPrice returns true if price1 is better than price2
func (pt *HashMapListPriceTree) isBetterPrice(price1, price2 int64) bool {
	if pt.descending {
		return price1 > price2 // For bids, higher is better
	}
	return price1 < price2 // For asks, lower is better
}
