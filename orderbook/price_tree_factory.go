package orderbook

import (
	"container/list"
	"github.com/lightningbook/obm/domain"
)

// PriceTreeType selects a PriceTreeInterface implementation.
type PriceTreeType int

const (
	// HashMapListType: HashMap + doubly linked list.
	// Good for a shallow book (< 100 live price levels).
	// GetBestPrice O(1), Insert O(n) worst case, Remove O(1).
	HashMapListType PriceTreeType = iota

	// ShardedType: red-black tree of fixed-size buckets (default).
	// Scales to an arbitrary number of price levels.
	// GetBestPrice O(1), Insert/Remove O(log m), m = bucket count.
	ShardedType
)

// NewPriceTreeWithType builds a price tree of the requested kind.
func NewPriceTreeWithType(treeType PriceTreeType, descending bool) PriceTreeInterface {
	switch treeType {
	case ShardedType:
		return NewShardedPriceTreeFromInterface(descending, 128) // bucket size 128 = 2^7, indexable by bitmask
	case HashMapListType:
		fallthrough
	default:
		return NewHashMapListPriceTree(descending)
	}
}

// NewShardedPriceTreeFromInterface wraps a ShardedPriceTree to satisfy
// PriceTreeInterface.
func NewShardedPriceTreeFromInterface(descending bool, bucketSize int64) PriceTreeInterface {
	return &ShardedPriceTreeAdapter{
		tree: NewShardedPriceTree(descending, bucketSize), // descending == isBuy
	}
}

// ShardedPriceTreeAdapter adapts ShardedPriceTree to PriceTreeInterface.
type ShardedPriceTreeAdapter struct {
	tree *ShardedPriceTree
}

// Ensure ShardedPriceTreeAdapter implements PriceTreeInterface
var _ PriceTreeInterface = (*ShardedPriceTreeAdapter)(nil)

func (s *ShardedPriceTreeAdapter) Insert(order *domain.Order) {
	bucketID := order.Price / s.tree.bucketSize
	level, exists := s.tree.buckets.Get(bucketID)
	var bucket *Bucket
	if !exists {
		bucket = NewBucket(bucketID, s.tree.isBuy, s.tree.bucketSize)
		s.tree.buckets.Put(bucketID, bucket)
	} else {
		bucket = level
	}
	
	// Find or create the price level, indexed by bitmask within the bucket.
	index := order.Price & bucket.bucketMask
	priceLevel := bucket.levels[index]
	levelExists := priceLevel != nil
	if !levelExists {
		priceLevel = &PriceLevel_{
			Price:  order.Price,
			Orders: list.New(),
			Volume: 0,
		}
		bucket.Insert(order.Price, priceLevel)
	}

	// Append the order to the FIFO queue.
	elem := priceLevel.Orders.PushBack(order)
	order.ListElement = elem
	priceLevel.Volume += order.RemainingQty()

	// Refresh the global best price.
	if s.tree.bestBucket == nil {
		s.tree.bestBucket = bucket
		s.tree.bestPrice = bucket.bestPrice
	} else if s.tree.isBetterBucket(bucketID, s.tree.bestBucket.bucketID) {
		s.tree.bestBucket = bucket
		s.tree.bestPrice = bucket.bestPrice
	} else if bucket == s.tree.bestBucket {
		// Same bucket: its internal best price may have shifted.
		s.tree.bestPrice = bucket.bestPrice
	}
}

func (s *ShardedPriceTreeAdapter) Remove(order *domain.Order) {
	level, exists := s.tree.buckets.Get(order.Price / s.tree.bucketSize)
	if !exists {
		return
	}
	
	bucket := level
	// Look up the price level via bitmask index.
	index := order.Price & bucket.bucketMask
	priceLevel := bucket.levels[index]
	levelExists := priceLevel != nil
	if !levelExists {
		return
	}

	// Splice the order out of the FIFO queue.
	if order.ListElement != nil {
		elem := order.ListElement.(*list.Element)
		priceLevel.Orders.Remove(elem)
		order.ListElement = nil
		priceLevel.Volume -= order.RemainingQty()
	}

	// Drop the price level once it has no orders left.
	if priceLevel.Orders.Len() == 0 {
		s.tree.Remove(order.Price)
	}
}

func (s *ShardedPriceTreeAdapter) GetBestPrice() int64 {
	best := s.tree.GetBestPrice()
	if best == nil {
		return 0
	}
	return best.Price
}

func (s *ShardedPriceTreeAdapter) GetBestLevel() *PriceLevel_ {
	return s.tree.GetBestPrice()
}

func (s *ShardedPriceTreeAdapter) GetBestOrders() []*domain.Order {
	bestLevel := s.tree.GetBestPrice()
	if bestLevel == nil {
		return nil
	}
	
	orders := make([]*domain.Order, 0, bestLevel.Orders.Len())
	for e := bestLevel.Orders.Front(); e != nil; e = e.Next() {
		orders = append(orders, e.Value.(*domain.Order))
	}
	
	return orders
}

func (s *ShardedPriceTreeAdapter) GetLevel(price int64) *PriceLevel_ {
	bucket, exists := s.tree.buckets.Get(price / s.tree.bucketSize)
	if !exists {
		return nil
	}
	// Fix: use bitwise AND for indexing
	index := price & bucket.bucketMask
	return bucket.levels[index]
}

func (s *ShardedPriceTreeAdapter) GetDepth(maxLevels int) []PriceLevel_ {
	if maxLevels <= 0 || s.tree.buckets.Empty() {
		return nil
	}
	
	result := make([]PriceLevel_, 0, maxLevels)
	count := 0
	
	// Iterate through red-black tree (already sorted)
	it := s.tree.buckets.Iterator()
	for it.Next() && count < maxLevels {
		bucket := it.Value()
		
		// Iterate through bucket's linked list (already sorted)
		current := bucket.bestPrice
		for current != nil && count < maxLevels {
			result = append(result, *current)
			count++
			current = current.NextPrice
		}
	}
	
	return result
}

func (s *ShardedPriceTreeAdapter) IsEmpty() bool {
	return s.tree.buckets.Empty()
}

func (s *ShardedPriceTreeAdapter) Size() int {
	count := 0
	it := s.tree.buckets.Iterator()
	for it.Next() {
		count += len(it.Value().levels)
	}
	return count
}
