package orderbook

import (
	rbt "github.com/emirpasic/gods/v2/trees/redblacktree"
)

// ShardedPriceTree is a two-level ordered map: an outer red-black tree of
// buckets (O(log m), m = bucket count) and, inside each bucket, a fixed-size
// array indexed by bitmask (O(1)).
type ShardedPriceTree struct {
	buckets    *rbt.Tree[int64, *Bucket] // ordered map of buckets
	bestBucket *Bucket                   // cached best bucket
	bestPrice  *PriceLevel_              // cached best price level
	isBuy      bool
	bucketSize int64 // price range covered by one bucket: a power of two no larger than 128, e.g. 128
}

// Bucket is one price shard: a fixed array plus a doubly linked list,
// trading space for O(1) indexed access.
type Bucket struct {
	bucketID   int64             // price / bucketSize
	levels     [128]*PriceLevel_ // fixed array, 128 = 2^7 so indexing is a bitmask
	bestPrice  *PriceLevel_      // best price within the bucket (list head)
	size       int               // live levels in the bucket
	isBuy      bool
	bucketSize int64
	bucketMask int64 // bucketSize - 1, used for the bitmask index
}

// NewShardedPriceTree builds a sharded price tree for one side of the book.
func NewShardedPriceTree(isBuy bool, bucketSize int64) *ShardedPriceTree {
	var comparator func(a, b int64) int
	if isBuy {
		// Bids: bucket IDs ordered high to low.
		comparator = func(a, b int64) int {
			if a > b {
				return -1
			} else if a < b {
				return 1
			}
			return 0
		}
	} else {
		// Asks: bucket IDs ordered low to high.
		comparator = func(a, b int64) int {
			if a < b {
				return -1
			} else if a > b {
				return 1
			}
			return 0
		}
	}

	return &ShardedPriceTree{
		buckets:    rbt.NewWith[int64, *Bucket](comparator),
		isBuy:      isBuy,
		bucketSize: bucketSize,
	}
}

// NewBucket creates an empty bucket.
func NewBucket(bucketID int64, isBuy bool, bucketSize int64) *Bucket {
	return &Bucket{
		bucketID:   bucketID,
		isBuy:      isBuy,
		bucketSize: bucketSize,
		bucketMask: bucketSize - 1, // price & mask == price % bucketSize, for a power-of-two bucketSize
	}
}

// Insert adds a price level to the tree: O(log m) for the bucket lookup plus
// a linear scan of the bucket's own level list.
func (spt *ShardedPriceTree) Insert(price int64, level *PriceLevel_) {
	bucketID := price / spt.bucketSize

	bucket, found := spt.buckets.Get(bucketID)
	if !found {
		bucket = NewBucket(bucketID, spt.isBuy, spt.bucketSize)
		spt.buckets.Put(bucketID, bucket)
	}

	bucket.Insert(price, level)
	spt.updateBestPrice(bucket)
}

// Remove drops a price level from the tree. O(log m) + O(1) = O(log m).
func (spt *ShardedPriceTree) Remove(price int64) {
	bucketID := price / spt.bucketSize

	bucket, found := spt.buckets.Get(bucketID)
	if !found {
		return
	}

	bucket.Remove(price)

	if bucket.size == 0 {
		spt.buckets.Remove(bucketID)
		if spt.bestBucket == bucket {
			spt.bestBucket = nil
			spt.bestPrice = nil
			spt.updateBestPriceFromTree()
		}
	} else {
		bucket.updateBestPrice()
		if spt.bestPrice != nil && spt.bestPrice.Price == price {
			spt.updateBestPriceFromTree()
		}
	}
}

// GetBestPrice returns the best price level in the tree, or nil. O(1).
func (spt *ShardedPriceTree) GetBestPrice() *PriceLevel_ {
	return spt.bestPrice
}

// updateBestPrice refreshes the cached best price after an insert that may
// have touched the best bucket.
func (spt *ShardedPriceTree) updateBestPrice(bucket *Bucket) {
	if spt.bestBucket == nil {
		spt.bestBucket = bucket
		spt.bestPrice = bucket.bestPrice
		return
	}

	if spt.isBetterBucket(bucket.bucketID, spt.bestBucket.bucketID) {
		spt.bestBucket = bucket
		spt.bestPrice = bucket.bestPrice
	} else if bucket == spt.bestBucket {
		// Same bucket: its internal best price may have shifted.
		spt.bestPrice = bucket.bestPrice
	}
}

// updateBestPriceFromTree recomputes the cached best price from scratch by
// consulting the red-black tree's leftmost (best) bucket.
func (spt *ShardedPriceTree) updateBestPriceFromTree() {
	if spt.buckets.Empty() {
		spt.bestBucket = nil
		spt.bestPrice = nil
		return
	}

	node := spt.buckets.Left()
	if node != nil {
		spt.bestBucket = node.Value
		spt.bestPrice = node.Value.bestPrice
	}
}

func (spt *ShardedPriceTree) isBetterBucket(newBucketID, existingBucketID int64) bool {
	if spt.isBuy {
		return newBucketID > existingBucketID
	}
	return newBucketID < existingBucketID
}

// Insert adds a price level within the bucket: array index via bitmask,
// ordering maintained via the doubly linked list.
func (b *Bucket) Insert(price int64, level *PriceLevel_) {
	// price & mask is price % bucketSize for a power-of-two bucketSize,
	// and several times cheaper than a modulo.
	index := price & b.bucketMask
	b.levels[index] = level
	b.size++

	if b.bestPrice == nil {
		b.bestPrice = level
		return
	}

	if b.isBetterPrice(level.Price, b.bestPrice.Price) {
		level.NextPrice = b.bestPrice
		b.bestPrice.PrevPrice = level
		b.bestPrice = level
		return
	}

	// Linear scan to find the insertion point; n is small, typically < 100.
	current := b.bestPrice
	for current.NextPrice != nil {
		if b.isBetterPrice(level.Price, current.NextPrice.Price) {
			break
		}
		current = current.NextPrice
	}

	level.NextPrice = current.NextPrice
	level.PrevPrice = current
	if current.NextPrice != nil {
		current.NextPrice.PrevPrice = level
	}
	current.NextPrice = level
}

// Remove splices a price level out of the bucket. O(1) via the linked list.
func (b *Bucket) Remove(price int64) {
	index := price & b.bucketMask
	level := b.levels[index]
	if level == nil {
		return
	}

	b.levels[index] = nil
	b.size--

	if level.PrevPrice != nil {
		level.PrevPrice.NextPrice = level.NextPrice
	} else {
		// Removing the bucket's best price: promote the next one.
		b.bestPrice = level.NextPrice
	}

	if level.NextPrice != nil {
		level.NextPrice.PrevPrice = level.PrevPrice
	}

	level.NextPrice = nil
	level.PrevPrice = nil
}

// updateBestPrice is a no-op: the list head is always the bucket's best
// price, so there is nothing to recompute. Kept for call-site symmetry with
// ShardedPriceTree.updateBestPriceFromTree.
func (b *Bucket) updateBestPrice() {
}

func (b *Bucket) isBetterPrice(newPrice, existingPrice int64) bool {
	if b.isBuy {
		return newPrice > existingPrice
	}
	return newPrice < existingPrice
}
