package matching

import (
	"sync/atomic"
	_ "unsafe" // for go:linkname
)

//go:linkname semacquireSafe sync.runtime_Semacquire
func semacquireSafe(s *uint32)

//go:linkname semreleaseSafe sync.runtime_Semrelease
func semreleaseSafe(s *uint32, handoff bool, skipframes int)

// RingBuffer is a fixed-capacity SPSC handoff queue used for the engine's
// ingress boundary: requests are published by Engine.Submit (which admits
// one producer at a time) and consumed by the single matching goroutine.
// Publish and the blocking Consume go through semaphore acquire/release
// pairs, so the happens-before relationship between them is established by
// the runtime semaphore implementation itself; TryConsume claims slots with
// a CAS on the same semaphore counter instead of a blocking acquire.
//
// Adapted from this engine's original order RingBuffer
// (disruptor_semaphore_batch_safe.go) and trade RingBuffer
// (trade_ringbuffer_batch_safe.go), generalized over the element type and
// carrying both consume disciplines those two buffers used separately:
// Consume blocks until an element is available, for callers with nothing
// else to do meanwhile; TryConsume never blocks, for the matching loop's
// own ingress poll, which must keep servicing its snapshot ticker even when
// no request has arrived.
type RingBuffer[T any] struct {
	buffer     []T
	mask       int64
	writeSeq   atomic.Int64
	readSeq    atomic.Int64
	emptySlots uint32
	fullSlots  uint32
}

// NewRingBuffer creates a RingBuffer of the given capacity, which must be a
// power of two.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size&(size-1) != 0 {
		panic("matching: RingBuffer size must be a power of 2")
	}

	rb := &RingBuffer[T]{
		buffer: make([]T, size),
		mask:   int64(size - 1),
	}
	for i := 0; i < size; i++ {
		semreleaseSafe(&rb.emptySlots, false, 0)
	}
	return rb
}

// Publish hands an element to the buffer, blocking if it is full.
func (rb *RingBuffer[T]) Publish(v T) {
	semacquireSafe(&rb.emptySlots)

	seq := rb.writeSeq.Add(1) - 1
	index := seq & rb.mask
	rb.buffer[index] = v

	semreleaseSafe(&rb.fullSlots, false, 0)
}

// batchCap bounds how many elements a single cache refill will claim, so one
// slow consumer batch never starves concurrent producers indefinitely.
const batchCap = 128

// Consumer is a single-reader handle onto a RingBuffer, holding a small
// local cache so most reads never touch the shared sequence counters.
type Consumer[T any] struct {
	rb         *RingBuffer[T]
	localCache [batchCap]T
	cacheStart int
	cacheEnd   int
}

// NewConsumer creates a Consumer for rb. A RingBuffer is expected to have
// exactly one live Consumer at a time (SPSC).
func (rb *RingBuffer[T]) NewConsumer() *Consumer[T] {
	return &Consumer[T]{rb: rb}
}

// Consume blocks until an element is available and returns it.
func (cb *Consumer[T]) Consume() T {
	if cb.cacheStart < cb.cacheEnd {
		v := cb.localCache[cb.cacheStart]
		cb.cacheStart++
		return v
	}
	cb.fillCacheBlocking()
	v := cb.localCache[cb.cacheStart]
	cb.cacheStart++
	return v
}

// fillCacheBlocking acquires the first element with a blocking wait, then
// opportunistically drains whatever else is already available (up to
// batchCap-1 more) without blocking again.
func (cb *Consumer[T]) fillCacheBlocking() {
	rb := cb.rb

	semacquireSafe(&rb.fullSlots)
	seq := rb.readSeq.Add(1) - 1
	cb.localCache[0] = rb.buffer[seq&rb.mask]
	semreleaseSafe(&rb.emptySlots, false, 0)
	acquired := 1

	available := int(rb.writeSeq.Load() - rb.readSeq.Load())
	if available > batchCap-1 {
		available = batchCap - 1
	}
	for i := 0; i < available; i++ {
		semacquireSafe(&rb.fullSlots)
		seq := rb.readSeq.Add(1) - 1
		cb.localCache[acquired] = rb.buffer[seq&rb.mask]
		semreleaseSafe(&rb.emptySlots, false, 0)
		acquired++
	}

	cb.cacheStart = 0
	cb.cacheEnd = acquired
}

// TryConsume returns the next element without blocking; ok is false if none
// is currently available.
func (cb *Consumer[T]) TryConsume() (v T, ok bool) {
	if cb.cacheStart < cb.cacheEnd {
		v = cb.localCache[cb.cacheStart]
		cb.cacheStart++
		return v, true
	}
	if !cb.tryFillCache() {
		return v, false
	}
	v = cb.localCache[cb.cacheStart]
	cb.cacheStart++
	return v, true
}

// tryFillCache claims whatever is currently available via CAS on fullSlots,
// never blocking. It backs the matching loop's ingress poll (Engine.Run),
// which must not block, so it uses a CAS loop where Publish/Consume use a
// blocking semaphore acquire.
func (cb *Consumer[T]) tryFillCache() bool {
	rb := cb.rb

	available := int(rb.writeSeq.Load() - rb.readSeq.Load())
	if available == 0 {
		return false
	}
	if available > batchCap {
		available = batchCap
	}

	acquired := 0
	for i := 0; i < available; i++ {
		slots := atomic.LoadUint32(&rb.fullSlots)
		if slots == 0 {
			break
		}
		if !atomic.CompareAndSwapUint32(&rb.fullSlots, slots, slots-1) {
			continue
		}
		seq := rb.readSeq.Add(1) - 1
		cb.localCache[acquired] = rb.buffer[seq&rb.mask]
		semreleaseSafe(&rb.emptySlots, false, 0)
		acquired++
	}

	if acquired == 0 {
		return false
	}
	cb.cacheStart = 0
	cb.cacheEnd = acquired
	return true
}
