package core

import (
	"sync/atomic"

	"github.com/jabolina/go-roam/pkg/roam/types"
)

// A logical clock providing the next delivery index of a replica.
// Using atomic operations so the value can be read without holding
// the coordinator lock, mutations still happen under it.
type IndexClock interface {
	// The clock is increased.
	Tick()

	// The value present on the clock is retrieved.
	Tock() types.DeliveryIndex

	// The value on the clock leaps to the given value.
	Leap(to types.DeliveryIndex)

	// The value leaps to the given one only if it moves forward.
	Advance(to types.DeliveryIndex) types.DeliveryIndex
}

// Logical clock for a single replica, implements the
// IndexClock interface.
type ReplicaClock struct {
	// Next index to be assigned.
	index uint64
}

// Implements the IndexClock interface.
func (p *ReplicaClock) Tick() {
	atomic.AddUint64(&p.index, 1)
}

// Implements the IndexClock interface.
func (p *ReplicaClock) Tock() types.DeliveryIndex {
	return types.DeliveryIndex(atomic.LoadUint64(&p.index))
}

// Implements the IndexClock interface.
func (p *ReplicaClock) Leap(to types.DeliveryIndex) {
	atomic.StoreUint64(&p.index, uint64(to))
}

// Implements the IndexClock interface.
func (p *ReplicaClock) Advance(to types.DeliveryIndex) types.DeliveryIndex {
	for {
		current := atomic.LoadUint64(&p.index)
		if uint64(to) <= current {
			return types.DeliveryIndex(current)
		}
		if atomic.CompareAndSwapUint64(&p.index, current, uint64(to)) {
			return to
		}
	}
}

func NewClock() IndexClock {
	return &ReplicaClock{
		index: 0,
	}
}
