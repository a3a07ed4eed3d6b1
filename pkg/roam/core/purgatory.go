package core

import (
	"encoding/binary"

	"github.com/coocood/freecache"
	"github.com/jabolina/go-roam/pkg/roam/types"
)

var (
	// Entries live for an hour, long after any retry.
	entryExpiration = 3600

	// Default memory reserved for the purgatory.
	purgatorySize = 10 * 1024 * 1024
)

// Purgatory remembers which index was assigned to a message, so a
// retried or replayed request receives the same index instead of
// consuming a new one.
type Purgatory interface {
	// Set associates the index with the message identifier.
	// Returns the index already associated and false if the
	// identifier was present.
	Set(id types.UID, index types.DeliveryIndex) (types.DeliveryIndex, bool)

	// Get the index previously associated.
	Get(id types.UID) (types.DeliveryIndex, bool)
}

// TtlPurgatory is structure that implements the Purgatory interface.
// On this implementation, all added entries will have a TTL then
// they will be removed from the purgatory.
type TtlPurgatory struct {
	// delegate structure that will handle all entries.
	delegate *freecache.Cache
}

func NewPurgatory() Purgatory {
	return &TtlPurgatory{
		delegate: freecache.NewCache(purgatorySize),
	}
}

func encode(index types.DeliveryIndex) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(index))
	return buf
}

// Implements the Purgatory interface.
func (t *TtlPurgatory) Set(id types.UID, index types.DeliveryIndex) (types.DeliveryIndex, bool) {
	old, err := t.delegate.GetOrSet([]byte(id), encode(index), entryExpiration)
	if err != nil || old == nil {
		return index, true
	}
	return types.DeliveryIndex(binary.BigEndian.Uint64(old)), false
}

// Implements the Purgatory interface.
func (t *TtlPurgatory) Get(id types.UID) (types.DeliveryIndex, bool) {
	v, err := t.delegate.Peek([]byte(id))
	if err != nil || len(v) != 8 {
		return 0, false
	}
	return types.DeliveryIndex(binary.BigEndian.Uint64(v)), true
}
