package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-roam/pkg/roam/helper"
	"github.com/jabolina/go-roam/pkg/roam/types"
)

// Callback invoked when a message is delivered.
// It is called with the received lock held, so it must not call
// back into the clock receiving path.
type DeliverFunc func(message types.Message)

// Callback invoked when a delayed message is evicted without delivery.
type EvictFunc func(message types.Message)

// VectorClock maintains the logic clocks for all other processes and
// executes the message synchronization on a per-process basis.
// Messages from a specific sender have their sending order preserved,
// but there is no such guarantee for messages of different senders.
// This is FIFO per channel, not a full causal broadcast.
//
// The sent counters and the received counters are independent, each
// one guarded by its own lock. The delayed buffer belongs to the
// received side. When both locks are needed they are acquired in the
// order: sentLock, receivedLock.
type VectorClock struct {
	// Identifier of the process owning the clock.
	id types.ProcessID

	// Guards sent.
	sentLock sync.Mutex

	// destination -> how many messages were sent.
	sent map[types.ProcessID]uint64

	// Guards received and delayed.
	receivedLock sync.Mutex

	// sender -> how many messages were delivered.
	received map[types.ProcessID]uint64

	// Messages not ready for delivery, keyed by identifier.
	delayed map[types.UID]types.Message

	// Tracks the age of delayed messages, nil if eviction is disabled.
	expiration *ttlcache.Cache

	deliver DeliverFunc
	evicted EvictFunc

	// Evictions running, stopped when the clock is closed.
	invoker helper.Invoker

	log hclog.Logger
}

// ClockOption customizes a VectorClock.
type ClockOption func(*VectorClock)

// WithDelayedTTL evicts a delayed message that could not be delivered
// after the given time. A zero value keeps messages forever.
func WithDelayedTTL(ttl time.Duration) ClockOption {
	return func(c *VectorClock) {
		if ttl <= 0 {
			return
		}
		cache := ttlcache.NewCache()
		cache.SetTTL(ttl)
		cache.SetExpirationCallback(func(key string, _ interface{}) {
			// The cache may run the callback holding its own lock,
			// the eviction must not wait on the received lock here.
			c.invoker.Spawn(func() {
				c.evict(types.UID(key))
			})
		})
		c.expiration = cache
	}
}

// WithEvictionListener is notified for every evicted delayed message.
func WithEvictionListener(f EvictFunc) ClockOption {
	return func(c *VectorClock) {
		c.evicted = f
	}
}

// WithLogger sets the clock logger.
func WithLogger(log hclog.Logger) ClockOption {
	return func(c *VectorClock) {
		c.log = log
	}
}

// NewVectorClock creates the clock for the process with the given id.
// The deliver callback is invoked for every message once it is ready.
func NewVectorClock(id types.ProcessID, deliver DeliverFunc, opts ...ClockOption) *VectorClock {
	c := &VectorClock{
		id:       id,
		sent:     make(map[types.ProcessID]uint64),
		received: make(map[types.ProcessID]uint64),
		delayed:  make(map[types.UID]types.Message),
		deliver:  deliver,
		invoker:  helper.NewInvoker(),
		log:      hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the process identifier owning this clock.
func (c *VectorClock) ID() types.ProcessID {
	return c.id
}

// SendMessage produces the message to be sent to the destination.
// This is the only way outgoing messages are produced, so every message
// for a destination has a sequence number one higher than the previous.
func (c *VectorClock) SendMessage(text string, dest types.ProcessID) types.Message {
	c.sentLock.Lock()
	defer c.sentLock.Unlock()

	c.sent[dest]++
	return types.Message{
		SenderID: c.id,
		Text:     text,
		Count:    c.sent[dest],
	}
}

// ReceiveMessage delivers the message if every previous message from the
// same sender was already delivered, otherwise it is kept delayed.
// Delivering a message can unblock other delayed messages, so after a
// delivery the delayed buffer is scanned until nothing else is ready.
//
// A message with a count lower or equal than what was already delivered
// is treated as already satisfied and passed over.
func (c *VectorClock) ReceiveMessage(message types.Message) {
	c.receivedLock.Lock()
	defer c.receivedLock.Unlock()

	if c.alreadyDelivered(message) {
		c.log.Debug("passing over delivered message", "sender", message.SenderID, "count", message.Count)
		return
	}

	if c.shouldDelay(message) {
		id := message.Identifier()
		if _, ok := c.delayed[id]; !ok {
			c.delayed[id] = message
			if c.expiration != nil {
				c.expiration.Set(string(id), struct{}{})
			}
		}
		c.log.Debug("delaying message", "sender", message.SenderID, "count", message.Count,
			"received", c.received[message.SenderID])
		return
	}

	c.deliverMessage(message)
	c.checkDelayedMessages()
}

// Must hold the received lock.
func (c *VectorClock) alreadyDelivered(message types.Message) bool {
	return message.Count <= c.received[message.SenderID]
}

// If the sequence number exceeds what was received from the sender by
// more than one, there are undelivered messages that predate this one.
// Must hold the received lock.
func (c *VectorClock) shouldDelay(message types.Message) bool {
	return message.Count-1 > c.received[message.SenderID]
}

// Must hold the received lock.
func (c *VectorClock) deliverMessage(message types.Message) {
	sender := message.SenderID
	if next := c.received[sender] + 1; message.Count > next {
		c.received[sender] = message.Count
	} else {
		c.received[sender] = next
	}
	c.deliver(message)
}

// Runs until a full pass over the delayed buffer delivers nothing.
// Must hold the received lock for the whole pass, so two routines
// never deliver the same buffered message.
func (c *VectorClock) checkDelayedMessages() {
	delivered := true
	for delivered {
		delivered = false
		for id, message := range c.delayed {
			if c.alreadyDelivered(message) {
				c.dropDelayed(id)
				continue
			}

			if c.shouldDelay(message) {
				continue
			}

			c.dropDelayed(id)
			c.deliverMessage(message)
			delivered = true
			break
		}
	}
}

// Must hold the received lock.
func (c *VectorClock) dropDelayed(id types.UID) {
	delete(c.delayed, id)
	if c.expiration != nil {
		c.expiration.Remove(string(id))
	}
}

func (c *VectorClock) evict(id types.UID) {
	c.receivedLock.Lock()
	message, ok := c.delayed[id]
	if ok {
		delete(c.delayed, id)
	}
	c.receivedLock.Unlock()

	if !ok {
		return
	}

	c.log.Warn("evicting delayed message", "sender", message.SenderID, "count", message.Count)
	if c.evicted != nil {
		c.evicted(message)
	}
}

// Pending returns how many messages are delayed.
func (c *VectorClock) Pending() int {
	c.receivedLock.Lock()
	defer c.receivedLock.Unlock()
	return len(c.delayed)
}

// Dump exports the sent and received counters.
// The returned maps are copies.
func (c *VectorClock) Dump() (map[types.ProcessID]uint64, map[types.ProcessID]uint64) {
	c.sentLock.Lock()
	defer c.sentLock.Unlock()
	c.receivedLock.Lock()
	defer c.receivedLock.Unlock()

	return copyCounters(c.sent), copyCounters(c.received)
}

// LoadFrom imports counters exported by Dump, so sequence numbers continue
// after a migration instead of resetting. Counters never go backwards,
// an imported value lower than the local one is ignored.
// Delayed messages that became ready with the imported state are delivered.
func (c *VectorClock) LoadFrom(sent, received map[types.ProcessID]uint64) *VectorClock {
	c.sentLock.Lock()
	defer c.sentLock.Unlock()
	c.receivedLock.Lock()
	defer c.receivedLock.Unlock()

	mergeCounters(c.sent, sent)
	mergeCounters(c.received, received)
	c.checkDelayedMessages()
	return c
}

// Close releases the eviction tracking and waits evictions in progress.
func (c *VectorClock) Close() {
	if c.expiration != nil {
		c.expiration.Close()
	}
	c.invoker.Stop()
}

func (c *VectorClock) String() string {
	sent, received := c.Dump()
	return fmt.Sprintf("clock(%s) sent=%v received=%v", c.id, sent, received)
}

func copyCounters(values map[types.ProcessID]uint64) map[types.ProcessID]uint64 {
	cp := make(map[types.ProcessID]uint64, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return cp
}

func mergeCounters(into, from map[types.ProcessID]uint64) {
	for k, v := range from {
		if v > into[k] {
			into[k] = v
		}
	}
}
