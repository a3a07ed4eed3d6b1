package coordinator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-roam/pkg/roam/concurrent"
	"github.com/jabolina/go-roam/pkg/roam/core"
	"github.com/jabolina/go-roam/pkg/roam/helper"
	"github.com/jabolina/go-roam/pkg/roam/metrics"
	"github.com/jabolina/go-roam/pkg/roam/network"
	"github.com/jabolina/go-roam/pkg/roam/types"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"
)

// Returned when a request could not reach the peer. The request is
// kept and assigned once the peer is reachable again or the overlap ends.
var ErrNoPeer = errors.New("peer replica not reachable")

// Role of the replica while two replicas overlap.
type Role uint8

const (
	// No overlap, indices are assigned locally.
	Alone Role = iota

	// Assigns every index and replicates them to the follower.
	Sequencer

	// Forwards its messages to the sequencer and adopts the
	// indices it announces.
	Follower
)

func (r Role) String() string {
	switch r {
	case Alone:
		return "alone"
	case Sequencer:
		return "sequencer"
	case Follower:
		return "follower"
	default:
		return "unknown"
	}
}

// Invoked when a message receives its index.
// Called with the coordinator lock held, in index order for the
// sequencer, so it must not block nor call back the coordinator.
type DeliverFunc func(message types.Message, index types.DeliveryIndex)

// A request waiting for the peer.
type request struct {
	message types.Message

	// Index already assigned by the sequencer.
	index types.DeliveryIndex

	// This is a replication of an assigned index.
	authoritative bool
}

// Coordinator assigns the global delivery index of messages.
//
// Without a peer the next index is assigned locally. While two replicas
// overlap, the one that opened the connection is the sequencer and the
// other the follower. Both apply the same rule when receiving a request
// from the other, the agreed index is the greatest between the local next
// index and the requester candidate, and both move past it. The sequencer
// assigns its own messages and replicates them in order, the follower
// forwards its own messages, so only the sequencer ever picks an index.
//
// Every assigned index is remembered by message identifier, a replayed
// request receives the same index again.
type Coordinator struct {
	// Guards every field below, never held across a network call.
	mutex sync.Mutex

	// The messages ordered by index.
	messages *core.MessageLog

	// Next index to be assigned.
	clock core.IndexClock

	// Identifier -> index already assigned.
	purgatory core.Purgatory

	role Role
	peer Peer

	// Requests waiting the peer, oldest first.
	pending []request

	// A loop is trying to reach the peer.
	reconnecting bool

	// Context of the current overlap, cancelled when it ends.
	attachCtx    context.Context
	attachCancel context.CancelFunc

	// Paces the reconnection attempts.
	limiter *rate.Limiter

	// Replicates sequencer assignments in order.
	replication concurrent.Scheduler

	deliver DeliverFunc

	// Bounds each request to the peer.
	timeout time.Duration

	invoker helper.Invoker

	metrics *metrics.Metrics

	log hclog.Logger

	flag helper.Flag
}

// Config to create a coordinator.
type Config struct {
	// Invoked for every message with its index.
	Deliver DeliverFunc

	// Interval between reconnection attempts.
	ReconnectInterval time.Duration

	// Timeout for each request to the peer.
	Timeout time.Duration

	Logger hclog.Logger

	Metrics *metrics.Metrics
}

// New creates a coordinator without a peer.
func New(config Config) *Coordinator {
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.New()
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = 100 * time.Millisecond
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Second
	}
	if config.Deliver == nil {
		config.Deliver = func(types.Message, types.DeliveryIndex) {}
	}

	return &Coordinator{
		messages:    core.NewMessageLog(),
		clock:       core.NewClock(),
		purgatory:   core.NewPurgatory(),
		role:        Alone,
		limiter:     rate.NewLimiter(rate.Every(config.ReconnectInterval), 1),
		replication: concurrent.NewScheduler(),
		deliver:     config.Deliver,
		timeout:     config.Timeout,
		invoker:     helper.NewInvoker(),
		metrics:     config.Metrics,
		log:         config.Logger,
	}
}

// Attach starts an overlap with the peer.
// A follower first reconciles its log with the sequencer.
func (c *Coordinator) Attach(peer Peer, role Role) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.attachCancel != nil {
		c.attachCancel()
	}
	c.attachCtx, c.attachCancel = context.WithCancel(context.Background())
	c.reconnecting = false
	c.peer = peer
	c.role = role
	c.log.Info("attached to peer", "peer", peer.Address(), "role", role)

	if role == Follower || len(c.pending) > 0 {
		c.startReconnecting()
	}
}

// Detach ends the overlap, this replica is alone again.
// Requests still waiting for the peer are assigned locally.
func (c *Coordinator) Detach() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.attachCancel != nil {
		c.attachCancel()
		c.attachCancel = nil
	}

	pending := c.pending
	c.pending = nil
	c.reconnecting = false
	c.peer = nil
	c.role = Alone

	assigned := 0
	for _, req := range pending {
		// The sequencer already assigned its own.
		if req.authoritative {
			continue
		}
		c.assignLocally(req.message, "retry")
		assigned++
	}
	c.log.Info("detached from peer", "assigned", assigned)
}

// Role returns the current role.
func (c *Coordinator) Role() Role {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.role
}

// RequestNextIndex assigns the index of a message received by this replica.
// Only the delivery pipeline calls this, one message at a time.
// When the follower can not reach the sequencer the message is kept and
// ErrNoPeer is returned, it is delivered once the peer is back.
func (c *Coordinator) RequestNextIndex(ctx context.Context, message types.Message) (types.DeliveryIndex, error) {
	c.mutex.Lock()
	if index, ok := c.purgatory.Get(message.Identifier()); ok {
		c.mutex.Unlock()
		return index, nil
	}

	switch c.role {
	case Sequencer:
		index := c.assignLocally(message, "sequencer")
		c.replicate(request{message: message, index: index, authoritative: true})
		c.mutex.Unlock()
		return index, nil

	case Follower:
		req := request{message: message}
		if c.reconnecting {
			c.pending = append(c.pending, req)
			c.mutex.Unlock()
			return 0, fmt.Errorf("%s queued: %w", message.Identifier(), ErrNoPeer)
		}
		peer := c.peer
		candidate := c.clock.Tock()
		c.mutex.Unlock()

		rctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		index, err := peer.RequestNextIndex(rctx, &network.NextIndexRequest{
			Message:   message,
			Candidate: candidate,
		})
		if err != nil {
			c.log.Warn("failed requesting index", "peer", peer.Address(), "error", err)
			c.enqueue(req)
			return 0, fmt.Errorf("%s queued: %w", message.Identifier(), ErrNoPeer)
		}

		c.mutex.Lock()
		defer c.mutex.Unlock()
		c.metrics.IndexRequests.WithLabelValues("follower").Inc()
		return c.commit(message, index), nil

	default:
		defer c.mutex.Unlock()
		return c.assignLocally(message, "local"), nil
	}
}

// OnRequestNextIndex handles a request from the peer replica.
// An authoritative request carries an index already assigned by the
// sequencer, which is adopted as is. Otherwise the agreed index is the
// greatest between the local next index and the requester candidate.
func (c *Coordinator) OnRequestNextIndex(req *network.NextIndexRequest) types.DeliveryIndex {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if index, ok := c.purgatory.Get(req.Message.Identifier()); ok {
		return index
	}

	if req.Authoritative {
		c.metrics.IndexRequests.WithLabelValues("remote").Inc()
		return c.commit(req.Message, req.Candidate)
	}

	agreed := types.DeliveryIndex(helper.MaxValue(uint64(req.Candidate), uint64(c.clock.Tock())))
	c.metrics.IndexRequests.WithLabelValues("remote").Inc()
	return c.commit(req.Message, agreed)
}

// OnServerMessages returns every message at or after the index.
func (c *Coordinator) OnServerMessages(from types.DeliveryIndex) *network.ServerMessagesResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	messages := make(map[types.DeliveryIndex]types.Delivered)
	for _, message := range c.messages.Since(from) {
		messages[message.Index] = message
	}
	return &network.ServerMessagesResponse{
		Messages:  messages,
		NextIndex: c.clock.Tock(),
	}
}

// Must hold the lock.
func (c *Coordinator) assignLocally(message types.Message, mode string) types.DeliveryIndex {
	c.metrics.IndexRequests.WithLabelValues(mode).Inc()
	return c.commit(message, c.clock.Tock())
}

// Records the message at the index and moves the next index past it.
// Returns the index the message ends up with. An index already held by
// another message is not reused, the message moves to the next free one.
// Must hold the lock.
func (c *Coordinator) commit(message types.Message, index types.DeliveryIndex) types.DeliveryIndex {
	id := message.Identifier()
	if previous, ok := c.purgatory.Get(id); ok {
		return previous
	}

	for {
		holder, taken := c.messages.Get(index)
		if !taken {
			break
		}
		if holder.ID == id {
			c.purgatory.Set(id, index)
			return index
		}

		moved := types.DeliveryIndex(helper.MaxValue(uint64(index)+1, uint64(c.clock.Tock())))
		c.log.Warn("index held by another message", "index", index, "holder", holder.ID, "message", id, "moved", moved)
		index = moved
	}

	c.purgatory.Set(id, index)
	c.messages.Append(types.Delivered{
		Username: message.Username,
		Text:     message.Text,
		Index:    index,
		ID:       id,
	})
	c.deliver(message, index)

	next := c.clock.Advance(index + 1)
	c.metrics.NextIndex.Set(float64(next))
	return index
}

// Schedule the replication of a sequencer assignment.
// Must hold the lock.
func (c *Coordinator) replicate(req request) {
	if c.reconnecting {
		c.pending = append(c.pending, req)
		return
	}

	c.replication.Schedule(func(ctx context.Context) {
		c.mutex.Lock()
		peer := c.peer
		if peer == nil || c.role != Sequencer {
			c.mutex.Unlock()
			return
		}
		if c.reconnecting {
			c.pending = append(c.pending, req)
			c.mutex.Unlock()
			return
		}
		c.mutex.Unlock()

		if err := c.send(ctx, peer, req); err != nil {
			c.log.Warn("failed replicating index", "peer", peer.Address(), "index", req.index, "error", err)
			c.enqueue(req)
		}
	})
}

// Sends a single request to the peer, committing the answer for
// requests that were not assigned yet.
func (c *Coordinator) send(ctx context.Context, peer Peer, req request) error {
	c.mutex.Lock()
	candidate := req.index
	if !req.authoritative {
		candidate = c.clock.Tock()
	}
	c.mutex.Unlock()

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	index, err := peer.RequestNextIndex(rctx, &network.NextIndexRequest{
		Message:       req.message,
		Candidate:     candidate,
		Authoritative: req.authoritative,
	})
	if err != nil {
		return err
	}

	if !req.authoritative {
		c.mutex.Lock()
		c.commit(req.message, index)
		c.mutex.Unlock()
	}
	return nil
}

// Keeps the request until the peer is reachable.
func (c *Coordinator) enqueue(req request) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.peer == nil {
		if !req.authoritative {
			c.assignLocally(req.message, "retry")
		}
		return
	}
	c.pending = append(c.pending, req)
	c.startReconnecting()
}

// Must hold the lock.
func (c *Coordinator) startReconnecting() {
	if c.reconnecting || c.peer == nil {
		return
	}
	c.reconnecting = true
	ctx, peer, role := c.attachCtx, c.peer, c.role
	c.invoker.Spawn(func() {
		c.reconnect(ctx, peer, role)
	})
}

// Retries until the peer answers and every pending request is sent,
// or the overlap ends.
func (c *Coordinator) reconnect(ctx context.Context, peer Peer, role Role) {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		if role == Follower {
			if err := c.reconcile(ctx, peer); err != nil {
				c.log.Debug("peer still unreachable", "peer", peer.Address(), "error", err)
				continue
			}
		}

		if c.flush(ctx, peer) {
			return
		}
	}
}

// Merges the peer messages missing locally and moves the next index
// past all of them.
func (c *Coordinator) reconcile(ctx context.Context, peer Peer) error {
	c.mutex.Lock()
	from := c.clock.Tock()
	c.mutex.Unlock()

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, err := peer.ServerMessages(rctx, from)
	if err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	messages := make([]types.Delivered, 0, len(res.Messages))
	for _, message := range res.Messages {
		messages = append(messages, message)
	}
	slices.SortFunc(messages, func(a, b types.Delivered) int {
		return cmp.Compare(a.Index, b.Index)
	})

	merged := 0
	for _, message := range messages {
		if !c.messages.Append(message) {
			continue
		}
		merged++
		c.remember(message)
		c.deliver(types.Message{Username: message.Username, Text: message.Text}, message.Index)
		c.clock.Advance(message.Index + 1)
	}
	next := c.clock.Advance(res.NextIndex)
	c.metrics.NextIndex.Set(float64(next))
	c.log.Info("reconciled with peer", "peer", peer.Address(), "merged", merged, "next", next)
	return nil
}

// Sends the pending requests oldest first.
// Returns true when nothing is pending anymore.
func (c *Coordinator) flush(ctx context.Context, peer Peer) bool {
	for {
		c.mutex.Lock()
		if ctx.Err() != nil {
			c.mutex.Unlock()
			return true
		}
		if len(c.pending) == 0 {
			c.reconnecting = false
			c.mutex.Unlock()
			return true
		}
		req := c.pending[0]
		c.mutex.Unlock()

		if err := c.send(ctx, peer, req); err != nil {
			return false
		}

		c.mutex.Lock()
		if ctx.Err() == nil && len(c.pending) > 0 {
			c.pending = c.pending[1:]
		}
		c.mutex.Unlock()
	}
}

// NextIndex returns the next index this replica would assign.
func (c *Coordinator) NextIndex() types.DeliveryIndex {
	return c.clock.Tock()
}

// Pending returns how many requests wait for the peer.
func (c *Coordinator) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.pending)
}

// Messages returns the whole log ordered by index.
func (c *Coordinator) Messages() []types.Delivered {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.messages.All()
}

// Restore merges messages received on a handoff and moves the
// next index past them.
func (c *Coordinator) Restore(messages []types.Delivered, next types.DeliveryIndex) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.messages.Merge(messages)
	for _, message := range messages {
		c.remember(message)
	}
	if highest, ok := c.messages.Highest(); ok {
		c.clock.Advance(highest + 1)
	}
	c.metrics.NextIndex.Set(float64(c.clock.Advance(next)))
}

// A replayed request for a message received from elsewhere keeps its index.
// Must hold the lock.
func (c *Coordinator) remember(message types.Delivered) {
	if len(message.ID) == 0 {
		return
	}
	if holder, ok := c.messages.Get(message.Index); ok && holder.ID == message.ID {
		c.purgatory.Set(message.ID, message.Index)
	}
}

// Close ends any overlap and waits for the background routines.
func (c *Coordinator) Close() {
	if !c.flag.Inactivate() {
		return
	}

	c.mutex.Lock()
	if c.attachCancel != nil {
		c.attachCancel()
	}
	c.mutex.Unlock()

	c.replication.Stop()
	c.invoker.Stop()
}
