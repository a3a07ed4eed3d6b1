package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-roam/pkg/roam/concurrent"
	"github.com/jabolina/go-roam/pkg/roam/coordinator"
	"github.com/jabolina/go-roam/pkg/roam/core"
	"github.com/jabolina/go-roam/pkg/roam/metrics"
	"github.com/jabolina/go-roam/pkg/roam/network"
	"github.com/jabolina/go-roam/pkg/roam/types"
)

var (
	// New users are refused while the server is paused for a migration.
	ErrPaused = errors.New("server paused for migration")

	// Chats are refused while the state is handed off, the client
	// keeps the message and sends it to the new server.
	ErrMigrating = errors.New("server is migrating")

	// The message sender is not the user owning the session.
	ErrInvalidSender = errors.New("sender does not own the session")
)

// Config to create a chat server.
type Config struct {
	// Users needed before the history is sent and chats are broadcast.
	MinUserCount int

	// How long a message waits for its predecessors, zero waits forever.
	DelayedMessageTTL time.Duration

	// Interval between reconnection attempts to a peer replica,
	// also used between attempts to push an event to a user.
	ReconnectInterval time.Duration

	// Timeout for every outgoing request.
	Timeout time.Duration

	// Creates the session to push events to each user.
	Sessions SessionFactory

	Logger hclog.Logger

	Metrics *metrics.Metrics
}

// Server is the chat room.
//
// A chat from a user passes through the vector clock, so messages of
// the same user are handled in the order they were sent. Once ready,
// the message enters the delivery pipeline which asks the coordinator
// for its index. Only then the message is logged and broadcast, every
// user receiving it stamped by the server clock.
//
// The server never holds its own locks while calling the coordinator,
// since the coordinator calls back with its lock held.
type Server struct {
	// Guards the outboxes.
	mutex sync.Mutex

	users *UserList

	// uuid -> events waiting for the user.
	outboxes map[types.ProcessID]*outbox

	clock *core.VectorClock

	coordinator *coordinator.Coordinator

	// Messages waiting for an index, one at a time.
	pipeline concurrent.Scheduler

	sessions SessionFactory

	minUserCount int64
	historySent  atomic.Bool

	paused    atomic.Bool
	migrating atomic.Bool

	timeout time.Duration
	retry   time.Duration

	metrics *metrics.Metrics

	log hclog.Logger

	closed atomic.Bool
}

// NewServer creates an empty chat room.
func NewServer(config Config) *Server {
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.New()
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Second
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = 100 * time.Millisecond
	}

	s := &Server{
		users:        NewUserList(),
		outboxes:     make(map[types.ProcessID]*outbox),
		pipeline:     concurrent.NewScheduler(),
		sessions:     config.Sessions,
		minUserCount: int64(config.MinUserCount),
		timeout:      config.Timeout,
		retry:        config.ReconnectInterval,
		metrics:      config.Metrics,
		log:          config.Logger,
	}

	s.clock = core.NewVectorClock(types.ServerID, s.onReady,
		core.WithDelayedTTL(config.DelayedMessageTTL),
		core.WithEvictionListener(s.onEvicted),
		core.WithLogger(config.Logger.Named("clock")))
	s.coordinator = coordinator.New(coordinator.Config{
		Deliver:           s.onIndexed,
		ReconnectInterval: config.ReconnectInterval,
		Timeout:           config.Timeout,
		Logger:            config.Logger.Named("coordinator"),
		Metrics:           config.Metrics,
	})
	return s
}

// Coordinator assigning the indices of this room.
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coordinator
}

// Join adds a new user.
// Once enough users are connected the history is broadcast to everyone,
// after that only the users joining receive it.
func (s *Server) Join(req *network.JoinRequest) (*network.JoinResponse, error) {
	if s.paused.Load() {
		return nil, ErrPaused
	}

	user, err := s.users.Add(req.Username, req.PublicURI, req.PreviousUUID)
	if err != nil {
		s.log.Debug("refused user", "username", req.Username, "error", err)
		return nil, err
	}

	box := newOutbox(user, s.sessions(user), s.timeout, s.retry, s.log)
	s.mutex.Lock()
	s.outboxes[user.UUID] = box
	s.mutex.Unlock()
	s.metrics.Users.Set(float64(s.users.Len()))

	s.broadcast(types.NewServerMessage(fmt.Sprintf("%s has connected to the server", user.Name)))
	if int64(s.users.Len()) >= atomic.LoadInt64(&s.minUserCount) {
		history := types.NewHistory(s.coordinator.Messages())
		if s.historySent.CompareAndSwap(false, true) {
			s.broadcast(history)
		} else {
			box.push(history)
		}
	}

	s.log.Info("user connected", "username", user.Name, "uuid", user.UUID, "uri", user.URI)
	return &network.JoinResponse{UUID: user.UUID, SessionID: user.SessionID}, nil
}

// Leave removes the user owning the session.
func (s *Server) Leave(req *network.LeaveRequest) error {
	user, ok := s.users.Remove(req.SessionID)
	if !ok {
		return ErrUnknownSession
	}

	s.mutex.Lock()
	box := s.outboxes[user.UUID]
	delete(s.outboxes, user.UUID)
	s.mutex.Unlock()
	if box != nil {
		box.scheduler.Stop()
	}

	s.metrics.Users.Set(float64(s.users.Len()))
	s.broadcast(types.NewServerMessage(fmt.Sprintf("%s has disconnected from the server", user.Name)))
	s.log.Info("user disconnected", "username", user.Name)
	return nil
}

// Chat receives a message from a user.
// The answer only means the message was received, it is delivered
// once every previous message from the same user was.
func (s *Server) Chat(req *network.ChatRequest) error {
	if s.migrating.Load() {
		return ErrMigrating
	}

	user, ok := s.users.BySession(req.SessionID)
	if !ok {
		return ErrUnknownSession
	}

	message := req.Message
	if message.SenderID != user.UUID {
		return ErrInvalidSender
	}
	message.Username = user.Name
	message.Index = 0

	s.clock.ReceiveMessage(message)
	s.metrics.Delayed.Set(float64(s.clock.Pending()))
	return nil
}

// Lookup the public address of a user for private messages.
func (s *Server) Lookup(req *network.AddrRequest) *network.AddrResponse {
	user, ok := s.users.ByName(req.Username)
	if !ok {
		return &network.AddrResponse{Found: false}
	}
	return &network.AddrResponse{Found: true, URI: user.URI, UUID: user.UUID}
}

// Called by the clock with its lock held.
func (s *Server) onReady(message types.Message) {
	s.metrics.Delivered.Inc()
	s.pipeline.Schedule(func(ctx context.Context) {
		if _, err := s.coordinator.RequestNextIndex(ctx, message); err != nil {
			s.log.Debug("index assignment postponed", "message", message.Identifier(), "error", err)
		}
	})
}

func (s *Server) onEvicted(message types.Message) {
	s.metrics.Evicted.Inc()
	s.metrics.Delayed.Set(float64(s.clock.Pending()))
}

// Called by the coordinator with its lock held, in index order.
func (s *Server) onIndexed(message types.Message, index types.DeliveryIndex) {
	if int64(s.users.Len()) < atomic.LoadInt64(&s.minUserCount) && !s.historySent.Load() {
		return
	}

	for _, user := range s.users.All() {
		stamped := s.clock.SendMessage(message.Text, user.UUID)
		stamped.Username = message.Username
		stamped.Index = index
		s.push(user.UUID, types.NewChat(stamped))
	}
}

func (s *Server) push(id types.ProcessID, event types.Event) {
	s.mutex.Lock()
	box, ok := s.outboxes[id]
	s.mutex.Unlock()
	if ok {
		box.push(event)
	}
}

func (s *Server) broadcast(event types.Event) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, box := range s.outboxes {
		box.push(event)
	}
}

// Pause tells every user to stop, or resume, sending messages.
// While paused no new user is accepted. This is advisory, messages
// still arriving are processed.
func (s *Server) Pause(pause bool) {
	s.paused.Store(pause)
	s.broadcast(types.NewPause(pause))
	s.log.Debug("pause messaging", "pause", pause, "users", s.users.Len())
}

// SetMigrating refuses, or accepts again, new chats.
func (s *Server) SetMigrating(migrating bool) {
	s.migrating.Store(migrating)
}

// Drain waits until no message waits for an index.
func (s *Server) Drain(ctx context.Context) error {
	return s.pipeline.Drain(ctx)
}

// Reconnect tells every user to resolve the room again and discards
// them. Waits the signal to be sent until the context is done.
func (s *Server) Reconnect(ctx context.Context) {
	s.broadcast(types.NewReconnect())
	s.users.Clear()

	s.mutex.Lock()
	boxes := s.outboxes
	s.outboxes = make(map[types.ProcessID]*outbox)
	s.mutex.Unlock()

	for _, box := range boxes {
		box.close(ctx)
	}
	s.metrics.Users.Set(0)
}

// Snapshot exports the state to be handed off.
func (s *Server) Snapshot() types.Snapshot {
	sent, received := s.clock.Dump()
	return types.Snapshot{
		Sent:         sent,
		Received:     received,
		Messages:     s.coordinator.Messages(),
		NextIndex:    s.coordinator.NextIndex(),
		MinUserCount: int(atomic.LoadInt64(&s.minUserCount)),
		HistorySent:  s.historySent.Load(),
	}
}

// Restore imports a state handed off by another server.
func (s *Server) Restore(snapshot types.Snapshot) {
	s.clock.LoadFrom(snapshot.Sent, snapshot.Received)
	s.coordinator.Restore(snapshot.Messages, snapshot.NextIndex)
	atomic.StoreInt64(&s.minUserCount, int64(snapshot.MinUserCount))
	if snapshot.HistorySent {
		s.historySent.Store(true)
	}
	s.log.Info("state restored", "messages", len(snapshot.Messages), "next", snapshot.NextIndex)
}

// Users currently connected.
func (s *Server) Users() *UserList {
	return s.users
}

// Close stops every routine of the room.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.pipeline.Stop()
	s.coordinator.Close()

	s.mutex.Lock()
	boxes := s.outboxes
	s.outboxes = make(map[types.ProcessID]*outbox)
	s.mutex.Unlock()
	for _, box := range boxes {
		box.scheduler.Stop()
	}
	s.clock.Close()
}
