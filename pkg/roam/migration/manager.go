package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-roam/pkg/roam/chat"
	"github.com/jabolina/go-roam/pkg/roam/coordinator"
	"github.com/jabolina/go-roam/pkg/roam/helper"
	"github.com/jabolina/go-roam/pkg/roam/metrics"
	"github.com/jabolina/go-roam/pkg/roam/naming"
	"github.com/jabolina/go-roam/pkg/roam/network"
	"github.com/jabolina/go-roam/pkg/roam/types"
	"golang.org/x/time/rate"
)

var (
	ErrNoCandidate   = errors.New("no migration candidate available")
	ErrHandoffFailed = errors.New("handoff failed")
	ErrNotOwner      = errors.New("replica does not own the uri")
)

// Config to create a manager.
type Config struct {
	// The uri being moved around.
	URI types.LogicalURI

	// How long a replica serves before migrating.
	Interval time.Duration

	// Candidates tried on each cycle.
	CandidateAttempts int

	// Bound for the in-flight messages to finish.
	DrainTimeout time.Duration

	// Bound for the candidate to acknowledge the state.
	HandoffTimeout time.Duration

	// Timeout for the other requests.
	Timeout time.Duration

	// Interval between attempts to point the uri to the candidate.
	RetryInterval time.Duration

	// After handing off, wait to receive the uri again instead of stopping.
	StandbyAfterHandoff bool

	Logger hclog.Logger

	Metrics *metrics.Metrics
}

// Creates an empty chat room.
type RoomFactory func() *chat.Server

// Manager moves the chat room between replicas.
//
// The replica owning the uri periodically selects a candidate, pauses
// its users, waits the in-flight messages, and sends its state. Once
// the candidate acknowledges, the uri points to the candidate and the
// users are told to reconnect. Nothing is discarded before the
// acknowledgment, a failed handoff goes back to serving.
type Manager struct {
	// Guards state and room.
	mutex sync.Mutex

	state types.MigrationState

	room    *chat.Server
	newRoom RoomFactory

	config Config

	transport network.Transport
	names     *naming.Client

	// Address of this replica.
	self types.Address

	// Restarts the cycle timer.
	reset chan struct{}

	// Closed once the room is handed off for good.
	terminated chan struct{}

	invoker helper.Invoker
	ctx     context.Context
	cancel  context.CancelFunc

	metrics *metrics.Metrics
	log     hclog.Logger

	flag helper.Flag
}

// NewManager creates a manager in the Initializing state.
func NewManager(config Config, transport network.Transport, names *naming.Client, rooms RoomFactory) *Manager {
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.New()
	}
	if config.CandidateAttempts <= 0 {
		config.CandidateAttempts = 1
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 5 * time.Second
	}
	if config.HandoffTimeout <= 0 {
		config.HandoffTimeout = 5 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Second
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		state:      types.Initializing,
		room:       rooms(),
		newRoom:    rooms,
		config:     config,
		transport:  transport,
		names:      names,
		self:       transport.LocalAddress(),
		reset:      make(chan struct{}, 1),
		terminated: make(chan struct{}),
		invoker:    helper.NewInvoker(),
		ctx:        ctx,
		cancel:     cancel,
		metrics:    config.Metrics,
		log:        config.Logger,
	}
	m.metrics.State.Set(float64(types.Initializing))
	return m
}

// Start the migration cycle. An active replica claims the uri and
// starts serving, otherwise it waits to receive the room.
func (m *Manager) Start(active bool) error {
	if active {
		ctx, cancel := context.WithTimeout(m.ctx, m.config.Timeout)
		defer cancel()
		if err := m.names.SetCurrent(ctx, m.config.URI, m.self); err != nil {
			return fmt.Errorf("failed claiming %s: %w", m.config.URI, err)
		}
		m.transition(types.Running)
	}

	m.invoker.Spawn(m.cycle)
	return nil
}

// State returns the current state.
func (m *Manager) State() types.MigrationState {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

// Room returns the chat room currently served.
func (m *Manager) Room() *chat.Server {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.room
}

// Serving returns the room if this replica is serving users.
func (m *Manager) Serving() (*chat.Server, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	switch m.state {
	case types.Initializing, types.Terminated:
		return nil, ErrNotOwner
	default:
		return m.room, nil
	}
}

func (m *Manager) transition(to types.MigrationState) {
	m.mutex.Lock()
	from := m.state
	m.state = to
	m.mutex.Unlock()

	m.metrics.State.Set(float64(to))
	m.log.Debug("migration state changed", "from", from, "to", to)

	if to == types.Running {
		select {
		case m.reset <- struct{}{}:
		default:
		}
	}
}

// Waits the interval and migrates, forever.
func (m *Manager) cycle() {
	timer := time.NewTimer(m.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(m.config.Interval)
		case <-timer.C:
			if m.State() == types.Running {
				if err := m.Migrate(m.ctx); err != nil {
					m.log.Info("migration cycle ended without handoff", "error", err)
				}
			}
			timer.Reset(m.config.Interval)
		}
	}
}

// Migrate runs a single migration cycle.
func (m *Manager) Migrate(ctx context.Context) error {
	if m.State() != types.Running {
		return ErrNotOwner
	}

	if err := m.verifyOwnership(ctx); err != nil {
		return err
	}

	candidate, err := m.selectCandidate(ctx)
	if err != nil {
		m.metrics.Migrations.WithLabelValues("skipped").Inc()
		return err
	}

	room := m.Room()
	room.Coordinator().Attach(coordinator.NewTransportPeer(m.transport, candidate), coordinator.Sequencer)

	m.transition(types.Pausing)
	room.Pause(true)

	// Chats arriving from now on are kept by the users and sent to
	// whoever serves the room next.
	m.transition(types.Draining)
	room.SetMigrating(true)
	drainCtx, cancel := context.WithTimeout(ctx, m.config.DrainTimeout)
	err = room.Drain(drainCtx)
	cancel()
	if err != nil {
		return m.rollback(room, candidate, fmt.Errorf("in-flight messages still pending: %w", err))
	}

	m.transition(types.HandingOff)
	if err := m.handoff(ctx, room, candidate); err != nil {
		return m.rollback(room, candidate, err)
	}

	// The candidate holds the state but users only find it through the
	// name server. Until the uri points to it this replica is still the
	// owner, and the candidate steps back on its own.
	if err := m.pointTo(ctx, candidate); err != nil {
		return m.rollback(room, candidate, err)
	}

	reconnectCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	room.Reconnect(reconnectCtx)
	cancel()

	room.Coordinator().Detach()
	m.transition(types.Terminated)
	m.metrics.Migrations.WithLabelValues("handoff").Inc()
	m.log.Info("room handed off", "uri", m.config.URI, "candidate", candidate)

	if m.config.StandbyAfterHandoff {
		m.standby()
	} else {
		close(m.terminated)
	}
	return nil
}

// Gives up the migration and serves again with the local state untouched.
func (m *Manager) rollback(room *chat.Server, candidate types.Address, cause error) error {
	m.log.Warn("handoff failed, serving again", "candidate", candidate, "error", cause)
	room.SetMigrating(false)
	room.Pause(false)
	room.Coordinator().Detach()
	m.transition(types.Running)
	m.metrics.Migrations.WithLabelValues("rollback").Inc()
	return fmt.Errorf("%w: %v", ErrHandoffFailed, cause)
}

// Points the uri to the candidate, retrying until the name server
// answers or the context is done.
func (m *Manager) pointTo(ctx context.Context, candidate types.Address) error {
	limiter := rate.NewLimiter(rate.Every(m.config.RetryInterval), 1)
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("uri not pointed to %s: %w", candidate, err)
		}

		rctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		err := m.names.SetCurrent(rctx, m.config.URI, candidate)
		cancel()
		if err == nil {
			return nil
		}
		m.log.Warn("failed pointing uri to candidate", "candidate", candidate, "attempt", attempt, "error", err)
	}
}

// Terminated is closed when the room was handed off and this
// replica will not receive it again.
func (m *Manager) Terminated() <-chan struct{} {
	return m.terminated
}

// A replica that is not the current address anymore stops serving.
func (m *Manager) verifyOwnership(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	current, ok, err := m.names.Resolve(ctx, m.config.URI)
	if err != nil {
		m.metrics.Migrations.WithLabelValues("skipped").Inc()
		return err
	}

	if ok && current == m.self {
		return nil
	}

	// The name server lost the uri, claim it again.
	if !ok {
		m.log.Warn("uri unknown by the name server, claiming again", "uri", m.config.URI)
		return m.names.SetCurrent(ctx, m.config.URI, m.self)
	}

	m.log.Warn("uri owned by another replica, stepping back", "uri", m.config.URI, "current", current)
	reconnectCtx, cancel := context.WithTimeout(m.ctx, m.config.Timeout)
	m.Room().Reconnect(reconnectCtx)
	cancel()
	m.standby()
	return ErrNotOwner
}

// Selects a candidate answering the hello.
func (m *Manager) selectCandidate(ctx context.Context) (types.Address, error) {
	for attempt := 0; attempt < m.config.CandidateAttempts; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		candidate, ok, err := m.names.RandomServer(rctx, m.config.URI)
		cancel()
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrNoCandidate
		}

		req := &network.MigrationHelloRequest{
			RPCHeader: network.RPCHeader{ProtocolVersion: network.LatestProtocolVersion},
			From:      m.self,
			URI:       m.config.URI,
		}
		var res network.MigrationHelloResponse
		rctx, cancel = context.WithTimeout(ctx, m.config.Timeout)
		err = m.transport.MigrationHello(rctx, candidate, req, &res)
		cancel()
		if err == nil && res.Accepted {
			m.log.Debug("candidate selected", "candidate", candidate, "attempt", attempt)
			return candidate, nil
		}
		m.log.Debug("candidate refused", "candidate", candidate, "error", err)
	}
	return "", ErrNoCandidate
}

func (m *Manager) handoff(ctx context.Context, room *chat.Server, candidate types.Address) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.HandoffTimeout)
	defer cancel()

	req := &network.MigrateRequest{
		RPCHeader: network.RPCHeader{ProtocolVersion: network.LatestProtocolVersion},
		From:      m.self,
		URI:       m.config.URI,
		State:     room.Snapshot(),
	}
	var res network.MigrateResponse
	if err := m.transport.Migrate(ctx, candidate, req, &res); err != nil {
		return err
	}
	if !res.Ack {
		return errors.New("candidate refused the state")
	}
	return nil
}

// Replaces the room with an empty one and waits to receive it again.
func (m *Manager) standby() {
	m.mutex.Lock()
	old := m.room
	m.room = m.newRoom()
	m.mutex.Unlock()

	old.Close()
	m.transition(types.Initializing)
}

// OnMigrationHello answers a replica willing to hand off its room.
// Only a replica waiting for a room accepts, it follows the sender
// indices until the state arrives.
func (m *Manager) OnMigrationHello(req *network.MigrationHelloRequest) *network.MigrationHelloResponse {
	if req.URI != m.config.URI || m.State() != types.Initializing {
		return &network.MigrationHelloResponse{Accepted: false}
	}

	m.Room().Coordinator().Attach(coordinator.NewTransportPeer(m.transport, req.From), coordinator.Follower)
	m.log.Info("accepted migration", "from", req.From)
	return &network.MigrationHelloResponse{Accepted: true}
}

// OnMigrate restores the state received and starts serving.
func (m *Manager) OnMigrate(req *network.MigrateRequest) (*network.MigrateResponse, error) {
	if req.URI != m.config.URI || m.State() != types.Initializing {
		return &network.MigrateResponse{Ack: false}, ErrNotOwner
	}

	room := m.Room()
	room.Restore(req.State)
	room.Coordinator().Detach()
	m.transition(types.Running)
	m.metrics.Migrations.WithLabelValues("received").Inc()
	m.log.Info("room received", "from", req.From, "messages", len(req.State.Messages))
	return &network.MigrateResponse{Ack: true}, nil
}

// Stop the cycle and the room.
func (m *Manager) Stop() {
	if !m.flag.Inactivate() {
		return
	}
	m.cancel()
	m.invoker.Stop()
	m.Room().Close()
}
