package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-roam/pkg/roam/chat"
	"github.com/jabolina/go-roam/pkg/roam/concurrent"
	"github.com/jabolina/go-roam/pkg/roam/core"
	"github.com/jabolina/go-roam/pkg/roam/helper"
	"github.com/jabolina/go-roam/pkg/roam/migration"
	"github.com/jabolina/go-roam/pkg/roam/naming"
	"github.com/jabolina/go-roam/pkg/roam/network"
	"github.com/jabolina/go-roam/pkg/roam/types"
)

var (
	ErrNotConnected = errors.New("client not connected")
	ErrClosed       = errors.New("client closed")
)

// Config to create a client.
type Config struct {
	// Name shown to other users.
	Username string

	// The chat room uri.
	URI types.LogicalURI

	// Timeout for every request.
	Timeout time.Duration

	// Interval between attempts while the room is unreachable.
	RetryInterval time.Duration

	// Notified for every event received, optional.
	OnEvent func(types.Event)

	Logger hclog.Logger
}

// Client joins a chat room found through the name server.
//
// Messages are sent one at a time, the next is sent only after the server
// acknowledged the previous one. A message refused because the room is
// moving is kept and sent again to wherever the room goes. Chats from the
// room pass through the client vector clock, so they are seen in the
// order the server sent them.
type Client struct {
	// Guards the connection state.
	mutex sync.Mutex

	// Signaled when paused or connected changes.
	changed *sync.Cond

	config Config

	transport network.Transport
	names     *naming.Client

	// Address of the room and the session on it.
	server  types.Address
	session string
	uuid    types.ProcessID

	connected bool
	paused    bool

	clock *core.VectorClock

	// Chats delivered by the clock, in order.
	messages []types.Message

	// Last history received.
	history []types.Delivered

	// Sends one message at a time.
	sender concurrent.Scheduler

	invoker helper.Invoker
	ctx     context.Context
	cancel  context.CancelFunc

	log hclog.Logger

	flag helper.Flag
}

// New creates a client. The transport address is published as
// the client public uri, pushed events arrive through it.
func New(config Config, transport network.Transport, nameServer types.Address) *Client {
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Second
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:    config,
		transport: transport,
		names:     naming.NewClient(transport, nameServer),
		sender:    concurrent.NewScheduler(),
		invoker:   helper.NewInvoker(),
		ctx:       ctx,
		cancel:    cancel,
		log:       config.Logger,
	}
	c.changed = sync.NewCond(&c.mutex)
	c.invoker.Spawn(c.poll)
	return c
}

// Connect resolves the room and joins it.
// Reconnecting keeps the same identity, the server reuses it when free.
func (c *Client) Connect(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	server, ok, err := c.names.Resolve(rctx, c.config.URI)
	cancel()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", c.config.URI, naming.ErrUnknownURI)
	}

	c.mutex.Lock()
	previous := c.uuid
	c.mutex.Unlock()

	req := &network.JoinRequest{
		RPCHeader:    network.RPCHeader{ProtocolVersion: network.LatestProtocolVersion},
		Username:     c.config.Username,
		PublicURI:    c.transport.LocalAddress(),
		PreviousUUID: previous,
	}
	var res network.JoinResponse
	rctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
	err = c.transport.Join(rctx, server, req, &res)
	cancel()
	if err != nil {
		return fmt.Errorf("failed joining %s: %w", server, err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.clock == nil || c.uuid != res.UUID {
		if c.clock != nil {
			c.clock.Close()
		}
		c.clock = core.NewVectorClock(res.UUID, c.onDeliver, core.WithLogger(c.log.Named("clock")))
		c.messages = nil
	}
	c.server = server
	c.session = res.SessionID
	c.uuid = res.UUID
	c.connected = true
	c.paused = false
	c.changed.Broadcast()
	c.log.Info("joined room", "uri", c.config.URI, "server", server, "uuid", res.UUID)
	return nil
}

// Send queues the message, messages are sent in the order given.
// The returned channel receives the outcome once the server accepted it.
func (c *Client) Send(text string) <-chan error {
	done := make(chan error, 1)
	if c.flag.IsInactive() {
		done <- ErrClosed
		return done
	}
	c.sender.Schedule(func(ctx context.Context) {
		done <- c.deliver(ctx, text)
	})
	return done
}

// Keeps trying until the server accepts the message.
// The message is stamped once, every attempt sends the same one.
func (c *Client) deliver(ctx context.Context, text string) error {
	var message types.Message
	stamped := false

	for {
		server, session, err := c.waitReady(ctx)
		if err != nil {
			return err
		}

		if !stamped {
			c.mutex.Lock()
			message = c.clock.SendMessage(text, types.ServerID)
			c.mutex.Unlock()
			stamped = true
		}

		req := &network.ChatRequest{
			RPCHeader: network.RPCHeader{ProtocolVersion: network.LatestProtocolVersion},
			SessionID: session,
			Message:   message,
		}
		var res network.ChatResponse
		rctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		err = c.transport.Chat(rctx, server, req, &res)
		cancel()
		if err == nil && res.Accepted {
			return nil
		}

		c.log.Debug("chat not accepted, retrying", "count", message.Count, "error", err)
		if refusedByRoom(err) {
			c.disconnected(session)
		}
		if !helper.SleepContext(ctx, c.config.RetryInterval) {
			return ctx.Err()
		}
	}
}

// The room moved or forgot this session.
func refusedByRoom(err error) bool {
	var remote *network.RemoteError
	if !errors.As(err, &remote) {
		return false
	}
	return strings.Contains(remote.Message, chat.ErrUnknownSession.Error()) ||
		strings.Contains(remote.Message, migration.ErrNotOwner.Error())
}

// Waits until connected and not paused.
func (c *Client) waitReady(ctx context.Context) (types.Address, string, error) {
	stop := context.AfterFunc(ctx, func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		c.changed.Broadcast()
	})
	defer stop()

	c.mutex.Lock()
	defer c.mutex.Unlock()
	for !c.connected || c.paused {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		c.changed.Wait()
	}
	return c.server, c.session, nil
}

// Marks the session lost and reconnects in background.
func (c *Client) disconnected(session string) {
	c.mutex.Lock()
	if !c.connected || c.session != session {
		c.mutex.Unlock()
		return
	}
	c.connected = false
	c.mutex.Unlock()

	c.invoker.Spawn(c.reconnect)
}

// Resolves and joins again until it works or the client closes.
func (c *Client) reconnect() {
	for {
		err := c.Connect(c.ctx)
		if err == nil {
			return
		}
		c.log.Debug("reconnect failed", "error", err)
		if !helper.SleepContext(c.ctx, c.config.RetryInterval) {
			return
		}
	}
}

// Consumes events pushed by the room.
func (c *Client) poll() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case rpc := <-c.transport.Consumer():
			req, ok := rpc.Command.(*network.PushRequest)
			if !ok {
				rpc.Respond(nil, network.ErrUnknownCommand)
				continue
			}
			rpc.Respond(&network.PushResponse{}, c.handle(req.Event))
		}
	}
}

func (c *Client) handle(event types.Event) error {
	switch event.Kind {
	case types.ServerMessageEvent:
		c.log.Debug("server message", "text", event.Text)
	case types.MessageHistoryEvent:
		c.mutex.Lock()
		c.history = event.History
		c.mutex.Unlock()
	case types.ChatEvent:
		c.mutex.Lock()
		clock := c.clock
		c.mutex.Unlock()
		if clock == nil {
			return ErrNotConnected
		}
		clock.ReceiveMessage(event.Chat)
		return nil
	case types.PauseMessagingEvent:
		c.mutex.Lock()
		c.paused = event.Pause
		c.changed.Broadcast()
		c.mutex.Unlock()
	case types.ReconnectEvent:
		c.mutex.Lock()
		session := c.session
		c.mutex.Unlock()
		c.disconnected(session)
	default:
		return fmt.Errorf("%w: event %d", network.ErrUnknownCommand, event.Kind)
	}

	c.notify(event)
	return nil
}

// Called by the clock when the chat is ready.
func (c *Client) onDeliver(message types.Message) {
	c.mutex.Lock()
	c.messages = append(c.messages, message)
	c.mutex.Unlock()
	c.notify(types.NewChat(message))
}

func (c *Client) notify(event types.Event) {
	if c.config.OnEvent != nil {
		c.config.OnEvent(event)
	}
}

// Lookup the public address of another user.
func (c *Client) Lookup(ctx context.Context, username string) (*network.AddrResponse, error) {
	c.mutex.Lock()
	server, connected := c.server, c.connected
	c.mutex.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	var res network.AddrResponse
	rctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	req := &network.AddrRequest{Username: username}
	if err := c.transport.Lookup(rctx, server, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Leave the room.
func (c *Client) Leave(ctx context.Context) error {
	c.mutex.Lock()
	server, session, connected := c.server, c.session, c.connected
	c.connected = false
	c.mutex.Unlock()
	if !connected {
		return ErrNotConnected
	}

	var res network.LeaveResponse
	rctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	return c.transport.Leave(rctx, server, &network.LeaveRequest{SessionID: session}, &res)
}

// Messages returns the chats delivered so far, in order.
func (c *Client) Messages() []types.Message {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	messages := make([]types.Message, len(c.messages))
	copy(messages, c.messages)
	return messages
}

// History returns the last history received.
func (c *Client) History() []types.Delivered {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.history
}

// UUID assigned by the room.
func (c *Client) UUID() types.ProcessID {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.uuid
}

// Address where the client receives events.
func (c *Client) Address() types.Address {
	return c.transport.LocalAddress()
}

// Server currently joined.
func (c *Client) Server() types.Address {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.server
}

// Close stops the client, messages still queued are dropped.
func (c *Client) Close() {
	if !c.flag.Inactivate() {
		return
	}
	c.cancel()
	c.sender.Stop()
	c.invoker.Stop()
	c.transport.Close()

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.clock != nil {
		c.clock.Close()
	}
}
