package chat

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-roam/pkg/roam/concurrent"
	"github.com/jabolina/go-roam/pkg/roam/helper"
	"github.com/jabolina/go-roam/pkg/roam/network"
	"github.com/jabolina/go-roam/pkg/roam/types"
)

// Session pushes events to a connected client.
type Session interface {
	Push(ctx context.Context, event types.Event) error
}

// Creates the session for a user that just joined.
type SessionFactory func(user types.User) Session

// Sessions pushing events through the transport to the user public address.
func TransportSessions(transport network.Transport) SessionFactory {
	return func(user types.User) Session {
		return &transportSession{transport: transport, address: user.URI}
	}
}

type transportSession struct {
	transport network.Transport
	address   types.Address
}

// Implements the Session interface.
func (s *transportSession) Push(ctx context.Context, event types.Event) error {
	req := &network.PushRequest{
		RPCHeader: network.RPCHeader{ProtocolVersion: network.LatestProtocolVersion},
		Event:     event,
	}
	var res network.PushResponse
	return s.transport.Push(ctx, s.address, req, &res)
}

// Outbox delivers the events of a single user in order,
// a slow user does not hold the others.
type outbox struct {
	user    types.User
	session Session

	scheduler concurrent.Scheduler

	timeout time.Duration
	retry   time.Duration
	log     hclog.Logger
}

func newOutbox(user types.User, session Session, timeout, retry time.Duration, log hclog.Logger) *outbox {
	return &outbox{
		user:      user,
		session:   session,
		scheduler: concurrent.NewScheduler(),
		timeout:   timeout,
		retry:     retry,
		log:       log,
	}
}

// Chats are stamped for the user before being pushed, a dropped
// event would leave a gap in the user clock. The same event is
// pushed until it succeeds or the outbox is stopped, holding the
// events behind it.
func (o *outbox) push(event types.Event) {
	o.scheduler.Schedule(func(ctx context.Context) {
		for attempt := 1; ; attempt++ {
			err := o.pushOnce(ctx, event)
			if err == nil {
				return
			}
			o.log.Warn("failed pushing event", "user", o.user.Name, "event", event.Kind, "attempt", attempt, "error", err)

			if !helper.SleepContext(ctx, o.retry) {
				o.log.Debug("event dropped, outbox stopped", "user", o.user.Name, "event", event.Kind)
				return
			}
		}
	})
}

func (o *outbox) pushOnce(ctx context.Context, event types.Event) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return o.session.Push(ctx, event)
}

// Waits the pending events and stops.
func (o *outbox) close(ctx context.Context) {
	if err := o.scheduler.Drain(ctx); err != nil {
		o.log.Debug("closing outbox with pending events", "user", o.user.Name, "pending", o.scheduler.Pending())
	}
	o.scheduler.Stop()
}
