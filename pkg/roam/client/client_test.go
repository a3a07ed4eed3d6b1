package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-roam/pkg/roam/chat"
	"github.com/jabolina/go-roam/pkg/roam/naming"
	"github.com/jabolina/go-roam/pkg/roam/network"
	"github.com/jabolina/go-roam/pkg/roam/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testURI = types.LogicalURI("migration@room")

func newTestLogger(t *testing.T) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   t.Name(),
		Level:  hclog.Warn,
		Output: os.Stderr,
	})
}

func newTestTransport(t *testing.T) *network.NetworkTransport {
	transport, err := network.NewTCPTransport("127.0.0.1:0", nil, 2, time.Second, newTestLogger(t).Named("transport"))
	require.NoError(t, err)
	return transport
}

// Answers joins and records chats, refusing the first refuse chats.
type fakeRoom struct {
	mutex sync.Mutex

	transport *network.NetworkTransport

	joins []network.JoinRequest
	chats []types.Message

	refuse int

	done     chan struct{}
	finished chan struct{}
}

func newFakeRoom(t *testing.T) *fakeRoom {
	room := &fakeRoom{
		transport: newTestTransport(t),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
	go room.serve()
	return room
}

func (r *fakeRoom) serve() {
	defer close(r.finished)
	for {
		select {
		case <-r.done:
			return
		case rpc := <-r.transport.Consumer():
			rpc.Respond(r.handle(rpc.Command))
		}
	}
}

func (r *fakeRoom) handle(command interface{}) (interface{}, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	switch cmd := command.(type) {
	case *network.JoinRequest:
		r.joins = append(r.joins, *cmd)
		return &network.JoinResponse{UUID: "u-1", SessionID: fmt.Sprintf("s-%d", len(r.joins))}, nil
	case *network.ChatRequest:
		if r.refuse > 0 {
			r.refuse--
			return &network.ChatResponse{Accepted: false}, chat.ErrMigrating
		}
		r.chats = append(r.chats, cmd.Message)
		return &network.ChatResponse{Accepted: true}, nil
	case *network.LeaveRequest:
		return &network.LeaveResponse{}, nil
	default:
		return nil, network.ErrUnknownCommand
	}
}

func (r *fakeRoom) Chats() []types.Message {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]types.Message(nil), r.chats...)
}

func (r *fakeRoom) Joins() []network.JoinRequest {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]network.JoinRequest(nil), r.joins...)
}

func (r *fakeRoom) Close() {
	close(r.done)
	<-r.finished
	r.transport.Close()
}

type fixture struct {
	ns     *naming.Server
	room   *fakeRoom
	client *Client
	pusher *network.NetworkTransport
}

func newFixture(t *testing.T, onEvent func(types.Event)) *fixture {
	f := &fixture{
		ns:     naming.NewServer(newTestTransport(t), newTestLogger(t), nil),
		room:   newFakeRoom(t),
		pusher: newTestTransport(t),
	}
	f.ns.Registry().SetCurrent(testURI, f.room.transport.LocalAddress())
	f.client = New(Config{
		Username:      "alice",
		URI:           testURI,
		Timeout:       time.Second,
		RetryInterval: 10 * time.Millisecond,
		OnEvent:       onEvent,
		Logger:        newTestLogger(t),
	}, newTestTransport(t), f.ns.Address())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.client.Connect(ctx))
	return f
}

func (f *fixture) push(event types.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var res network.PushResponse
	return f.pusher.Push(ctx, f.client.Address(), &network.PushRequest{Event: event}, &res)
}

func (f *fixture) Close() {
	f.client.Close()
	f.pusher.Close()
	f.room.Close()
	f.ns.Shutdown()
}

func TestClient_ConnectResolvesRoom(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, nil)
	defer f.Close()

	require.Equal(t, f.room.transport.LocalAddress(), f.client.Server())
	require.Equal(t, types.ProcessID("u-1"), f.client.UUID())

	joins := f.room.Joins()
	require.Len(t, joins, 1)
	require.Equal(t, "alice", joins[0].Username)
	require.Equal(t, f.client.Address(), joins[0].PublicURI)
	require.Empty(t, joins[0].PreviousUUID)
}

func TestClient_UnknownRoom(t *testing.T) {
	defer goleak.VerifyNone(t)

	ns := naming.NewServer(newTestTransport(t), newTestLogger(t), nil)
	defer ns.Shutdown()

	c := New(Config{Username: "alice", URI: testURI}, newTestTransport(t), ns.Address())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, c.Connect(ctx), naming.ErrUnknownURI)
}

func TestClient_SendsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, nil)
	defer f.Close()

	var results []<-chan error
	for i := 0; i < 5; i++ {
		results = append(results, f.client.Send(fmt.Sprintf("message-%d", i)))
	}
	for _, result := range results {
		require.NoError(t, <-result)
	}

	chats := f.room.Chats()
	require.Len(t, chats, 5)
	for i, message := range chats {
		require.Equal(t, fmt.Sprintf("message-%d", i), message.Text)
		require.Equal(t, uint64(i+1), message.Count)
		require.Equal(t, types.ProcessID("u-1"), message.SenderID)
	}
}

func TestClient_RetriesSameMessage(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, nil)
	defer f.Close()

	f.room.mutex.Lock()
	f.room.refuse = 3
	f.room.mutex.Unlock()

	require.NoError(t, <-f.client.Send("first"))
	require.NoError(t, <-f.client.Send("second"))

	chats := f.room.Chats()
	require.Len(t, chats, 2)
	require.Equal(t, uint64(1), chats[0].Count)
	require.Equal(t, uint64(2), chats[1].Count)
}

func TestClient_PauseHoldsMessages(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, nil)
	defer f.Close()

	require.NoError(t, f.push(types.NewPause(true)))
	result := f.client.Send("held")

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, f.room.Chats())

	require.NoError(t, f.push(types.NewPause(false)))
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("message not sent after resuming")
	}
	require.Len(t, f.room.Chats(), 1)
}

func TestClient_OrdersPushedChats(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mutex sync.Mutex
	var seen []string
	f := newFixture(t, func(event types.Event) {
		if event.Kind != types.ChatEvent {
			return
		}
		mutex.Lock()
		defer mutex.Unlock()
		seen = append(seen, event.Chat.Text)
	})
	defer f.Close()

	for _, count := range []uint64{3, 2, 1} {
		message := types.Message{
			SenderID: types.ServerID,
			Text:     fmt.Sprintf("b%d", count),
			Count:    count,
			Index:    types.DeliveryIndex(count - 1),
		}
		require.NoError(t, f.push(types.NewChat(message)))
	}

	require.Eventually(t, func() bool {
		return len(f.client.Messages()) == 3
	}, time.Second, 10*time.Millisecond)

	var received []string
	for _, message := range f.client.Messages() {
		received = append(received, message.Text)
	}
	require.Equal(t, []string{"b1", "b2", "b3"}, received)

	mutex.Lock()
	defer mutex.Unlock()
	require.Equal(t, []string{"b1", "b2", "b3"}, seen)
}

func TestClient_HistoryReceived(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, nil)
	defer f.Close()

	history := []types.Delivered{
		{Username: "bob", Text: "hi", Index: 0},
		{Username: "carol", Text: "hey", Index: 1},
	}
	require.NoError(t, f.push(types.NewHistory(history)))
	require.Equal(t, history, f.client.History())
}

func TestClient_ReconnectKeepsIdentity(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, nil)
	defer f.Close()

	require.NoError(t, f.push(types.NewReconnect()))
	require.Eventually(t, func() bool {
		return len(f.room.Joins()) == 2
	}, time.Second, 10*time.Millisecond)

	joins := f.room.Joins()
	require.Equal(t, types.ProcessID("u-1"), joins[1].PreviousUUID)

	require.NoError(t, <-f.client.Send("back"))
	require.Len(t, f.room.Chats(), 1)
}

func TestClient_UnknownEventRefused(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, nil)
	defer f.Close()

	err := f.push(types.Event{Kind: types.EventKind(42)})
	var remote *network.RemoteError
	require.True(t, errors.As(err, &remote))
	require.Contains(t, remote.Message, network.ErrUnknownCommand.Error())
}

func TestClient_SendAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, nil)
	f.Close()

	require.ErrorIs(t, <-f.client.Send("late"), ErrClosed)
}
