package migration

import (
	"context"
	"os"
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

type node struct {
	transport *network.NetworkTransport
	manager   *Manager
}

func (n *node) Close() {
	n.manager.Stop()
	n.transport.Close()
}

func newNode(t *testing.T, ns types.Address) *node {
	transport := newTestTransport(t)
	rooms := func() *chat.Server {
		return chat.NewServer(chat.Config{
			MinUserCount: 1,
			Sessions:     chat.TransportSessions(transport),
			Logger:       newTestLogger(t).Named("server"),
		})
	}
	manager := NewManager(Config{
		URI:                 testURI,
		Interval:            time.Hour,
		Timeout:             time.Second,
		StandbyAfterHandoff: true,
		Logger:              newTestLogger(t),
	}, transport, naming.NewClient(transport, ns), rooms)
	return &node{transport: transport, manager: manager}
}

func TestManager_StartsInitializing(t *testing.T) {
	defer goleak.VerifyNone(t)

	ns := naming.NewServer(newTestTransport(t), newTestLogger(t), nil)
	defer ns.Shutdown()

	n := newNode(t, ns.Address())
	defer n.Close()
	require.NoError(t, n.manager.Start(false))

	require.Equal(t, types.Initializing, n.manager.State())
	_, err := n.manager.Serving()
	require.ErrorIs(t, err, ErrNotOwner)
	require.ErrorIs(t, n.manager.Migrate(context.Background()), ErrNotOwner)

	_, ok := ns.Registry().Resolve(testURI, "127.0.0.1:1")
	require.False(t, ok)
}

func TestManager_ActiveClaimsURI(t *testing.T) {
	defer goleak.VerifyNone(t)

	ns := naming.NewServer(newTestTransport(t), newTestLogger(t), nil)
	defer ns.Shutdown()

	n := newNode(t, ns.Address())
	defer n.Close()
	require.NoError(t, n.manager.Start(true))

	require.Equal(t, types.Running, n.manager.State())
	room, err := n.manager.Serving()
	require.NoError(t, err)
	require.Same(t, n.manager.Room(), room)

	current, ok := ns.Registry().Resolve(testURI, "127.0.0.1:1")
	require.True(t, ok)
	require.Equal(t, n.transport.LocalAddress(), current)
}

func TestManager_CandidateHandlers(t *testing.T) {
	defer goleak.VerifyNone(t)

	ns := naming.NewServer(newTestTransport(t), newTestLogger(t), nil)
	defer ns.Shutdown()

	n := newNode(t, ns.Address())
	defer n.Close()
	require.NoError(t, n.manager.Start(false))

	wrong := n.manager.OnMigrationHello(&network.MigrationHelloRequest{From: "127.0.0.1:1", URI: "migration@other"})
	require.False(t, wrong.Accepted)

	snapshot := types.Snapshot{
		Sent:     map[types.ProcessID]uint64{"u-1": 2},
		Received: map[types.ProcessID]uint64{"u-1": 3},
		Messages: []types.Delivered{
			{Username: "alice", Text: "a", Index: 0},
			{Username: "alice", Text: "b", Index: 1},
		},
		NextIndex:    2,
		MinUserCount: 1,
		HistorySent:  true,
	}
	res, err := n.manager.OnMigrate(&network.MigrateRequest{From: "127.0.0.1:1", URI: testURI, State: snapshot})
	require.NoError(t, err)
	require.True(t, res.Ack)
	require.Equal(t, types.Running, n.manager.State())

	room := n.manager.Room()
	require.Equal(t, snapshot.Messages, room.Coordinator().Messages())
	require.Equal(t, types.DeliveryIndex(2), room.Coordinator().NextIndex())

	exported := room.Snapshot()
	require.Equal(t, snapshot.Sent, exported.Sent)
	require.Equal(t, snapshot.Received, exported.Received)
	require.True(t, exported.HistorySent)

	// Already serving, a second room is refused.
	hello := n.manager.OnMigrationHello(&network.MigrationHelloRequest{From: "127.0.0.1:1", URI: testURI})
	require.False(t, hello.Accepted)
	res, err = n.manager.OnMigrate(&network.MigrateRequest{From: "127.0.0.1:1", URI: testURI, State: snapshot})
	require.ErrorIs(t, err, ErrNotOwner)
	require.False(t, res.Ack)
}

func TestManager_StepsBackWhenNotCurrent(t *testing.T) {
	defer goleak.VerifyNone(t)

	ns := naming.NewServer(newTestTransport(t), newTestLogger(t), nil)
	defer ns.Shutdown()

	n := newNode(t, ns.Address())
	defer n.Close()
	require.NoError(t, n.manager.Start(true))
	first := n.manager.Room()

	ns.Registry().SetCurrent(testURI, "127.0.0.1:1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, n.manager.Migrate(ctx), ErrNotOwner)
	require.Equal(t, types.Initializing, n.manager.State())
	require.NotSame(t, first, n.manager.Room())

	// In standby it accepts to receive the room again.
	hello := n.manager.OnMigrationHello(&network.MigrationHelloRequest{From: "127.0.0.1:1", URI: testURI})
	require.True(t, hello.Accepted)
}

func TestManager_ClaimsAgainWhenForgotten(t *testing.T) {
	defer goleak.VerifyNone(t)

	ns := naming.NewServer(newTestTransport(t), newTestLogger(t), nil)
	defer ns.Shutdown()

	n := newNode(t, ns.Address())
	defer n.Close()
	require.NoError(t, n.manager.Start(true))

	ns.Registry().Deregister(n.transport.LocalAddress())
	_, ok := ns.Registry().Resolve(testURI, "127.0.0.1:1")
	require.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, n.manager.Migrate(ctx), ErrNoCandidate)
	require.Equal(t, types.Running, n.manager.State())

	current, ok := ns.Registry().Resolve(testURI, "127.0.0.1:1")
	require.True(t, ok)
	require.Equal(t, n.transport.LocalAddress(), current)
}
