package naming

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-roam/pkg/roam/network"
	"github.com/jabolina/go-roam/pkg/roam/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestLogger(t *testing.T) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  t.Name(),
		Level: hclog.Debug,
	})
}

func newTransport(t *testing.T) *network.NetworkTransport {
	trans, err := network.NewTCPTransport("127.0.0.1:0", nil, 2, time.Second, newTestLogger(t))
	if err != nil {
		t.Fatalf("failed creating transport: %v", err)
	}
	return trans
}

func TestServer_UnknownRecordIsEmpty(t *testing.T) {
	defer goleak.VerifyNone(t)
	server := NewServer(newTransport(t), newTestLogger(t), nil)
	defer server.Shutdown()

	res := server.Answer(&network.NameRequest{Name: "who_are_you"}, "127.0.0.1:1")
	require.Equal(t, network.Empty, res.Name)
	require.Nil(t, res.Addr)
}

func TestServer_RecordsOverTransport(t *testing.T) {
	defer goleak.VerifyNone(t)
	server := NewServer(newTransport(t), newTestLogger(t), nil)
	defer server.Shutdown()

	trans := newTransport(t)
	defer trans.Close()
	client := NewClient(trans, server.Address())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, ok, err := client.Resolve(ctx, "chat@roam")
	require.NoError(t, err)
	require.False(t, ok)

	addr, err := client.Register(ctx, "chat@roam", "127.0.0.1:9000")
	require.NoError(t, err)
	require.Equal(t, types.Address("127.0.0.1:9000"), addr)

	_, err = client.Register(ctx, "migration@127.0.0.1:9001", "127.0.0.1:9001")
	require.NoError(t, err)

	peer, ok, err := client.RandomServer(ctx, "chat@roam")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.Address("127.0.0.1:9001"), peer)

	require.NoError(t, client.SetCurrent(ctx, "chat@roam", peer))
	addr, ok, err = client.Resolve(ctx, "chat@roam")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, peer, addr)

	peer, ok, err = client.RandomServer(ctx, "chat@roam")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.Address("127.0.0.1:9000"), peer)

	require.NoError(t, client.Deregister(ctx, "127.0.0.1:9000"))
	_, ok, err = client.RandomServer(ctx, "chat@roam")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestServer_WrongCommand(t *testing.T) {
	defer goleak.VerifyNone(t)
	server := NewServer(newTransport(t), newTestLogger(t), nil)
	defer server.Shutdown()

	trans := newTransport(t)
	defer trans.Close()

	var res network.JoinResponse
	err := trans.Join(context.TODO(), server.Address(), &network.JoinRequest{Username: "alice"}, &res)
	require.Error(t, err)
	require.Contains(t, err.Error(), network.ErrUnknownCommand.Error())
}
