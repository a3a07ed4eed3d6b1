package network

import (
	"bufio"
	"context"
	"errors"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
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

func newTestTransport(t *testing.T, pool int) *NetworkTransport {
	trans, err := NewTCPTransport("127.0.0.1:0", nil, pool, time.Second, newTestLogger(t))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return trans
}

// Answers every chat request until the channel is quiet.
func serveChat(t *testing.T, trans *NetworkTransport, expected *ChatRequest, resp *ChatResponse) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case rpc := <-trans.Consumer():
				req, ok := rpc.Command.(*ChatRequest)
				if !ok {
					t.Errorf("unexpected command %#v", rpc.Command)
					rpc.Respond(nil, ErrUnknownCommand)
					continue
				}
				if !reflect.DeepEqual(req, expected) {
					t.Errorf("command mismatch: %#v %#v", *req, *expected)
				}
				if rpc.From == nil {
					t.Errorf("missing remote address")
				}
				rpc.Respond(resp, nil)
			case <-time.After(200 * time.Millisecond):
				return
			}
		}
	}()
	return wg
}

// Create a new TCP network transport and closes the connection
func TestNetworkTransport_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	trans := newTestTransport(t, 2)
	require.NoError(t, trans.Close())
	require.NoError(t, trans.Close())
}

func TestNetworkTransport_PooledConn(t *testing.T) {
	defer goleak.VerifyNone(t)
	consumer := newTestTransport(t, 2)
	defer consumer.Close()

	args := ChatRequest{
		RPCHeader: RPCHeader{ProtocolVersion: LatestProtocolVersion},
		SessionID: "session",
		Message: types.Message{
			SenderID: "user-1",
			Text:     "hello, test!",
			Count:    1,
		},
	}
	resp := ChatResponse{Accepted: true}
	served := serveChat(t, consumer, &args, &resp)

	producer := newTestTransport(t, 3)
	defer producer.Close()

	wg := &sync.WaitGroup{}
	wg.Add(5)
	send := func() {
		defer wg.Done()
		var out ChatResponse
		if err := producer.Chat(context.TODO(), consumer.LocalAddress(), &args, &out); err != nil {
			t.Errorf("err: %v", err)
			return
		}

		if !reflect.DeepEqual(resp, out) {
			t.Errorf("response mismatch: %#v %#v", resp, out)
		}
	}

	// Parallel requests stress the conn pool
	for i := 0; i < 5; i++ {
		go send()
	}
	wg.Wait()
	served.Wait()

	addr := consumer.LocalAddress()
	producer.connPoolLock.Lock()
	pooled := len(producer.connPool[addr])
	producer.connPoolLock.Unlock()
	if pooled != 3 {
		t.Fatalf("expected 3 pooled conns, found %d", pooled)
	}
}

func TestNetworkTransport_RemoteError(t *testing.T) {
	defer goleak.VerifyNone(t)
	consumer := newTestTransport(t, 1)
	defer consumer.Close()

	go func() {
		select {
		case rpc := <-consumer.Consumer():
			rpc.Respond(nil, errors.New("refused"))
		case <-time.After(time.Second):
		}
	}()

	producer := newTestTransport(t, 1)
	defer producer.Close()

	var out JoinResponse
	err := producer.Join(context.TODO(), consumer.LocalAddress(), &JoinRequest{Username: "alice"}, &out)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "refused", remote.Message)
}

func TestNetworkTransport_ContextDeadline(t *testing.T) {
	defer goleak.VerifyNone(t)
	consumer := newTestTransport(t, 1)

	producer := newTestTransport(t, 1)
	defer producer.Close()

	// Nobody consumes, the request hangs until the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var out LeaveResponse
	err := producer.Leave(ctx, consumer.LocalAddress(), &LeaveRequest{SessionID: "s"}, &out)
	require.Error(t, err)
	consumer.Close()
}

func TestNetworkTransport_ClosedTransport(t *testing.T) {
	defer goleak.VerifyNone(t)
	trans := newTestTransport(t, 1)
	trans.Close()

	var out PushResponse
	err := trans.Push(context.TODO(), "127.0.0.1:1", &PushRequest{}, &out)
	require.ErrorIs(t, err, ErrTransportShutdown)
}

func writeRaw(t *testing.T, w *bufio.Writer, kind uint8, body []byte) {
	require.NoError(t, w.WriteByte(kind))
	require.NoError(t, writeFrame(w, body))
	require.NoError(t, w.Flush())
}

func readEnvelope(t *testing.T, r *bufio.Reader) envelope {
	data, err := readFrame(r)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, decode(data, &env))
	return env
}

// Bad requests are answered and the same connection keeps working.
func TestNetworkTransport_BadRequestsKeepConnection(t *testing.T) {
	defer goleak.VerifyNone(t)
	consumer := newTestTransport(t, 1)
	defer consumer.Close()

	conn, err := net.Dial("tcp", string(consumer.LocalAddress()))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	writeRaw(t, w, 200, []byte{})
	env := readEnvelope(t, r)
	require.Contains(t, env.Error, ErrUnknownCommand.Error())

	// 0xc1 is never used by msgpack.
	writeRaw(t, w, rpcJoin, []byte{0xc1, 0xc1})
	env = readEnvelope(t, r)
	require.Contains(t, env.Error, ErrMalformedRequest.Error())

	go func() {
		select {
		case rpc := <-consumer.Consumer():
			req := rpc.Command.(*AddrRequest)
			rpc.Respond(&AddrResponse{Found: true, URI: "10.0.0.1:1", UUID: types.ProcessID(req.Username)}, nil)
		case <-time.After(time.Second):
		}
	}()

	body, err := encode(&AddrRequest{Username: "bob"})
	require.NoError(t, err)
	writeRaw(t, w, rpcLookup, body)
	env = readEnvelope(t, r)
	require.Empty(t, env.Error)

	var out AddrResponse
	require.NoError(t, decode(env.Body, &out))
	require.True(t, out.Found)
	require.Equal(t, types.ProcessID("bob"), out.UUID)
}
