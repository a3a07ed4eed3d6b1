package network

import (
	"context"
	"net"
	"time"

	"github.com/jabolina/go-roam/pkg/roam/types"
)

// Captures a response/error from an RPC call.
type RPCResponse struct {
	Response interface{}
	Error    error
}

// A context for an RPC call with a channel to obtain the response/error.
type RPC struct {
	// The decoded request, one of the command structs.
	Command interface{}

	// Remote address of the connection that issued the request.
	From net.Addr

	RespChan chan<- RPCResponse
}

// Sends response back through channel.
func (r *RPC) Respond(resp interface{}, err error) {
	r.RespChan <- RPCResponse{
		Response: resp,
		Error:    err,
	}
}

// Transport is the request/response channel used between every
// participant: name server, replicas and clients.
// Each call blocks until the remote side answers, the context bounds
// how long the caller is willing to wait.
type Transport interface {
	// Returns a channel that can be used to consume RPCs.
	Consumer() <-chan RPC

	// Local address the transport is listening.
	LocalAddress() types.Address

	// Closes the transport.
	Close() error

	// Send a record to the name server.
	Naming(ctx context.Context, target types.Address, req *NameRequest, res *NameResponse) error

	// Client operations on a chat server.
	Join(ctx context.Context, target types.Address, req *JoinRequest, res *JoinResponse) error
	Leave(ctx context.Context, target types.Address, req *LeaveRequest, res *LeaveResponse) error
	Chat(ctx context.Context, target types.Address, req *ChatRequest, res *ChatResponse) error
	Lookup(ctx context.Context, target types.Address, req *AddrRequest, res *AddrResponse) error

	// Server pushing an event to a client.
	Push(ctx context.Context, target types.Address, req *PushRequest, res *PushResponse) error

	// Replica to replica coordination.
	RequestNextIndex(ctx context.Context, target types.Address, req *NextIndexRequest, res *NextIndexResponse) error
	ServerMessages(ctx context.Context, target types.Address, req *ServerMessagesRequest, res *ServerMessagesResponse) error

	// Migration protocol.
	MigrationHello(ctx context.Context, target types.Address, req *MigrationHelloRequest, res *MigrationHelloResponse) error
	Migrate(ctx context.Context, target types.Address, req *MigrateRequest, res *MigrateResponse) error
}

// Provides a low level stream abstraction for NetworkTransport
type StreamLayer interface {
	net.Listener
	Dial(address types.Address, timeout time.Duration) (net.Conn, error)
}
