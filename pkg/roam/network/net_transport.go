package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/jabolina/go-roam/pkg/roam/types"
)

const (
	rpcNaming uint8 = iota
	rpcJoin
	rpcLeave
	rpcChat
	rpcLookup
	rpcPush
	rpcRequestNextIndex
	rpcServerMessages
	rpcMigrationHello
	rpcMigrate

	// Frames bigger than this are refused.
	maxFrameSize = 64 * 1024 * 1024
)

var (
	ErrTransportShutdown = errors.New("transport shutdown")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrMalformedRequest  = errors.New("malformed request")
	ErrFrameTooLarge     = errors.New("frame too large")
)

// Creates an empty request for each known kind. Any kind not
// present here is answered with ErrUnknownCommand.
var commands = map[uint8]func() interface{}{
	rpcNaming:           func() interface{} { return &NameRequest{} },
	rpcJoin:             func() interface{} { return &JoinRequest{} },
	rpcLeave:            func() interface{} { return &LeaveRequest{} },
	rpcChat:             func() interface{} { return &ChatRequest{} },
	rpcLookup:           func() interface{} { return &AddrRequest{} },
	rpcPush:             func() interface{} { return &PushRequest{} },
	rpcRequestNextIndex: func() interface{} { return &NextIndexRequest{} },
	rpcServerMessages:   func() interface{} { return &ServerMessagesRequest{} },
	rpcMigrationHello:   func() interface{} { return &MigrationHelloRequest{} },
	rpcMigrate:          func() interface{} { return &MigrateRequest{} },
}

/*
NetworkTransport provides a network based transport that can be
used to communicate on remote machines. It requires
an underlying stream layer to provide a stream abstraction, which can
be simple TCP, TLS, etc.

This transport is very simple and lightweight. Each RPC request is
framed by sending a byte that indicates the message type, followed
by the length of the body and the MsgPack encoded body.

The response is a length framed MsgPack envelope, holding an error
string and the MsgPack encoded response object.

Since every request is length framed, an undecodable body does not
break the stream: the error is logged, answered, and the connection
keeps waiting for the next request.
*/
type NetworkTransport struct {
	connPool     map[types.Address][]*netConn
	connPoolLock sync.Mutex

	consumeCh chan RPC

	logger hclog.Logger

	maxPool int

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	streamCtx     context.Context
	streamCancel  context.CancelFunc
	streamCtxLock sync.RWMutex

	// Tracks the listener and connection handlers.
	group sync.WaitGroup

	timeout time.Duration
}

type NetworkTransportConfig struct {
	Logger hclog.Logger

	// Dialer.
	Stream StreamLayer

	// How many connections.
	MaxPool int

	// Used for I/O control.
	Timeout time.Duration
}

// Context about a network connection
type netConn struct {
	target types.Address
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
}

func (n *netConn) Release() error {
	return n.conn.Close()
}

// The reply written back for each request.
type envelope struct {
	Error string
	Body  []byte
}

// Creates a new NetworkTransport with the given configuration parameters
func NewNetworkTransportWithConfig(config *NetworkTransportConfig) *NetworkTransport {
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}
	trans := &NetworkTransport{
		connPool:   make(map[types.Address][]*netConn),
		consumeCh:  make(chan RPC),
		logger:     config.Logger,
		maxPool:    config.MaxPool,
		shutdownCh: make(chan struct{}),
		stream:     config.Stream,
		timeout:    config.Timeout,
	}

	trans.setupStreamContext()
	trans.group.Add(1)
	go trans.listen()

	return trans
}

// Listen for incoming connections.
func (n *NetworkTransport) listen() {
	defer n.group.Done()
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		// Accepts connections
		conn, err := n.stream.Accept()

		// If some error happened readjust the loopDelay
		if err != nil {
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}

			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}

			if !n.IsShutdown() {
				n.logger.Error("failed to accept connection", "error", err)
			}

			// Wait again to proceed
			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}

		loopDelay = 0
		n.logger.Debug("accepted connection", "local-address", n.LocalAddress(), "remote-address", conn.RemoteAddr().String())
		n.group.Add(1)
		go n.handleConn(n.getStreamContext(), conn)
	}
}

// setupStreamContext is used to create a new stream context.
// This should be called with the stream lock held.
func (n *NetworkTransport) setupStreamContext() {
	ctx, cancel := context.WithCancel(context.Background())
	n.streamCtx = ctx
	n.streamCancel = cancel
}

// Retrieve the current stream context.
func (n *NetworkTransport) getStreamContext() context.Context {
	n.streamCtxLock.RLock()
	defer n.streamCtxLock.RUnlock()
	return n.streamCtx
}

// Handle inbound connections for all connection lifespan.
// The handler will exit when the context is cancelled or the connection is closed.
func (n *NetworkTransport) handleConn(ctx context.Context, conn net.Conn) {
	defer n.group.Done()
	defer conn.Close()

	// Unblocks a pending read once the transport is closed.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		select {
		case <-ctx.Done():
			n.logger.Debug("stream is closed")
			return
		default:
		}

		if err := n.handleCommand(conn.RemoteAddr(), r, w); err != nil {
			if err != io.EOF && !n.IsShutdown() {
				n.logger.Error("failed to handle incoming command", "error", err)
			}
			return
		}

		if err := w.Flush(); err != nil {
			n.logger.Error("failed to flush response", "error", err)
			return
		}
	}
}

// Handles an incoming command.
// It will read, decode and dispatch a single command. Returns an error only
// when the stream itself is not usable anymore.
func (n *NetworkTransport) handleCommand(from net.Addr, r *bufio.Reader, w *bufio.Writer) error {
	rpcType, err := r.ReadByte()
	if err != nil {
		return err
	}

	body, err := readFrame(r)
	if err != nil {
		return err
	}

	factory, ok := commands[rpcType]
	if !ok {
		n.logger.Warn("received unknown command", "type", rpcType, "from", from)
		return writeReply(w, nil, fmt.Errorf("%w: %d", ErrUnknownCommand, rpcType))
	}

	command := factory()
	if err := decode(body, command); err != nil {
		n.logger.Warn("failed decoding command", "type", rpcType, "from", from, "error", err)
		return writeReply(w, nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err))
	}

	respCh := make(chan RPCResponse, 1)
	rpc := RPC{
		Command:  command,
		From:     from,
		RespChan: respCh,
	}

	select {
	case n.consumeCh <- rpc:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}

	select {
	case res := <-respCh:
		return writeReply(w, res.Response, res.Error)
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}
}

func (n *NetworkTransport) genericRPC(ctx context.Context, target types.Address, rpcType uint8, req interface{}, res interface{}) error {
	if n.IsShutdown() {
		return ErrTransportShutdown
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := n.getConn(target)
	if err != nil {
		return err
	}

	deadline := time.Time{}
	if n.timeout > 0 {
		deadline = time.Now().Add(n.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if !deadline.IsZero() {
		conn.conn.SetDeadline(deadline)
	}

	if err = sendRPC(conn, rpcType, req); err != nil {
		return err
	}

	ok, err := decodeResponse(conn, res)
	if !ok {
		return err
	}

	conn.conn.SetDeadline(time.Time{})
	n.returnConn(conn)
	return err
}

// Get a new connection from the pool, if it not exists create a new one.
func (n *NetworkTransport) getConn(target types.Address) (*netConn, error) {
	if conn := n.getPooledConn(target); conn != nil {
		return conn, nil
	}

	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, err
	}

	return &netConn{
		target: target,
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
	}, nil
}

// Returns back the connection to the pool, if the pool is exceeded the max size
// the connection will be released.
func (n *NetworkTransport) returnConn(conn *netConn) {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	key := conn.target
	availableConnections := n.connPool[key]

	if !n.IsShutdown() && len(availableConnections) < n.maxPool {
		n.connPool[key] = append(availableConnections, conn)
	} else {
		conn.Release()
	}
}

// Grab a connection to the given target from the connection pool.
func (n *NetworkTransport) getPooledConn(target types.Address) *netConn {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	availableConnections, ok := n.connPool[target]
	if !ok || len(availableConnections) == 0 {
		return nil
	}

	var conn *netConn
	size := len(availableConnections)
	conn, availableConnections[size-1] = availableConnections[size-1], nil
	n.connPool[target] = availableConnections[:size-1]
	return conn
}

// Verify if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// LocalAddress implements Transport interface.
func (n *NetworkTransport) LocalAddress() types.Address {
	return types.Address(n.stream.Addr().String())
}

// Implements the Transport interface.
func (n *NetworkTransport) Naming(ctx context.Context, target types.Address, req *NameRequest, res *NameResponse) error {
	return n.genericRPC(ctx, target, rpcNaming, req, res)
}

// Implements the Transport interface.
func (n *NetworkTransport) Join(ctx context.Context, target types.Address, req *JoinRequest, res *JoinResponse) error {
	return n.genericRPC(ctx, target, rpcJoin, req, res)
}

// Implements the Transport interface.
func (n *NetworkTransport) Leave(ctx context.Context, target types.Address, req *LeaveRequest, res *LeaveResponse) error {
	return n.genericRPC(ctx, target, rpcLeave, req, res)
}

// Implements the Transport interface.
func (n *NetworkTransport) Chat(ctx context.Context, target types.Address, req *ChatRequest, res *ChatResponse) error {
	return n.genericRPC(ctx, target, rpcChat, req, res)
}

// Implements the Transport interface.
func (n *NetworkTransport) Lookup(ctx context.Context, target types.Address, req *AddrRequest, res *AddrResponse) error {
	return n.genericRPC(ctx, target, rpcLookup, req, res)
}

// Implements the Transport interface.
func (n *NetworkTransport) Push(ctx context.Context, target types.Address, req *PushRequest, res *PushResponse) error {
	return n.genericRPC(ctx, target, rpcPush, req, res)
}

// Implements the Transport interface.
func (n *NetworkTransport) RequestNextIndex(ctx context.Context, target types.Address, req *NextIndexRequest, res *NextIndexResponse) error {
	return n.genericRPC(ctx, target, rpcRequestNextIndex, req, res)
}

// Implements the Transport interface.
func (n *NetworkTransport) ServerMessages(ctx context.Context, target types.Address, req *ServerMessagesRequest, res *ServerMessagesResponse) error {
	return n.genericRPC(ctx, target, rpcServerMessages, req, res)
}

// Implements the Transport interface.
func (n *NetworkTransport) MigrationHello(ctx context.Context, target types.Address, req *MigrationHelloRequest, res *MigrationHelloResponse) error {
	return n.genericRPC(ctx, target, rpcMigrationHello, req, res)
}

// Implements the Transport interface.
func (n *NetworkTransport) Migrate(ctx context.Context, target types.Address, req *MigrateRequest, res *MigrateResponse) error {
	return n.genericRPC(ctx, target, rpcMigrate, req, res)
}

// Shutdown the current transport.
// Waits for the listener and every connection handler to finish.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	if n.shutdown {
		n.shutdownLock.Unlock()
		return nil
	}
	close(n.shutdownCh)
	n.stream.Close()
	n.shutdown = true
	n.shutdownLock.Unlock()

	n.streamCtxLock.Lock()
	n.streamCancel()
	n.streamCtxLock.Unlock()

	n.connPoolLock.Lock()
	for key, conns := range n.connPool {
		for _, conn := range conns {
			conn.Release()
		}
		delete(n.connPool, key)
	}
	n.connPoolLock.Unlock()

	n.group.Wait()
	return nil
}

// Implements Transport consumer
func (n *NetworkTransport) Consumer() <-chan RPC {
	return n.consumeCh
}

func encode(v interface{}) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{}).Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func decode(data []byte, v interface{}) error {
	return codec.NewDecoderBytes(data, &codec.MsgpackHandle{}).Decode(v)
}

func writeFrame(w *bufio.Writer, data []byte) error {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(data)))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(size[:])
	if length > maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Write the response envelope, the caller flushes.
func writeReply(w *bufio.Writer, response interface{}, rpcErr error) error {
	var env envelope
	if rpcErr != nil {
		env.Error = rpcErr.Error()
	}

	if response != nil {
		body, err := encode(response)
		if err != nil {
			env.Error = fmt.Sprintf("failed encoding response: %v", err)
		} else {
			env.Body = body
		}
	}

	data, err := encode(&env)
	if err != nil {
		return err
	}
	return writeFrame(w, data)
}

// Encodes and send an RPC request.
func sendRPC(conn *netConn, rpcType uint8, req interface{}) error {
	body, err := encode(req)
	if err != nil {
		conn.Release()
		return err
	}

	// Write the request type
	if err := conn.w.WriteByte(rpcType); err != nil {
		conn.Release()
		return err
	}

	// Send the request
	if err := writeFrame(conn.w, body); err != nil {
		conn.Release()
		return err
	}

	// Flush
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}
	return nil
}

// Decodes the responses sent on the connection.
// The first return tells if the connection can be reused.
func decodeResponse(conn *netConn, resp interface{}) (bool, error) {
	data, err := readFrame(conn.r)
	if err != nil {
		conn.Release()
		return false, err
	}

	var env envelope
	if err := decode(data, &env); err != nil {
		conn.Release()
		return false, err
	}

	if len(env.Body) > 0 && resp != nil {
		if err := decode(env.Body, resp); err != nil {
			return true, err
		}
	}

	// Format an error if any
	if env.Error != "" {
		return true, &RemoteError{Message: env.Error}
	}
	return true, nil
}

// RemoteError is an error answered by the remote side.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}
