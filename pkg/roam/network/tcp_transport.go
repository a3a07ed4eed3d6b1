package network

import (
	"errors"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-roam/pkg/roam/types"
)

// Keep alive period for every dialed connection.
const keepAlivePeriod = 30 * time.Second

var (
	// The listener is bound to every interface and no address to
	// publish was given, other processes would not reach it.
	ErrNotAdvertisable = errors.New("bind address is unspecified and no advertise address given")

	ErrNotTCP = errors.New("local address is not TCP")
)

// TCPStreamLayer implements the StreamLayer over plain TCP.
type TCPStreamLayer struct {
	// Published address, the listener address when nil.
	advertise net.Addr

	listener *net.TCPListener

	dialer net.Dialer
}

// NewTCPTransport creates a transport listening on the bind address.
// The advertise address is optional, it is the address published to
// the name server and to users when the listener is bound to every
// interface.
func NewTCPTransport(
	bindAddr string,
	advertise net.Addr,
	maxPool int,
	timeout time.Duration,
	logger hclog.Logger,
) (*NetworkTransport, error) {
	stream, err := NewTCPStreamLayer(bindAddr, advertise)
	if err != nil {
		return nil, err
	}
	return NewNetworkTransportWithConfig(&NetworkTransportConfig{
		Logger:  logger,
		Stream:  stream,
		MaxPool: maxPool,
		Timeout: timeout,
	}), nil
}

// NewTCPStreamLayer listens on the bind address.
func NewTCPStreamLayer(bindAddr string, advertise net.Addr) (*TCPStreamLayer, error) {
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	tcp, ok := listener.(*net.TCPListener)
	if !ok {
		listener.Close()
		return nil, ErrNotTCP
	}

	stream := &TCPStreamLayer{
		advertise: advertise,
		listener:  tcp,
		dialer:    net.Dialer{KeepAlive: keepAlivePeriod},
	}

	published, ok := stream.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, ErrNotTCP
	}

	if published.IP.IsUnspecified() {
		listener.Close()
		return nil, ErrNotAdvertisable
	}
	return stream, nil
}

// Dial implements the StreamLayer interface.
func (t *TCPStreamLayer) Dial(address types.Address, timeout time.Duration) (net.Conn, error) {
	dialer := t.dialer
	dialer.Timeout = timeout
	return dialer.Dial("tcp", string(address))
}

// Accept implements the net.Listener interface.
func (t *TCPStreamLayer) Accept() (net.Conn, error) {
	return t.listener.Accept()
}

// Close implements the net.Listener interface.
func (t *TCPStreamLayer) Close() error {
	return t.listener.Close()
}

// Addr implements the net.Listener interface.
func (t *TCPStreamLayer) Addr() net.Addr {
	if t.advertise != nil {
		return t.advertise
	}
	return t.listener.Addr()
}
