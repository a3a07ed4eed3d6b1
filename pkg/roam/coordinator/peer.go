package coordinator

import (
	"context"

	"github.com/jabolina/go-roam/pkg/roam/network"
	"github.com/jabolina/go-roam/pkg/roam/types"
)

// Peer is the other replica during an overlap.
type Peer interface {
	// Where the peer is reachable.
	Address() types.Address

	// Ask the peer to agree on the index of the message.
	RequestNextIndex(ctx context.Context, req *network.NextIndexRequest) (types.DeliveryIndex, error)

	// Ask the peer for every message at or after the index.
	ServerMessages(ctx context.Context, from types.DeliveryIndex) (*network.ServerMessagesResponse, error)
}

// Peer reached through the transport.
type transportPeer struct {
	transport network.Transport

	// Address of the local replica, sent on requests.
	self types.Address

	address types.Address
}

// NewTransportPeer creates a peer reachable at the given address.
func NewTransportPeer(transport network.Transport, address types.Address) Peer {
	return &transportPeer{
		transport: transport,
		self:      transport.LocalAddress(),
		address:   address,
	}
}

// Implements the Peer interface.
func (p *transportPeer) Address() types.Address {
	return p.address
}

// Implements the Peer interface.
func (p *transportPeer) RequestNextIndex(ctx context.Context, req *network.NextIndexRequest) (types.DeliveryIndex, error) {
	req.RPCHeader = network.RPCHeader{ProtocolVersion: network.LatestProtocolVersion}
	req.From = p.self
	var res network.NextIndexResponse
	if err := p.transport.RequestNextIndex(ctx, p.address, req, &res); err != nil {
		return 0, err
	}
	return res.Index, nil
}

// Implements the Peer interface.
func (p *transportPeer) ServerMessages(ctx context.Context, from types.DeliveryIndex) (*network.ServerMessagesResponse, error) {
	req := &network.ServerMessagesRequest{
		RPCHeader: network.RPCHeader{ProtocolVersion: network.LatestProtocolVersion},
		From:      from,
	}
	var res network.ServerMessagesResponse
	if err := p.transport.ServerMessages(ctx, p.address, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
