package naming

import (
	"context"
	"fmt"

	"github.com/jabolina/go-roam/pkg/roam/network"
	"github.com/jabolina/go-roam/pkg/roam/types"
)

// Client sends name records to a name server.
type Client struct {
	transport network.Transport

	// Where the name server is reachable.
	server types.Address
}

func NewClient(transport network.Transport, server types.Address) *Client {
	return &Client{transport: transport, server: server}
}

func (c *Client) send(ctx context.Context, req *network.NameRequest, expected string) (*network.NameResponse, error) {
	var res network.NameResponse
	req.RPCHeader = network.RPCHeader{ProtocolVersion: network.LatestProtocolVersion}
	if err := c.transport.Naming(ctx, c.server, req, &res); err != nil {
		return nil, fmt.Errorf("name server %s: %w", c.server, err)
	}

	if res.Name != expected {
		return nil, fmt.Errorf("name server answered %q instead of %q", res.Name, expected)
	}
	return &res, nil
}

// Register the address as serving the uri.
// Returns the address the name server resolves the uri to.
func (c *Client) Register(ctx context.Context, uri types.LogicalURI, addr types.Address) (types.Address, error) {
	res, err := c.send(ctx, &network.NameRequest{Name: network.UpdateServer, URI: uri, Addr: addr}, network.UpdateServerResponse)
	if err != nil {
		return "", err
	}
	if res.Addr == nil {
		return "", ErrUnknownURI
	}
	return *res.Addr, nil
}

// Resolve the current address of the uri.
// The boolean is false when the uri is not known.
func (c *Client) Resolve(ctx context.Context, uri types.LogicalURI) (types.Address, bool, error) {
	res, err := c.send(ctx, &network.NameRequest{Name: network.AddrRequestName, URI: uri}, network.AddrResponseName)
	if err != nil {
		return "", false, err
	}
	if res.Addr == nil {
		return "", false, nil
	}
	return *res.Addr, true, nil
}

// RandomServer asks for a known address that is not serving the uri.
// The boolean is false when no such address exists.
func (c *Client) RandomServer(ctx context.Context, uri types.LogicalURI) (types.Address, bool, error) {
	res, err := c.send(ctx, &network.NameRequest{Name: network.GetRandomServer, URI: uri}, network.RandomServerResponse)
	if err != nil {
		return "", false, err
	}
	if res.Addr == nil {
		return "", false, nil
	}
	return *res.Addr, true, nil
}

// SetCurrent points the uri exclusively to the address.
func (c *Client) SetCurrent(ctx context.Context, uri types.LogicalURI, addr types.Address) error {
	_, err := c.send(ctx, &network.NameRequest{Name: network.SetCurrentServer, URI: uri, Addr: addr}, network.SetCurrentServerResponse)
	return err
}

// Deregister removes the address from every uri.
func (c *Client) Deregister(ctx context.Context, addr types.Address) error {
	_, err := c.send(ctx, &network.NameRequest{Name: network.RemoveServer, Addr: addr}, network.RemoveServerResponse)
	return err
}
