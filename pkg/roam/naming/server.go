package naming

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-roam/pkg/roam/helper"
	"github.com/jabolina/go-roam/pkg/roam/metrics"
	"github.com/jabolina/go-roam/pkg/roam/network"
	"github.com/jabolina/go-roam/pkg/roam/types"
)

// Server answers name records over the transport.
// Every record is answered, a name the server does not know is
// answered with the `empty` record.
type Server struct {
	// Registry holding every location.
	registry *LocationRegistry

	// Transport used to receive records.
	transport network.Transport

	metrics *metrics.Metrics

	log hclog.Logger

	invoker helper.Invoker

	ctx    context.Context
	cancel context.CancelFunc

	flag helper.Flag
}

// NewServer starts serving the registry on the transport.
// The server owns the transport and closes it on Shutdown.
func NewServer(transport network.Transport, log hclog.Logger, m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry:  NewLocationRegistry(),
		transport: transport,
		metrics:   m,
		log:       log,
		invoker:   helper.NewInvoker(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.invoker.Spawn(s.poll)
	log.Info("name server listening", "address", transport.LocalAddress())
	return s
}

// Registry exposes the locations, mostly for inspection.
func (s *Server) Registry() *LocationRegistry {
	return s.registry
}

// Address the server is reachable at.
func (s *Server) Address() types.Address {
	return s.transport.LocalAddress()
}

func (s *Server) poll() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case rpc := <-s.transport.Consumer():
			s.handle(rpc)
		}
	}
}

func (s *Server) handle(rpc network.RPC) {
	req, ok := rpc.Command.(*network.NameRequest)
	if !ok {
		s.log.Warn("unexpected command for name server", "command", rpc.Command)
		rpc.Respond(nil, network.ErrUnknownCommand)
		return
	}

	requester := ""
	if rpc.From != nil {
		requester = rpc.From.String()
	}
	rpc.Respond(s.Answer(req, requester), nil)
}

// Answer processes a single record from the requester.
func (s *Server) Answer(req *network.NameRequest, requester string) *network.NameResponse {
	res := &network.NameResponse{}
	switch req.Name {
	case network.UpdateServer:
		s.registry.Register(req.URI, req.Addr)
		res.Name = network.UpdateServerResponse
		res.Addr = s.resolve(req.URI, requester)
		s.log.Debug("registered server", "uri", req.URI, "address", req.Addr)
	case network.AddrRequestName:
		res.Name = network.AddrResponseName
		res.ReqURI = req.URI
		res.Addr = s.resolve(req.URI, requester)
		s.log.Debug("resolved address", "uri", req.URI, "requester", requester, "address", res.Addr)
	case network.GetRandomServer:
		res.Name = network.RandomServerResponse
		if addr, ok := s.registry.PickRandomPeer(req.URI); ok {
			res.Addr = &addr
		}
	case network.SetCurrentServer:
		s.registry.SetCurrent(req.URI, req.Addr)
		res.Name = network.SetCurrentServerResponse
		s.log.Info("server location updated", "uri", req.URI, "address", req.Addr)
	case network.RemoveServer:
		s.registry.Deregister(req.Addr)
		res.Name = network.RemoveServerResponse
		s.log.Info("server removed", "address", req.Addr)
	default:
		s.log.Debug("record did not match", "name", req.Name)
		res.Name = network.Empty
	}
	s.metrics.Registry.Set(float64(s.registry.Size()))
	return res
}

func (s *Server) resolve(uri types.LogicalURI, requester string) *types.Address {
	addr, ok := s.registry.Resolve(uri, requester)
	if !ok {
		return nil
	}
	return &addr
}

// Shutdown stops serving and closes the transport.
func (s *Server) Shutdown() {
	if !s.flag.Inactivate() {
		return
	}
	s.cancel()
	s.transport.Close()
	s.invoker.Stop()
}
