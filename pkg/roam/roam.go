package roam

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-roam/pkg/roam/chat"
	"github.com/jabolina/go-roam/pkg/roam/helper"
	"github.com/jabolina/go-roam/pkg/roam/migration"
	"github.com/jabolina/go-roam/pkg/roam/naming"
	"github.com/jabolina/go-roam/pkg/roam/network"
	"github.com/jabolina/go-roam/pkg/roam/types"
)

// Err is returned when an RPC arrives in a version that the current
// replica cannot handle.
var ErrUnsupportedProtocol = errors.New("protocol version not supported")

// Replica is a process able to serve the chat room.
//
// Every replica registers itself with the name server, only one of
// them is the current address of the room at a time. The others wait
// to be selected as a migration candidate.
type Replica struct {
	config *Config

	transport network.Transport

	names *naming.Client

	manager *migration.Manager

	invoker helper.Invoker
	ctx     context.Context
	cancel  context.CancelFunc

	log hclog.Logger

	flag helper.Flag
}

// NewReplica creates a replica listening on the configured address.
func NewReplica(config *Config) (*Replica, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	transport, err := network.NewTCPTransport(config.BindAddress, nil, config.Transport.PoolSize,
		config.Transport.Timeout, config.Logger.Named("transport"))
	if err != nil {
		return nil, err
	}

	r, err := NewReplicaWithTransport(config, transport)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return r, nil
}

// NewReplicaWithTransport creates a replica over the given transport.
// The replica owns the transport and closes it on shutdown.
func NewReplicaWithTransport(config *Config, transport network.Transport) (*Replica, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	log := config.Logger.With("address", transport.LocalAddress())
	names := naming.NewClient(transport, config.NameServer)
	rooms := func() *chat.Server {
		return chat.NewServer(chat.Config{
			MinUserCount:      config.MinUserCount,
			DelayedMessageTTL: config.DelayedMessageTTL,
			ReconnectInterval: config.ReconnectInterval,
			Timeout:           config.Transport.Timeout,
			Sessions:          chat.TransportSessions(transport),
			Logger:            log.Named("server"),
			Metrics:           config.Metrics,
		})
	}
	manager := migration.NewManager(migration.Config{
		URI:                 config.URI,
		Interval:            config.MigrationInterval,
		CandidateAttempts:   config.CandidateAttempts,
		DrainTimeout:        config.DrainTimeout,
		HandoffTimeout:      config.HandoffTimeout,
		Timeout:             config.Transport.Timeout,
		RetryInterval:       config.ReconnectInterval,
		StandbyAfterHandoff: config.StandbyAfterHandoff,
		Logger:              log.Named("migration"),
		Metrics:             config.Metrics,
	}, transport, names, rooms)

	ctx, cancel := context.WithCancel(context.Background())
	r := &Replica{
		config:    config,
		transport: transport,
		names:     names,
		manager:   manager,
		invoker:   helper.NewInvoker(),
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
	}
	return r, nil
}

// Start registers the replica with the name server and starts
// answering requests. An active replica also claims the room.
func (r *Replica) Start() error {
	r.invoker.Spawn(r.poll)

	// A passive replica registers under its own uri, so it is known as a
	// candidate without being resolved for the room.
	uri := r.config.URI
	if !r.config.StartActive {
		uri = ReplicaURI(r.transport.LocalAddress())
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.config.Transport.Timeout)
	current, err := r.names.Register(ctx, uri, r.transport.LocalAddress())
	cancel()
	if err != nil {
		return fmt.Errorf("failed registering %s: %w", uri, err)
	}

	r.log.Info("replica registered", "uri", uri, "current", current, "active", r.config.StartActive)
	return r.manager.Start(r.config.StartActive)
}

// ReplicaURI is the uri a replica registers for itself.
func ReplicaURI(address types.Address) types.LogicalURI {
	return types.LogicalURI("migration@" + string(address))
}

// Address the replica is listening.
func (r *Replica) Address() types.Address {
	return r.transport.LocalAddress()
}

// Manager moving the room of this replica.
func (r *Replica) Manager() *migration.Manager {
	return r.manager
}

// Starts polling forever until shutdown.
func (r *Replica) poll() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case rpc := <-r.transport.Consumer():
			r.process(rpc)
		}
	}
}

// Verify if the rpc version can be handled.
func (r *Replica) checkRPCHeader(rpc network.RPC) error {
	cmd, ok := rpc.Command.(network.WithRPCHeader)
	if !ok {
		return nil
	}
	if cmd.GetRPCHeader().ProtocolVersion > r.config.Version {
		return ErrUnsupportedProtocol
	}
	return nil
}

// Process the current received RPC.
func (r *Replica) process(rpc network.RPC) {
	if err := r.checkRPCHeader(rpc); err != nil {
		r.log.Warn("received version not handled", "from", rpc.From, "error", err)
		rpc.Respond(nil, err)
		return
	}

	switch cmd := rpc.Command.(type) {
	case *network.JoinRequest:
		room, err := r.manager.Serving()
		if err != nil {
			rpc.Respond(nil, err)
			return
		}
		rpc.Respond(room.Join(cmd))
	case *network.LeaveRequest:
		room, err := r.manager.Serving()
		if err != nil {
			rpc.Respond(nil, err)
			return
		}
		rpc.Respond(&network.LeaveResponse{}, room.Leave(cmd))
	case *network.ChatRequest:
		room, err := r.manager.Serving()
		if err != nil {
			rpc.Respond(&network.ChatResponse{Accepted: false}, err)
			return
		}
		err = room.Chat(cmd)
		rpc.Respond(&network.ChatResponse{Accepted: err == nil}, err)
	case *network.AddrRequest:
		room, err := r.manager.Serving()
		if err != nil {
			rpc.Respond(nil, err)
			return
		}
		rpc.Respond(room.Lookup(cmd), nil)
	case *network.NextIndexRequest:
		index := r.manager.Room().Coordinator().OnRequestNextIndex(cmd)
		rpc.Respond(&network.NextIndexResponse{Index: index}, nil)
	case *network.ServerMessagesRequest:
		rpc.Respond(r.manager.Room().Coordinator().OnServerMessages(cmd.From), nil)
	case *network.MigrationHelloRequest:
		rpc.Respond(r.manager.OnMigrationHello(cmd), nil)
	case *network.MigrateRequest:
		rpc.Respond(r.manager.OnMigrate(cmd))
	default:
		r.log.Error("unexpected command", "from", rpc.From, "command", fmt.Sprintf("%T", rpc.Command))
		rpc.Respond(nil, fmt.Errorf("%w: %T", network.ErrUnknownCommand, rpc.Command))
	}
}

// Shutdown leaves the name server and stops every routine.
func (r *Replica) Shutdown() {
	if !r.flag.Inactivate() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.Transport.Timeout)
	if err := r.names.Deregister(ctx, r.transport.LocalAddress()); err != nil {
		r.log.Warn("failed leaving the name server", "error", err)
	}
	cancel()

	r.manager.Stop()
	r.cancel()
	r.invoker.Stop()
	r.transport.Close()
}
