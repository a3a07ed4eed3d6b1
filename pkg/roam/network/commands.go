package network

import "github.com/jabolina/go-roam/pkg/roam/types"

// The version of the protocol, that includes RPC messages
// and the implementation specific treatment.
//
// 0: Original and first available implementation.
type ProtocolVersion uint

// Holds which version is the latest.
const LatestProtocolVersion ProtocolVersion = 0

// RPCHeader is common sub-structure between request to pass common
// needed information about functionalities.
type RPCHeader struct {
	// Protocol version at which servers must communicate
	// Latest: 0
	ProtocolVersion ProtocolVersion
}

// Exposes the RPC header
type WithRPCHeader interface {
	GetRPCHeader() RPCHeader
}

// Record names exchanged with the name server.
const (
	UpdateServer             = "update_server"
	UpdateServerResponse     = "update_server_response"
	AddrRequestName          = "addr_request"
	AddrResponseName         = "addr_response"
	GetRandomServer          = "get_random_server"
	RandomServerResponse     = "random_server_response"
	SetCurrentServer         = "set_current_server"
	SetCurrentServerResponse = "set_current_server_response"
	RemoveServer             = "remove_server"
	RemoveServerResponse     = "remove_server_response"
	Empty                    = "empty"
)

// NameRequest is a record sent to the name server.
// Which fields are used depends on the record name.
type NameRequest struct {
	RPCHeader

	Name string           `codec:"name"`
	URI  types.LogicalURI `codec:"uri"`
	Addr types.Address    `codec:"addr"`
}

// NameResponse is the record answered by the name server.
// Addr is nil when the server has no address to answer with.
type NameResponse struct {
	RPCHeader

	Name   string           `codec:"name"`
	ReqURI types.LogicalURI `codec:"req_uri"`
	Addr   *types.Address   `codec:"addr"`
}

// Sent by a client when connecting to a chat server.
type JoinRequest struct {
	RPCHeader

	// The user name, must be unique.
	Username string

	// Address the client listens for pushed events.
	PublicURI types.Address

	// UUID the client had before a migration, if any.
	PreviousUUID types.ProcessID
}

// Answer for a join, the client uses the UUID as its clock id.
type JoinResponse struct {
	RPCHeader

	UUID types.ProcessID

	SessionID string
}

// Sent by a client when disconnecting.
type LeaveRequest struct {
	RPCHeader

	SessionID string
}

type LeaveResponse struct {
	RPCHeader
}

// A chat message from a client, stamped by the client vector clock.
type ChatRequest struct {
	RPCHeader

	SessionID string

	Message types.Message
}

// Acknowledges the chat was received, not that it was delivered.
type ChatResponse struct {
	RPCHeader

	Accepted bool
}

// Lookup of another user for private messages.
type AddrRequest struct {
	RPCHeader

	Username string
}

type AddrResponse struct {
	RPCHeader

	Found bool

	URI types.Address

	UUID types.ProcessID
}

// Event pushed from a server to a client.
type PushRequest struct {
	RPCHeader

	Event types.Event
}

type PushResponse struct {
	RPCHeader
}

// Asks the peer replica to agree on the index of a message.
type NextIndexRequest struct {
	RPCHeader

	// Replica sending the request.
	From types.Address

	// The message waiting for an index, with the username filled.
	Message types.Message

	// Local candidate index of the requester.
	Candidate types.DeliveryIndex

	// The requester is the sequencer and the candidate is final.
	Authoritative bool
}

type NextIndexResponse struct {
	RPCHeader

	// The agreed index.
	Index types.DeliveryIndex
}

// Asks the peer replica for every message at or after the index.
type ServerMessagesRequest struct {
	RPCHeader

	From types.DeliveryIndex
}

type ServerMessagesResponse struct {
	RPCHeader

	// Missing indices mapped to messages.
	Messages map[types.DeliveryIndex]types.Delivered

	// The next index of the answering replica.
	NextIndex types.DeliveryIndex
}

// Opens the migration connection with a candidate.
type MigrationHelloRequest struct {
	RPCHeader

	// Address of the replica that will migrate.
	From types.Address

	// The logical URI being migrated.
	URI types.LogicalURI
}

type MigrationHelloResponse struct {
	RPCHeader

	// The candidate is able to receive the migration.
	Accepted bool
}

// Carries the exported state to the candidate.
type MigrateRequest struct {
	RPCHeader

	From types.Address

	URI types.LogicalURI

	State types.Snapshot
}

// The single acknowledgment for the handoff.
type MigrateResponse struct {
	RPCHeader

	Ack bool
}

// Get the name request RPC header information
func (r *NameRequest) GetRPCHeader() RPCHeader {
	return r.RPCHeader
}

// Get the join request RPC header information
func (r *JoinRequest) GetRPCHeader() RPCHeader {
	return r.RPCHeader
}

// Get the chat request RPC header information
func (r *ChatRequest) GetRPCHeader() RPCHeader {
	return r.RPCHeader
}

// Get the next index request RPC header information
func (r *NextIndexRequest) GetRPCHeader() RPCHeader {
	return r.RPCHeader
}

// Get the migrate request RPC header information
func (r *MigrateRequest) GetRPCHeader() RPCHeader {
	return r.RPCHeader
}
